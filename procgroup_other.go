//go:build !(darwin || linux)

package pullbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setupProcessGroup(*exec.Cmd) {}

// signalGroup can only reach the leader here; every signal kills it.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 1 {
		return os.ErrProcessDone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func exitCodeOf(ps *os.ProcessState) int {
	if ps == nil {
		return exitUnknown
	}
	return ps.ExitCode()
}
