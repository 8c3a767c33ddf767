//go:build darwin || linux

package pullbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup starts cmd in its own session, which also makes it
// the leader of a new process group whose id equals its pid. Setsid rather
// than Setpgid detaches the command from the caller's terminal as well.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0
}

// signalGroup sends sig to every process in the group led by pid. A group
// that no longer exists yields os.ErrProcessDone.
func signalGroup(pid int, sig syscall.Signal) error {
	// Guard: kill(-1) signals every process the caller may signal and
	// kill(0) the caller's own group. Neither may ever happen.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// exitCodeOf maps a finished process to the shell convention: its exit
// status, or 128 plus the signal number when a signal killed it.
func exitCodeOf(ps *os.ProcessState) int {
	if ps == nil {
		return exitUnknown
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
