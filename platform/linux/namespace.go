//go:build linux

package linux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pullfrog/pullbox/internal/envutil"
	"github.com/pullfrog/pullbox/platform"
)

// selfExePath is re-executed as the init helper inside the namespaces.
var selfExePath = "/proc/self/exe"

// Descriptor numbers of the two handshake pipes in the init helper. Go
// assigns ExtraFiles[i] to fd 3+i.
const (
	initConfigFd = 3
	initStatusFd = 4
)

// errInitExited is returned by Handshake when the helper closed its status
// pipe without reporting, which happens when it crashed or was killed.
var errInitExited = errors.New("init helper exited before reporting status")

// configureNamespaces puts cmd in fresh user, mount, PID, IPC and UTS
// namespaces. The caller's uid and gid are mapped to root inside the user
// namespace, which is what grants the helper the right to mount /proc.
func configureNamespaces(cmd *exec.Cmd) {
	flags := syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = uintptr(flags)
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getgid(), Size: 1},
	}
	// The helper is PID 1 of the namespace; when it dies the kernel kills
	// every other process in it.
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}

// isolation is the parent side of one isolated launch.
type isolation struct {
	cfg     platform.IsolationConfig
	cfgR    *os.File
	cfgW    *os.File
	statusR *os.File
	statusW *os.File
}

// isolate rewrites cmd so that it starts the init helper inside new
// namespaces, which then execs the original cmd.Path with cmd.Args.
func isolate(cmd *exec.Cmd, cfg *platform.IsolationConfig) (*isolation, error) {
	if len(cmd.ExtraFiles) != 0 {
		return nil, errors.New("isolated commands cannot carry extra files")
	}
	if cmd.Env == nil {
		return nil, errors.New("isolated commands need an explicit environment")
	}

	iso := &isolation{}
	if cfg != nil {
		iso.cfg = *cfg
	}

	var err error
	if iso.cfgR, iso.cfgW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("create config pipe: %w", err)
	}
	if iso.statusR, iso.statusW, err = os.Pipe(); err != nil {
		iso.Abort()
		return nil, fmt.Errorf("create status pipe: %w", err)
	}

	args := make([]string, 0, len(cmd.Args)+1)
	args = append(args, "pullbox-init", cmd.Path)
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}
	cmd.Path = selfExePath
	cmd.Args = args
	cmd.ExtraFiles = []*os.File{iso.cfgR, iso.statusW}
	cmd.Env = envutil.SetEnv(cmd.Env, reExecEnvKey,
		strconv.Itoa(initConfigFd)+","+strconv.Itoa(initStatusFd))
	configureNamespaces(cmd)
	return iso, nil
}

func (iso *isolation) Started() {
	closeFile(&iso.cfgR)
	closeFile(&iso.statusW)
}

func (iso *isolation) Handshake() (platform.InitStatus, error) {
	var status platform.InitStatus
	defer iso.Abort()

	err := json.NewEncoder(iso.cfgW).Encode(iso.cfg)
	closeFile(&iso.cfgW)
	if err != nil {
		return status, fmt.Errorf("send init config: %w", err)
	}

	data, err := io.ReadAll(iso.statusR)
	if err != nil {
		return status, fmt.Errorf("read init status: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return status, errInitExited
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("decode init status: %w", err)
	}
	return status, nil
}

func (iso *isolation) Abort() {
	closeFile(&iso.cfgR)
	closeFile(&iso.cfgW)
	closeFile(&iso.statusR)
	closeFile(&iso.statusW)
}

func closeFile(f **os.File) {
	if *f != nil {
		_ = (*f).Close()
		*f = nil
	}
}
