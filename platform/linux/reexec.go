//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/pullfrog/pullbox/internal/envutil"
	"github.com/pullfrog/pullbox/platform"
)

// reExecEnvKey marks a process started as the init helper. Its value is
// "<config fd>,<status fd>".
const reExecEnvKey = "_PULLBOX_INIT"

// initFailureExit is the helper's exit status when namespace setup fails
// before the command could be exec'd.
const initFailureExit = 125

// Function variables for dependency injection in tests.
var (
	mountProcFn          = mountProc
	applyAncestorScopeFn = applyAncestorScope
	syscallExecFn        = syscall.Exec
	osExitFn             = os.Exit
)

// MaybeSandboxInit checks whether the current process is the init helper
// of an isolated command or a program restarted by RestrictExec. If it is,
// it never returns: it either execs or exits. It returns false in every
// other process.
func MaybeSandboxInit() bool {
	if raw := os.Getenv(restrictEnvKey); raw != "" {
		osExitFn(restrictInit(raw))
		return true
	}

	fds := os.Getenv(reExecEnvKey)
	if fds == "" {
		return false
	}

	code := sandboxInit(fds)
	osExitFn(code)
	return true // unreachable, but satisfies the compiler
}

// sandboxInit runs inside the new namespaces as PID 1. It reads its config
// from the config pipe, remounts /proc and applies the ancestor scope as
// requested, reports what it achieved on the status pipe and then execs
// the command so that the command itself becomes PID 1.
func sandboxInit(fds string) int {
	// Landlock and prctl act on the calling thread; exec must come from
	// the same thread so the new image inherits them.
	runtime.LockOSThread()

	cfgFd, statusFd, err := parseInitFds(fds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: %v\n", err)
		return initFailureExit
	}

	cfgFile := os.NewFile(uintptr(cfgFd), "init-config")
	statusFile := os.NewFile(uintptr(statusFd), "init-status")
	if cfgFile == nil || statusFile == nil {
		fmt.Fprintf(os.Stderr, "pullbox: cannot open init fds %q\n", fds)
		return initFailureExit
	}
	defer func() { _ = statusFile.Close() }()

	var cfg platform.IsolationConfig
	err = json.NewDecoder(cfgFile).Decode(&cfg)
	_ = cfgFile.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: decode init config: %v\n", err)
		return initFailureExit
	}

	// /proc must be mounted before the Landlock layer, which forbids
	// mount(2).
	var status platform.InitStatus
	if cfg.MountProc {
		if err := mountProcFn(); err != nil {
			status.ProcError = err.Error()
		} else {
			status.ProcMounted = true
		}
	}
	if cfg.ScopeAncestors {
		if err := applyAncestorScopeFn(); err != nil {
			status.ScopeError = err.Error()
		} else {
			status.Scoped = true
		}
	}

	if err := json.NewEncoder(statusFile).Encode(status); err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: report init status: %v\n", err)
		return initFailureExit
	}
	_ = statusFile.Close()

	if (cfg.MountProc || cfg.ScopeAncestors) && !status.Protected() {
		fmt.Fprintf(os.Stderr, "pullbox: isolation unavailable: proc: %s; scope: %s\n",
			status.ProcError, status.ScopeError)
		return initFailureExit
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "pullbox: no command to exec\n")
		return initFailureExit
	}
	env := envutil.RemoveEnv(os.Environ(), reExecEnvKey)
	if err := syscallExecFn(args[0], args, env); err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: exec %s: %v\n", args[0], err)
		return initFailureExit
	}
	return 0 // unreachable
}

func parseInitFds(s string) (int, int, error) {
	cfgStr, statusStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid init fds %q", s)
	}
	cfgFd, err := strconv.Atoi(cfgStr)
	if err != nil || cfgFd < 0 {
		return 0, 0, fmt.Errorf("invalid config fd %q", cfgStr)
	}
	statusFd, err := strconv.Atoi(statusStr)
	if err != nil || statusFd < 0 {
		return 0, 0, fmt.Errorf("invalid status fd %q", statusStr)
	}
	return cfgFd, statusFd, nil
}

// mountProc makes the mount tree private, so nothing propagates back to the
// host, and mounts a procfs that only shows the new PID namespace.
func mountProc() error {
	if err := syscall.Mount("", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	if err := syscall.Mount("proc", "/proc", "proc",
		syscall.MS_NOSUID|syscall.MS_NODEV|syscall.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	return nil
}
