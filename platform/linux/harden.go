//go:build linux

package linux

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pullfrog/pullbox/platform"
)

// prctlFn applies prctl to the calling thread only. It is used by the init
// helper, which is single-purpose and locked to its OS thread.
var prctlFn = func(option, arg2, arg3, arg4, arg5 uintptr) syscall.Errno {
	_, _, errno := syscall.Syscall6(syscall.SYS_PRCTL, option, arg2, arg3, arg4, arg5, 0)
	return errno
}

// allThreadsPrctlFn applies prctl to every thread of the process. It fails
// with ENOTSUP in binaries built with cgo.
var allThreadsPrctlFn = func(option, arg2, arg3, arg4, arg5 uintptr) syscall.Errno {
	_, _, errno := syscall.AllThreadsSyscall6(syscall.SYS_PRCTL, option, arg2, arg3, arg4, arg5, 0)
	return errno
}

// setNoNewPrivs sets PR_SET_NO_NEW_PRIVS on the calling thread. Landlock
// refuses to restrict an unprivileged thread without it.
func setNoNewPrivs() error {
	if errno := prctlFn(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", errno)
	}
	return nil
}

// setNoNewPrivsAllThreads sets PR_SET_NO_NEW_PRIVS on every thread of the
// host process, so that a later all-threads landlock_restrict_self is
// accepted on each of them.
func setNoNewPrivsAllThreads() error {
	if errno := allThreadsPrctlFn(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); errno != 0 {
		if errno == syscall.ENOTSUP {
			return fmt.Errorf("%w: prctl(PR_SET_NO_NEW_PRIVS): %w (binary built with cgo)",
				platform.ErrThreadSyncUnsupported, errno)
		}
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS) on all threads: %w", errno)
	}
	return nil
}
