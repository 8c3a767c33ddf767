//go:build linux

package linux

import (
	"errors"
	"strings"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pullfrog/pullbox/platform"
)

func savePrctlFns(t *testing.T) {
	t.Helper()
	orig, origAll := prctlFn, allThreadsPrctlFn
	t.Cleanup(func() {
		prctlFn = orig
		allThreadsPrctlFn = origAll
	})
}

func TestSetNoNewPrivs(t *testing.T) {
	savePrctlFns(t)
	var gotOption, gotArg uintptr
	prctlFn = func(option, arg2, arg3, arg4, arg5 uintptr) syscall.Errno {
		gotOption, gotArg = option, arg2
		if arg3 != 0 || arg4 != 0 || arg5 != 0 {
			t.Errorf("unused prctl args must be zero, got %d %d %d", arg3, arg4, arg5)
		}
		return 0
	}
	if err := setNoNewPrivs(); err != nil {
		t.Fatalf("setNoNewPrivs: %v", err)
	}
	if gotOption != unix.PR_SET_NO_NEW_PRIVS || gotArg != 1 {
		t.Errorf("prctl(%d, %d), want prctl(PR_SET_NO_NEW_PRIVS, 1)", gotOption, gotArg)
	}
}

func TestSetNoNewPrivs_Error(t *testing.T) {
	savePrctlFns(t)
	prctlFn = func(option, arg2, arg3, arg4, arg5 uintptr) syscall.Errno {
		return syscall.EINVAL
	}
	if err := setNoNewPrivs(); !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("err = %v, want EINVAL", err)
	}
}

func TestSetNoNewPrivsAllThreads_Errors(t *testing.T) {
	savePrctlFns(t)

	allThreadsPrctlFn = func(option, arg2, arg3, arg4, arg5 uintptr) syscall.Errno {
		return syscall.EPERM
	}
	err := setNoNewPrivsAllThreads()
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("err = %v, want EPERM", err)
	}
	if strings.Contains(err.Error(), "cgo") {
		t.Errorf("EPERM should not mention cgo: %v", err)
	}
	if errors.Is(err, platform.ErrThreadSyncUnsupported) {
		t.Errorf("EPERM must not be reported as a thread-sync failure: %v", err)
	}

	allThreadsPrctlFn = func(option, arg2, arg3, arg4, arg5 uintptr) syscall.Errno {
		return syscall.ENOTSUP
	}
	if err := setNoNewPrivsAllThreads(); err == nil || !strings.Contains(err.Error(), "cgo") {
		t.Fatalf("err = %v, want a cgo hint", err)
	}
}
