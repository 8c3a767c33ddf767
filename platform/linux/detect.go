//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion represents a parsed Linux kernel version.
type KernelVersion struct {
	Major, Minor, Patch int
}

// unameFn is a function variable for uname(2), overridden in tests.
var unameFn = unix.Uname

// readSysctlFn reads a /proc/sys entry, overridden in tests.
var readSysctlFn = os.ReadFile

// DetectKernelVersion returns the running kernel release as reported by
// uname(2). Unlike /proc/version this works inside a sandbox that denies
// reads under /proc.
func DetectKernelVersion() (KernelVersion, error) {
	var uts unix.Utsname
	if err := unameFn(&uts); err != nil {
		return KernelVersion{}, fmt.Errorf("uname: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	if release == "" {
		return KernelVersion{}, errors.New("uname returned an empty release")
	}
	return ParseKernelVersion(release)
}

// ParseKernelVersion parses a release string like "6.8.0-45-generic".
// Anything after the first hyphen, plus sign or space is ignored.
func ParseKernelVersion(s string) (KernelVersion, error) {
	if idx := strings.IndexAny(s, "-+ "); idx != -1 {
		s = s[:idx]
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return KernelVersion{}, fmt.Errorf("invalid kernel version: %q", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("invalid major version in %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("invalid minor version in %q: %w", s, err)
	}

	var patch int
	if len(parts) == 3 && parts[2] != "" {
		patch, err = strconv.Atoi(parts[2])
		if err != nil {
			return KernelVersion{}, fmt.Errorf("invalid patch version in %q: %w", s, err)
		}
	}

	return KernelVersion{Major: major, Minor: minor, Patch: patch}, nil
}

// AtLeast reports whether v is at least major.minor.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// userNamespaceSysctls are the knobs distributions use to switch off
// unprivileged user namespaces. A value of "0" in any of them disables
// them.
var userNamespaceSysctls = []string{
	"/proc/sys/kernel/unprivileged_userns_clone",
	"/proc/sys/user/max_user_namespaces",
}

// DetectUserNamespaces reports whether unprivileged user namespaces look
// usable. It returns a reason when they are not. Missing sysctl files are
// treated as permissive: mainline kernels do not have the Debian knob, and
// the clone itself is the final arbiter.
func DetectUserNamespaces() (bool, string) {
	for _, path := range userNamespaceSysctls {
		data, err := readSysctlFn(path)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "0" {
			return false, path + " is 0"
		}
	}
	return true, ""
}
