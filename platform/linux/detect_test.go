//go:build linux

package linux

import (
	"errors"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseKernelVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    KernelVersion
		wantErr bool
	}{
		{name: "standard version", input: "5.15.0", want: KernelVersion{5, 15, 0}},
		{name: "version with suffix", input: "6.8.0-45-generic", want: KernelVersion{6, 8, 0}},
		{name: "version with plus", input: "6.1.0+", want: KernelVersion{6, 1, 0}},
		{name: "major.minor only", input: "5.13", want: KernelVersion{5, 13, 0}},
		{name: "kernel 4.x", input: "4.19.0-25-amd64", want: KernelVersion{4, 19, 0}},
		{name: "empty string", input: "", wantErr: true},
		{name: "single number", input: "6", wantErr: true},
		{name: "non-numeric major", input: "x.1.0", wantErr: true},
		{name: "non-numeric minor", input: "6.y.0", wantErr: true},
		{name: "non-numeric patch", input: "6.1.z", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKernelVersion(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseKernelVersion(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKernelVersion(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseKernelVersion(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestKernelVersionAtLeast(t *testing.T) {
	v := KernelVersion{Major: 6, Minor: 7, Patch: 3}
	tests := []struct {
		major, minor int
		want         bool
	}{
		{5, 13, true},
		{6, 7, true},
		{6, 8, false},
		{7, 0, false},
	}
	for _, tt := range tests {
		if got := v.AtLeast(tt.major, tt.minor); got != tt.want {
			t.Errorf("%v.AtLeast(%d, %d) = %v, want %v", v, tt.major, tt.minor, got, tt.want)
		}
	}
	if v.String() != "6.7.3" {
		t.Errorf("String() = %q, want 6.7.3", v.String())
	}
}

func TestDetectKernelVersion(t *testing.T) {
	orig := unameFn
	t.Cleanup(func() { unameFn = orig })

	unameFn = func(u *unix.Utsname) error {
		copy(u.Release[:], "6.10.2-arch1-1")
		return nil
	}
	got, err := DetectKernelVersion()
	if err != nil {
		t.Fatalf("DetectKernelVersion: %v", err)
	}
	if got != (KernelVersion{6, 10, 2}) {
		t.Errorf("DetectKernelVersion() = %v, want 6.10.2", got)
	}

	unameFn = func(u *unix.Utsname) error { return unix.EPERM }
	if _, err := DetectKernelVersion(); !errors.Is(err, unix.EPERM) {
		t.Errorf("err = %v, want EPERM", err)
	}

	unameFn = func(u *unix.Utsname) error { return nil }
	if _, err := DetectKernelVersion(); err == nil {
		t.Error("an empty release should be an error")
	}
}

func TestDetectKernelVersion_Real(t *testing.T) {
	v, err := DetectKernelVersion()
	if err != nil {
		t.Fatalf("DetectKernelVersion: %v", err)
	}
	if v.Major < 3 {
		t.Errorf("implausible kernel version %v", v)
	}
}

func TestDetectUserNamespaces(t *testing.T) {
	orig := readSysctlFn
	t.Cleanup(func() { readSysctlFn = orig })

	tests := []struct {
		name   string
		values map[string]string
		want   bool
	}{
		{"no sysctls", map[string]string{}, true},
		{"debian knob on", map[string]string{userNamespaceSysctls[0]: "1\n"}, true},
		{"debian knob off", map[string]string{userNamespaceSysctls[0]: "0\n"}, false},
		{"max zero", map[string]string{userNamespaceSysctls[1]: "0\n"}, false},
		{"max positive", map[string]string{userNamespaceSysctls[1]: "63432\n"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readSysctlFn = func(path string) ([]byte, error) {
				if v, ok := tt.values[path]; ok {
					return []byte(v), nil
				}
				return nil, os.ErrNotExist
			}
			got, reason := DetectUserNamespaces()
			if got != tt.want {
				t.Errorf("DetectUserNamespaces() = %v (%q), want %v", got, reason, tt.want)
			}
			if !got && !strings.Contains(reason, "/proc/sys") {
				t.Errorf("reason %q should name the sysctl", reason)
			}
		})
	}
}
