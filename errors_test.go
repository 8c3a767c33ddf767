package pullbox

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnsupportedPlatform, "pullbox: unsupported platform"},
		{ErrConfigInvalid, "pullbox: invalid configuration"},
		{ErrSandboxConflict, "pullbox: conflicting sandbox configuration"},
		{ErrNetworkRestrictionUnsupported, "pullbox: network restriction unsupported"},
		{ErrIsolationUnavailable, "pullbox: process isolation unavailable"},
		{ErrInvalidParams, "pullbox: invalid parameters"},
		{ErrToolDisabled, "pullbox: command tool disabled by policy"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIdentity(t *testing.T) {
	allErrors := []error{
		ErrUnsupportedPlatform,
		ErrConfigInvalid,
		ErrSandboxConflict,
		ErrNetworkRestrictionUnsupported,
		ErrIsolationUnavailable,
		ErrInvalidParams,
		ErrToolDisabled,
	}

	for i, a := range allErrors {
		for j, b := range allErrors {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors.Is(%v, %v) should be false", a, b)
			}
		}
	}
}

func TestSandboxConflictError(t *testing.T) {
	err := &SandboxConflictError{
		Applied:   SandboxConfig{FS: FSConfig{Read: []string{"/usr"}}},
		Requested: SandboxConfig{FS: FSConfig{Read: []string{"/"}}},
		Reason:    "fs.read grants /",
	}

	if !errors.Is(err, ErrSandboxConflict) {
		t.Error("expected errors.Is to match ErrSandboxConflict")
	}
	if got, want := err.Error(), "pullbox: conflicting sandbox configuration: fs.read grants /"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := fmt.Errorf("startup: %w", err)
	var target *SandboxConflictError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find *SandboxConflictError through wrapping")
	}
	if target.Reason != err.Reason {
		t.Errorf("Reason = %q, want %q", target.Reason, err.Reason)
	}
}
