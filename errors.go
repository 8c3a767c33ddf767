package pullbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the pullbox package.
var (
	// ErrUnsupportedPlatform indicates the kernel cannot enforce a sandbox.
	ErrUnsupportedPlatform = errors.New("pullbox: unsupported platform")

	// ErrConfigInvalid indicates a policy or SandboxConfig failed validation.
	ErrConfigInvalid = errors.New("pullbox: invalid configuration")

	// ErrSandboxConflict indicates Apply was called with a config that is
	// not at least as strict as the one already in force.
	ErrSandboxConflict = errors.New("pullbox: conflicting sandbox configuration")

	// ErrNetworkRestrictionUnsupported indicates the kernel cannot restrict
	// outbound TCP connections.
	ErrNetworkRestrictionUnsupported = errors.New("pullbox: network restriction unsupported")

	// ErrIsolationUnavailable indicates a command required PID-namespace
	// isolation and the kernel refused it.
	ErrIsolationUnavailable = errors.New("pullbox: process isolation unavailable")

	// ErrInvalidParams indicates malformed CommandTool parameters.
	ErrInvalidParams = errors.New("pullbox: invalid parameters")

	// ErrToolDisabled indicates the policy disables the command tool.
	ErrToolDisabled = errors.New("pullbox: command tool disabled by policy")
)

// SandboxConflictError is returned when Apply is asked to install a config
// that would loosen, or is incomparable with, the config already in force.
// It wraps ErrSandboxConflict so that errors.Is(err, ErrSandboxConflict)
// still works.
type SandboxConflictError struct {
	// Applied is the config currently enforced on the process.
	Applied SandboxConfig
	// Requested is the config that was refused.
	Requested SandboxConfig
	// Reason names the first facet that is looser.
	Reason string
}

func (e *SandboxConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSandboxConflict.Error(), e.Reason)
}

func (e *SandboxConflictError) Unwrap() error {
	return ErrSandboxConflict
}
