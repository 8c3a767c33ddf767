package platform

import (
	"errors"
	"os/exec"
)

// Sentinel errors shared by platform implementations.
var (
	// ErrLandlockUnsupported indicates the kernel has no usable Landlock.
	ErrLandlockUnsupported = errors.New("landlock not supported by this kernel")

	// ErrNetworkUnsupported indicates the Landlock ABI predates TCP port
	// rules (ABI < 4).
	ErrNetworkUnsupported = errors.New("landlock network rules not supported by this kernel")

	// ErrIsolationUnsupported indicates PID-namespace isolation is not
	// implemented on this operating system.
	ErrIsolationUnsupported = errors.New("process isolation not supported on this operating system")

	// ErrThreadSyncUnsupported indicates the process cannot change the
	// credentials of all its threads at once, as in binaries built with
	// cgo. RestrictExec still works there.
	ErrThreadSyncUnsupported = errors.New("cannot restrict all threads of this process")
)

// Platform defines the interface for OS-specific sandbox primitives.
// Linux provides Landlock rulesets and PID-namespace isolation; other
// systems get a stub that reports nothing as supported.
type Platform interface {
	// Name returns a human-readable identifier for this platform
	// (e.g., "linux-landlock").
	Name() string

	// Probe reports which primitives the running kernel supports. It never
	// applies any restriction.
	Probe() Support

	// Restrict installs rs on every thread of the calling process. The
	// restriction is inherited by all descendants and cannot be lifted.
	Restrict(rs *Ruleset) (*RestrictResult, error)

	// RestrictExec replaces the process image with a fresh run of the same
	// program, started from a single thread that installed rs first. carry
	// reaches the new image through TakeRestored. It returns only on
	// failure, before the process was changed.
	RestrictExec(rs *Ruleset, carry []byte) error

	// Isolate rewrites cmd so that it runs inside fresh user, mount and PID
	// namespaces. The returned Isolation must be driven through Started and
	// Handshake (or Abort) around cmd.Start.
	Isolate(cmd *exec.Cmd, cfg *IsolationConfig) (Isolation, error)
}

// Support describes the sandbox primitives available on this host.
type Support struct {
	// Landlock is true if the kernel accepts Landlock rulesets.
	Landlock bool

	// ABIVersion is the Landlock ABI version, 0 if unsupported.
	ABIVersion int

	// NetworkRestriction is true if TCP connect rules can be enforced
	// (Landlock ABI >= 4).
	NetworkRestriction bool

	// PIDIsolation is true if unprivileged user + PID namespaces appear to
	// be permitted.
	PIDIsolation bool

	// KernelVersion is the running kernel release, if known.
	KernelVersion string

	// Features is a human-readable summary of the Landlock feature set.
	Features string

	// Reason explains why Landlock or isolation is unavailable.
	Reason string
}

// Ruleset is a compiled filesystem/network allow-list.
type Ruleset struct {
	// Read lists path prefixes granted read access.
	Read []string `json:"read"`

	// Write lists path prefixes granted write access.
	Write []string `json:"write"`

	// Execute lists path prefixes granted execute access.
	Execute []string `json:"execute"`

	// ConnectPorts lists the TCP ports outbound connections may target.
	// An empty list with HandleNetwork set denies all TCP connects.
	ConnectPorts []uint16 `json:"connect_ports"`

	// HandleNetwork requests enforcement of ConnectPorts.
	HandleNetwork bool `json:"handle_network"`

	// BestEffortNetwork downgrades a missing network ABI from an error to
	// an unenforced network ruleset.
	BestEffortNetwork bool `json:"best_effort_network"`
}

// RestrictResult reports what Restrict actually enforced.
type RestrictResult struct {
	// ABIVersion is the Landlock ABI the ruleset was built for.
	ABIVersion int `json:"abi_version"`

	// NetworkEnforced is false when the network rules were dropped in
	// best-effort mode.
	NetworkEnforced bool `json:"network_enforced"`

	// SkippedPaths lists allow-list entries that do not exist on this host.
	SkippedPaths []string `json:"skipped_paths,omitempty"`
}

// IsolationConfig is passed to the init helper inside the namespaces.
type IsolationConfig struct {
	// MountProc requests a fresh /proc for the new PID namespace.
	MountProc bool

	// ScopeAncestors requests a nested Landlock layer so the command cannot
	// read the memory or environment of processes outside its domain.
	ScopeAncestors bool
}

// InitStatus is reported by the init helper before it execs the command.
type InitStatus struct {
	// ProcMounted is true if /proc was remounted for the new PID namespace.
	ProcMounted bool `json:"proc_mounted"`

	// ProcError describes why /proc could not be remounted.
	ProcError string `json:"proc_error,omitempty"`

	// Scoped is true if the nested Landlock layer was applied.
	Scoped bool `json:"scoped"`

	// ScopeError describes why the Landlock layer could not be applied.
	ScopeError string `json:"scope_error,omitempty"`
}

// Protected reports whether at least one mechanism hides the launching
// process from the isolated command.
func (s InitStatus) Protected() bool {
	return s.ProcMounted || s.Scoped
}

// Isolation tracks the parent side of one isolated launch.
type Isolation interface {
	// Started must be called right after a successful cmd.Start. It
	// releases the parent's copies of the child's pipe ends.
	Started()

	// Handshake sends the configuration to the init helper and waits for
	// its status report. It returns an error if the helper died before
	// reporting.
	Handshake() (InitStatus, error)

	// Abort releases all resources after a failed cmd.Start.
	Abort()
}

// Detect returns the appropriate Platform for the current OS.
func Detect() Platform {
	return detectPlatform()
}
