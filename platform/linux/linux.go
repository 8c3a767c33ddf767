//go:build linux

package linux

import (
	"fmt"
	"os/exec"

	"github.com/pullfrog/pullbox/platform"
)

// Platform implements platform.Platform with Landlock rulesets and user +
// PID namespaces.
type Platform struct {
	kernelVersion KernelVersion
	kernelErr     error
	landlock      LandlockInfo
	userns        bool
	usernsReason  string
}

// New creates a Platform, probing the kernel once at construction time.
func New() *Platform {
	// A zero KernelVersion only affects the probe report; feature gating
	// uses the Landlock ABI.
	kv, kerr := DetectKernelVersion()
	userns, reason := DetectUserNamespaces()
	return &Platform{
		kernelVersion: kv,
		kernelErr:     kerr,
		landlock:      DetectLandlock(),
		userns:        userns,
		usernsReason:  reason,
	}
}

// Name returns the platform identifier.
func (l *Platform) Name() string {
	return "linux-landlock"
}

// Probe reports the detected kernel capabilities.
func (l *Platform) Probe() platform.Support {
	s := platform.Support{
		Landlock:           l.landlock.Supported,
		ABIVersion:         l.landlock.ABIVersion,
		NetworkRestriction: l.landlock.ABIVersion >= abiNetwork,
		PIDIsolation:       l.userns,
		Features:           l.landlock.Features,
	}
	if l.kernelErr == nil {
		s.KernelVersion = l.kernelVersion.String()
	}
	switch {
	case !l.landlock.Supported:
		s.Reason = l.landlock.Features
	case !l.userns:
		s.Reason = "user namespaces disabled: " + l.usernsReason
	}
	return s
}

// Restrict installs rs on every thread of the calling process.
func (l *Platform) Restrict(rs *platform.Ruleset) (*platform.RestrictResult, error) {
	return applyRuleset(rs, restrictOptions{allThreads: true})
}

// RestrictExec restarts the program with rs installed. Support is checked
// first so that the common failures are reported to the caller rather
// than ending the restarted process.
func (l *Platform) RestrictExec(rs *platform.Ruleset, carry []byte) error {
	if !l.landlock.Supported {
		return fmt.Errorf("%w: %s", platform.ErrLandlockUnsupported, l.landlock.Features)
	}
	if rs.HandleNetwork && !rs.BestEffortNetwork && l.landlock.ABIVersion < abiNetwork {
		return fmt.Errorf("%w: ABI v%d", platform.ErrNetworkUnsupported, l.landlock.ABIVersion)
	}
	return restrictExec(rs, carry)
}

// Isolate rewrites cmd to start through the namespace init helper.
func (l *Platform) Isolate(cmd *exec.Cmd, cfg *platform.IsolationConfig) (platform.Isolation, error) {
	if !l.userns {
		return nil, platform.ErrIsolationUnsupported
	}
	iso, err := isolate(cmd, cfg)
	if err != nil {
		return nil, err
	}
	return iso, nil
}
