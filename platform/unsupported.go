package platform

import "os/exec"

// unsupportedName is the name returned by the unsupported platform stub.
const unsupportedName = "unsupported"

// unsupportedPlatform is returned where no sandbox primitives exist.
type unsupportedPlatform struct{}

func (p *unsupportedPlatform) Name() string { return unsupportedName }

func (p *unsupportedPlatform) Probe() Support {
	return Support{Reason: "unsupported operating system"}
}

func (p *unsupportedPlatform) Restrict(_ *Ruleset) (*RestrictResult, error) {
	return nil, ErrLandlockUnsupported
}

func (p *unsupportedPlatform) RestrictExec(_ *Ruleset, _ []byte) error {
	return ErrLandlockUnsupported
}

func (p *unsupportedPlatform) Isolate(_ *exec.Cmd, _ *IsolationConfig) (Isolation, error) {
	return nil, ErrIsolationUnsupported
}

// NewUnsupportedPlatform returns a Platform that supports nothing. It is
// also what Detect returns until an OS-specific package registers itself.
func NewUnsupportedPlatform() Platform {
	return &unsupportedPlatform{}
}
