package pullbox

// Capabilities reports what the host kernel can enforce.
type Capabilities struct {
	// Platform names the platform implementation in use.
	Platform string `json:"platform" yaml:"platform"`
	// Landlock is true if filesystem rulesets can be applied.
	Landlock bool `json:"landlock" yaml:"landlock"`
	// ABIVersion is the Landlock ABI version, 0 if unsupported.
	ABIVersion int `json:"abi_version" yaml:"abi_version"`
	// NetworkRestriction is true if outbound TCP ports can be restricted.
	NetworkRestriction bool `json:"network_restriction" yaml:"network_restriction"`
	// PIDIsolation is true if commands can run in their own PID namespace.
	PIDIsolation bool `json:"pid_isolation" yaml:"pid_isolation"`
	// KernelVersion is the running kernel release.
	KernelVersion string `json:"kernel_version,omitempty" yaml:"kernel_version,omitempty"`
	// Features summarizes the Landlock feature set.
	Features string `json:"features,omitempty" yaml:"features,omitempty"`
	// Reason explains a missing capability.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Probe reports the sandbox capabilities of the host without applying any
// restriction, so callers can decide whether to request sandboxing.
func Probe() Capabilities {
	p := detectPlatformFn()
	s := p.Probe()
	return Capabilities{
		Platform:           p.Name(),
		Landlock:           s.Landlock,
		ABIVersion:         s.ABIVersion,
		NetworkRestriction: s.NetworkRestriction,
		PIDIsolation:       s.PIDIsolation,
		KernelVersion:      s.KernelVersion,
		Features:           s.Features,
		Reason:             s.Reason,
	}
}
