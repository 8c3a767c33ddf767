package pullbox

import (
	"fmt"
	"strings"
)

// Capability is the three-state permission of one capability.
type Capability int

const (
	// capabilityUnset is the zero value and never valid in a resolved
	// policy. It is unexported to prevent direct use.
	capabilityUnset Capability = iota

	// Enabled grants the capability without restriction.
	Enabled

	// Disabled denies the capability entirely.
	Disabled

	// Restricted grants a sandboxed subset of the capability.
	Restricted
)

const unknownStr = "unknown"

func (c Capability) String() string {
	switch c {
	case capabilityUnset:
		return "unset"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	case Restricted:
		return "restricted"
	default:
		return unknownStr
	}
}

// ParseCapability parses "enabled", "disabled" or "restricted",
// case-insensitively.
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enabled":
		return Enabled, nil
	case "disabled":
		return Disabled, nil
	case "restricted":
		return Restricted, nil
	default:
		return capabilityUnset, fmt.Errorf("%w: unknown capability %q", ErrConfigInvalid, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	if c < Enabled || c > Restricted {
		return nil, fmt.Errorf("%w: capability %d", ErrConfigInvalid, int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := ParseCapability(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Visibility is the repository visibility a default policy is derived
// from.
type Visibility int

const (
	// Public repositories accept contributions from strangers and default
	// to restricted capabilities.
	Public Visibility = iota
	// Private repositories default to enabled capabilities.
	Private
)

func (v Visibility) String() string {
	switch v {
	case Public:
		return "public"
	case Private:
		return "private"
	default:
		return unknownStr
	}
}

// ParseVisibility parses "public" or "private", case-insensitively.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return Public, nil
	case "private":
		return Private, nil
	default:
		return Public, fmt.Errorf("%w: unknown visibility %q", ErrConfigInvalid, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Visibility) MarshalText() ([]byte, error) {
	if v != Public && v != Private {
		return nil, fmt.Errorf("%w: visibility %d", ErrConfigInvalid, int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Visibility) UnmarshalText(text []byte) error {
	parsed, err := ParseVisibility(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// PermissionPolicy is the resolved permission of each capability for one
// run.
type PermissionPolicy struct {
	Write   Capability `yaml:"write" json:"write"`
	Network Capability `yaml:"network" json:"network"`
	Bash    Capability `yaml:"bash" json:"bash"`
}

// Validate reports an error if any capability is unset or out of range.
func (p PermissionPolicy) Validate() error {
	for _, f := range []struct {
		name string
		c    Capability
	}{{"write", p.Write}, {"network", p.Network}, {"bash", p.Bash}} {
		if f.c < Enabled || f.c > Restricted {
			return fmt.Errorf("%w: %s capability is %s", ErrConfigInvalid, f.name, f.c)
		}
	}
	return nil
}

// DefaultPolicy returns the policy for a repository of the given
// visibility: public repositories get every capability restricted,
// private ones get every capability enabled.
func DefaultPolicy(v Visibility) PermissionPolicy {
	if v == Private {
		return PermissionPolicy{Write: Enabled, Network: Enabled, Bash: Enabled}
	}
	return PermissionPolicy{Write: Restricted, Network: Restricted, Bash: Restricted}
}

// PolicyOverrides carries caller-supplied capability overrides. A nil field
// keeps the default.
type PolicyOverrides struct {
	Write   *Capability `yaml:"write,omitempty" json:"write,omitempty"`
	Network *Capability `yaml:"network,omitempty" json:"network,omitempty"`
	Bash    *Capability `yaml:"bash,omitempty" json:"bash,omitempty"`
}

// Merge returns o with every field set in later overriding it.
func (o PolicyOverrides) Merge(later PolicyOverrides) PolicyOverrides {
	if later.Write != nil {
		o.Write = later.Write
	}
	if later.Network != nil {
		o.Network = later.Network
	}
	if later.Bash != nil {
		o.Bash = later.Bash
	}
	return o
}

// ResolvePolicy applies overrides to the default policy for v.
func ResolvePolicy(v Visibility, overrides PolicyOverrides) (PermissionPolicy, error) {
	p := DefaultPolicy(v)
	if overrides.Write != nil {
		p.Write = *overrides.Write
	}
	if overrides.Network != nil {
		p.Network = *overrides.Network
	}
	if overrides.Bash != nil {
		p.Bash = *overrides.Bash
	}
	if err := p.Validate(); err != nil {
		return PermissionPolicy{}, err
	}
	return p, nil
}

// ToolAvailable reports whether the command tool may be registered at
// all under p.
func ToolAvailable(p PermissionPolicy) bool {
	return p.Bash == Enabled || p.Bash == Restricted
}

// Trust describes whether the commands of a run may be trusted with the
// host's process tree.
type Trust int

const (
	// Untrusted is the zero value: commands always run isolated.
	Untrusted Trust = iota
	// Trusted allows commands to run without PID-namespace isolation.
	Trusted
)

func (t Trust) String() string {
	if t == Trusted {
		return "trusted"
	}
	return "untrusted"
}

// Untrusted reports whether commands must be isolated.
func (t Trust) Untrusted() bool {
	return t != Trusted
}

// TrustFromEnvironment treats shared CI runners (CI or GITHUB_ACTIONS set
// to a true value) as untrusted and everything else as trusted.
func TrustFromEnvironment(src EnvironmentSource) Trust {
	env := src.Environ()
	for _, name := range []string{"CI", "GITHUB_ACTIONS"} {
		switch strings.ToLower(env[name]) {
		case "true", "1", "yes":
			return Untrusted
		}
	}
	return Trusted
}
