package pullbox

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/pullfrog/pullbox/internal/pathutil"
	"github.com/pullfrog/pullbox/platform"
)

// SandboxConfig is the compiled filesystem and network allow-list applied
// to the hosting process.
type SandboxConfig struct {
	FS  FSConfig  `yaml:"fs" json:"fs"`
	Net NetConfig `yaml:"net" json:"net"`
}

// FSConfig holds the filesystem allow-lists. Each entry is an absolute
// path prefix; access is granted to the entry and everything beneath it.
type FSConfig struct {
	Read    []string `yaml:"read" json:"read"`
	Write   []string `yaml:"write" json:"write"`
	Execute []string `yaml:"execute" json:"execute"`
}

// NetConfig holds the network allow-list. An empty ConnectPorts denies all
// outbound TCP connections.
type NetConfig struct {
	ConnectPorts []uint16 `yaml:"connect_ports" json:"connect_ports"`
}

// Normalize returns a canonical copy of c: paths cleaned, deduplicated,
// stripped of entries covered by another entry and sorted; ports
// deduplicated and sorted. Lists are never nil.
func (c SandboxConfig) Normalize() SandboxConfig {
	ports := slices.Clone(c.Net.ConnectPorts)
	slices.Sort(ports)
	ports = slices.Compact(ports)
	if ports == nil {
		ports = []uint16{}
	}
	return SandboxConfig{
		FS: FSConfig{
			Read:    pathutil.NormalizeList(c.FS.Read),
			Write:   pathutil.NormalizeList(c.FS.Write),
			Execute: pathutil.NormalizeList(c.FS.Execute),
		},
		Net: NetConfig{ConnectPorts: ports},
	}
}

// Validate reports an error for relative paths, paths containing NUL
// bytes and port 0.
func (c SandboxConfig) Validate() error {
	for _, list := range []struct {
		name  string
		paths []string
	}{{"read", c.FS.Read}, {"write", c.FS.Write}, {"execute", c.FS.Execute}} {
		for _, p := range list.paths {
			if pathutil.ContainsNullByte(p) {
				return fmt.Errorf("%w: fs.%s entry %q contains a NUL byte", ErrConfigInvalid, list.name, p)
			}
			if !filepath.IsAbs(p) {
				return fmt.Errorf("%w: fs.%s entry %q is not absolute", ErrConfigInvalid, list.name, p)
			}
		}
	}
	for _, port := range c.Net.ConnectPorts {
		if port == 0 {
			return fmt.Errorf("%w: net.connect_ports contains 0", ErrConfigInvalid)
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c SandboxConfig) Clone() SandboxConfig {
	return SandboxConfig{
		FS: FSConfig{
			Read:    slices.Clone(c.FS.Read),
			Write:   slices.Clone(c.FS.Write),
			Execute: slices.Clone(c.FS.Execute),
		},
		Net: NetConfig{ConnectPorts: slices.Clone(c.Net.ConnectPorts)},
	}
}

// Equal reports whether c and other grant exactly the same access once
// both are normalized.
func (c SandboxConfig) Equal(other SandboxConfig) bool {
	a, b := c.Normalize(), other.Normalize()
	return slices.Equal(a.FS.Read, b.FS.Read) &&
		slices.Equal(a.FS.Write, b.FS.Write) &&
		slices.Equal(a.FS.Execute, b.FS.Execute) &&
		slices.Equal(a.Net.ConnectPorts, b.Net.ConnectPorts)
}

// StricterOrEqual reports whether every access c grants is also granted by
// other. It returns the name of the first facet that is looser.
func (c SandboxConfig) StricterOrEqual(other SandboxConfig) (bool, string) {
	for _, f := range []struct {
		name       string
		mine, base []string
	}{
		{"fs.read", c.FS.Read, other.FS.Read},
		{"fs.write", c.FS.Write, other.FS.Write},
		{"fs.execute", c.FS.Execute, other.FS.Execute},
	} {
		for _, p := range f.mine {
			if !pathutil.CoveredByAny(f.base, p) {
				return false, fmt.Sprintf("%s grants %s", f.name, p)
			}
		}
	}
	for _, port := range c.Net.ConnectPorts {
		if !slices.Contains(other.Net.ConnectPorts, port) {
			return false, fmt.Sprintf("net.connect_ports grants %d", port)
		}
	}
	return true, ""
}

// ruleset converts a normalized config into the platform form. Network is
// always handled: an empty port list denies all connects.
func (c SandboxConfig) ruleset(bestEffortNetwork bool) *platform.Ruleset {
	return &platform.Ruleset{
		Read:              slices.Clone(c.FS.Read),
		Write:             slices.Clone(c.FS.Write),
		Execute:           slices.Clone(c.FS.Execute),
		ConnectPorts:      slices.Clone(c.Net.ConnectPorts),
		HandleNetwork:     true,
		BestEffortNetwork: bestEffortNetwork,
	}
}
