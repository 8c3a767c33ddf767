package pullbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override a policy file.
const (
	EnvVisibility = "PULLBOX_VISIBILITY"
	EnvWrite      = "PULLBOX_WRITE"
	EnvNetwork    = "PULLBOX_NETWORK"
	EnvBash       = "PULLBOX_BASH"
	EnvProxyPorts = "PULLBOX_PROXY_PORTS"
)

// PolicyFile is the on-disk form of a run's permission settings.
//
//	visibility: public
//	permissions:
//	  write: restricted
//	  network: enabled
//	proxy_ports: [8080]
type PolicyFile struct {
	Visibility  Visibility      `yaml:"visibility" json:"visibility"`
	Permissions PolicyOverrides `yaml:"permissions" json:"permissions"`
	ProxyPorts  []uint16        `yaml:"proxy_ports,omitempty" json:"proxy_ports,omitempty"`
}

// LoadPolicyFile reads a policy file. Files ending in .json are decoded as
// JSON, everything else as YAML. Unknown fields are rejected.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pullbox: reading policy %s: %w", path, err)
	}

	var f PolicyFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&f)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&f)
	}
	// An empty file is an empty policy.
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing policy %s: %v", ErrConfigInvalid, path, err)
	}
	return &f, nil
}

// ApplyEnv overrides f with the PULLBOX_* variables set in src.
func (f *PolicyFile) ApplyEnv(src EnvironmentSource) error {
	env := src.Environ()

	if v, ok := env[EnvVisibility]; ok && v != "" {
		vis, err := ParseVisibility(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVisibility, err)
		}
		f.Visibility = vis
	}

	for _, o := range []struct {
		name string
		dst  **Capability
	}{
		{EnvWrite, &f.Permissions.Write},
		{EnvNetwork, &f.Permissions.Network},
		{EnvBash, &f.Permissions.Bash},
	} {
		v, ok := env[o.name]
		if !ok || v == "" {
			continue
		}
		c, err := ParseCapability(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
		*o.dst = &c
	}

	if v, ok := env[EnvProxyPorts]; ok && v != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvProxyPorts, err)
		}
		f.ProxyPorts = ports
	}
	return nil
}

// Resolve returns the effective policy, with overrides taking precedence
// over the file.
func (f *PolicyFile) Resolve(overrides PolicyOverrides) (PermissionPolicy, error) {
	return ResolvePolicy(f.Visibility, f.Permissions.Merge(overrides))
}

// ParsePorts parses a comma-separated list of TCP ports.
func ParsePorts(s string) ([]uint16, error) {
	var ports []uint16
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: invalid port %q", ErrConfigInvalid, field)
		}
		ports = append(ports, uint16(n))
	}
	return ports, nil
}
