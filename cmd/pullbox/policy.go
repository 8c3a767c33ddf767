package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pullfrog/pullbox"
)

// policyFlags selects the permission policy of a run. Precedence, lowest
// first: visibility defaults, --policy file, PULLBOX_* variables, flags.
type policyFlags struct {
	file       string
	visibility string
	write      string
	network    string
	bash       string
	proxyPorts string
	envFile    string
}

func (f *policyFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.file, "policy", "", "YAML or JSON policy file")
	fs.StringVar(&f.visibility, "visibility", "", "repository visibility: public or private")
	fs.StringVar(&f.write, "write", "", "write capability: enabled, disabled or restricted")
	fs.StringVar(&f.network, "network", "", "network capability: enabled, disabled or restricted")
	fs.StringVar(&f.bash, "bash", "", "bash capability: enabled, disabled or restricted")
	fs.StringVar(&f.proxyPorts, "proxy-ports", "", "comma-separated local proxy ports kept reachable")
	fs.StringVar(&f.envFile, "env-file", "", "dotenv file layered over the process environment")
}

// environment is the source commands' environments are filtered from.
func (f *policyFlags) environment() pullbox.EnvironmentSource {
	if f.envFile == "" {
		return pullbox.OSEnvironment{}
	}
	return pullbox.DotenvEnvironment{Path: f.envFile, Base: pullbox.OSEnvironment{}}
}

// resolve returns the effective policy and proxy ports.
func (f *policyFlags) resolve(env pullbox.EnvironmentSource) (pullbox.PermissionPolicy, []uint16, error) {
	pf := &pullbox.PolicyFile{}
	if f.file != "" {
		loaded, err := pullbox.LoadPolicyFile(f.file)
		if err != nil {
			return pullbox.PermissionPolicy{}, nil, err
		}
		pf = loaded
	}
	if err := pf.ApplyEnv(env); err != nil {
		return pullbox.PermissionPolicy{}, nil, err
	}

	if f.visibility != "" {
		v, err := pullbox.ParseVisibility(f.visibility)
		if err != nil {
			return pullbox.PermissionPolicy{}, nil, fmt.Errorf("--visibility: %w", err)
		}
		pf.Visibility = v
	}
	if f.proxyPorts != "" {
		ports, err := pullbox.ParsePorts(f.proxyPorts)
		if err != nil {
			return pullbox.PermissionPolicy{}, nil, fmt.Errorf("--proxy-ports: %w", err)
		}
		pf.ProxyPorts = ports
	}

	var overrides pullbox.PolicyOverrides
	for _, o := range []struct {
		flag  string
		value string
		dst   **pullbox.Capability
	}{
		{"write", f.write, &overrides.Write},
		{"network", f.network, &overrides.Network},
		{"bash", f.bash, &overrides.Bash},
	} {
		if o.value == "" {
			continue
		}
		c, err := pullbox.ParseCapability(o.value)
		if err != nil {
			return pullbox.PermissionPolicy{}, nil, fmt.Errorf("--%s: %w", o.flag, err)
		}
		*o.dst = &c
	}

	policy, err := pf.Resolve(overrides)
	if err != nil {
		return pullbox.PermissionPolicy{}, nil, err
	}
	return policy, pf.ProxyPorts, nil
}

// compileOptions returns the host paths a policy is compiled against, with
// workDir replacing the process working directory when set.
// absWorkDir resolves a --cwd value against the current directory. An
// empty value stays empty and means the current directory.
func absWorkDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("--cwd %q: %w", dir, err)
	}
	return abs, nil
}

func compileOptions(workDir string, ports []uint16) (pullbox.CompileOptions, error) {
	opts, err := pullbox.DefaultCompileOptions()
	if err != nil {
		return pullbox.CompileOptions{}, err
	}
	workDir, err = absWorkDir(workDir)
	if err != nil {
		return pullbox.CompileOptions{}, err
	}
	if workDir != "" {
		opts.WorkingDir = workDir
	}
	opts.ProxyPorts = ports
	return opts, nil
}
