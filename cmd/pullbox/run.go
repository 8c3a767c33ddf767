package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pullfrog/pullbox"
)

// exitNotRun is the exit status when the command has no exit code of its
// own: it could not be spawned or was killed.
const exitNotRun = 125

// Values of --isolate.
const (
	isolateAuto   = "auto"
	isolateAlways = "always"
	isolateNever  = "never"
)

// hostFlags configure how the hosting process and its commands are
// confined.
type hostFlags struct {
	policy  policyFlags
	sandbox bool
	isolate string
	workDir string
}

func (f *hostFlags) register(cmd *cobra.Command) {
	f.policy.register(cmd)
	fs := cmd.Flags()
	fs.BoolVar(&f.sandbox, "sandbox", false, "apply the compiled Landlock ruleset to pullbox before running anything")
	fs.StringVar(&f.isolate, "isolate", isolateAuto, "PID-namespace isolation: auto (on in CI), always or never")
	fs.StringVar(&f.workDir, "cwd", "", "repository checkout commands run in (default: current directory)")
}

func (f *hostFlags) trust(env pullbox.EnvironmentSource) (pullbox.Trust, error) {
	switch f.isolate {
	case isolateAuto:
		return pullbox.TrustFromEnvironment(env), nil
	case isolateAlways:
		return pullbox.Untrusted, nil
	case isolateNever:
		return pullbox.Trusted, nil
	default:
		return pullbox.Untrusted, fmt.Errorf("--isolate must be %s, %s or %s, got %q",
			isolateAuto, isolateAlways, isolateNever, f.isolate)
	}
}

// setup resolves the policy, applies the sandbox if asked and builds the
// command tool.
func (f *hostFlags) setup(logger *slog.Logger, extra ...pullbox.ToolOption) (*pullbox.CommandTool, error) {
	workDir, err := absWorkDir(f.workDir)
	if err != nil {
		return nil, err
	}
	f.workDir = workDir

	env := f.policy.environment()
	policy, ports, err := f.policy.resolve(env)
	if err != nil {
		return nil, err
	}
	trust, err := f.trust(env)
	if err != nil {
		return nil, err
	}

	if f.sandbox {
		opts, err := compileOptions(f.workDir, ports)
		if err != nil {
			return nil, err
		}
		cfg, err := pullbox.Compile(policy, opts)
		if err != nil {
			return nil, err
		}
		h, err := pullbox.Apply(cfg, pullbox.WithApplyLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("applying sandbox: %w", err)
		}
		logger.Info("sandbox applied",
			"abi", h.ABIVersion(),
			"layers", h.Layers(),
			"network_enforced", h.NetworkEnforced(),
		)
	}

	logger.Info("policy resolved",
		"write", policy.Write,
		"network", policy.Network,
		"bash", policy.Bash,
		"trust", trust,
	)

	opts := []pullbox.ToolOption{
		pullbox.WithPolicy(policy),
		pullbox.WithTrust(trust),
		pullbox.WithEnvironment(env),
		pullbox.WithLogger(logger),
	}
	if f.workDir != "" {
		opts = append(opts, pullbox.WithWorkingDir(f.workDir))
	}
	return pullbox.NewCommandTool(append(opts, extra...)...), nil
}

func newRunCmd(ro *rootOptions) *cobra.Command {
	var (
		hf        hostFlags
		timeoutMs int64
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- command...",
		Short: "Run one shell command and print its result as JSON",
		Long: `Run one shell command the way an agent's bash tool would and print
{"output", "exit_code", "timed_out"} as JSON. pullbox exits with the
command's exit code, 124 on timeout, or 125 if the command never ran.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool, err := hf.setup(ro.logger)
			if err != nil {
				return err
			}

			p := pullbox.Params{
				Command:     strings.Join(args, " "),
				Description: "pullbox run",
			}
			if cmd.Flags().Changed("timeout-ms") {
				p.TimeoutMs = &timeoutMs
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cmd, tool, p)
		},
	}
	hf.register(cmd)
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "timeout in milliseconds (default 120000)")
	return cmd
}

func runOnce(ctx context.Context, cmd *cobra.Command, tool *pullbox.CommandTool, p pullbox.Params) error {
	res, err := tool.Execute(ctx, p)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	code := res.ExitCode
	if code < 0 {
		code = exitNotRun
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
