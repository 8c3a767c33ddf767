package pullbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pullfrog/pullbox/internal/pathutil"
)

// DefaultTimeout applies when a call does not set TimeoutMs.
const DefaultTimeout = 2 * time.Minute

// ToolName is the name the command tool is registered under.
const ToolName = "bash"

// Params is the input of one command tool call.
type Params struct {
	// Command is the shell command line.
	Command string `json:"command"`
	// Description says what the command is for. It is only logged.
	Description string `json:"description"`
	// TimeoutMs bounds the run in milliseconds. nil means DefaultTimeout;
	// zero, negative or oversized values mean MaxTimeout.
	TimeoutMs *int64 `json:"timeout_ms,omitempty"`
	// WorkingDirectory is where the command runs. Relative paths are taken
	// from the tool's working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// ToolOption configures a CommandTool.
type ToolOption func(*toolOptions)

type toolOptions struct {
	policy     PermissionPolicy
	trust      Trust
	env        EnvironmentSource
	workingDir string
	launcher   *Launcher
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *Metrics
}

// WithPolicy sets the permission policy. The default is
// DefaultPolicy(Public).
func WithPolicy(p PermissionPolicy) ToolOption {
	return func(o *toolOptions) { o.policy = p }
}

// WithTrust sets whether commands may run without isolation. The default
// is Untrusted.
func WithTrust(t Trust) ToolOption {
	return func(o *toolOptions) { o.trust = t }
}

// WithEnvironment sets the source commands' environments are filtered
// from. The default is OSEnvironment.
func WithEnvironment(src EnvironmentSource) ToolOption {
	return func(o *toolOptions) { o.env = src }
}

// WithWorkingDir sets the directory commands run in by default and
// relative working directories resolve against. The default is the process
// working directory at construction.
func WithWorkingDir(dir string) ToolOption {
	return func(o *toolOptions) { o.workingDir = dir }
}

// WithLauncher replaces the launcher commands run through.
func WithLauncher(l *Launcher) ToolOption {
	return func(o *toolOptions) { o.launcher = l }
}

// WithLogger sets the logger of the tool.
func WithLogger(l *slog.Logger) ToolOption {
	return func(o *toolOptions) { o.logger = l }
}

// WithTracer sets the tracer each call is spanned with.
func WithTracer(t trace.Tracer) ToolOption {
	return func(o *toolOptions) { o.tracer = t }
}

// WithMetrics records calls in m. It also reaches the default launcher.
func WithMetrics(m *Metrics) ToolOption {
	return func(o *toolOptions) { o.metrics = m }
}

// CommandTool executes one shell command per call with a filtered
// environment, under process isolation when the context is untrusted.
// It is safe for concurrent use.
type CommandTool struct {
	opts toolOptions
}

// NewCommandTool returns a CommandTool with the given options applied.
func NewCommandTool(opts ...ToolOption) *CommandTool {
	o := toolOptions{
		policy: DefaultPolicy(Public),
		trust:  Untrusted,
		env:    OSEnvironment{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			o.workingDir = wd
		}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/pullfrog/pullbox")
	}
	if o.launcher == nil {
		o.launcher = NewLauncher(WithLauncherLogger(o.logger), WithLauncherMetrics(o.metrics))
	}
	return &CommandTool{opts: o}
}

// Policy returns the permission policy the tool enforces.
func (t *CommandTool) Policy() PermissionPolicy { return t.opts.policy }

// Isolated reports whether calls run under process isolation.
func (t *CommandTool) Isolated() bool {
	return t.opts.trust.Untrusted() || t.opts.policy.Bash == Restricted
}

// ClampTimeout maps the optional millisecond timeout of a call to the
// duration it runs under.
func ClampTimeout(ms *int64) time.Duration {
	if ms == nil {
		return DefaultTimeout
	}
	if *ms <= 0 || *ms > MaxTimeout.Milliseconds() {
		return MaxTimeout
	}
	return time.Duration(*ms) * time.Millisecond
}

// Execute runs one command and waits for it. Command failures, timeouts
// and spawn errors are reported in the result; the error is only set for
// invalid params, a disabled tool, or unavailable isolation.
func (t *CommandTool) Execute(ctx context.Context, p Params) (CommandResult, error) {
	ctx, span := t.opts.tracer.Start(ctx, "pullbox.execute",
		trace.WithAttributes(
			attribute.Bool("pullbox.isolated", t.Isolated()),
			attribute.String("pullbox.bash", t.opts.policy.Bash.String()),
		))
	defer span.End()

	res, err := t.execute(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CommandResult{}, err
	}
	span.SetAttributes(
		attribute.Int("pullbox.exit_code", res.ExitCode),
		attribute.Bool("pullbox.timed_out", res.TimedOut),
	)
	return res, nil
}

func (t *CommandTool) execute(ctx context.Context, p Params) (CommandResult, error) {
	if strings.TrimSpace(p.Command) == "" {
		return CommandResult{}, fmt.Errorf("%w: command is empty", ErrInvalidParams)
	}
	if pathutil.ContainsNullByte(p.Command) {
		return CommandResult{}, fmt.Errorf("%w: command contains a NUL byte", ErrInvalidParams)
	}
	if pathutil.ContainsNullByte(p.WorkingDirectory) {
		return CommandResult{}, fmt.Errorf("%w: working directory contains a NUL byte", ErrInvalidParams)
	}
	if !ToolAvailable(t.opts.policy) {
		return CommandResult{}, ErrToolDisabled
	}

	timeout := ClampTimeout(p.TimeoutMs)
	dir := t.resolveDir(p.WorkingDirectory)
	raw := t.opts.env.Environ()
	env := FilterEnvironment(raw)
	isolate := t.Isolated()

	t.opts.logger.Info("executing command",
		"description", p.Description,
		"dir", dir,
		"timeout", timeout,
		"isolated", isolate,
		"env_dropped", DroppedNames(raw),
	)

	h, err := t.opts.launcher.Launch(ctx, p.Command, LaunchOptions{
		Env:     env,
		Dir:     dir,
		Isolate: isolate,
		Timeout: timeout,
	})
	if err != nil {
		return CommandResult{}, err
	}
	out := h.Wait()
	timedOut := out.State == StateTimedOut
	return CommandResult{
		Output:   formatOutput(out.Stdout, out.Stderr, timedOut, timeout),
		ExitCode: out.ExitCode,
		TimedOut: timedOut,
	}, nil
}

func (t *CommandTool) resolveDir(dir string) string {
	switch {
	case dir == "":
		return t.opts.workingDir
	case filepath.IsAbs(dir):
		return filepath.Clean(dir)
	default:
		return filepath.Join(t.opts.workingDir, dir)
	}
}

// Execute is a convenience function that runs p with a CommandTool built
// from opts.
func Execute(ctx context.Context, p Params, opts ...ToolOption) (CommandResult, error) {
	return NewCommandTool(opts...).Execute(ctx, p)
}
