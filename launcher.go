package pullbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pullfrog/pullbox/internal/clock"
	"github.com/pullfrog/pullbox/platform"
)

const (
	// MaxTimeout is the upper bound of any command's timeout.
	MaxTimeout = 10 * time.Minute

	// DrainTimeout bounds how long the launcher waits for output pipes to
	// reach EOF after the process group is gone.
	DrainTimeout = 2 * time.Second

	// ExitTimedOut is the exit code reported for a command that hit its
	// timeout, as timeout(1) does.
	ExitTimedOut = 124

	// exitUnknown is reported when there is no exit status: spawn errors
	// and cancelled commands.
	exitUnknown = -1

	defaultShell = "/bin/sh"
)

// Launch modes, used as log fields and metric labels.
const (
	modeIsolated = "isolated"
	modeDirect   = "direct"
)

// ProcessState is the lifecycle state of a launched command.
type ProcessState int

const (
	StateSpawned ProcessState = iota
	StateRunning
	StateExited
	StateTimedOut
	StateKilled
	StateSpawnError
)

func (s ProcessState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateTimedOut:
		return "timed_out"
	case StateKilled:
		return "killed"
	case StateSpawnError:
		return "spawn_error"
	default:
		return unknownStr
	}
}

// Terminal reports whether s is final.
func (s ProcessState) Terminal() bool {
	return s >= StateExited
}

// LaunchOptions describes one command launch.
type LaunchOptions struct {
	// Env is the complete environment of the command. The host environment
	// is never inherited.
	Env FilteredEnvironment
	// Dir is the working directory; empty means the caller's.
	Dir string
	// Isolate runs the command in fresh user, mount and PID namespaces
	// where it cannot see the host's processes.
	Isolate bool
	// Timeout bounds the run; values <= 0 or above MaxTimeout mean
	// MaxTimeout.
	Timeout time.Duration
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherLogger sets the logger of the launcher.
func WithLauncherLogger(l *slog.Logger) LauncherOption {
	return func(ln *Launcher) { ln.logger = l }
}

// WithLauncherClock replaces the clock driving timeouts and the
// termination grace interval.
func WithLauncherClock(c clock.Clock) LauncherOption {
	return func(ln *Launcher) { ln.clock = c }
}

// WithLauncherMetrics records launched commands in m.
func WithLauncherMetrics(m *Metrics) LauncherOption {
	return func(ln *Launcher) { ln.metrics = m }
}

// WithShell replaces /bin/sh as the interpreter of commands.
func WithShell(path string) LauncherOption {
	return func(ln *Launcher) { ln.shell = path }
}

// WithMaxOutputBytes changes the per-stream capture limit.
func WithMaxOutputBytes(n int) LauncherOption {
	return func(ln *Launcher) { ln.maxOutput = n }
}

// Launcher starts shell commands in their own process group and supervises
// them until every process in that group is gone.
type Launcher struct {
	shell     string
	logger    *slog.Logger
	clock     clock.Clock
	metrics   *Metrics
	maxOutput int
	grace     time.Duration
	drain     time.Duration
	platform  func() platform.Platform
}

// NewLauncher returns a Launcher with the given options applied.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		shell:     defaultShell,
		logger:    slog.Default(),
		clock:     clock.Real(),
		maxOutput: MaxOutputBytes,
		grace:     GraceInterval,
		drain:     DrainTimeout,
		platform:  detectPlatformFn,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Outcome is an immutable snapshot of a finished command.
type Outcome struct {
	ID        string
	State     ProcessState
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Isolated  bool
	Degraded  bool
	Duration  time.Duration
}

// ProcessHandle tracks one launched command. Its output buffers, timers and
// process group belong to it alone.
type ProcessHandle struct {
	// ID identifies the command in logs.
	ID string
	// PID is the host PID of the command's shell, or of the namespace init
	// when isolated. Zero if the command never started.
	PID int
	// PGID is the command's process group. It equals PID: every command
	// leads its own session.
	PGID int
	// Isolated is true if the command runs in its own namespaces.
	Isolated bool
	// Degraded is true if isolation was requested and only partly
	// established.
	Degraded bool

	startedAt time.Time
	stdout    *cappedBuffer
	stderr    *cappedBuffer
	done      chan struct{}

	mu       sync.Mutex
	state    ProcessState
	exitCode int
	err      error
	duration time.Duration
	outcome  *Outcome
}

func newHandle(maxOutput int, isolated bool) *ProcessHandle {
	return &ProcessHandle{
		ID:        uuid.NewString(),
		Isolated:  isolated,
		startedAt: time.Now(),
		stdout:    newCappedBuffer(maxOutput),
		stderr:    newCappedBuffer(maxOutput),
		done:      make(chan struct{}),
		state:     StateSpawned,
		exitCode:  exitUnknown,
	}
}

// StartedAt returns when the command was started.
func (h *ProcessHandle) StartedAt() time.Time { return h.startedAt }

// State returns the current state.
func (h *ProcessHandle) State() ProcessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode returns the exit code, or -1 while the command runs.
func (h *ProcessHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err returns a supervision failure that the exit code does not explain,
// such as a wait error. It is nil for ordinary runs.
func (h *ProcessHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stdout returns the standard output captured so far.
func (h *ProcessHandle) Stdout() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome != nil {
		return h.outcome.Stdout
	}
	return h.stdout.String()
}

// Stderr returns the standard error captured so far.
func (h *ProcessHandle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome != nil {
		return h.outcome.Stderr
	}
	return h.stderr.String()
}

// Truncated reports whether either stream exceeded the capture limit.
func (h *ProcessHandle) Truncated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome != nil {
		return h.outcome.Truncated
	}
	return h.stdout.Truncated() || h.stderr.Truncated()
}

// Done is closed once the command reached a terminal state and every
// process of its group is gone.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until Done and returns the outcome. Buffers are released
// afterwards; later calls return the same snapshot.
func (h *ProcessHandle) Wait() Outcome {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome == nil {
		h.outcome = &Outcome{
			ID:        h.ID,
			State:     h.state,
			ExitCode:  h.exitCode,
			Stdout:    h.stdout.String(),
			Stderr:    h.stderr.String(),
			Truncated: h.stdout.Truncated() || h.stderr.Truncated(),
			Isolated:  h.Isolated,
			Degraded:  h.Degraded,
			Duration:  h.duration,
		}
		h.stdout, h.stderr = nil, nil
	}
	return *h.outcome
}

func (h *ProcessHandle) setState(s ProcessState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return
	}
	h.state = s
}

// finish records the terminal state and releases waiters.
func (h *ProcessHandle) finish(s ProcessState, code int, err error) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = s
		h.exitCode = code
		h.err = err
		h.duration = time.Since(h.startedAt)
	}
	h.mu.Unlock()
	close(h.done)
}

// spawnFailed finishes a handle whose command never started.
func (h *ProcessHandle) spawnFailed(reason string) {
	h.stderr.WriteString(reason)
	h.finish(StateSpawnError, exitUnknown, nil)
}

// ClampLaunchTimeout maps a requested timeout into (0, MaxTimeout].
func ClampLaunchTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Launch starts command under the shell and returns immediately. Failure
// to spawn is reported through the handle, not as an error; the only
// errors are ErrIsolationUnavailable when Isolate is set and the kernel
// cannot provide it, and pipe creation failures.
func (l *Launcher) Launch(ctx context.Context, command string, opts LaunchOptions) (*ProcessHandle, error) {
	timeout := ClampLaunchTimeout(opts.Timeout)
	mode := modeDirect
	if opts.Isolate {
		mode = modeIsolated
	}
	h := newHandle(l.maxOutput, opts.Isolate)
	logger := l.logger.With("id", h.ID, "mode", mode)

	shell, err := exec.LookPath(l.shell)
	if err != nil {
		h.spawnFailed(fmt.Sprintf("pullbox: shell %s: %v", l.shell, err))
		l.finished(logger, h, mode)
		return h, nil
	}

	if opts.Dir != "" {
		if fi, err := os.Stat(opts.Dir); err != nil {
			h.spawnFailed(fmt.Sprintf("pullbox: working directory: %v", err))
			l.finished(logger, h, mode)
			return h, nil
		} else if !fi.IsDir() {
			h.spawnFailed(fmt.Sprintf("pullbox: working directory %s is not a directory", opts.Dir))
			l.finished(logger, h, mode)
			return h, nil
		}
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env.List()
	setupProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pullbox: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("pullbox: stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var iso platform.Isolation
	if opts.Isolate {
		iso, err = l.platform().Isolate(cmd, &platform.IsolationConfig{MountProc: true, ScopeAncestors: true})
		if err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			l.metrics.degraded("isolation_unsupported")
			return nil, fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		if iso != nil {
			iso.Abort()
			if isNamespaceRefusal(err) {
				l.metrics.degraded("namespaces_refused")
				return nil, fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
			}
		}
		h.spawnFailed(fmt.Sprintf("pullbox: start: %v", err))
		l.finished(logger, h, mode)
		return h, nil
	}
	// The child holds its own copies; the read ends see EOF once every
	// process in the group has exited.
	closeAll(stdoutW, stderrW)
	h.PID = cmd.Process.Pid
	h.PGID = cmd.Process.Pid
	h.startedAt = time.Now()
	h.setState(StateRunning)

	if iso != nil {
		iso.Started()
		status, err := iso.Handshake()
		if err == nil && !status.Protected() {
			err = fmt.Errorf("proc: %s; scope: %s", status.ProcError, status.ScopeError)
		}
		if err != nil {
			_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
			_ = cmd.Wait()
			closeAll(stdoutR, stderrR)
			l.metrics.degraded("isolation_failed")
			return nil, fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
		}
		if !status.ProcMounted || !status.Scoped {
			h.Degraded = true
			reason := "ancestor_scope"
			detail := status.ScopeError
			if !status.ProcMounted {
				reason = "proc_remount"
				detail = status.ProcError
			}
			logger.Warn("process isolation degraded", "missing", reason, "error", detail)
			l.metrics.degraded(reason)
		}
	} else {
		logger.Warn("running command without process isolation (degraded mode)")
		l.metrics.degraded("not_isolated")
	}

	logger.Debug("command started", "pid", cmd.Process.Pid, "timeout", timeout)

	var readers sync.WaitGroup
	readers.Add(2)
	go copyStream(&readers, h.stdout, stdoutR)
	go copyStream(&readers, h.stderr, stderrR)

	go l.supervise(ctx, logger, h, cmd, timeout, mode, &readers, stdoutR, stderrR)
	return h, nil
}

func (l *Launcher) supervise(ctx context.Context, logger *slog.Logger, h *ProcessHandle, cmd *exec.Cmd,
	timeout time.Duration, mode string, readers *sync.WaitGroup, pipes ...*os.File) {
	pid := cmd.Process.Pid
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	signal := func(sig syscall.Signal) error { return signalGroup(pid, sig) }
	state := StateExited
	select {
	case <-exited:
	case <-l.clock.After(timeout):
		state = StateTimedOut
		logger.Info("command timed out, terminating", "timeout", timeout)
		newTerminator(l.clock, l.grace, signal, exited, logger).run()
	case <-ctx.Done():
		state = StateKilled
		logger.Info("command cancelled, terminating", "error", ctx.Err())
		newTerminator(l.clock, l.grace, signal, exited, logger).run()
	}

	// Backgrounded descendants must not outlive the command.
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("cannot kill process group", "error", err)
	}

	l.drainPipes(logger, readers, pipes)

	var code int
	var err error
	switch state {
	case StateTimedOut:
		code = ExitTimedOut
	case StateKilled:
		code = exitUnknown
	default:
		code = exitCodeOf(cmd.ProcessState)
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			err = waitErr
		}
	}
	h.finish(state, code, err)
	l.finished(logger, h, mode)
}

// drainPipes waits for the readers to hit EOF, then force-closes the read
// ends if a process outside the group still holds a write end.
func (l *Launcher) drainPipes(logger *slog.Logger, readers *sync.WaitGroup, pipes []*os.File) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-l.clock.After(l.drain):
		logger.Warn("output pipes still open after drain timeout, closing", "timeout", l.drain)
		closeAll(pipes...)
		<-drained
		return
	}
	closeAll(pipes...)
}

func (l *Launcher) finished(logger *slog.Logger, h *ProcessHandle, mode string) {
	state := h.State()
	l.metrics.commandFinished(mode, state, time.Since(h.startedAt))
	logger.Debug("command finished", "state", state.String(), "exit_code", h.ExitCode())
}

func copyStream(wg *sync.WaitGroup, dst io.Writer, src io.Reader) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
}

// isNamespaceRefusal reports whether a start error means the kernel refused
// to create the namespaces. The shell and working directory are checked
// before Start, so these errnos come from clone or the id maps.
func isNamespaceRefusal(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EPERM, syscall.EACCES, syscall.EINVAL, syscall.ENOSPC, syscall.EUSERS} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
