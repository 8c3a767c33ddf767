package pullbox

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pullfrog/pullbox/internal/clock"
)

// GraceInterval is how long a process group has between SIGTERM and
// SIGKILL.
const GraceInterval = 200 * time.Millisecond

// termState is a step of the termination cascade.
type termState int

const (
	termRunning termState = iota
	termSent
	termGraceWait
	termKillSent
	termReaped
)

func (s termState) String() string {
	switch s {
	case termRunning:
		return "running"
	case termSent:
		return "term-sent"
	case termGraceWait:
		return "grace-wait"
	case termKillSent:
		return "kill-sent"
	case termReaped:
		return "reaped"
	default:
		return unknownStr
	}
}

// terminator drives one process group from running to reaped:
// SIGTERM, a grace interval on the injected clock, then SIGKILL. The
// group leader's exit at any point short-circuits to reaped.
type terminator struct {
	clock  clock.Clock
	grace  time.Duration
	signal func(syscall.Signal) error
	exited <-chan struct{}
	logger *slog.Logger

	mu          sync.Mutex
	state       termState
	transitions []termState
}

func newTerminator(c clock.Clock, grace time.Duration, signal func(syscall.Signal) error,
	exited <-chan struct{}, logger *slog.Logger) *terminator {
	return &terminator{
		clock:       c,
		grace:       grace,
		signal:      signal,
		exited:      exited,
		logger:      logger,
		transitions: []termState{termRunning},
	}
}

// run executes the cascade and returns once the leader has been reaped.
func (t *terminator) run() {
	t.send(syscall.SIGTERM)
	t.enter(termSent)

	select {
	case <-t.exited:
		t.enter(termReaped)
		return
	default:
	}

	t.enter(termGraceWait)
	select {
	case <-t.exited:
		t.enter(termReaped)
		return
	case <-t.clock.After(t.grace):
	}

	t.send(syscall.SIGKILL)
	t.enter(termKillSent)
	<-t.exited
	t.enter(termReaped)
}

func (t *terminator) send(sig syscall.Signal) {
	err := t.signal(sig)
	if err == nil {
		return
	}
	if errors.Is(err, os.ErrProcessDone) {
		t.logger.Debug("process group already gone", "signal", sig.String())
		return
	}
	t.logger.Warn("cannot signal process group", "signal", sig.String(), "error", err)
}

func (t *terminator) enter(s termState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	t.transitions = append(t.transitions, s)
}

// history returns every state entered so far, in order.
func (t *terminator) history() []termState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]termState, len(t.transitions))
	copy(out, t.transitions)
	return out
}
