// Package clock abstracts the timers used by the launcher and the
// termination cascade so they can be driven deterministically in tests.
//
// Production code uses Real(); tests use Fake() and advance time by hand.
package clock

import "time"

// Clock is the subset of the time package the launcher depends on.
type Clock interface {
	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
