// Package clock lets session timers run against wall time in production and
// against a manually advanced clock in tests.
package clock

import "time"

// Clock is the subset of the time package the gateway schedules with.
type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d elapses.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d elapses. A non-positive d calls f right away.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer cancels a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop reports whether it prevented the call. Safe on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
