// Package clock abstracts wall-clock time and timers so polling loops can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and one-shot timers
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable one-shot timer
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }

// FakeClock is a manually driven Clock for tests. Creating a timer advances
// the clock by the timer's duration and fires it immediately, so a loop that
// waits on successive timers walks through virtual time without sleeping.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers int
}

// NewFake creates a FakeClock starting at start
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current virtual time
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves virtual time forward by d
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// NewTimer advances the clock by d and returns an already fired timer
func (f *FakeClock) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.timers++

	ch := make(chan time.Time, 1)
	ch <- f.now
	return &fakeTimer{c: ch}
}

// Timers returns how many timers have been created
func (f *FakeClock) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timers
}

type fakeTimer struct {
	c chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	select {
	case <-t.c:
		return true
	default:
		return false
	}
}
