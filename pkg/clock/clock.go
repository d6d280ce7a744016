// Package clock provides the time authority shared by every time-windowed
// component. Production code uses Wall; tests drive a Manual clock so that
// cooldowns, TTLs and debounce windows are deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock provides authority time.
type Clock interface {
	Now() time.Time
}

// Wall is the process wall clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// Or returns c, or Wall when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Wall{}
	}
	return c
}

// Timer is a one-shot timer on some clock's time.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type timerClock interface {
	NewTimer(d time.Duration) Timer
}

// NewTimer returns a timer firing after d on c. Manual clocks fire their
// timers from Advance and Set; any other clock uses a runtime timer.
func NewTimer(c Clock, d time.Duration) Timer {
	if tc, ok := c.(timerClock); ok {
		return tc.NewTimer(d)
	}
	return wallTimer{time.NewTimer(d)}
}

type wallTimer struct{ t *time.Timer }

func (w wallTimer) C() <-chan time.Time { return w.t.C }
func (w wallTimer) Stop() bool          { return w.t.Stop() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	m  *Manual
	at time.Time
	ch chan time.Time
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

// Stop reports whether the timer was stopped before it fired.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i, o := range t.m.timers {
		if o == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// NewTimer registers a timer that fires once the clock reaches now+d.
func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{m: m, at: m.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- m.now
		return t
	}
	m.timers = append(m.timers, t)
	return t
}

// fire must be called with mu held.
func (m *Manual) fire() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.at.After(m.now) {
			kept = append(kept, t)
			continue
		}
		t.ch <- m.now
	}
	clear(m.timers[len(kept):])
	m.timers = kept
}

// NewManual creates a manual clock pinned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.fire()
	return m.now
}

// Set pins the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
	m.fire()
}
