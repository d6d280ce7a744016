// Package budget implements the time-windowed ceilings used across the core:
// a sliding-window RollingWindow counter, a single-shot Cooldown, and keyed
// Stores that can share windows between processes.
package budget

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// Unlimited is reported by Remaining when a window has no ceiling.
const Unlimited = -1

// RollingWindow counts occurrences inside a trailing window. A limit of zero
// or less means unlimited.
type RollingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	clock  clock.Clock
}

// NewRollingWindow creates a budget allowing limit occurrences per window.
func NewRollingWindow(limit int, window time.Duration, c clock.Clock) *RollingWindow {
	return &RollingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, max(limit, 0)),
		clock:  clock.Or(c),
	}
}

// PerMinute is shorthand for a 60s window.
func PerMinute(limit int, c clock.Clock) *RollingWindow {
	return NewRollingWindow(limit, time.Minute, c)
}

// Allow reports whether one more occurrence fits in the window.
func (b *RollingWindow) Allow() bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.clock.Now())
	return len(b.stamps) < b.limit
}

// Record notes an occurrence at the current time.
func (b *RollingWindow) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.stamps = append(b.stamps, now)
	b.prune(now)
}

// Take records an occurrence only if it fits, reporting whether it did.
func (b *RollingWindow) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.prune(now)
	if b.limit > 0 && len(b.stamps) >= b.limit {
		return false
	}
	b.stamps = append(b.stamps, now)
	return true
}

// Remaining returns how many occurrences still fit, or Unlimited.
func (b *RollingWindow) Remaining() int {
	if b.limit <= 0 {
		return Unlimited
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.clock.Now())
	return max(b.limit-len(b.stamps), 0)
}

// Count returns the occurrences currently inside the window.
func (b *RollingWindow) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.clock.Now())
	return len(b.stamps)
}

// Exhausted is the negation of Allow.
func (b *RollingWindow) Exhausted() bool { return !b.Allow() }

func (b *RollingWindow) Limit() int { return b.limit }

func (b *RollingWindow) Window() time.Duration { return b.window }

// Reset forgets every recorded occurrence.
func (b *RollingWindow) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stamps = b.stamps[:0]
}

// prune drops stamps older than the window. Must be called with mu held.
func (b *RollingWindow) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.stamps) && b.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}
