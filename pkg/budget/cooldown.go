package budget

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// Cooldown enforces a minimum spacing between occurrences. The zero
// duration never blocks.
type Cooldown struct {
	mu       sync.Mutex
	duration time.Duration
	last     time.Time
	clock    clock.Clock
}

func NewCooldown(d time.Duration, c clock.Clock) *Cooldown {
	return &Cooldown{duration: d, clock: clock.Or(c)}
}

// Ready reports whether the cooldown has elapsed since the last Mark.
func (c *Cooldown) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyAt(c.clock.Now())
}

// Mark starts a new cooldown period now.
func (c *Cooldown) Mark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = c.clock.Now()
}

// TryMark marks and returns true only if the cooldown was ready.
func (c *Cooldown) TryMark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if !c.readyAt(now) {
		return false
	}
	c.last = now
	return true
}

// Remaining returns the time left until Ready, or zero.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.IsZero() {
		return 0
	}
	left := c.duration - c.clock.Now().Sub(c.last)
	return max(left, 0)
}

// Clear forgets the last Mark.
func (c *Cooldown) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Time{}
}

func (c *Cooldown) readyAt(now time.Time) bool {
	return c.last.IsZero() || c.duration <= 0 || now.Sub(c.last) >= c.duration
}

// Cooldowns is a keyed set of cooldowns sharing one default duration.
type Cooldowns struct {
	mu       sync.Mutex
	duration time.Duration
	last     map[string]time.Time
	clock    clock.Clock
}

func NewCooldowns(d time.Duration, c clock.Clock) *Cooldowns {
	return &Cooldowns{duration: d, last: make(map[string]time.Time), clock: clock.Or(c)}
}

// Ready reports whether key is outside its cooldown of d. A non-positive d
// falls back to the default duration.
func (c *Cooldowns) Ready(key string, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyAt(key, d, c.clock.Now())
}

// TryMark marks key when it is ready and reports whether it was.
func (c *Cooldowns) TryMark(key string, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if !c.readyAt(key, d, now) {
		return false
	}
	c.last[key] = now
	return true
}

func (c *Cooldowns) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = c.clock.Now()
}

// Last returns when key was last marked.
func (c *Cooldowns) Last(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[key]
	return t, ok
}

func (c *Cooldowns) readyAt(key string, d time.Duration, now time.Time) bool {
	if d <= 0 {
		d = c.duration
	}
	last, ok := c.last[key]
	return !ok || d <= 0 || now.Sub(last) >= d
}
