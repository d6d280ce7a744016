package ops

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/events"
)

// Gesture is one small idle movement.
type Gesture struct {
	Name      string
	Delay     time.Duration
	Intensity float64
}

// GestureSink performs gestures on the hardware.
type GestureSink interface {
	Perform(ctx context.Context, g Gesture) error
}

// GestureFunc adapts a function to GestureSink.
type GestureFunc func(ctx context.Context, g Gesture) error

func (f GestureFunc) Perform(ctx context.Context, g Gesture) error { return f(ctx, g) }

// MotionState reports whether the device has been still for d.
type MotionState interface {
	Idle(d time.Duration) bool
}

// scheduleGesture picks the next gesture time uniformly in
// [MinInterval, MaxInterval]. Must not be called concurrently with itself.
func (o *Orchestrator) scheduleGesture(now time.Time) {
	g := o.cfg.Gesture
	span := g.MaxInterval - g.MinInterval
	next := g.MinInterval
	if span > 0 {
		next += time.Duration(o.rng.Int64N(int64(span) + 1))
	}
	o.nextGesture = now.Add(next)
}

// maybeGesture performs a micro-presence gesture when every gate is open:
// due time, hourly budget, health, battery, stillness and an empty bus.
func (o *Orchestrator) maybeGesture(ctx context.Context, now time.Time) error {
	g := o.cfg.Gesture
	if !g.Enabled {
		return nil
	}
	o.mu.Lock()
	if now.Before(o.nextGesture) {
		o.mu.Unlock()
		return nil
	}
	o.scheduleGesture(now)
	snap := o.snapshot
	o.mu.Unlock()

	left, err := o.moves.Remaining(ctx)
	if err != nil {
		return fmt.Errorf("gesture budget: %w", err)
	}
	if left == 0 {
		o.budgetExhausted(ctx, "micro_presence", o.moves.Ceiling(), "Micro-presence budget exhausted.")
		return nil
	}
	if snap != nil && !slices.Contains(g.Allowed, snap.Status) {
		return nil
	}
	if snap != nil {
		if p, ok := snap.BatteryPercent(); ok && p < g.BatteryMin {
			o.log.DebugContext(ctx, "gesture skipped: battery low", "percent", p)
			return nil
		}
	}
	if o.motion != nil && !o.motion.Idle(g.IdleFor) {
		o.log.DebugContext(ctx, "gesture skipped: motion busy")
		return nil
	}
	if o.bus.Len() > 0 {
		o.log.DebugContext(ctx, "gesture skipped: bus not empty")
		return nil
	}

	o.mu.Lock()
	gesture := Gesture{
		Name:      "idle",
		Delay:     time.Duration(100+o.rng.IntN(251)) * time.Millisecond,
		Intensity: 0.6 + 0.4*o.rng.Float64(),
	}
	o.mu.Unlock()
	if o.sink != nil {
		if err := o.sink.Perform(ctx, gesture); err != nil {
			return fmt.Errorf("perform gesture: %w", err)
		}
	}
	if _, err := o.moves.Take(ctx); err != nil {
		return fmt.Errorf("gesture budget: %w", err)
	}

	o.bus.Publish(events.Event{
		Source:    events.SourceOps,
		Kind:      events.KindGesture,
		Payload:   events.GesturePayload{Name: gesture.Name, Reason: "micro_presence"},
		Priority:  events.PriorityLow,
		TTL:       o.cfg.EventTTL,
		CreatedAt: now,
		DedupeKey: "ops.gesture",
	})
	o.record(Activity{At: now, Type: "micro_presence", Message: "gesture " + gesture.Name, Details: map[string]any{
		"delay_ms": gesture.Delay.Milliseconds(), "intensity": gesture.Intensity,
	}})
	if o.allowLog(ctx, "micro_presence") {
		o.log.InfoContext(ctx, "micro-presence gesture", "delay", gesture.Delay, "intensity", gesture.Intensity)
	}
	return nil
}
