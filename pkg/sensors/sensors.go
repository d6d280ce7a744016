// Package sensors turns raw battery and IMU readings into bus events. The
// hardware drivers that sample them live outside this module.
package sensors

import (
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

type base struct {
	clock     clock.Clock
	log       *slog.Logger
	queries   *session.QueryTracker
	lastInput time.Time
}

// Option configures a monitor.
type Option func(*base)

func WithClock(c clock.Clock) Option { return func(b *base) { b.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(b *base) { b.log = l } }

// WithQueryTracker lets a recent user question about the sensor's topic
// permit a spoken response.
func WithQueryTracker(q *session.QueryTracker) Option { return func(b *base) { b.queries = q } }

func newBase(component string, opts []Option) base {
	b := base{clock: clock.Wall{}, log: slog.Default().With("component", component)}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// alive reports whether the last reading arrived within staleAfter.
func (b *base) alive(staleAfter time.Duration) bool {
	return !b.lastInput.IsZero() && b.clock.Now().Sub(b.lastInput) <= staleAfter
}
