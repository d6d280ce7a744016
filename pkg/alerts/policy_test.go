package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/events"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestSeverityPriority(t *testing.T) {
	assert.Equal(t, events.PriorityCritical, SeverityCritical.Priority())
	assert.Equal(t, events.PriorityHigh, SeverityHigh.Priority())
	assert.Equal(t, events.PriorityHigh, SeverityWarning.Priority())
	assert.Equal(t, events.PriorityNormal, SeverityInfo.Priority())
	assert.Equal(t, events.PriorityLow, SeverityLow.Priority())
	assert.Equal(t, events.PriorityNormal, Severity("bogus").Priority())
	assert.Equal(t, events.PriorityCritical, Severity("CRITICAL").Priority())
}

func TestPolicy_EmitPublishesAlert(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := events.NewBus(10, events.WithClock(clk))
	p := NewPolicy(DefaultConfig(), bus, clk)

	ok := p.Emit(context.Background(), Alert{
		Key:      "battery_critical",
		Severity: SeverityCritical,
		Message:  "battery at 8%",
		Details:  map[string]any{"percent": 8},
	})
	require.True(t, ok)

	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, events.SourceAlert, ev.Source)
	assert.Equal(t, events.KindAlert, ev.Kind)
	assert.Equal(t, events.PriorityCritical, ev.Priority)
	assert.Equal(t, 120*time.Second, ev.TTL)
	assert.True(t, ev.RequestResponse)
	assert.Equal(t, "battery_critical", ev.DedupeKey)
	payload, isAlert := ev.Payload.(events.AlertPayload)
	require.True(t, isAlert)
	assert.Contains(t, payload.Summary(), "percent=8")
}

func TestPolicy_CooldownDropsSilently(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := events.NewBus(10, events.WithClock(clk))
	p := NewPolicy(DefaultConfig(), bus, clk)
	ctx := context.Background()

	require.True(t, p.Emit(ctx, Alert{Key: "budget_logs", Severity: SeverityWarning}))
	clk.Advance(30 * time.Second)
	assert.False(t, p.Emit(ctx, Alert{Key: "budget_logs", Severity: SeverityWarning}))
	assert.True(t, p.Emit(ctx, Alert{Key: "other", Severity: SeverityWarning}), "keys cool down independently")

	clk.Advance(31 * time.Second)
	assert.True(t, p.Emit(ctx, Alert{Key: "budget_logs", Severity: SeverityWarning}))

	emitted, suppressed := p.Counts()
	assert.Equal(t, uint64(3), emitted)
	assert.Equal(t, uint64(1), suppressed)
}

func TestPolicy_PerAlertOverrides(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := events.NewBus(10, events.WithClock(clk))
	p := NewPolicy(DefaultConfig(), bus, clk)
	ctx := context.Background()
	no := false

	require.True(t, p.Emit(ctx, Alert{
		Key: "health_failing", Severity: SeverityCritical,
		Cooldown: 120 * time.Second, TTL: 10 * time.Second, RequestResponse: &no,
	}))
	clk.Advance(90 * time.Second)
	assert.False(t, p.Emit(ctx, Alert{Key: "health_failing", Severity: SeverityCritical, Cooldown: 120 * time.Second}))

	// the first alert expired after its 10s TTL
	assert.Empty(t, bus.DrainReady(clk.Now()))

	clk.Advance(31 * time.Second)
	require.True(t, p.Emit(ctx, Alert{Key: "health_failing", Severity: SeverityInfo, Cooldown: 120 * time.Second}))
	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 1)
	assert.False(t, got[0].RequestResponse, "info alerts do not request a response by default")
}
