package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testEvent(id string, priority int) Event {
	return Event{ID: id, Source: SourceOps, Kind: KindStatus, Priority: priority, TTL: time.Minute}
}

func TestBus_DrainOrder(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(10, WithClock(clk))

	bus.Publish(testEvent("low", PriorityLow))
	clk.Advance(time.Millisecond)
	bus.Publish(testEvent("high-1", PriorityHigh))
	clk.Advance(time.Millisecond)
	bus.Publish(testEvent("high-2", PriorityHigh))
	clk.Advance(time.Millisecond)
	bus.Publish(testEvent("critical", PriorityCritical))

	got := bus.DrainReady(clk.Now())
	ids := make([]string, len(got))
	for i, ev := range got {
		ids[i] = ev.ID
	}
	assert.Equal(t, []string{"critical", "high-1", "high-2", "low"}, ids)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_DrainDiscardsExpired(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(10, WithClock(clk))

	zero := testEvent("zero-ttl", PriorityHigh)
	zero.TTL = 0
	bus.Publish(zero)

	short := testEvent("short", PriorityNormal)
	short.TTL = 5 * time.Second
	bus.Publish(short)

	bus.Publish(testEvent("long", PriorityLow))

	clk.Advance(6 * time.Second)
	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 1)
	assert.Equal(t, "long", got[0].ID)
	assert.Equal(t, uint64(2), bus.Stats().Expired)
}

func TestBus_NegativeTTLClamped(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(4, WithClock(clk))
	ev := testEvent("neg", PriorityHigh)
	ev.TTL = -time.Second
	bus.Publish(ev)
	assert.Empty(t, bus.DrainReady(clk.Now()))
}

func TestBus_EvictsWeakestAtCapacity(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(3, WithClock(clk))

	bus.Publish(testEvent("old-low", PriorityLow))
	clk.Advance(time.Millisecond)
	bus.Publish(testEvent("new-low", PriorityLow))
	clk.Advance(time.Millisecond)
	bus.Publish(testEvent("high", PriorityHigh))
	clk.Advance(time.Millisecond)
	bus.Publish(testEvent("normal", PriorityNormal))

	assert.Equal(t, 3, bus.Len())
	got := bus.DrainReady(clk.Now())
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	assert.Equal(t, []string{"high", "normal", "new-low"}, ids)
	assert.Equal(t, uint64(1), bus.Stats().Evicted)
}

func TestBus_DropsIncomingWhenWeakest(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(2, WithClock(clk))
	bus.Publish(testEvent("a", PriorityHigh))
	bus.Publish(testEvent("b", PriorityHigh))
	bus.Publish(testEvent("c", PriorityLow))

	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestBus_DedupeCoalesces(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(10, WithClock(clk))

	first := testEvent("first", PriorityHigh)
	first.DedupeKey = "battery_critical"
	bus.Publish(first)
	clk.Advance(time.Second)
	second := testEvent("second", PriorityHigh)
	second.DedupeKey = "battery_critical"
	bus.Publish(second)

	assert.Equal(t, 1, bus.Len())
	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].ID)
	assert.Equal(t, uint64(1), bus.Stats().Coalesced)
}

func TestBus_RequeueKeepsNewerKeyMate(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(10, WithClock(clk))

	stale := testEvent("stale", PriorityLow)
	stale.DedupeKey = "ops.health"
	bus.Publish(stale)
	drained := bus.DrainReady(clk.Now())
	require.Len(t, drained, 1)

	clk.Advance(time.Second)
	fresh := testEvent("fresh", PriorityLow)
	fresh.DedupeKey = "ops.health"
	bus.Publish(fresh)

	assert.False(t, bus.Requeue(drained[0]))
	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ID)

	// Without a key-mate the requeue lands.
	assert.True(t, bus.Requeue(got[0]))
	assert.Equal(t, 1, bus.Len())
}

func TestBus_EmitFillsDefaults(t *testing.T) {
	clk := clock.NewManual(epoch)
	bus := NewBus(0, WithClock(clk))
	assert.Equal(t, DefaultCapacity, bus.Capacity())

	bus.Emit(SourceBattery, KindStatus, Meta(MetaTrigger, "battery"), PriorityNormal, time.Minute, true)
	select {
	case <-bus.Notify():
	default:
		t.Fatal("expected publish notification")
	}
	got := bus.DrainReady(clk.Now())
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, epoch, got[0].CreatedAt)
	assert.True(t, got[0].RequestResponse)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(50)
	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				bus.Publish(testEvent(fmt.Sprintf("p%d-%d", p, i), i%4))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, bus.Len())
	st := bus.Stats()
	assert.Equal(t, uint64(800), st.Published)
	assert.Equal(t, uint64(750), st.Evicted)
}

func TestEvent_TriggersAndTopic(t *testing.T) {
	ev := Event{Source: SourceBattery, Kind: KindStatus}
	assert.Equal(t, []string{"battery.status"}, ev.Triggers())
	assert.Equal(t, "battery", ev.Topic())

	ev.Metadata = Meta(MetaTrigger, "battery_low, power", MetaTopic, "power")
	assert.Equal(t, []string{"battery_low", "power"}, ev.Triggers())
	assert.Equal(t, "power", ev.Topic())
}

func TestMetadataOrdered(t *testing.T) {
	m := Meta("b", "1", "a", "2")
	m = m.Set("b", "3")
	assert.Equal(t, "b=3 a=2", m.String())
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}
