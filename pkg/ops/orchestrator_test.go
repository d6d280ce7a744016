package ops

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/events"
)

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

// switchProbe reports whatever status it was last set to.
type switchProbe struct {
	name    string
	mu      sync.Mutex
	status  Status
	details map[string]any
	calls   atomic.Int32
}

func newSwitch(name string, s Status) *switchProbe { return &switchProbe{name: name, status: s} }

func (p *switchProbe) Name() string { return p.name }

func (p *switchProbe) Check(context.Context) ProbeResult {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProbeResult{Status: p.status, Summary: string(p.status), Details: p.details}
}

func (p *switchProbe) set(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

type harness struct {
	clk *clock.Manual
	bus *events.Bus
	o   *Orchestrator
}

func newHarness(t *testing.T, mutate func(*Config), probes []Probe, opts ...Option) *harness {
	t.Helper()
	h := &harness{clk: clock.NewManual(t0)}
	h.bus = events.NewBus(events.DefaultCapacity, events.WithClock(h.clk))
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithClock(h.clk), WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	h.o = New(cfg, h.bus, probes, opts...)
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Tick(context.Background()))
}

func (h *harness) drain() []events.Event { return h.bus.DrainReady(h.clk.Now()) }

func kinds(evs []events.Event) []events.Kind {
	out := []events.Kind{}
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func alertKeys(evs []events.Event) []string {
	out := []string{}
	for _, ev := range evs {
		if p, ok := ev.Payload.(events.AlertPayload); ok {
			out = append(out, p.Key)
		}
	}
	return out
}

func TestFirstTickCommitsImmediately(t *testing.T) {
	audio, session := newSwitch("audio", StatusOK), newSwitch("session", StatusOK)
	h := newHarness(t, nil, []Probe{audio, session})

	h.tick(t)
	snap := h.o.Snapshot()
	assert.Equal(t, StatusOK, snap.Status)
	assert.Equal(t, "All systems nominal", snap.Summary)
	assert.Equal(t, uint64(1), snap.Tick)
	assert.Equal(t, ModeActive, h.o.Mode())

	evs := h.drain()
	require.Len(t, evs, 1, "ok health raises no alert")
	assert.Equal(t, events.SourceOps, evs[0].Source)
	assert.Equal(t, events.KindHealth, evs[0].Kind)
	assert.Equal(t, map[string]string{"audio": "ok", "session": "ok"}, evs[0].Payload.(events.HealthPayload).Probes)

	h.clk.Advance(time.Second)
	h.tick(t)
	assert.Empty(t, h.drain(), "unchanged health is not republished")
	assert.Equal(t, uint64(2), h.o.Counters().Ticks)
}

func TestNoProbesIsDegraded(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.tick(t)
	assert.Equal(t, StatusDegraded, h.o.Snapshot().Status)
	assert.Equal(t, []string{"health_degraded"}, alertKeys(h.drain()))
}

func TestFlappingFasterThanDebounceNeverCommits(t *testing.T) {
	p := newSwitch("session", StatusOK)
	h := newHarness(t, nil, []Probe{p})
	h.tick(t)
	h.drain()

	for i := 0; i < 10; i++ {
		h.clk.Advance(time.Second)
		if i%2 == 0 {
			p.set(StatusFailing)
		} else {
			p.set(StatusOK)
		}
		h.tick(t)
		assert.Equal(t, StatusOK, h.o.Snapshot().Status)
	}
	assert.Empty(t, h.drain())
}

func TestPersistentChangeCommitsAfterDebounce(t *testing.T) {
	p := newSwitch("session", StatusOK)
	h := newHarness(t, nil, []Probe{p})
	h.tick(t)
	h.drain()

	p.set(StatusFailing)
	h.clk.Advance(time.Second)
	h.tick(t)
	st, ok := h.o.Debounced("session")
	require.True(t, ok)
	assert.Equal(t, StatusOK, st.Stable)
	assert.Equal(t, StatusFailing, st.Pending)

	h.clk.Advance(time.Second)
	h.tick(t)
	assert.Equal(t, StatusOK, h.o.Snapshot().Status)

	h.clk.Advance(time.Second)
	h.tick(t)
	snap := h.o.Snapshot()
	assert.Equal(t, StatusFailing, snap.Status)
	assert.Equal(t, "Critical issues: session", snap.Summary)

	evs := h.drain()
	assert.ElementsMatch(t, []events.Kind{events.KindHealth, events.KindAlert}, kinds(evs))
	assert.Equal(t, []string{"health_failing"}, alertKeys(evs))
	for _, ev := range evs {
		if ev.Kind == events.KindAlert {
			assert.Equal(t, events.PriorityCritical, ev.Priority)
			assert.True(t, ev.RequestResponse)
		}
	}
}

func TestHealthAlertCooldown(t *testing.T) {
	p := newSwitch("session", StatusFailing)
	h := newHarness(t, func(c *Config) { c.Debounce = 0 }, []Probe{p})

	h.tick(t)
	assert.Equal(t, []string{"health_failing"}, alertKeys(h.drain()))

	p.set(StatusOK)
	h.clk.Advance(time.Second)
	h.tick(t)
	p.set(StatusFailing)
	h.clk.Advance(time.Second)
	h.tick(t)
	assert.Empty(t, alertKeys(h.drain()), "inside the 120s cooldown")

	p.set(StatusOK)
	h.clk.Advance(2 * time.Minute)
	h.tick(t)
	p.set(StatusFailing)
	h.clk.Advance(time.Second)
	h.tick(t)
	assert.Equal(t, []string{"health_failing"}, alertKeys(h.drain()))
}

func TestHeartbeatCarriesCounters(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 30 * time.Second }, []Probe{newSwitch("audio", StatusOK)})
	h.tick(t)
	h.drain()

	h.clk.Advance(29 * time.Second)
	h.tick(t)
	assert.Empty(t, h.drain())

	h.clk.Advance(time.Second)
	h.tick(t)
	evs := h.drain()
	require.Len(t, evs, 1)
	hb, ok := evs[0].Payload.(events.HeartbeatPayload)
	require.True(t, ok)
	assert.Equal(t, uint64(3), hb.Ticks)
	assert.Equal(t, uint64(1), hb.Heartbeats)
	assert.Equal(t, "ok", hb.Health)
	assert.Equal(t, Counters{Ticks: 3, Heartbeats: 1}, h.o.Counters())

	recent := h.o.RecentEvents(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "health_snapshot", recent[0].Type)
	assert.Equal(t, "heartbeat", recent[1].Type)
}

func TestSensorBudgetReusesLastResults(t *testing.T) {
	p := newSwitch("audio", StatusOK)
	h := newHarness(t, func(c *Config) { c.Budgets.SensorReadsPerMinute = 1 }, []Probe{p})

	h.tick(t)
	h.drain()
	h.clk.Advance(time.Second)
	h.tick(t)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, StatusOK, h.o.Snapshot().Status)

	evs := h.drain()
	assert.Equal(t, []string{"budget_sensor_reads"}, alertKeys(evs))
	var found bool
	for _, ev := range evs {
		if bp, ok := ev.Payload.(events.BudgetPayload); ok {
			found = true
			assert.Equal(t, events.KindBudget, ev.Kind)
			assert.Equal(t, events.BudgetPayload{Name: "sensor_reads", Limit: 1, Window: time.Minute}, bp)
		}
	}
	assert.True(t, found)

	h.clk.Advance(time.Minute + time.Second)
	h.tick(t)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestLogBudgetRaisesAlert(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Budgets.LogsPerMinute = 1
		c.HeartbeatInterval = 30 * time.Second
	}, []Probe{newSwitch("audio", StatusOK)})

	h.tick(t)
	h.drain()
	h.clk.Advance(30 * time.Second)
	h.tick(t)
	assert.Equal(t, []string{"budget_logs"}, alertKeys(h.drain()))
}

func TestProbePanicAndErrorAreFailing(t *testing.T) {
	panicky := FuncProbe("camera", func(context.Context) ProbeResult { panic("i2c bus wedged") })
	broken := FuncProbe("network", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusOK, Err: errors.New("dns failure")}
	})
	h := newHarness(t, nil, []Probe{panicky, broken})

	h.tick(t)
	snap := h.o.Snapshot()
	assert.Equal(t, StatusFailing, snap.Status)
	require.Contains(t, snap.Probes, "camera")
	assert.ErrorIs(t, snap.Probes["camera"].Err, errProbePanic)
	assert.Contains(t, snap.Probes["camera"].Summary, "i2c bus wedged")
	assert.Equal(t, StatusFailing, snap.Probes["network"].Status)
	assert.Equal(t, "dns failure", snap.Probes["network"].Summary)
	assert.Equal(t, "Critical issues: camera, network", snap.Summary)
}

type brokenStore struct{}

func (brokenStore) Take(context.Context, budget.Ceiling) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (brokenStore) Count(context.Context, budget.Ceiling) (int, error) {
	return 0, errors.New("redis: connection refused")
}

func TestTickErrorIsCounted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Budgets.SensorReadsPerMinute = 10 }, []Probe{newSwitch("audio", StatusOK)},
		WithBudgetStore(brokenStore{}))

	require.Error(t, h.o.Tick(context.Background()))
	h.o.safeTick(context.Background())
	c := h.o.Counters()
	assert.Equal(t, uint64(1), c.Errors)
	assert.Equal(t, uint64(2), c.Ticks)
}

func TestRecentEventsRing(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = time.Second }, []Probe{newSwitch("audio", StatusOK)})
	for i := 0; i < 30; i++ {
		h.clk.Advance(time.Second)
		h.tick(t)
	}
	assert.Len(t, h.o.RecentEvents(0), recentActivity)
	last := h.o.RecentEvents(3)
	require.Len(t, last, 3)
	assert.Equal(t, "heartbeat", last[2].Type)
	assert.Equal(t, uint64(30), last[2].Details["ticks"])
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.TickInterval = 50 * time.Millisecond
	bus := events.NewBus(events.DefaultCapacity)
	o := New(cfg, bus, []Probe{newSwitch("audio", StatusOK)})
	assert.Equal(t, ModeStartup, o.Mode())

	require.NoError(t, o.Start(context.Background()))
	require.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, o.Running())
	require.Eventually(t, func() bool { return o.Counters().Ticks >= 2 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, ModeActive, o.Mode())

	o.Stop()
	o.Stop()
	assert.False(t, o.Running())
	assert.Equal(t, ModeShutdown, o.Mode())
}

func TestStopOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	o := New(DefaultConfig(), events.NewBus(10), nil)
	require.NoError(t, o.Start(ctx))
	cancel()
	o.Stop()
}

func TestConfigNormalizesTick(t *testing.T) {
	cfg := Config{TickInterval: 10 * time.Millisecond, HeartbeatInterval: time.Millisecond}.normalized()
	assert.Equal(t, MinTickInterval, cfg.TickInterval)
	assert.Equal(t, MinTickInterval, cfg.HeartbeatInterval)

	bad := DefaultConfig()
	bad.Gesture.MinInterval = time.Hour
	bad.Gesture.BatteryMin = 2
	bad.Gesture.Allowed = []Status{"sleepy"}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_interval")
	assert.Contains(t, err.Error(), "battery_min")
	assert.Contains(t, err.Error(), "sleepy")
	assert.NoError(t, DefaultConfig().Validate())
}
