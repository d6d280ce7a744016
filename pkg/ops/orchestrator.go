package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/alerts"
	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/events"
)

// ErrAlreadyRunning is returned by Start on a running orchestrator.
var ErrAlreadyRunning = errors.New("ops: orchestrator already running")

const recentActivity = 20

// Bus is the part of the event bus the orchestrator uses.
type Bus interface {
	events.Publisher
	Len() int
}

// Orchestrator runs the ops tick loop.
type Orchestrator struct {
	cfg     Config
	bus     Bus
	alerts  *alerts.Policy
	probes  []Probe
	clock   clock.Clock
	log     *slog.Logger
	rng     *rand.Rand
	sink    GestureSink
	motion  MotionState
	onTick  []func(Counters, Snapshot)
	store   budget.Store
	sensors *budget.Gate
	logs    *budget.Gate
	moves   *budget.Gate

	mu            sync.Mutex
	debounce      *debouncer
	counters      Counters
	mode          Mode
	snapshot      *Snapshot
	lastResults   []ProbeResult
	recent        []Activity
	nextHeartbeat time.Time
	nextGesture   time.Time

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithAlertPolicy routes health and budget alerts through p. By default the
// orchestrator builds its own policy on the bus.
func WithAlertPolicy(p *alerts.Policy) Option { return func(o *Orchestrator) { o.alerts = p } }

// WithBudgetStore keeps the loop budgets in s, so several processes on one
// device can share them.
func WithBudgetStore(s budget.Store) Option { return func(o *Orchestrator) { o.store = s } }

// WithRand fixes the source used for gesture scheduling.
func WithRand(r *rand.Rand) Option { return func(o *Orchestrator) { o.rng = r } }

// WithGestureSink sends micro-presence gestures to s.
func WithGestureSink(s GestureSink) Option { return func(o *Orchestrator) { o.sink = s } }

// WithMotion gates gestures on the device being still.
func WithMotion(m MotionState) Option { return func(o *Orchestrator) { o.motion = m } }

// WithTickHook calls h after every tick.
func WithTickHook(h func(Counters, Snapshot)) Option {
	return func(o *Orchestrator) { o.onTick = append(o.onTick, h) }
}

// New creates an orchestrator publishing to bus. Probes are run in order.
func New(cfg Config, bus Bus, probes []Probe, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.normalized(),
		bus:    bus,
		probes: probes,
		clock:  clock.Wall{},
		log:    slog.Default().With("component", "ops"),
		mode:   ModeStartup,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if o.alerts == nil {
		o.alerts = alerts.NewPolicy(alerts.DefaultConfig(), bus, o.clock)
	}
	if o.store == nil {
		o.store = budget.NewMemoryStore(o.clock)
	}
	b := o.cfg.Budgets
	o.sensors = budget.NewGate(o.store, budget.Ceiling{Key: "ops:sensor_reads", Limit: b.SensorReadsPerMinute, Window: time.Minute})
	o.logs = budget.NewGate(o.store, budget.Ceiling{Key: "ops:logs", Limit: b.LogsPerMinute, Window: time.Minute})
	o.moves = budget.NewGate(o.store, budget.Ceiling{Key: "ops:micro_presence", Limit: b.GesturesPerHour, Window: time.Hour})
	o.debounce = newDebouncer(o.cfg.Debounce)

	now := o.clock.Now()
	o.nextHeartbeat = now.Add(o.cfg.HeartbeatInterval)
	o.scheduleGesture(now)
	return o
}

// Start launches the tick loop. It returns ErrAlreadyRunning when called
// twice without Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.setMode(ModeStartup)

	o.wg.Add(1)
	go o.loop(ctx, o.stopCh)
	o.log.InfoContext(ctx, "ops loop started", "tick", o.cfg.TickInterval, "probes", len(o.probes))
	return nil
}

// Stop halts the loop and waits for the in-flight tick.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return
	}
	close(o.stopCh)
	o.running = false
	o.runMu.Unlock()

	o.wg.Wait()
	o.setMode(ModeShutdown)
	o.log.Info("ops loop stopped")
}

// Running reports whether the loop is active.
func (o *Orchestrator) Running() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.running
}

func (o *Orchestrator) loop(ctx context.Context, stop <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			o.safeTick(ctx)
		}
	}
}

// safeTick runs one tick, counting any error or panic instead of exiting.
func (o *Orchestrator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.countError()
			o.log.ErrorContext(ctx, "ops tick panicked", "panic", r)
		}
	}()
	if err := o.Tick(ctx); err != nil {
		o.countError()
		o.log.WarnContext(ctx, "ops tick failed", "error", err)
	}
}

func (o *Orchestrator) countError() {
	o.mu.Lock()
	o.counters.Errors++
	o.mu.Unlock()
}

// Tick performs one pass of the loop: probes, debounce, snapshot,
// heartbeat and gesture. The loop calls it every TickInterval; tests call it
// directly.
func (o *Orchestrator) Tick(ctx context.Context) error {
	now := o.clock.Now()
	var errs []error

	results, err := o.readProbes(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}

	o.mu.Lock()
	changed := false
	for _, r := range results {
		if o.debounce.apply(r.Name, r.Status, now) {
			changed = true
		}
	}
	o.counters.Ticks++
	var published *Snapshot
	if changed || o.snapshot == nil {
		snap := o.buildSnapshot(results, now)
		o.snapshot = &snap
		published = &snap
	}
	if o.mode == ModeStartup {
		o.mode = ModeActive
	}
	heartbeat := !now.Before(o.nextHeartbeat)
	if heartbeat {
		o.nextHeartbeat = now.Add(o.cfg.HeartbeatInterval)
	}
	o.mu.Unlock()

	if published != nil {
		o.publishSnapshot(ctx, *published)
	}
	if err := o.maybeGesture(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if heartbeat {
		o.publishHeartbeat(ctx, now)
	}

	counters, snap := o.Counters(), o.Snapshot()
	for _, h := range o.onTick {
		h(counters, snap)
	}
	return errors.Join(errs...)
}

// readProbes runs every probe unless the sensor-read budget is spent, in
// which case the previous results stand in.
func (o *Orchestrator) readProbes(ctx context.Context, now time.Time) ([]ProbeResult, error) {
	ok, err := o.sensors.Take(ctx)
	if err != nil || !ok {
		o.budgetExhausted(ctx, "sensor_reads", o.sensors.Ceiling(), "Sensor read budget exhausted.")
		o.mu.Lock()
		last := append([]ProbeResult(nil), o.lastResults...)
		o.mu.Unlock()
		if err != nil {
			return last, fmt.Errorf("sensor budget: %w", err)
		}
		return last, nil
	}

	results := make([]ProbeResult, 0, len(o.probes))
	for _, p := range o.probes {
		results = append(results, runProbe(ctx, p, o.cfg.ProbeTimeout, now))
	}
	o.mu.Lock()
	o.lastResults = results
	o.mu.Unlock()
	return results, nil
}

// buildSnapshot must be called with mu held.
func (o *Orchestrator) buildSnapshot(results []ProbeResult, now time.Time) Snapshot {
	probes := make(map[string]ProbeResult, len(results))
	for _, r := range results {
		if stable, ok := o.debounce.stable(r.Name); ok {
			r.Status = stable
		}
		probes[r.Name] = r
	}
	status := Worst(o.debounce.statuses()...)
	return Snapshot{
		Status:    status,
		Probes:    probes,
		Summary:   summarize(status, probes),
		Mode:      o.mode,
		Tick:      o.counters.Ticks,
		Timestamp: now,
	}
}

func (o *Orchestrator) publishSnapshot(ctx context.Context, snap Snapshot) {
	o.bus.Publish(events.Event{
		Source:    events.SourceOps,
		Kind:      events.KindHealth,
		Metadata:  events.Meta(events.MetaTopic, "health", "status", string(snap.Status)),
		Payload:   events.HealthPayload{Status: string(snap.Status), Text: snap.Summary, Probes: snap.ProbeStatuses()},
		Priority:  events.PriorityLow,
		TTL:       o.cfg.EventTTL,
		CreatedAt: snap.Timestamp,
		DedupeKey: "ops.health",
	})
	o.record(Activity{At: snap.Timestamp, Type: "health_snapshot", Message: snap.Summary, Details: map[string]any{"status": string(snap.Status)}})
	if o.allowLog(ctx, "health_snapshot") {
		o.log.InfoContext(ctx, "health snapshot", "status", snap.Status, "summary", snap.Summary)
	}

	if snap.Status == StatusOK {
		return
	}
	severity := alerts.SeverityWarning
	if snap.Status == StatusFailing {
		severity = alerts.SeverityCritical
	}
	o.alerts.Emit(ctx, alerts.Alert{
		Key:      "health_" + string(snap.Status),
		Severity: severity,
		Message:  fmt.Sprintf("Health status %s: %s", snap.Status, snap.Summary),
		Details:  map[string]any{"summary": snap.Summary},
		Topic:    "health",
		Cooldown: o.cfg.HealthAlertCooldown,
	})
}

func (o *Orchestrator) publishHeartbeat(ctx context.Context, now time.Time) {
	o.mu.Lock()
	o.counters.Heartbeats++
	c := o.counters
	mode := o.mode
	health := StatusDegraded
	if o.snapshot != nil {
		health = o.snapshot.Status
	}
	o.mu.Unlock()

	o.bus.Publish(events.Event{
		Source:    events.SourceOps,
		Kind:      events.KindHeartbeat,
		Payload:   events.HeartbeatPayload{Ticks: c.Ticks, Heartbeats: c.Heartbeats, Errors: c.Errors, Mode: string(mode), Health: string(health)},
		Priority:  events.PriorityLow,
		TTL:       o.cfg.EventTTL,
		CreatedAt: now,
		DedupeKey: "ops.heartbeat",
	})
	o.record(Activity{At: now, Type: "heartbeat", Message: "Orchestrator heartbeat", Details: map[string]any{
		"mode": string(mode), "ticks": c.Ticks, "heartbeats": c.Heartbeats,
	}})
	if o.allowLog(ctx, "heartbeat") {
		o.log.InfoContext(ctx, "heartbeat", "mode", mode, "ticks", c.Ticks, "heartbeats", c.Heartbeats, "errors", c.Errors)
	}
}

// budgetExhausted raises the budget_<name> alert and, when the alert was
// not cooling down, a matching budget event.
func (o *Orchestrator) budgetExhausted(ctx context.Context, name string, c budget.Ceiling, msg string) {
	key := "budget_" + name
	if !o.alerts.Emit(ctx, alerts.Alert{Key: key, Severity: alerts.SeverityWarning, Message: msg, Topic: "health"}) {
		return
	}
	now := o.clock.Now()
	o.bus.Publish(events.Event{
		Source:    events.SourceOps,
		Kind:      events.KindBudget,
		Payload:   events.BudgetPayload{Name: name, Limit: c.Limit, Window: c.Window},
		Priority:  events.PriorityLow,
		TTL:       o.cfg.EventTTL,
		CreatedAt: now,
		DedupeKey: "ops." + key,
	})
	o.record(Activity{At: now, Type: "budget", Message: msg, Details: map[string]any{"budget": name}})
}

// allowLog spends one line of the log budget.
func (o *Orchestrator) allowLog(ctx context.Context, kind string) bool {
	ok, err := o.logs.Take(ctx)
	if err == nil && ok {
		return true
	}
	o.budgetExhausted(ctx, "logs", o.logs.Ceiling(), fmt.Sprintf("Log budget exhausted (event=%s).", kind))
	return false
}

func (o *Orchestrator) record(a Activity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recent = append(o.recent, a)
	if n := len(o.recent); n > recentActivity {
		o.recent = append(o.recent[:0], o.recent[n-recentActivity:]...)
	}
}

func (o *Orchestrator) setMode(m Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mode = m
}

// SetMode records an externally driven mode change, such as the session
// going idle.
func (o *Orchestrator) SetMode(m Mode) { o.setMode(m) }

func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) Counters() Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters
}

// Snapshot returns the latest committed snapshot, or a zero snapshot before
// the first tick.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snapshot == nil {
		return Snapshot{}
	}
	return *o.snapshot
}

// RecentEvents returns up to n recent activities, oldest first.
func (o *Orchestrator) RecentEvents(n int) []Activity {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n <= 0 || n > len(o.recent) {
		n = len(o.recent)
	}
	out := make([]Activity, n)
	copy(out, o.recent[len(o.recent)-n:])
	return out
}

// Debounced returns the debounce state of one probe.
func (o *Orchestrator) Debounced(probe string) (DebouncedState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.debounce.state(probe)
}
