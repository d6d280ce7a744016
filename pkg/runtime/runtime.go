// Package runtime wires the reflex core together: the event bus and its
// producers, the injector, governance with its audit chain, the turn
// machine, reflection and the ops loop. It exposes the session hooks a host
// conversation calls and an explicit Start/Stop lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/alerts"
	"github.com/Mindburn-Labs/reflex/pkg/audit"
	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/config"
	"github.com/Mindburn-Labs/reflex/pkg/events"
	"github.com/Mindburn-Labs/reflex/pkg/governance"
	"github.com/Mindburn-Labs/reflex/pkg/injector"
	"github.com/Mindburn-Labs/reflex/pkg/observability"
	"github.com/Mindburn-Labs/reflex/pkg/ops"
	"github.com/Mindburn-Labs/reflex/pkg/orchestration"
	"github.com/Mindburn-Labs/reflex/pkg/reflection"
	"github.com/Mindburn-Labs/reflex/pkg/sensors"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

var (
	ErrAlreadyRunning = errors.New("runtime: already running")
	ErrNoSession      = errors.New("runtime: session is required")
)

// DefaultToolTimeout bounds a single dispatched tool call.
const DefaultToolTimeout = 10 * time.Second

// Runtime owns every core component. Fields are exported read-only handles
// for hosts and tests; use the hook methods to drive a turn.
type Runtime struct {
	cfg   config.Config
	clock clock.Clock
	log   *slog.Logger

	Bus        *events.Bus
	Alerts     *alerts.Policy
	Queries    *session.QueryTracker
	Injector   *injector.Injector
	Audit      *audit.Log
	Governance *governance.Layer
	Machine    *orchestration.Machine
	Reflection *reflection.Coordinator
	Battery    *sensors.BatteryMonitor
	IMU        *sensors.IMUMonitor
	Ops        *ops.Orchestrator
	Telemetry  *observability.Provider
	Tools      *ToolRunner

	sess    session.Session
	budgets budget.Store
	closers []io.Closer

	deliveryFailures atomic.Int64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	release sync.Once

	turnMu sync.Mutex
	turn   turn
}

type options struct {
	clock       clock.Clock
	logger      *slog.Logger
	dispatcher  session.Dispatcher
	toolTimeout time.Duration
	probes      []ops.Probe
	gesture     ops.GestureSink
	generator   reflection.Generator
	store       reflection.Store
	budgets     budget.Store
	telemetry   []observability.Option
	userID      string
	sessionID   string
	opsOpts     []ops.Option
}

// Option configures a Runtime.
type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDispatcher sets where approved tool calls execute.
func WithDispatcher(d session.Dispatcher) Option { return func(o *options) { o.dispatcher = d } }

func WithToolTimeout(d time.Duration) Option { return func(o *options) { o.toolTimeout = d } }

// WithProbes adds ops probes on top of the battery, motion, session and
// network probes the runtime builds itself.
func WithProbes(p ...ops.Probe) Option {
	return func(o *options) { o.probes = append(o.probes, p...) }
}

func WithGestureSink(s ops.GestureSink) Option { return func(o *options) { o.gesture = s } }

// WithGenerator overrides the generator chosen from config.
func WithGenerator(g reflection.Generator) Option { return func(o *options) { o.generator = g } }

// WithReflectionStore overrides the store chosen from config.
func WithReflectionStore(s reflection.Store) Option { return func(o *options) { o.store = s } }

// WithBudgetStore overrides the budget store chosen from config.
func WithBudgetStore(s budget.Store) Option { return func(o *options) { o.budgets = s } }

func WithTelemetryOptions(opts ...observability.Option) Option {
	return func(o *options) { o.telemetry = append(o.telemetry, opts...) }
}

// WithIdentity tags reflections with the user and session they came from.
func WithIdentity(userID, sessionID string) Option {
	return func(o *options) { o.userID, o.sessionID = userID, sessionID }
}

// WithOpsOptions passes extra options to the ops orchestrator.
func WithOpsOptions(opts ...ops.Option) Option {
	return func(o *options) { o.opsOpts = append(o.opsOpts, opts...) }
}

// New builds a runtime around sess. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, sess session.Session, opts ...Option) (*Runtime, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	o := options{clock: clock.Wall{}, toolTimeout: DefaultToolTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	r := &Runtime{
		cfg:   cfg,
		clock: o.clock,
		log:   log.With("component", "runtime"),
		sess:  sess,
		turn:  turn{userID: o.userID, sessionID: o.sessionID},
	}
	ok := false
	defer func() {
		if ok {
			return
		}
		if r.Telemetry != nil {
			_ = r.Telemetry.Shutdown(ctx)
		}
		_ = r.closeAll()
	}()

	tel, err := observability.New(ctx, cfg.Telemetry, append([]observability.Option{observability.WithLogger(log)}, o.telemetry...)...)
	if err != nil {
		return nil, fmt.Errorf("runtime: telemetry: %w", err)
	}
	r.Telemetry = tel

	r.budgets = o.budgets
	if r.budgets == nil {
		if r.budgets, err = r.openBudgetStore(ctx); err != nil {
			return nil, err
		}
	}

	r.Bus = events.NewBus(cfg.Bus.Capacity, events.WithClock(r.clock), events.WithLogger(log.With("component", "bus")))
	if err := tel.ObserveBus(func() observability.BusStats {
		st := r.Bus.Stats()
		return observability.BusStats{Published: st.Published, Evicted: st.Evicted}
	}); err != nil {
		return nil, fmt.Errorf("runtime: observe bus: %w", err)
	}
	r.Alerts = alerts.NewPolicy(cfg.Alerts, r.Bus, r.clock)
	r.Queries = session.NewQueryTracker(cfg.Session.Topics, cfg.Session.QueryWindow, r.clock)

	auditOpts := []audit.Option{audit.WithClock(r.clock)}
	if cfg.Audit.Path != "" {
		f, err := os.OpenFile(cfg.Audit.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("runtime: open audit log: %w", err)
		}
		r.closers = append(r.closers, f)
		auditOpts = append(auditOpts, audit.WithWriter(f))
	}
	r.Audit = audit.NewLog(auditOpts...)

	registry := governance.NewRegistry()
	for _, spec := range cfg.Tools {
		if err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("runtime: register tool %q: %w", spec.Name, err)
		}
	}
	r.Tools = NewToolRunner(o.dispatcher, o.toolTimeout, r.clock)
	r.Governance, err = governance.New(cfg.Governance, registry, r.Tools,
		governance.WithClock(r.clock),
		governance.WithLogger(log.With("component", "governance")),
		governance.WithAudit(r.Audit),
		governance.WithBudgetStore(r.budgets),
		governance.WithObserver(r.observePacket),
	)
	if err != nil {
		return nil, err
	}

	r.Machine = orchestration.New(
		orchestration.WithClock(r.clock),
		orchestration.WithLogger(log.With("component", "orchestration")),
	)

	store := o.store
	if store == nil {
		if store, err = r.openReflectionStore(ctx); err != nil {
			return nil, err
		}
	}
	gen := o.generator
	if gen == nil {
		if gen, err = r.newGenerator(ctx); err != nil {
			return nil, err
		}
	}
	r.Reflection = reflection.NewCoordinator(cfg.Reflection.Config, gen, store,
		reflection.WithClock(r.clock),
		reflection.WithLogger(log.With("component", "reflection")),
		reflection.WithOnDone(r.reflectionDone),
	)

	sensorOpts := []sensors.Option{sensors.WithClock(r.clock), sensors.WithQueryTracker(r.Queries)}
	r.Battery = sensors.NewBatteryMonitor(cfg.Sensors.Battery, r.Bus, append(sensorOpts, sensors.WithLogger(log.With("component", "battery")))...)
	r.IMU = sensors.NewIMUMonitor(cfg.Sensors.IMU, r.Bus, append(sensorOpts, sensors.WithLogger(log.With("component", "imu")))...)

	r.Injector = injector.New(cfg.Injector, r.Bus, sess,
		injector.WithClock(r.clock),
		injector.WithLogger(log.With("component", "injector")),
		injector.WithQueryTracker(r.Queries),
		injector.WithResponseFilter(r.allowProactive),
		injector.WithHook(r.observeOutcome),
	)

	probes := []ops.Probe{
		ops.BatteryProbe{Monitor: r.Battery},
		ops.MotionProbe{Monitor: r.IMU},
		ops.SessionProbe{Health: r.sessionHealth},
	}
	if cfg.Ops.Network.Enabled {
		probes = append(probes, ops.NetworkProbe{Host: cfg.Ops.Network.Host, Timeout: cfg.Ops.Network.Timeout})
	}
	probes = append(probes, o.probes...)
	opsOpts := []ops.Option{
		ops.WithClock(r.clock),
		ops.WithLogger(log.With("component", "ops")),
		ops.WithAlertPolicy(r.Alerts),
		ops.WithBudgetStore(r.budgets),
		ops.WithMotion(r.IMU),
		ops.WithTickHook(func(_ ops.Counters, snap ops.Snapshot) {
			tel.RecordTick(context.Background(), string(snap.Status))
		}),
	}
	if o.gesture != nil {
		opsOpts = append(opsOpts, ops.WithGestureSink(o.gesture))
	}
	r.Ops = ops.New(cfg.Ops, r.Bus, probes, append(opsOpts, o.opsOpts...)...)

	ok = true
	return r, nil
}

// Start launches the injector and the ops loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := r.Ops.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("runtime: start ops: %w", err)
	}
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Injector.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("injector stopped", "error", err)
		}
	}()
	r.log.InfoContext(ctx, "runtime started",
		"tools", len(r.Governance.Tools().Names()),
		"level", r.Governance.Level(),
		"reflection", r.cfg.Reflection.Enabled)
	return nil
}

// Stop halts the background loops, waits for any in-flight reflection and
// releases stores and exporters. It is safe to call more than once.
func (r *Runtime) Stop(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.cancel()
		r.running = false
		r.runMu.Unlock()
		r.Ops.Stop()
		r.wg.Wait()
	} else {
		r.runMu.Unlock()
	}
	r.Reflection.Wait()

	var err error
	r.release.Do(func() {
		err = errors.Join(r.Telemetry.Shutdown(ctx), r.closeAll())
	})
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (r *Runtime) Running() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.running
}

func (r *Runtime) closeAll() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() config.Config { return r.cfg }

// BudgetStore returns the shared budget store.
func (r *Runtime) BudgetStore() budget.Store { return r.budgets }

func (r *Runtime) observeOutcome(out injector.Outcome) {
	switch out.Decision {
	case injector.DecisionDropped:
		if out.Reason == "delivery_failed" {
			r.deliveryFailures.Add(1)
		}
	case injector.DecisionResponded, injector.DecisionDelivered:
		r.senseInjected(out)
	}
	r.Telemetry.RecordDecision(context.Background(), string(out.Decision), out.Reason)
}

// senseInjected opens a turn from idle or reflect for an event that reached
// the session. When the event requested a response it becomes the turn's
// input.
func (r *Runtime) senseInjected(out injector.Outcome) {
	phase := r.Machine.Phase()
	if phase != orchestration.PhaseIdle && phase != orchestration.PhaseReflect {
		return
	}
	if err := r.Machine.Sense("injected_event"); err != nil {
		r.log.Debug("injected event mid-turn", "phase", r.Machine.Phase(), "event", out.Event.String())
		return
	}
	r.turnMu.Lock()
	r.turn.input = ""
	if out.Decision == injector.DecisionResponded {
		r.turn.input = injector.Format(out.Event)
	}
	r.turn.calls = nil
	r.turnMu.Unlock()
	r.Tools.Drain()
}

func (r *Runtime) observePacket(p governance.ActionPacket) {
	var waited time.Duration
	if !p.ResolvedAt.IsZero() {
		waited = p.ResolvedAt.Sub(p.CreatedAt)
	}
	r.Telemetry.RecordGovernance(context.Background(), string(p.State), string(p.Tier), waited)
}

// allowProactive keeps the injector from asking for a reply while a stop
// cooldown is running.
func (r *Runtime) allowProactive(events.Event) bool {
	active, _ := r.Governance.StopActive()
	return !active
}

func (r *Runtime) sessionHealth() ops.SessionHealth {
	return ops.SessionHealth{
		Connected: true,
		Ready:     r.sess.Ready(),
		Failures:  int(r.deliveryFailures.Load()),
	}
}
