// Package injector drains the event bus and delivers admitted events into
// the conversational session, re-deriving whether each one may also request
// a response.
package injector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/events"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

// Decision is what the injector did with one drained event.
type Decision string

const (
	DecisionResponded Decision = "responded"
	DecisionDelivered Decision = "delivered"
	DecisionRequeued  Decision = "requeued"
	DecisionDropped   Decision = "dropped"
	DecisionExpired   Decision = "expired"
)

// Outcome records one decision. Reason explains why a response was not
// requested, or why the event was dropped.
type Outcome struct {
	Event    events.Event
	Decision Decision
	Reason   string
	At       time.Time
}

// Report sums the outcomes of one Step.
type Report struct {
	Responded int
	Delivered int
	Requeued  int
	Dropped   int
	Expired   int
}

// Injector is the single consumer of the bus.
type Injector struct {
	cfg     Config
	bus     *events.Bus
	sess    session.Session
	queries *session.QueryTracker
	clock   clock.Clock
	log     *slog.Logger
	pacer   *rate.Limiter

	mu             sync.Mutex
	triggerCool    *budget.Cooldowns
	triggerWindows map[string]*budget.RollingWindow
	globalCool     *budget.Cooldown
	globalWindow   *budget.RollingWindow
	aiCalls        *budget.RollingWindow
	lastQuota      session.Quota
	quotaAt        time.Time

	filter func(events.Event) bool
	hooks  []func(Outcome)
}

// Option configures an Injector.
type Option func(*Injector)

func WithClock(c clock.Clock) Option { return func(i *Injector) { i.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(i *Injector) { i.log = l } }

// WithQueryTracker enables the recent-query bypass of the global limits.
func WithQueryTracker(q *session.QueryTracker) Option {
	return func(i *Injector) { i.queries = q }
}

// WithResponseFilter installs a predicate consulted before any response is
// requested. Returning false makes the event passive.
func WithResponseFilter(f func(events.Event) bool) Option {
	return func(i *Injector) { i.filter = f }
}

// WithHook registers a callback for every outcome. Hooks run on the
// injector goroutine and must not block.
func WithHook(h func(Outcome)) Option {
	return func(i *Injector) { i.hooks = append(i.hooks, h) }
}

// New creates an injector draining bus into sess.
func New(cfg Config, bus *events.Bus, sess session.Session, opts ...Option) *Injector {
	cfg = cfg.withDefaults()
	i := &Injector{
		cfg:            cfg,
		bus:            bus,
		sess:           sess,
		clock:          clock.Wall{},
		log:            slog.Default().With("component", "injector"),
		pacer:          rate.NewLimiter(rate.Limit(cfg.DeliveryRate), cfg.DeliveryBurst),
		triggerWindows: make(map[string]*budget.RollingWindow),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.triggerCool = budget.NewCooldowns(0, i.clock)
	i.globalCool = budget.NewCooldown(cfg.GlobalCooldown, i.clock)
	i.globalWindow = budget.PerMinute(cfg.GlobalPerMinute, i.clock)
	i.aiCalls = budget.PerMinute(cfg.AICallsPerMinute, i.clock)
	return i
}

// Run drains the bus until ctx is cancelled, waking on publishes and on the
// poll interval.
func (i *Injector) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-i.bus.Notify():
		}
		rep := i.Step(ctx)
		if rep.Requeued > 0 {
			// Requeues publish back onto the bus; swallow our own wakeup so
			// an unready session is polled rather than spun on.
			select {
			case <-i.bus.Notify():
			default:
			}
		}
	}
}

// Step performs one drain-and-deliver pass.
func (i *Injector) Step(ctx context.Context) Report {
	var rep Report
	for _, ev := range i.bus.DrainReady(i.clock.Now()) {
		out := i.handle(ctx, ev)
		switch out.Decision {
		case DecisionResponded:
			rep.Responded++
		case DecisionDelivered:
			rep.Delivered++
		case DecisionRequeued:
			rep.Requeued++
		case DecisionDropped:
			rep.Dropped++
		case DecisionExpired:
			rep.Expired++
		}
		for _, h := range i.hooks {
			h(out)
		}
	}
	return rep
}

func (i *Injector) handle(ctx context.Context, ev events.Event) Outcome {
	now := i.clock.Now()
	if ev.Expired(now) {
		return Outcome{Event: ev, Decision: DecisionExpired, At: now}
	}
	if ctx.Err() != nil || !i.sess.Ready() {
		return i.requeue(ev, now, "session_not_ready")
	}
	if err := i.pacer.Wait(ctx); err != nil {
		return i.requeue(ev, now, "paced")
	}

	respond, reason := i.admitResponse(ev, now)
	msg := session.Message{
		EventID: ev.ID,
		Source:  string(ev.Source),
		Kind:    string(ev.Kind),
		Text:    Format(ev),
		Passive: !respond,
	}
	if err := i.sess.Deliver(ctx, msg); err != nil {
		i.log.WarnContext(ctx, "delivery failed, dropping event", "event", ev.String(), "error", err)
		return Outcome{Event: ev, Decision: DecisionDropped, Reason: "delivery_failed", At: now}
	}
	if !respond {
		return Outcome{Event: ev, Decision: DecisionDelivered, Reason: reason, At: now}
	}

	quota, err := i.sess.RequestResponse(ctx)
	i.mu.Lock()
	i.lastQuota = quota
	i.quotaAt = now
	i.mu.Unlock()
	if err != nil {
		i.log.InfoContext(ctx, "response request refused", "event", ev.String(), "error", err)
		return Outcome{Event: ev, Decision: DecisionDelivered, Reason: "response_refused", At: now}
	}
	i.recordResponse(ev)
	return Outcome{Event: ev, Decision: DecisionResponded, At: now}
}

// requeue puts ev back on the bus unless its requeue allowance, derived
// from its TTL, is spent.
func (i *Injector) requeue(ev events.Event, now time.Time, reason string) Outcome {
	if ev.Requeues >= i.maxRequeues(ev) {
		i.log.Debug("requeue limit reached, dropping event", "event", ev.String(), "requeues", ev.Requeues)
		return Outcome{Event: ev, Decision: DecisionDropped, Reason: "requeue_limit", At: now}
	}
	ev.Requeues++
	if !i.bus.Requeue(ev) {
		return Outcome{Event: ev, Decision: DecisionDropped, Reason: "superseded", At: now}
	}
	return Outcome{Event: ev, Decision: DecisionRequeued, Reason: reason, At: now}
}

func (i *Injector) maxRequeues(ev events.Event) int {
	n := int(ev.TTL / i.cfg.PollInterval)
	return max(1, min(n, i.cfg.MaxRequeues))
}

// Quota returns the last quota the session reported.
func (i *Injector) Quota() session.Quota {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastQuota
}
