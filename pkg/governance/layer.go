package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

var (
	ErrNoDispatcher = errors.New("governance: no dispatcher configured")
	ErrStopActive   = errors.New("governance: stop word cooldown active")
	ErrNoTokens     = errors.New("governance: approval tokens not configured")
)

const viaStopWord = "stop_word"

// Audit entry kinds written by the layer.
const (
	auditDecision  = "decision"
	auditExecution = "execution"
	auditOverride  = "override"
	auditAutonomy  = "autonomy"
)

// AuditSink receives every governance resolution.
type AuditSink interface {
	Record(ctx context.Context, entryType, subject, action string, payload any) error
}

// Layer is the governance gate between the session and tool dispatch.
type Layer struct {
	cfg        Config
	tools      *Registry
	windows    *Windows
	stops      *StopWords
	broker     *Broker
	whitelist  *Whitelist
	tokens     *Tokens
	budgets    budget.Store
	dispatcher session.Dispatcher
	audit      AuditSink
	clock      clock.Clock
	log        *slog.Logger
	observers  []func(ActionPacket)

	mu        sync.Mutex
	level     Level
	stopUntil time.Time
	recent    map[string]time.Time
}

// Option configures a Layer.
type Option func(*Layer)

func WithClock(c clock.Clock) Option { return func(l *Layer) { l.clock = clock.Or(c) } }

func WithLogger(lg *slog.Logger) Option { return func(l *Layer) { l.log = lg } }

func WithAudit(a AuditSink) Option { return func(l *Layer) { l.audit = a } }

// WithBudgetStore shares the tool call budgets through s.
func WithBudgetStore(s budget.Store) Option { return func(l *Layer) { l.budgets = s } }

// WithObserver is called with every packet that reaches a terminal state.
func WithObserver(f func(ActionPacket)) Option {
	return func(l *Layer) { l.observers = append(l.observers, f) }
}

// New builds a Layer. tools may be nil for an empty registry.
func New(cfg Config, tools *Registry, dispatcher session.Dispatcher, opts ...Option) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("governance: invalid config: %w", err)
	}
	if tools == nil {
		tools = NewRegistry()
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Level == "" {
		cfg.Level = LevelAssist
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultConfig().DuplicateWindow
	}
	wl, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if cfg.Location != "" {
		if loc, err = time.LoadLocation(cfg.Location); err != nil {
			return nil, fmt.Errorf("governance: location: %w", err)
		}
	}

	l := &Layer{
		cfg:        cfg,
		tools:      tools,
		stops:      NewStopWords(cfg.StopWords),
		broker:     NewBroker(),
		whitelist:  wl,
		dispatcher: dispatcher,
		clock:      clock.Wall{},
		log:        slog.Default().With("component", "governance"),
		level:      cfg.Level,
		recent:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.budgets == nil {
		l.budgets = budget.NewMemoryStore(l.clock)
	}
	l.windows = NewWindows(cfg.Scheduled, loc, l.clock)
	l.windows.SetScheduledEnabled(cfg.Level == LevelActWithBounds)
	if cfg.ApprovalSecret != "" {
		l.tokens = NewTokens([]byte(cfg.ApprovalSecret), "", l.clock)
	}
	return l, nil
}

// Authorize resolves call to a terminal packet. A nil Refusal means approved.
// Calls that need approval block until a verdict, the approval timeout, a
// stop word, or ctx cancellation.
func (l *Layer) Authorize(ctx context.Context, call ToolCall) (*ActionPacket, *Refusal) {
	now := l.clock.Now()
	p := &ActionPacket{
		ID:        uuid.NewString(),
		CallID:    call.CallID,
		Tool:      call.Tool,
		Arguments: call.Arguments,
		State:     StatePending,
		DryRun:    call.DryRun,
		CreatedAt: now,
	}

	spec, known := l.tools.Lookup(call.Tool)
	if !known {
		if !l.cfg.DefaultTier.Valid() {
			return l.refuse(ctx, p, StateDenied, ReasonUnknownTool, 0)
		}
		spec = ToolSpec{Name: call.Tool, Tier: l.cfg.DefaultTier}
	}
	p.Tier = spec.Tier
	p.RiskScore = EstimateRisk(spec)
	p.RiskFlags = riskFlags(spec, p.RiskScore, l.cfg.RiskThreshold)
	p.Rationale = buildRationale(spec, call, p.RiskScore)

	if active, left := l.StopActive(); active {
		return l.refuse(ctx, p, StateDenied, ReasonStopCooldown, left)
	}
	mode, covered := l.cfg.Policies[p.Tier]
	if !covered || mode == ModeDeny {
		return l.refuse(ctx, p, StateDenied, ReasonTierNotCovered, 0)
	}
	if l.Level() == LevelObserveOnly && p.Tier != TierReadOnly {
		return l.refuse(ctx, p, StateDenied, ReasonObserveOnly, 0)
	}

	var staged map[string]any
	var err error
	if known {
		staged, err = l.tools.Stage(call.Tool, call.Arguments)
	} else {
		staged, err = normalizeArgs(call.Arguments)
	}
	if err != nil {
		l.log.InfoContext(ctx, "tool arguments rejected", "tool", call.Tool, "error", err)
		return l.refuse(ctx, p, StateDenied, ReasonInvalidArgs, 0)
	}
	p.Arguments = staged

	if l.duplicate(callKey(p.Tool, staged), now) {
		return l.refuse(ctx, p, StateDenied, ReasonRedundant, 0)
	}
	if !l.budgetHeadroom(ctx, spec) {
		return l.refuse(ctx, p, StateDenied, ReasonBudgetExhausted, 0)
	}

	switch mode {
	case ModeAuto:
		return l.approve(ctx, p, spec, ReasonPolicyAuto, "")
	case ModeWindow:
		if _, ok := l.windows.Covering(p.Tier); ok {
			return l.approve(ctx, p, spec, ReasonAutonomyWindow, "")
		}
	case ModeApproval:
		if win, ok := l.windows.Covering(p.Tier); ok {
			if rule, admitted := l.whitelist.Admits(p.Tool, p.Tier, staged); admitted {
				p.WindowID = win.ID
				l.log.DebugContext(ctx, "whitelist admitted stateful call", "tool", p.Tool, "rule", rule)
				return l.approve(ctx, p, spec, ReasonWhitelisted, "")
			}
		}
	}
	return l.await(ctx, p, spec)
}

func (l *Layer) await(ctx context.Context, p *ActionPacket, spec ToolSpec) (*ActionPacket, *Refusal) {
	started := l.clock.Now()
	timer := clock.NewTimer(l.clock, l.cfg.ApprovalTimeout)
	defer timer.Stop()

	ch := l.broker.open(*p, started)
	// a stop that landed before open never saw this packet
	if active, _ := l.StopActive(); active {
		l.broker.close(p.ID)
		return l.refuse(ctx, p, StateDenied, ReasonStopWord, 0)
	}
	l.log.InfoContext(ctx, "awaiting approval", "packet", p.ID, "tool", p.Tool, "tier", p.Tier, "timeout", l.cfg.ApprovalTimeout)

	select {
	case v := <-ch:
		p.Approver = v.Approver
		switch {
		case v.Via == viaStopWord:
			return l.refuse(ctx, p, StateDenied, ReasonStopWord, 0)
		case !v.Approve:
			return l.refuse(ctx, p, StateDenied, ReasonDenied, 0)
		}
		if active, left := l.StopActive(); active {
			return l.refuse(ctx, p, StateDenied, ReasonStopCooldown, left)
		}
		l.log.InfoContext(ctx, "approval received", "packet", p.ID, "via", v.Via, "wait", l.clock.Now().Sub(started))
		return l.approve(ctx, p, spec, ReasonApproved, v.Approver)
	case <-timer.C():
		l.broker.close(p.ID)
		return l.refuse(ctx, p, StateExpired, ReasonApprovalTimeout, 0)
	case <-ctx.Done():
		l.broker.close(p.ID)
		return l.refuse(ctx, p, StateDenied, ReasonCancelled, 0)
	}
}

// approve resolves p as approved unless a stop cooldown began meanwhile; the
// final check and the resolution share one critical section with Stop.
func (l *Layer) approve(ctx context.Context, p *ActionPacket, spec ToolSpec, reason Reason, approver string) (*ActionPacket, *Refusal) {
	if active, left := l.StopActive(); active {
		return l.refuse(ctx, p, StateDenied, ReasonStopCooldown, left)
	}
	if !l.chargeBudgets(ctx, spec) {
		return l.refuse(ctx, p, StateDenied, ReasonBudgetExhausted, 0)
	}
	if reason == ReasonAutonomyWindow {
		if win, ok := l.windows.Covering(p.Tier); ok {
			p.WindowID = win.ID
		}
	}
	p.Approver = approver
	now := l.clock.Now()
	l.mu.Lock()
	if now.Before(l.stopUntil) {
		left := l.stopUntil.Sub(now)
		l.mu.Unlock()
		return l.refuse(ctx, p, StateDenied, ReasonStopCooldown, left)
	}
	p.resolve(StateApproved, reason, now)
	l.recent[callKey(p.Tool, p.Arguments)] = p.ResolvedAt
	l.mu.Unlock()
	l.record(ctx, auditDecision, p)
	return p, nil
}

func (l *Layer) refuse(ctx context.Context, p *ActionPacket, state ApprovalState, reason Reason, retryAfter time.Duration) (*ActionPacket, *Refusal) {
	p.resolve(state, reason, l.clock.Now())
	l.record(ctx, auditDecision, p)
	l.log.InfoContext(ctx, "tool call refused", "tool", p.Tool, "tier", p.Tier, "state", state, "reason", reason)
	return p, refusalFor(p, retryAfter)
}

func (l *Layer) record(ctx context.Context, kind string, p *ActionPacket) {
	if l.audit != nil {
		if err := l.audit.Record(ctx, kind, p.Tool, string(p.State), p); err != nil {
			l.log.ErrorContext(ctx, "audit record failed", "packet", p.ID, "error", err)
		}
	}
	for _, obs := range l.observers {
		obs(*p)
	}
}

// Execute authorizes call and, when approved, dispatches it. A refusal is
// returned as a *Refusal error alongside the resolved packet.
func (l *Layer) Execute(ctx context.Context, call ToolCall) (Result, error) {
	p, refusal := l.Authorize(ctx, call)
	if refusal != nil {
		return Result{Packet: p}, refusal
	}
	if p.DryRun {
		l.recordExecution(ctx, p, "dry_run", nil)
		return Result{Packet: p, DryRun: true}, nil
	}
	if l.dispatcher == nil {
		return Result{Packet: p}, ErrNoDispatcher
	}
	out, err := l.dispatcher.Execute(ctx, p.Tool, p.Arguments)
	if err != nil {
		l.recordExecution(ctx, p, "failed", err)
		return Result{Packet: p}, fmt.Errorf("governance: execute %s: %w", p.Tool, err)
	}
	l.recordExecution(ctx, p, "executed", nil)
	return Result{Packet: p, Output: out}, nil
}

func (l *Layer) recordExecution(ctx context.Context, p *ActionPacket, outcome string, err error) {
	if l.audit == nil {
		return
	}
	payload := map[string]any{"packet_id": p.ID, "outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	if aerr := l.audit.Record(ctx, auditExecution, p.Tool, outcome, payload); aerr != nil {
		l.log.ErrorContext(ctx, "audit record failed", "packet", p.ID, "error", aerr)
	}
}

func (l *Layer) duplicate(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, at := range l.recent {
		if now.Sub(at) >= l.cfg.DuplicateWindow {
			delete(l.recent, k)
		}
	}
	_, dup := l.recent[key]
	return dup
}

func (l *Layer) ceilings(spec ToolSpec) []budget.Ceiling {
	out := []budget.Ceiling{{Key: "governance.tool_calls", Limit: l.cfg.ToolCallsPerMinute, Window: time.Minute}}
	if spec.Expensive {
		out = append(out, budget.Ceiling{Key: "governance.expensive_calls", Limit: l.cfg.ExpensivePerDay, Window: 24 * time.Hour})
	}
	return out
}

// budgetHeadroom checks without consuming. Store errors fail closed.
func (l *Layer) budgetHeadroom(ctx context.Context, spec ToolSpec) bool {
	for _, c := range l.ceilings(spec) {
		rem, err := budget.NewGate(l.budgets, c).Remaining(ctx)
		if err != nil {
			l.log.ErrorContext(ctx, "budget store unavailable", "ceiling", c.Key, "error", err)
			return false
		}
		if rem == 0 {
			return false
		}
	}
	return true
}

func (l *Layer) chargeBudgets(ctx context.Context, spec ToolSpec) bool {
	for _, c := range l.ceilings(spec) {
		ok, err := budget.NewGate(l.budgets, c).Take(ctx)
		if err != nil {
			l.log.ErrorContext(ctx, "budget store unavailable", "ceiling", c.Key, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}
