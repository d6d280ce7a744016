package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type recordingAudit struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingAudit) Record(_ context.Context, entryType, subject, action string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entryType+":"+subject+":"+action)
	return nil
}

func (r *recordingAudit) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func testTools(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(ToolSpec{Name: "get_battery", Tier: TierReadOnly}))
	require.NoError(t, r.Register(ToolSpec{
		Name:   "set_volume",
		Tier:   TierReversible,
		Schema: `{"type":"object","properties":{"level":{"type":"integer","minimum":0,"maximum":100}},"required":["level"]}`,
	}))
	require.NoError(t, r.Register(ToolSpec{Name: "send_message", Tier: TierStateful}))
	require.NoError(t, r.Register(ToolSpec{Name: "set_timer", Tier: TierStateful, Expensive: true}))
	return r
}

func newTestLayer(t *testing.T, mutate func(*Config), opts ...Option) (*Layer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	dispatch := session.DispatcherFunc(func(_ context.Context, tool string, args map[string]any) (any, error) {
		return map[string]any{"tool": tool, "ok": true}, nil
	})
	l, err := New(cfg, testTools(t), dispatch, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return l, clk
}

type authResult struct {
	packet  *ActionPacket
	refusal *Refusal
}

func authorizeAsync(l *Layer, call ToolCall) <-chan authResult {
	out := make(chan authResult, 1)
	go func() {
		p, r := l.Authorize(context.Background(), call)
		out <- authResult{p, r}
	}()
	return out
}

func waitPending(t *testing.T, l *Layer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.Pending()) == n }, time.Second, time.Millisecond)
}

// authorizeUntilExpiry starts call, waits for it to park, and moves the clock
// past the approval timeout.
func authorizeUntilExpiry(t *testing.T, l *Layer, clk *clock.Manual, call ToolCall) (*ActionPacket, *Refusal) {
	t.Helper()
	done := authorizeAsync(l, call)
	waitPending(t, l, 1)
	clk.Advance(l.cfg.ApprovalTimeout)
	select {
	case res := <-done:
		return res.packet, res.refusal
	case <-time.After(time.Second):
		t.Fatal("approval wait did not expire with the clock")
		return nil, nil
	}
}

func TestReadOnlyApprovedWithoutWaiting(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = time.Hour })

	done := authorizeAsync(l, ToolCall{Tool: "get_battery"})
	select {
	case res := <-done:
		require.Nil(t, res.refusal)
		assert.Equal(t, StateApproved, res.packet.State)
		assert.Equal(t, ReasonPolicyAuto, res.packet.Reason)
		assert.Equal(t, TierReadOnly, res.packet.Tier)
	case <-time.After(time.Second):
		t.Fatal("read-only call waited for approval")
	}
	assert.False(t, l.AwaitingApproval())
}

func TestStatefulOutsideWindowExpires(t *testing.T) {
	l, clk := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = 45 * time.Second })

	p, refusal := authorizeUntilExpiry(t, l, clk, ToolCall{Tool: "send_message", Arguments: map[string]any{"to": "mum"}})
	require.NotNil(t, refusal)
	assert.Equal(t, StateExpired, p.State)
	assert.Equal(t, ReasonApprovalTimeout, refusal.Reason)
	assert.Empty(t, l.Pending())
	assert.Equal(t, 45*time.Second, p.ResolvedAt.Sub(p.CreatedAt))
}

func TestReversibleInsideWindowApproved(t *testing.T) {
	l, clk := newTestLayer(t, nil)

	win, err := l.GrantAutonomy(context.Background(), []Tier{TierReversible}, 10*time.Minute)
	require.NoError(t, err)

	p, refusal := l.Authorize(context.Background(), ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 40}})
	require.Nil(t, refusal)
	assert.Equal(t, ReasonAutonomyWindow, p.Reason)
	assert.Equal(t, win.ID, p.WindowID)

	// the window closes on schedule
	clk.Advance(11 * time.Minute)
	_, refusal = authorizeUntilExpiry(t, l, clk, ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 41}})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonApprovalTimeout, refusal.Reason)
}

func TestStopWordDeniesEveryPendingPacket(t *testing.T) {
	audit := &recordingAudit{}
	l, _ := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = time.Hour }, WithAudit(audit))

	first := authorizeAsync(l, ToolCall{Tool: "send_message", Arguments: map[string]any{"to": "a"}})
	waitPending(t, l, 1)
	second := authorizeAsync(l, ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 10}})
	waitPending(t, l, 2)

	out := l.HandleUtterance(context.Background(), "Stop!")
	assert.Equal(t, InterruptStop, out.Interrupt)
	assert.Equal(t, "stop", out.Match)
	assert.Len(t, out.PacketIDs, 2)

	for _, ch := range []<-chan authResult{first, second} {
		res := <-ch
		require.NotNil(t, res.refusal)
		assert.Equal(t, StateDenied, res.packet.State)
		assert.Equal(t, ReasonStopWord, res.packet.Reason)
	}
	assert.False(t, l.AwaitingApproval())
	assert.Contains(t, audit.Entries(), "override:stop:stop")
}

func TestStopCooldownBlocksApprovalsAndGrants(t *testing.T) {
	l, clk := newTestLayer(t, nil)
	_, err := l.GrantAutonomy(context.Background(), []Tier{TierReversible}, time.Hour)
	require.NoError(t, err)

	l.Stop(context.Background(), "test")
	assert.Empty(t, l.ActiveWindows())

	active, left := l.StopActive()
	assert.True(t, active)
	assert.Equal(t, 10*time.Second, left)

	_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "get_battery"})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonStopCooldown, refusal.Reason)
	assert.Equal(t, 10*time.Second, refusal.RetryAfter)

	_, err = l.GrantAutonomy(context.Background(), []Tier{TierReversible}, time.Minute)
	assert.ErrorIs(t, err, ErrStopActive)

	clk.Advance(10 * time.Second)
	active, _ = l.StopActive()
	assert.False(t, active)
	_, refusal = l.Authorize(context.Background(), ToolCall{Tool: "get_battery"})
	assert.Nil(t, refusal)
}

// stopOnTake raises a stop the moment a budget is charged, between the
// layer's first stop check and its approval.
type stopOnTake struct {
	*budget.MemoryStore
	stop func()
}

func (s *stopOnTake) Take(ctx context.Context, c budget.Ceiling) (bool, error) {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	return s.MemoryStore.Take(ctx, c)
}

func TestStopDuringApprovalRefuses(t *testing.T) {
	store := &stopOnTake{MemoryStore: budget.NewMemoryStore(nil)}
	l, _ := newTestLayer(t, nil, WithBudgetStore(store))
	store.stop = func() { l.Stop(context.Background(), "barge_in") }

	p, refusal := l.Authorize(context.Background(), ToolCall{Tool: "get_battery"})
	require.NotNil(t, refusal)
	assert.Equal(t, StateDenied, p.State)
	assert.Equal(t, ReasonStopCooldown, refusal.Reason)
	assert.Equal(t, 10*time.Second, refusal.RetryAfter)
}

func TestVoiceApproval(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = time.Hour })

	done := authorizeAsync(l, ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 70}})
	waitPending(t, l, 1)
	out := l.HandleUtterance(context.Background(), "yes please")
	assert.Equal(t, InterruptApproved, out.Interrupt)

	res := <-done
	require.Nil(t, res.refusal)
	assert.Equal(t, ReasonApproved, res.packet.Reason)
	assert.Equal(t, "user", res.packet.Approver)
}

func TestStatefulNeedsExplicitConfirmation(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = time.Hour })

	done := authorizeAsync(l, ToolCall{Tool: "send_message", Arguments: map[string]any{"to": "b"}})
	waitPending(t, l, 1)

	out := l.HandleUtterance(context.Background(), "yes")
	assert.Equal(t, InterruptNeedsConfirmation, out.Interrupt)
	assert.Equal(t, 1, len(l.Pending()))

	out = l.HandleUtterance(context.Background(), "Yes, do it now.")
	assert.Equal(t, InterruptApproved, out.Interrupt)
	res := <-done
	require.Nil(t, res.refusal)
	assert.Equal(t, StateApproved, res.packet.State)
}

func TestVoiceDenial(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = time.Hour })

	done := authorizeAsync(l, ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 5}})
	waitPending(t, l, 1)
	out := l.HandleUtterance(context.Background(), "no, never mind")
	assert.Equal(t, InterruptDenied, out.Interrupt)

	res := <-done
	require.NotNil(t, res.refusal)
	assert.Equal(t, ReasonDenied, res.refusal.Reason)
}

func TestUtteranceWithoutPendingIsIgnored(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	assert.Equal(t, InterruptNone, l.HandleUtterance(context.Background(), "yes").Interrupt)
}

func TestTokenApproval(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) {
		c.ApprovalTimeout = time.Hour
		c.ApprovalSecret = "companion-secret"
	})
	require.NotNil(t, l.Tokens())

	done := authorizeAsync(l, ToolCall{Tool: "send_message", Arguments: map[string]any{"to": "c"}})
	waitPending(t, l, 1)
	id := l.Pending()[0].ID

	tok, err := l.Tokens().Issue(id, true, "phone", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.ResolveToken(tok))

	res := <-done
	require.Nil(t, res.refusal)
	assert.Equal(t, "phone", res.packet.Approver)

	assert.ErrorIs(t, l.ResolveToken(tok), ErrNotPending)
	assert.ErrorIs(t, l.ResolveToken("garbage"), ErrInvalidToken)
}

func TestResolveTokenWithoutSecret(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	assert.ErrorIs(t, l.ResolveToken("x"), ErrNoTokens)
}

func TestWhitelistAdmitsStatefulInsideWindow(t *testing.T) {
	l, clk := newTestLayer(t, func(c *Config) {
		c.Whitelist = []string{`tool == "set_timer" && args.minutes <= 30`}
	})
	_, err := l.GrantAutonomy(context.Background(), []Tier{TierStateful}, time.Hour)
	require.NoError(t, err)

	p, refusal := l.Authorize(context.Background(), ToolCall{Tool: "set_timer", Arguments: map[string]any{"minutes": 10}})
	require.Nil(t, refusal)
	assert.Equal(t, ReasonWhitelisted, p.Reason)
	assert.NotEmpty(t, p.WindowID)

	_, refusal = authorizeUntilExpiry(t, l, clk, ToolCall{Tool: "set_timer", Arguments: map[string]any{"minutes": 90}})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonApprovalTimeout, refusal.Reason)
}

func TestInvalidArgumentsRefused(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	_, err := l.GrantAutonomy(context.Background(), []Tier{TierReversible}, time.Hour)
	require.NoError(t, err)

	_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 400}})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonInvalidArgs, refusal.Reason)
	assert.Equal(t, StateDenied, refusal.State)
}

func TestUnknownToolRefused(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "launch_rocket"})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonUnknownTool, refusal.Reason)

	l, _ = newTestLayer(t, func(c *Config) { c.DefaultTier = TierReadOnly })
	p, refusal := l.Authorize(context.Background(), ToolCall{Tool: "launch_rocket"})
	require.Nil(t, refusal)
	assert.Equal(t, TierReadOnly, p.Tier)
}

func TestUncoveredTierRefused(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) {
		c.Policies = map[Tier]Mode{TierReadOnly: ModeAuto}
	})
	_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 1}})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonTierNotCovered, refusal.Reason)
}

func TestObserveOnlyAllowsReads(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	l.SetLevel(LevelObserveOnly)
	assert.Equal(t, LevelObserveOnly, l.Level())

	_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "get_battery"})
	assert.Nil(t, refusal)
	_, refusal = l.Authorize(context.Background(), ToolCall{Tool: "set_volume", Arguments: map[string]any{"level": 1}})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonObserveOnly, refusal.Reason)
}

func TestDuplicateCallSuppressed(t *testing.T) {
	l, clk := newTestLayer(t, nil)
	call := ToolCall{Tool: "get_battery", Arguments: map[string]any{"detail": true}}

	_, refusal := l.Authorize(context.Background(), call)
	require.Nil(t, refusal)
	_, refusal = l.Authorize(context.Background(), call)
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonRedundant, refusal.Reason)

	clk.Advance(30 * time.Second)
	_, refusal = l.Authorize(context.Background(), call)
	assert.Nil(t, refusal)
}

func TestToolCallBudget(t *testing.T) {
	l, clk := newTestLayer(t, func(c *Config) { c.ToolCallsPerMinute = 2 })
	for i := range 2 {
		_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "get_battery", Arguments: map[string]any{"n": i}})
		require.Nil(t, refusal)
	}
	_, refusal := l.Authorize(context.Background(), ToolCall{Tool: "get_battery", Arguments: map[string]any{"n": 9}})
	require.NotNil(t, refusal)
	assert.Equal(t, ReasonBudgetExhausted, refusal.Reason)

	clk.Advance(time.Minute + time.Second)
	_, refusal = l.Authorize(context.Background(), ToolCall{Tool: "get_battery", Arguments: map[string]any{"n": 10}})
	assert.Nil(t, refusal)
}

func TestContextCancelWhileAwaiting(t *testing.T) {
	l, _ := newTestLayer(t, func(c *Config) { c.ApprovalTimeout = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Refusal, 1)
	go func() {
		_, r := l.Authorize(ctx, ToolCall{Tool: "send_message"})
		done <- r
	}()
	waitPending(t, l, 1)
	cancel()
	r := <-done
	require.NotNil(t, r)
	assert.Equal(t, ReasonCancelled, r.Reason)
	assert.Empty(t, l.Pending())
}

func TestExecuteDispatchesApprovedCalls(t *testing.T) {
	audit := &recordingAudit{}
	l, _ := newTestLayer(t, nil, WithAudit(audit))

	res, err := l.Execute(context.Background(), ToolCall{Tool: "get_battery"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tool": "get_battery", "ok": true}, res.Output)
	assert.Equal(t, []string{"decision:get_battery:approved", "execution:get_battery:executed"}, audit.Entries())

	res, err = l.Execute(context.Background(), ToolCall{Tool: "get_battery", DryRun: true, Arguments: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Nil(t, res.Output)

	_, err = l.Execute(context.Background(), ToolCall{Tool: "launch_rocket"})
	var refusal *Refusal
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, ReasonUnknownTool, refusal.Reason)
}

func TestObserversSeeTerminalPackets(t *testing.T) {
	var seen []ApprovalState
	l, _ := newTestLayer(t, nil, WithObserver(func(p ActionPacket) { seen = append(seen, p.State) }))
	_, _ = l.Authorize(context.Background(), ToolCall{Tool: "get_battery"})
	_, _ = l.Authorize(context.Background(), ToolCall{Tool: "nope"})
	assert.Equal(t, []ApprovalState{StateApproved, StateDenied}, seen)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 0
	cfg.Level = "yolo"
	cfg.Scheduled = []ScheduledWindow{{Start: "25:00", Duration: time.Hour}}
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval_timeout")
	assert.Contains(t, err.Error(), "level")
	assert.Contains(t, err.Error(), "scheduled_windows[0]")
}
