package injector

import (
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/events"
)

// Suppression reasons reported in Outcome.Reason.
const (
	ReasonNotRequested       = "not_requested"
	ReasonFiltered           = "filtered"
	ReasonResponseInProgress = "response_in_progress"
	ReasonInteractionState   = "interaction_state"
	ReasonTriggerCooldown    = "trigger_cooldown"
	ReasonTriggerRate        = "trigger_rate"
	ReasonGlobalCooldown     = "global_cooldown"
	ReasonGlobalRate         = "global_rate"
	ReasonQuotaExhausted     = "quota_exhausted"
	ReasonAIBudget           = "ai_budget"
)

// admitResponse decides whether ev may request a response. The order
// matches the cheapest refusal first; nothing is recorded here.
func (i *Injector) admitResponse(ev events.Event, now time.Time) (bool, string) {
	if !ev.RequestResponse {
		return false, ReasonNotRequested
	}
	if i.filter != nil && !i.filter(ev) {
		return false, ReasonFiltered
	}
	if i.sess.ResponseInProgress() {
		return false, ReasonResponseInProgress
	}
	if !i.sess.InteractionState().AcceptsResponse() {
		return false, ReasonInteractionState
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, trig := range ev.Triggers() {
		limit := i.cfg.limitFor(trig)
		if !i.triggerCool.Ready(trig, limit.Cooldown) {
			return false, ReasonTriggerCooldown
		}
		if !i.triggerWindow(trig, limit).Allow() {
			return false, ReasonTriggerRate
		}
	}

	// Positive priority and answers to a recent user query skip the global
	// limits, never the trigger ones.
	if !i.bypassGlobal(ev) {
		if !i.globalCool.Ready() {
			return false, ReasonGlobalCooldown
		}
		if !i.globalWindow.Allow() {
			return false, ReasonGlobalRate
		}
	}

	if i.quotaExhausted(now) {
		return false, ReasonQuotaExhausted
	}
	if ev.Source != events.SourceSpeech && !i.aiCalls.Allow() {
		return false, ReasonAIBudget
	}
	return true, ""
}

// quotaExhausted reports whether the last reported quota still forbids a
// response at now. Once its reset passes the next request refreshes it.
// Must be called with mu held.
func (i *Injector) quotaExhausted(now time.Time) bool {
	if !i.lastQuota.Exhausted() {
		return false
	}
	reset := i.lastQuota.ResetAfter
	if reset <= 0 {
		reset = i.cfg.QuotaReset
	}
	return now.Before(i.quotaAt.Add(reset))
}

func (i *Injector) bypassGlobal(ev events.Event) bool {
	if ev.Priority > 0 {
		return true
	}
	return i.queries != nil && i.queries.Recent(ev.Topic())
}

// recordResponse charges every budget the response passed through.
func (i *Injector) recordResponse(ev events.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, trig := range ev.Triggers() {
		i.triggerCool.Mark(trig)
		i.triggerWindow(trig, i.cfg.limitFor(trig)).Record()
	}
	i.globalCool.Mark()
	i.globalWindow.Record()
	if ev.Source != events.SourceSpeech {
		i.aiCalls.Record()
	}
}

// triggerWindow returns the per-minute window for trig. Must be called with
// mu held.
func (i *Injector) triggerWindow(trig string, limit TriggerLimit) *budget.RollingWindow {
	w, ok := i.triggerWindows[trig]
	if !ok {
		w = budget.PerMinute(limit.PerMinute, i.clock)
		i.triggerWindows[trig] = w
	}
	return w
}
