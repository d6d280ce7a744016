package governance

import (
	"fmt"
	"time"
)

// ApprovalState is the lifecycle state of an ActionPacket.
type ApprovalState string

const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
	StateDenied   ApprovalState = "denied"
	StateExpired  ApprovalState = "expired"
)

// Terminal reports whether s is a final state.
func (s ApprovalState) Terminal() bool { return s != StatePending && s != "" }

// Reason explains a resolution.
type Reason string

const (
	ReasonPolicyAuto      Reason = "policy_auto"
	ReasonAutonomyWindow  Reason = "autonomy_window"
	ReasonWhitelisted     Reason = "whitelisted"
	ReasonApproved        Reason = "approved_by_operator"
	ReasonDenied          Reason = "denied_by_operator"
	ReasonApprovalTimeout Reason = "approval_timeout"
	ReasonStopWord        Reason = "stop_word"
	ReasonStopCooldown    Reason = "stop_word_cooldown"
	ReasonUnknownTool     Reason = "unknown_tool"
	ReasonTierNotCovered  Reason = "tier_not_covered"
	ReasonObserveOnly     Reason = "observe_only"
	ReasonInvalidArgs     Reason = "invalid_arguments"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonRedundant       Reason = "redundant"
	ReasonCancelled       Reason = "cancelled"
	ReasonInternal        Reason = "internal_error"
)

// ToolCall is a tool invocation requested by the session.
type ToolCall struct {
	CallID    string
	Tool      string
	Arguments map[string]any
	// Why is the session's stated reason, if any.
	Why    string
	DryRun bool
}

// Rationale is the auditable explanation attached to every packet.
type Rationale struct {
	What          string   `json:"what"`
	Why           string   `json:"why"`
	Impact        string   `json:"impact"`
	Rollback      string   `json:"rollback"`
	EstimatedCost string   `json:"estimated_cost"`
	Confidence    float64  `json:"confidence"`
	Alternatives  []string `json:"alternatives,omitempty"`
}

// ActionPacket is a governed tool call. It is owned by the Layer until it
// reaches a terminal state.
type ActionPacket struct {
	ID         string         `json:"id"`
	CallID     string         `json:"call_id,omitempty"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Tier       Tier           `json:"tier"`
	Rationale  Rationale      `json:"rationale"`
	RiskScore  float64        `json:"risk_score"`
	RiskFlags  []string       `json:"risk_flags,omitempty"`
	State      ApprovalState  `json:"state"`
	Reason     Reason         `json:"reason,omitempty"`
	Approver   string         `json:"approver,omitempty"`
	WindowID   string         `json:"window_id,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

func (p *ActionPacket) resolve(state ApprovalState, reason Reason, at time.Time) {
	p.State = state
	p.Reason = reason
	p.ResolvedAt = at
}

// Refusal is returned to the session when a call is not approved, so it
// can explain the refusal. It implements error.
type Refusal struct {
	PacketID   string        `json:"packet_id"`
	Tool       string        `json:"tool"`
	Tier       Tier          `json:"tier"`
	State      ApprovalState `json:"state"`
	Reason     Reason        `json:"reason"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("governance: %s %s (%s): %s", r.Tool, r.State, r.Reason, r.Message)
}

func refusalFor(p *ActionPacket, retryAfter time.Duration) *Refusal {
	return &Refusal{
		PacketID:   p.ID,
		Tool:       p.Tool,
		Tier:       p.Tier,
		State:      p.State,
		Reason:     p.Reason,
		Message:    refusalMessage(p),
		RetryAfter: retryAfter,
	}
}

func refusalMessage(p *ActionPacket) string {
	switch p.Reason {
	case ReasonStopWord:
		return "cancelled by stop word"
	case ReasonStopCooldown:
		return "actions are paused after a stop request"
	case ReasonUnknownTool:
		return "tool is not registered"
	case ReasonTierNotCovered:
		return fmt.Sprintf("no policy allows %s tools", p.Tier)
	case ReasonObserveOnly:
		return "autonomy is set to observe only"
	case ReasonInvalidArgs:
		return "arguments failed validation"
	case ReasonBudgetExhausted:
		return "tool call budget exhausted"
	case ReasonRedundant:
		return "identical call was just executed"
	case ReasonDenied:
		return "operator denied the action"
	case ReasonApprovalTimeout:
		return "no approval arrived in time"
	case ReasonCancelled:
		return "request was cancelled"
	default:
		return string(p.Reason)
	}
}

// Result is the outcome of Execute.
type Result struct {
	Packet *ActionPacket
	Output any
	DryRun bool
}
