// Package governance turns a session-requested tool call into an approved
// action or a structured refusal. Tools are tiered by the damage they can
// do; autonomy windows pre-authorize tiers for a while; a stop word
// overrides everything.
package governance

import (
	"fmt"
	"strings"
)

// Tier classifies a tool's potential effect.
type Tier string

const (
	// TierReadOnly tools change nothing.
	TierReadOnly Tier = "read_only"
	// TierReversible tools change state with an undo path.
	TierReversible Tier = "reversible"
	// TierStateful tools are irreversible or touch credentials.
	TierStateful Tier = "stateful"
)

// Rank orders tiers from least (1) to most (3) dangerous.
func (t Tier) Rank() int {
	switch t {
	case TierReadOnly:
		return 1
	case TierReversible:
		return 2
	case TierStateful:
		return 3
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

// ParseTier accepts tier names and the numeric aliases 1-3.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read_only", "read-only", "readonly", "1":
		return TierReadOnly, nil
	case "reversible", "2":
		return TierReversible, nil
	case "stateful", "stateful_or_credentialed", "credentialed", "3":
		return TierStateful, nil
	}
	return "", fmt.Errorf("governance: unknown tier %q", s)
}

// Mode is the policy a tier is governed by.
type Mode string

const (
	// ModeAuto approves without waiting.
	ModeAuto Mode = "auto"
	// ModeWindow approves inside a covering autonomy window, otherwise waits
	// for approval.
	ModeWindow Mode = "window"
	// ModeApproval always waits for approval unless a window covers the tier
	// and the whitelist admits the call.
	ModeApproval Mode = "approval"
	// ModeDeny refuses outright.
	ModeDeny Mode = "deny"
)

// DefaultPolicies maps each tier to its standard mode.
func DefaultPolicies() map[Tier]Mode {
	return map[Tier]Mode{
		TierReadOnly:   ModeAuto,
		TierReversible: ModeWindow,
		TierStateful:   ModeApproval,
	}
}
