package governance

import (
	"context"
	"fmt"
	"time"
)

// Interrupt classifies what an utterance did to governance.
type Interrupt string

const (
	InterruptNone              Interrupt = ""
	InterruptStop              Interrupt = "stop"
	InterruptApproved          Interrupt = "approved"
	InterruptDenied            Interrupt = "denied"
	InterruptNeedsConfirmation Interrupt = "needs_confirmation"
)

// UtteranceOutcome reports the effect of HandleUtterance.
type UtteranceOutcome struct {
	Interrupt Interrupt
	Match     string
	PacketIDs []string
}

// HandleUtterance checks a user utterance for a stop word first, then reads
// it as a reply to the newest pending approval.
func (l *Layer) HandleUtterance(ctx context.Context, text string) UtteranceOutcome {
	if word, ok := l.stops.Match(text); ok {
		return UtteranceOutcome{Interrupt: InterruptStop, Match: word, PacketIDs: l.Stop(ctx, word)}
	}
	p, ok := l.broker.Newest()
	if !ok {
		return UtteranceOutcome{}
	}
	switch ParsePhrase(text, p.Tier) {
	case PhraseApprove:
		if err := l.broker.Resolve(p.ID, Verdict{Approve: true, Approver: "user", Via: "voice"}); err == nil {
			return UtteranceOutcome{Interrupt: InterruptApproved, PacketIDs: []string{p.ID}}
		}
	case PhraseDeny:
		if err := l.broker.Resolve(p.ID, Verdict{Approve: false, Approver: "user", Via: "voice"}); err == nil {
			return UtteranceOutcome{Interrupt: InterruptDenied, PacketIDs: []string{p.ID}}
		}
	case PhraseInsufficient:
		return UtteranceOutcome{Interrupt: InterruptNeedsConfirmation, Match: StatefulConfirmation, PacketIDs: []string{p.ID}}
	}
	return UtteranceOutcome{}
}

// Stop is the hard override: every pending packet is denied, every autonomy
// window is revoked, and no call may be approved until the cooldown ends.
// It returns the denied packet IDs.
func (l *Layer) Stop(ctx context.Context, reason string) []string {
	now := l.clock.Now()
	l.mu.Lock()
	l.stopUntil = now.Add(l.cfg.StopCooldown)
	l.mu.Unlock()

	revoked := l.windows.RevokeAll()
	denied := l.broker.DenyAll(viaStopWord)

	l.log.WarnContext(ctx, "stop override", "reason", reason, "denied", len(denied), "revoked_windows", revoked, "cooldown", l.cfg.StopCooldown)
	if l.audit != nil {
		payload := map[string]any{"reason": reason, "denied": denied, "revoked_windows": revoked, "until": l.stopUntil}
		if err := l.audit.Record(ctx, auditOverride, "stop", reason, payload); err != nil {
			l.log.ErrorContext(ctx, "audit record failed", "error", err)
		}
	}
	return denied
}

// StopActive reports whether the stop cooldown is running and how long is left.
func (l *Layer) StopActive() (bool, time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Before(l.stopUntil) {
		return true, l.stopUntil.Sub(now)
	}
	return false, 0
}

// GrantAutonomy opens an ad-hoc window for tiers. Grants are refused while
// the stop cooldown runs.
func (l *Layer) GrantAutonomy(ctx context.Context, tiers []Tier, d time.Duration) (AutonomyWindow, error) {
	if active, _ := l.StopActive(); active {
		return AutonomyWindow{}, ErrStopActive
	}
	if d <= 0 {
		return AutonomyWindow{}, fmt.Errorf("governance: autonomy window duration must be positive")
	}
	for _, t := range tiers {
		if !t.Valid() {
			return AutonomyWindow{}, fmt.Errorf("governance: unknown tier %q", t)
		}
	}
	win := l.windows.Grant(tiers, d)
	l.log.InfoContext(ctx, "autonomy window granted", "window", win.ID, "tiers", tiers, "duration", d)
	if l.audit != nil {
		if err := l.audit.Record(ctx, auditAutonomy, win.ID, "granted", win); err != nil {
			l.log.ErrorContext(ctx, "audit record failed", "error", err)
		}
	}
	return win, nil
}

// RevokeAutonomy closes every window without starting a stop cooldown.
func (l *Layer) RevokeAutonomy(ctx context.Context) int {
	n := l.windows.RevokeAll()
	l.log.InfoContext(ctx, "autonomy windows revoked", "count", n)
	return n
}

// ActiveWindows lists the windows live now.
func (l *Layer) ActiveWindows() []AutonomyWindow { return l.windows.Active() }

// Resolve delivers an approval verdict for packetID.
func (l *Layer) Resolve(packetID string, v Verdict) error {
	return l.broker.Resolve(packetID, v)
}

// ResolveToken verifies a signed approval token and delivers its verdict.
func (l *Layer) ResolveToken(token string) error {
	if l.tokens == nil {
		return ErrNoTokens
	}
	claims, err := l.tokens.Verify(token)
	if err != nil {
		return err
	}
	return l.broker.Resolve(claims.Subject, Verdict{
		Approve:  claims.Decision == "approve",
		Approver: claims.Approver,
		Via:      "token",
	})
}

// Tokens returns the approval token issuer, or nil when disabled.
func (l *Layer) Tokens() *Tokens { return l.tokens }

// Pending lists the packets waiting for approval.
func (l *Layer) Pending() []ActionPacket { return l.broker.Pending() }

// AwaitingApproval reports whether any packet is waiting.
func (l *Layer) AwaitingApproval() bool { return l.broker.Len() > 0 }

func (l *Layer) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevel moves the autonomy dial. Scheduled windows only apply at
// LevelActWithBounds.
func (l *Layer) SetLevel(lv Level) {
	l.mu.Lock()
	l.level = lv
	l.mu.Unlock()
	l.windows.SetScheduledEnabled(lv == LevelActWithBounds)
}

// Tools exposes the registry.
func (l *Layer) Tools() *Registry { return l.tools }
