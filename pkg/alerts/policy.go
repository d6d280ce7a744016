// Package alerts gates alert-class events before they reach the bus. Each
// alert identity has its own cooldown; an alert inside its cooldown is
// dropped, not queued.
package alerts

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/events"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
)

// Priority maps a severity onto the bus priority scale. Unknown severities
// are treated as info.
func (s Severity) Priority() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityCritical:
		return events.PriorityCritical
	case SeverityHigh, SeverityWarning:
		return events.PriorityHigh
	case SeverityLow:
		return events.PriorityLow
	default:
		return events.PriorityNormal
	}
}

// wantsResponse is the default request_response for a severity.
func (s Severity) wantsResponse() bool {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityCritical, SeverityHigh:
		return true
	}
	return false
}

// Alert describes one alert emission.
type Alert struct {
	Key      string
	Severity Severity
	Message  string
	Details  map[string]any
	Topic    string

	// Zero values fall back to the policy defaults.
	Cooldown time.Duration
	TTL      time.Duration

	// RequestResponse overrides the severity default when set.
	RequestResponse *bool
}

// Config holds policy defaults.
type Config struct {
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
}

// DefaultConfig returns a 60s cooldown and a 120s TTL.
func DefaultConfig() Config {
	return Config{DefaultCooldown: 60 * time.Second, DefaultTTL: 120 * time.Second}
}

// Policy applies cooldown, TTL and priority to alerts and publishes the
// survivors.
type Policy struct {
	cfg        Config
	pub        events.Publisher
	cooldowns  *budget.Cooldowns
	clock      clock.Clock
	log        *slog.Logger
	emitted    atomic.Uint64
	suppressed atomic.Uint64
}

// NewPolicy creates a policy publishing to pub.
func NewPolicy(cfg Config, pub events.Publisher, c clock.Clock) *Policy {
	if cfg.DefaultCooldown < 0 {
		cfg.DefaultCooldown = 0
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	c = clock.Or(c)
	return &Policy{
		cfg:       cfg,
		pub:       pub,
		cooldowns: budget.NewCooldowns(cfg.DefaultCooldown, c),
		clock:     c,
		log:       slog.Default().With("component", "alerts"),
	}
}

// Emit publishes a unless its key is cooling down. It reports whether the
// alert was published.
func (p *Policy) Emit(ctx context.Context, a Alert) bool {
	if a.Key == "" {
		return false
	}
	cooldown := a.Cooldown
	if cooldown <= 0 {
		cooldown = p.cfg.DefaultCooldown
	}
	if !p.cooldowns.TryMark(a.Key, cooldown) {
		p.suppressed.Add(1)
		return false
	}

	ttl := a.TTL
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}
	requestResponse := a.Severity.wantsResponse()
	if a.RequestResponse != nil {
		requestResponse = *a.RequestResponse
	}
	meta := events.Meta(events.MetaTrigger, "alert."+a.Key, "severity", string(a.Severity))
	if a.Topic != "" {
		meta = meta.Set(events.MetaTopic, a.Topic)
	}

	p.pub.Publish(events.Event{
		Source:          events.SourceAlert,
		Kind:            events.KindAlert,
		Metadata:        meta,
		Payload:         events.AlertPayload{Key: a.Key, Severity: string(a.Severity), Message: a.Message, Details: a.Details},
		Priority:        a.Severity.Priority(),
		TTL:             ttl,
		RequestResponse: requestResponse,
		CreatedAt:       p.clock.Now(),
		DedupeKey:       a.Key,
	})
	p.emitted.Add(1)
	p.log.InfoContext(ctx, "alert emitted", "key", a.Key, "severity", a.Severity, "request_response", requestResponse)
	return true
}

// Counts returns emitted and suppressed totals.
func (p *Policy) Counts() (emitted, suppressed uint64) {
	return p.emitted.Load(), p.suppressed.Load()
}
