package sensors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/events"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Battery transitions.
const (
	TransitionEnterWarning   = "enter_warning"
	TransitionEnterCritical  = "enter_critical"
	TransitionClear          = "clear"
	TransitionSteadyInfo     = "steady_info"
	TransitionSteadyWarning  = "steady_warning"
	TransitionSteadyCritical = "steady_critical"
)

// ResponsePolicy decides whether a battery event asks for a spoken reply.
type ResponsePolicy struct {
	Enabled           bool          `yaml:"enabled"`
	AllowWarning      bool          `yaml:"allow_warning"`
	AllowCritical     bool          `yaml:"allow_critical"`
	RequireTransition bool          `yaml:"require_transition"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// BatteryConfig holds the voltage range and thresholds. Percent fields are
// on a 0-100 scale.
type BatteryConfig struct {
	VoltageMin        float64        `yaml:"voltage_min"`
	VoltageMax        float64        `yaml:"voltage_max"`
	WarningPercent    float64        `yaml:"warning_percent"`
	CriticalPercent   float64        `yaml:"critical_percent"`
	HysteresisPercent float64        `yaml:"hysteresis_percent"`
	RapidDropPercent  float64        `yaml:"rapid_drop_percent"`
	EventTTL          time.Duration  `yaml:"event_ttl"`
	StaleAfter        time.Duration  `yaml:"stale_after"`
	Response          ResponsePolicy `yaml:"response"`
}

func DefaultBatteryConfig() BatteryConfig {
	return BatteryConfig{
		VoltageMin:        7.0,
		VoltageMax:        8.4,
		WarningPercent:    50,
		CriticalPercent:   25,
		HysteresisPercent: 5,
		RapidDropPercent:  5,
		EventTTL:          time.Minute,
		StaleAfter:        3 * time.Minute,
		Response: ResponsePolicy{
			Enabled:           true,
			AllowWarning:      true,
			AllowCritical:     true,
			RequireTransition: true,
		},
	}
}

func (c BatteryConfig) Validate() error {
	var errs []error
	if c.VoltageMax <= c.VoltageMin {
		errs = append(errs, fmt.Errorf("voltage_max %.2f must exceed voltage_min %.2f", c.VoltageMax, c.VoltageMin))
	}
	if c.CriticalPercent < 0 || c.WarningPercent > 100 || c.CriticalPercent > c.WarningPercent {
		errs = append(errs, errors.New("thresholds must satisfy 0 <= critical_percent <= warning_percent <= 100"))
	}
	if c.HysteresisPercent < 0 {
		errs = append(errs, errors.New("hysteresis_percent must not be negative"))
	}
	return errors.Join(errs...)
}

// Reading is one classified voltage sample.
type Reading struct {
	Voltage      float64
	Percent      float64
	Severity     Severity
	Transition   string
	DeltaPercent float64
	RapidDrop    bool
	At           time.Time
}

// Classify maps voltage onto the configured range. Leaving a warning or
// critical band needs HysteresisPercent of headroom above its threshold.
func (c BatteryConfig) Classify(voltage float64, prev *Reading) Reading {
	span := c.VoltageMax - c.VoltageMin
	pct := 0.0
	if span > 0 {
		pct = min(max((voltage-c.VoltageMin)/span, 0), 1)
	}
	p := pct * 100

	sev := SeverityInfo
	switch {
	case p <= c.CriticalPercent:
		sev = SeverityCritical
	case p <= c.WarningPercent:
		sev = SeverityWarning
	}
	if prev != nil && sev.rank() < prev.Severity.rank() {
		threshold := c.WarningPercent
		if prev.Severity == SeverityCritical {
			threshold = c.CriticalPercent
		}
		if p <= threshold+c.HysteresisPercent {
			sev = prev.Severity
		}
	}

	r := Reading{Voltage: voltage, Percent: pct, Severity: sev}
	switch {
	case prev == nil && sev == SeverityInfo:
		r.Transition = TransitionSteadyInfo
	case prev == nil, sev.rank() > prev.Severity.rank():
		r.Transition = "enter_" + string(sev)
	case sev.rank() < prev.Severity.rank() && sev == SeverityInfo:
		r.Transition = TransitionClear
	case sev.rank() < prev.Severity.rank():
		r.Transition = "enter_" + string(sev)
	default:
		r.Transition = "steady_" + string(sev)
	}
	if prev != nil {
		r.DeltaPercent = (pct - prev.Percent) * 100
		r.RapidDrop = c.RapidDropPercent > 0 && r.DeltaPercent <= -c.RapidDropPercent
	}
	return r
}

// BatteryMonitor classifies readings and publishes battery status events.
type BatteryMonitor struct {
	base
	cfg BatteryConfig
	pub events.Publisher

	mu           sync.Mutex
	last         *Reading
	lastResponse time.Time
}

func NewBatteryMonitor(cfg BatteryConfig, pub events.Publisher, opts ...Option) *BatteryMonitor {
	return &BatteryMonitor{base: newBase("battery", opts), cfg: cfg, pub: pub}
}

// Observe classifies voltage against the previous reading and publishes the
// result. The returned event is the one handed to the bus.
func (m *BatteryMonitor) Observe(ctx context.Context, voltage float64) (Reading, events.Event) {
	now := m.clock.Now()
	m.mu.Lock()
	r := m.cfg.Classify(voltage, m.last)
	r.At = now
	prev := m.last
	m.last = &r
	m.lastInput = now
	respond := m.shouldRespond(r)
	if respond {
		m.lastResponse = now
	}
	m.mu.Unlock()

	ev := events.Event{
		Source: events.SourceBattery,
		Kind:   events.KindStatus,
		Metadata: events.Meta(
			events.MetaTopic, "battery",
			"severity", string(r.Severity),
			"transition", r.Transition,
		),
		Payload: events.BatteryPayload{
			Voltage:      r.Voltage,
			Percent:      r.Percent,
			Severity:     string(r.Severity),
			Transition:   r.Transition,
			DeltaPercent: r.DeltaPercent,
			RapidDrop:    r.RapidDrop,
		},
		Priority:        batteryPriority(r.Severity),
		TTL:             m.cfg.EventTTL,
		RequestResponse: respond,
		CreatedAt:       now,
	}
	if prev == nil || prev.Severity != r.Severity {
		m.log.InfoContext(ctx, "battery severity changed", "voltage", r.Voltage, "percent", r.Percent, "severity", r.Severity, "transition", r.Transition)
	}
	if m.pub != nil {
		m.pub.Publish(ev)
	}
	return r, ev
}

// shouldRespond must be called with mu held.
func (m *BatteryMonitor) shouldRespond(r Reading) bool {
	pol := m.cfg.Response
	if !pol.Enabled {
		return false
	}
	if m.queries != nil && m.queries.Recent("battery") {
		return true
	}
	if pol.Cooldown > 0 && !m.lastResponse.IsZero() && r.At.Sub(m.lastResponse) < pol.Cooldown {
		return false
	}
	steady := strings.HasPrefix(r.Transition, "steady_")
	switch r.Severity {
	case SeverityCritical:
		return pol.AllowCritical && !(pol.RequireTransition && steady)
	case SeverityWarning:
		return pol.AllowWarning && (!steady || r.RapidDrop && !pol.RequireTransition)
	default:
		return false
	}
}

func batteryPriority(s Severity) int {
	switch s {
	case SeverityCritical:
		return events.PriorityHigh
	case SeverityWarning:
		return events.PriorityNormal
	default:
		return events.PriorityLow
	}
}

// Latest returns the most recent reading.
func (m *BatteryMonitor) Latest() (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Reading{}, false
	}
	return *m.last, true
}

// Alive reports whether a reading arrived within StaleAfter.
func (m *BatteryMonitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := m.cfg.StaleAfter
	if stale <= 0 {
		stale = DefaultBatteryConfig().StaleAfter
	}
	return m.alive(stale)
}
