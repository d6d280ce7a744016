package events

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Payload is the closed set of typed event bodies.
type Payload interface {
	// Summary renders the payload for injection into the conversation.
	Summary() string
	isPayload()
}

// BatteryPayload reports a classified battery reading.
type BatteryPayload struct {
	Voltage      float64
	Percent      float64
	Severity     string
	Transition   string
	DeltaPercent float64
	RapidDrop    bool
}

func (p BatteryPayload) Summary() string {
	s := fmt.Sprintf("battery %.0f%% (%.2fV) severity=%s transition=%s", p.Percent*100, p.Voltage, p.Severity, p.Transition)
	if p.RapidDrop {
		s += " rapid_drop"
	}
	return s
}

// IMUPayload reports a detected motion.
type IMUPayload struct {
	Motion    string
	Magnitude float64
}

func (p IMUPayload) Summary() string {
	return fmt.Sprintf("motion %s magnitude=%.2f", p.Motion, p.Magnitude)
}

// VisionPayload reports a detection from the camera pipeline.
type VisionPayload struct {
	Label      string
	Confidence float64
}

func (p VisionPayload) Summary() string {
	return fmt.Sprintf("saw %s (%.0f%%)", p.Label, p.Confidence*100)
}

// HealthPayload carries an overall health transition.
type HealthPayload struct {
	Status string
	Text   string
	Probes map[string]string
}

func (p HealthPayload) Summary() string {
	return "health " + p.Status + ": " + p.Text
}

// HeartbeatPayload carries the ops counters.
type HeartbeatPayload struct {
	Ticks      uint64
	Heartbeats uint64
	Errors     uint64
	Mode       string
	Health     string
}

func (p HeartbeatPayload) Summary() string {
	return fmt.Sprintf("heartbeat ticks=%d heartbeats=%d errors=%d mode=%s health=%s",
		p.Ticks, p.Heartbeats, p.Errors, p.Mode, p.Health)
}

// GesturePayload names a low-priority physical gesture.
type GesturePayload struct {
	Name   string
	Reason string
}

func (p GesturePayload) Summary() string { return "gesture " + p.Name }

// AlertPayload is the one open-ended payload: Details is free-form.
type AlertPayload struct {
	Key      string
	Severity string
	Message  string
	Details  map[string]any
}

func (p AlertPayload) Summary() string {
	s := fmt.Sprintf("alert %s [%s]: %s", p.Key, p.Severity, p.Message)
	if len(p.Details) == 0 {
		return s
	}
	keys := make([]string, 0, len(p.Details))
	for k := range p.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p.Details[k]))
	}
	return s + " (" + strings.Join(parts, " ") + ")"
}

// BudgetPayload reports a rolling budget that ran out.
type BudgetPayload struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (p BudgetPayload) Summary() string {
	return fmt.Sprintf("budget %s exhausted (%d per %s)", p.Name, p.Limit, p.Window)
}

func (BatteryPayload) isPayload()   {}
func (BudgetPayload) isPayload()    {}
func (IMUPayload) isPayload()       {}
func (VisionPayload) isPayload()    {}
func (HealthPayload) isPayload()    {}
func (HeartbeatPayload) isPayload() {}
func (GesturePayload) isPayload()   {}
func (AlertPayload) isPayload()     {}
