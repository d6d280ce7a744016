// Package ops runs the operational heartbeat of the device: periodic health
// probes, debounced health state, rolling budgets, and the micro-presence
// gestures that keep an idle device looking alive. Its signals reach the
// conversation through the same event bus as sensor events.
package ops

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is a health classification.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
)

func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// ParseStatus accepts ok, degraded or failing.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOK, StatusDegraded, StatusFailing:
		return st, nil
	}
	return "", fmt.Errorf("ops: unknown health status %q", s)
}

// Worst returns the most severe status. With no statuses it is degraded.
func Worst(statuses ...Status) Status {
	if len(statuses) == 0 {
		return StatusDegraded
	}
	worst := StatusOK
	for _, s := range statuses {
		if s.rank() > worst.rank() {
			worst = s
		}
	}
	return worst
}

// ProbeResult is one probe observation. A non-nil Err always counts as
// failing.
type ProbeResult struct {
	Name    string
	Status  Status
	Summary string
	Details map[string]any
	Err     error
	At      time.Time
}

// Snapshot is the committed health at one tick. Probe statuses are the
// debounced ones. Snapshots are never mutated after publication.
type Snapshot struct {
	Status    Status
	Probes    map[string]ProbeResult
	Summary   string
	Mode      Mode
	Tick      uint64
	Timestamp time.Time
}

// ProbeStatuses flattens Probes to name → status.
func (s Snapshot) ProbeStatuses() map[string]string {
	out := make(map[string]string, len(s.Probes))
	for name, r := range s.Probes {
		out[name] = string(r.Status)
	}
	return out
}

// BatteryPercent returns the battery probe's reported charge fraction.
func (s Snapshot) BatteryPercent() (float64, bool) {
	r, ok := s.Probes[BatteryProbeName]
	if !ok {
		return 0, false
	}
	p, ok := r.Details["percent"].(float64)
	return p, ok
}

func summarize(status Status, probes map[string]ProbeResult) string {
	if status == StatusOK {
		return "All systems nominal"
	}
	var impacted []string
	for name, r := range probes {
		if r.Status != StatusOK {
			impacted = append(impacted, name)
		}
	}
	if len(impacted) == 0 {
		return "System health pending"
	}
	sort.Strings(impacted)
	if status == StatusFailing {
		return "Critical issues: " + strings.Join(impacted, ", ")
	}
	return "Degraded: " + strings.Join(impacted, ", ")
}

// Mode is the orchestrator's operating mode.
type Mode string

const (
	ModeStartup  Mode = "startup"
	ModeIdle     Mode = "idle"
	ModeActive   Mode = "active"
	ModeShutdown Mode = "shutdown"
)

// Counters are monotonic loop counters.
type Counters struct {
	Ticks      uint64
	Heartbeats uint64
	Errors     uint64
}

// Activity is one entry in the orchestrator's recent-activity ring.
type Activity struct {
	At      time.Time
	Type    string
	Message string
	Details map[string]any
}
