package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/sensors"
)

// Probe names used by the built-in probes.
const (
	AudioProbeName   = "audio"
	BatteryProbeName = "battery"
	MotionProbeName  = "motion"
	SessionProbeName = "session"
	NetworkProbeName = "network"
)

// Probe observes one subsystem. Check must not block past ctx.
type Probe interface {
	Name() string
	Check(ctx context.Context) ProbeResult
}

// AudioProbe reports ok when both directions are present, degraded when
// only one is and failing when neither is.
type AudioProbe struct {
	Devices func() (input, output bool)
}

func (AudioProbe) Name() string { return AudioProbeName }

func (p AudioProbe) Check(context.Context) ProbeResult {
	if p.Devices == nil {
		return ProbeResult{Status: StatusDegraded, Summary: "Audio unavailable (no device source)"}
	}
	in, out := p.Devices()
	r := ProbeResult{Details: map[string]any{"input_ready": in, "output_ready": out}}
	switch {
	case in && out:
		r.Status, r.Summary = StatusOK, "Audio input/output ready"
	case in || out:
		r.Status, r.Summary = StatusDegraded, "Audio partially available"
	default:
		r.Status, r.Summary = StatusFailing, "Audio unavailable"
	}
	return r
}

// BatteryReader is the part of sensors.BatteryMonitor the probe needs.
type BatteryReader interface {
	Latest() (sensors.Reading, bool)
	Alive() bool
}

// BatteryProbe maps the latest battery severity onto health.
type BatteryProbe struct {
	Monitor BatteryReader
}

func (BatteryProbe) Name() string { return BatteryProbeName }

func (p BatteryProbe) Check(context.Context) ProbeResult {
	if p.Monitor == nil {
		return ProbeResult{Status: StatusDegraded, Summary: "Battery monitor unavailable"}
	}
	alive := p.Monitor.Alive()
	latest, ok := p.Monitor.Latest()
	if !ok {
		if alive {
			return ProbeResult{Status: StatusDegraded, Summary: "Battery monitor warming up", Details: map[string]any{"alive": alive}}
		}
		return ProbeResult{Status: StatusFailing, Summary: "Battery monitor inactive", Details: map[string]any{"alive": alive}}
	}
	r := ProbeResult{Details: map[string]any{
		"alive":    alive,
		"voltage":  latest.Voltage,
		"percent":  latest.Percent,
		"severity": string(latest.Severity),
	}}
	switch latest.Severity {
	case sensors.SeverityCritical:
		r.Status, r.Summary = StatusFailing, "Battery critical"
	case sensors.SeverityWarning:
		r.Status, r.Summary = StatusDegraded, "Battery low"
	default:
		r.Status, r.Summary = StatusOK, "Battery nominal"
	}
	return r
}

// MotionProbe reports whether the motion loop is delivering samples.
type MotionProbe struct {
	Monitor interface{ Alive() bool }
}

func (MotionProbe) Name() string { return MotionProbeName }

func (p MotionProbe) Check(context.Context) ProbeResult {
	if p.Monitor != nil && p.Monitor.Alive() {
		return ProbeResult{Status: StatusOK, Summary: "Motion loop active", Details: map[string]any{"alive": true}}
	}
	return ProbeResult{Status: StatusDegraded, Summary: "Motion loop inactive", Details: map[string]any{"alive": false}}
}

// SessionHealth is what the conversational transport reports about itself.
type SessionHealth struct {
	Connected  bool
	Ready      bool
	Failures   int
	Reconnects int
}

// SessionProbe classifies the session connection.
type SessionProbe struct {
	Health func() SessionHealth
}

func (SessionProbe) Name() string { return SessionProbeName }

func (p SessionProbe) Check(context.Context) ProbeResult {
	if p.Health == nil {
		return ProbeResult{Status: StatusDegraded, Summary: "Session not initialized"}
	}
	h := p.Health()
	r := ProbeResult{Details: map[string]any{
		"connected":  h.Connected,
		"ready":      h.Ready,
		"failures":   h.Failures,
		"reconnects": h.Reconnects,
	}}
	switch {
	case h.Connected && h.Ready:
		r.Status, r.Summary = StatusOK, "Session connected"
	case h.Connected:
		r.Status, r.Summary = StatusDegraded, "Session connected (not ready)"
	case h.Failures > 0:
		r.Status, r.Summary = StatusFailing, "Session disconnected"
	default:
		r.Status, r.Summary = StatusDegraded, "Session offline"
	}
	return r
}

// NetworkProbe dials Host on port 443. A failed dial degrades health; it
// never fails it, since the device can still run offline.
type NetworkProbe struct {
	Host    string
	Timeout time.Duration

	// Dial defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (NetworkProbe) Name() string { return NetworkProbeName }

func (p NetworkProbe) Check(ctx context.Context) ProbeResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dial(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(443)))
	if err != nil {
		return ProbeResult{
			Status:  StatusDegraded,
			Summary: fmt.Sprintf("Network probe failed (%s)", p.Host),
			Details: map[string]any{"error": err.Error()},
		}
	}
	_ = conn.Close()
	return ProbeResult{
		Status:  StatusOK,
		Summary: fmt.Sprintf("Network reachable (%s)", p.Host),
		Details: map[string]any{"latency_ms": time.Since(start).Milliseconds()},
	}
}

// FuncProbe adapts a function to Probe.
func FuncProbe(name string, fn func(ctx context.Context) ProbeResult) Probe {
	return funcProbe{name: name, fn: fn}
}

type funcProbe struct {
	name string
	fn   func(ctx context.Context) ProbeResult
}

func (f funcProbe) Name() string { return f.name }

func (f funcProbe) Check(ctx context.Context) ProbeResult { return f.fn(ctx) }

var errProbePanic = errors.New("ops: probe panicked")

// runProbe checks p under timeout, normalizing the result. Panics and
// errors become failing results.
func runProbe(ctx context.Context, p Probe, timeout time.Duration, now time.Time) (res ProbeResult) {
	name := p.Name()
	defer func() {
		if r := recover(); r != nil {
			res = ProbeResult{
				Name:    name,
				Status:  StatusFailing,
				Summary: fmt.Sprintf("probe panicked: %v", r),
				Err:     errProbePanic,
				At:      now,
			}
		}
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res = p.Check(ctx)
	res.Name = name
	res.At = now
	if res.Err != nil {
		res.Status = StatusFailing
		if res.Summary == "" {
			res.Summary = res.Err.Error()
		}
	}
	if _, err := ParseStatus(string(res.Status)); err != nil {
		res.Status = StatusFailing
	}
	return res
}
