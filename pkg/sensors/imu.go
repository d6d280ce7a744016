package sensors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/events"
)

// Motion kinds.
const (
	MotionTilt   = "tilt"
	MotionSpin   = "spin"
	MotionShake  = "shake"
	MotionPickup = "pickup"
)

// Sample is one fused IMU reading. Angles are degrees, gyro is degrees per
// second, accel is in g.
type Sample struct {
	Roll  float64
	Pitch float64
	Gyro  [3]float64
	Accel [3]float64
}

type IMUConfig struct {
	TiltDegrees  float64       `yaml:"tilt_degrees"`
	SpinDPS      float64       `yaml:"spin_dps"`
	ShakeDegrees float64       `yaml:"shake_degrees"`
	PickupG      float64       `yaml:"pickup_g"`
	MinInterval  time.Duration `yaml:"min_interval"`
	EventTTL     time.Duration `yaml:"event_ttl"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

func DefaultIMUConfig() IMUConfig {
	return IMUConfig{
		TiltDegrees:  45,
		SpinDPS:      180,
		ShakeDegrees: 30,
		PickupG:      0.35,
		MinInterval:  500 * time.Millisecond,
		EventTTL:     10 * time.Second,
		StaleAfter:   5 * time.Second,
	}
}

// IMUMonitor derives motion events from samples and publishes them.
type IMUMonitor struct {
	base
	cfg IMUConfig
	pub events.Publisher

	mu         sync.Mutex
	prev       *Sample
	lastByKind map[string]time.Time
	lastMotion time.Time
}

func NewIMUMonitor(cfg IMUConfig, pub events.Publisher, opts ...Option) *IMUMonitor {
	return &IMUMonitor{base: newBase("imu", opts), cfg: cfg, pub: pub, lastByKind: make(map[string]time.Time)}
}

// Observe detects motions in s and publishes one event per motion kind not
// seen within MinInterval.
func (m *IMUMonitor) Observe(ctx context.Context, s Sample) []events.Event {
	now := m.clock.Now()
	m.mu.Lock()
	detected := m.detect(s)
	m.prev = &s
	m.lastInput = now

	var out []events.Event
	for _, d := range detected {
		if last, ok := m.lastByKind[d.Motion]; ok && now.Sub(last) < m.cfg.MinInterval {
			continue
		}
		m.lastByKind[d.Motion] = now
		m.lastMotion = now
		out = append(out, events.Event{
			Source:    events.SourceIMU,
			Kind:      events.KindMotion,
			Metadata:  events.Meta(events.MetaTopic, "imu", events.MetaTrigger, "imu."+d.Motion),
			Payload:   d,
			Priority:  events.PriorityLow,
			TTL:       m.cfg.EventTTL,
			CreatedAt: now,
			DedupeKey: "imu." + d.Motion,
		})
	}
	m.mu.Unlock()

	for _, ev := range out {
		m.log.DebugContext(ctx, "motion detected", "event", ev.Payload.Summary())
		if m.pub != nil {
			m.pub.Publish(ev)
		}
	}
	return out
}

// detect must be called with mu held.
func (m *IMUMonitor) detect(s Sample) []events.IMUPayload {
	var out []events.IMUPayload
	if t := math.Max(math.Abs(s.Roll), math.Abs(s.Pitch)); m.cfg.TiltDegrees > 0 && t > m.cfg.TiltDegrees {
		out = append(out, events.IMUPayload{Motion: MotionTilt, Magnitude: t})
	}
	if g := norm3(s.Gyro); m.cfg.SpinDPS > 0 && g > m.cfg.SpinDPS {
		out = append(out, events.IMUPayload{Motion: MotionSpin, Magnitude: g})
	}
	if m.prev != nil && m.cfg.ShakeDegrees > 0 {
		d := math.Max(math.Abs(s.Roll-m.prev.Roll), math.Abs(s.Pitch-m.prev.Pitch))
		if d > m.cfg.ShakeDegrees {
			out = append(out, events.IMUPayload{Motion: MotionShake, Magnitude: d})
		}
	}
	// at rest the accelerometer reads 1g
	if a := norm3(s.Accel); m.cfg.PickupG > 0 && a > 0 && math.Abs(a-1) > m.cfg.PickupG {
		out = append(out, events.IMUPayload{Motion: MotionPickup, Magnitude: math.Abs(a - 1)})
	}
	return out
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Idle reports whether no motion was detected within d.
func (m *IMUMonitor) Idle(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMotion.IsZero() || m.clock.Now().Sub(m.lastMotion) >= d
}

// Alive reports whether a sample arrived within StaleAfter.
func (m *IMUMonitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := m.cfg.StaleAfter
	if stale <= 0 {
		stale = DefaultIMUConfig().StaleAfter
	}
	return m.alive(stale)
}
