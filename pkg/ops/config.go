package ops

import (
	"errors"
	"fmt"
	"time"
)

// MinTickInterval is the floor applied to Config.TickInterval.
const MinTickInterval = 200 * time.Millisecond

// Budgets are rolling ceilings the loop enforces on itself. Zero means
// unlimited.
type Budgets struct {
	SensorReadsPerMinute int `yaml:"sensor_reads_per_minute"`
	LogsPerMinute        int `yaml:"logs_per_minute"`
	GesturesPerHour      int `yaml:"gestures_per_hour"`
}

// GestureConfig gates micro-presence gestures.
type GestureConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`

	// BatteryMin is a charge fraction in [0,1].
	BatteryMin float64       `yaml:"battery_min"`
	Allowed    []Status      `yaml:"allowed_statuses"`
	IdleFor    time.Duration `yaml:"idle_for"`
}

// NetworkConfig enables the outbound connectivity probe.
type NetworkConfig struct {
	Enabled bool          `yaml:"enabled"`
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config configures the orchestrator loop.
type Config struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	Debounce            time.Duration `yaml:"debounce"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	EventTTL            time.Duration `yaml:"event_ttl"`
	HealthAlertCooldown time.Duration `yaml:"health_alert_cooldown"`
	Budgets             Budgets       `yaml:"budgets"`
	Gesture             GestureConfig `yaml:"gesture"`
	Network             NetworkConfig `yaml:"network"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Second,
		HeartbeatInterval:   30 * time.Second,
		Debounce:            2 * time.Second,
		ProbeTimeout:        2 * time.Second,
		EventTTL:            30 * time.Second,
		HealthAlertCooldown: 120 * time.Second,
		Gesture: GestureConfig{
			MinInterval: 60 * time.Second,
			MaxInterval: 180 * time.Second,
			BatteryMin:  0.2,
			Allowed:     []Status{StatusOK, StatusDegraded},
			IdleFor:     10 * time.Second,
		},
		Network: NetworkConfig{Host: "generativelanguage.googleapis.com", Timeout: 2 * time.Second},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.TickInterval < 0 || c.HeartbeatInterval < 0 || c.Debounce < 0 {
		errs = append(errs, errors.New("ops: intervals must not be negative"))
	}
	b := c.Budgets
	if b.SensorReadsPerMinute < 0 || b.LogsPerMinute < 0 || b.GesturesPerHour < 0 {
		errs = append(errs, errors.New("ops: budgets must not be negative"))
	}
	g := c.Gesture
	if g.MinInterval > g.MaxInterval {
		errs = append(errs, fmt.Errorf("ops: gesture min_interval %s exceeds max_interval %s", g.MinInterval, g.MaxInterval))
	}
	if g.BatteryMin < 0 || g.BatteryMin > 1 {
		errs = append(errs, fmt.Errorf("ops: gesture battery_min %.2f outside [0,1]", g.BatteryMin))
	}
	for _, s := range g.Allowed {
		if _, err := ParseStatus(string(s)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Network.Enabled && c.Network.Host == "" {
		errs = append(errs, errors.New("ops: network probe enabled without a host"))
	}
	return errors.Join(errs...)
}

// normalized clamps the loop timings the way the loop expects them.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	c.TickInterval = max(c.TickInterval, MinTickInterval)
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	c.HeartbeatInterval = max(c.HeartbeatInterval, c.TickInterval)
	if c.EventTTL <= 0 {
		c.EventTTL = d.EventTTL
	}
	if c.HealthAlertCooldown <= 0 {
		c.HealthAlertCooldown = d.HealthAlertCooldown
	}
	if c.Gesture.MinInterval <= 0 {
		c.Gesture.MinInterval = 100 * time.Millisecond
	}
	c.Gesture.MaxInterval = max(c.Gesture.MaxInterval, c.Gesture.MinInterval)
	if len(c.Gesture.Allowed) == 0 {
		c.Gesture.Allowed = d.Gesture.Allowed
	}
	return c
}
