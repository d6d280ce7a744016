package injector

import "time"

// TriggerLimit bounds how often one trigger may request a response.
type TriggerLimit struct {
	Cooldown  time.Duration `yaml:"cooldown"`
	PerMinute int           `yaml:"per_minute"`
}

// Config tunes the injector.
type Config struct {
	// Triggers holds per-trigger limits. Triggers without an entry use
	// DefaultTrigger.
	Triggers       map[string]TriggerLimit `yaml:"triggers"`
	DefaultTrigger TriggerLimit            `yaml:"default_trigger"`

	GlobalCooldown  time.Duration `yaml:"global_cooldown"`
	GlobalPerMinute int           `yaml:"global_per_minute"`

	// AICallsPerMinute caps response requests that cost an inference call.
	// Speech-sourced events are exempt.
	AICallsPerMinute int `yaml:"ai_calls_per_minute"`

	// QuotaReset is how long an exhausted quota suppresses responses when
	// the session did not report its own reset time.
	QuotaReset time.Duration `yaml:"quota_reset"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRequeues  int           `yaml:"max_requeues"`

	// DeliveryRate paces deliveries in events per second.
	DeliveryRate  float64 `yaml:"delivery_rate"`
	DeliveryBurst int     `yaml:"delivery_burst"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Triggers: map[string]TriggerLimit{
			"battery.status":   {Cooldown: 60 * time.Second, PerMinute: 2},
			"imu.motion":       {Cooldown: 20 * time.Second, PerMinute: 3},
			"vision.detection": {Cooldown: 30 * time.Second, PerMinute: 2},
		},
		DefaultTrigger:   TriggerLimit{Cooldown: 10 * time.Second, PerMinute: 6},
		GlobalCooldown:   5 * time.Second,
		GlobalPerMinute:  6,
		AICallsPerMinute: 20,
		QuotaReset:       60 * time.Second,
		PollInterval:     250 * time.Millisecond,
		MaxRequeues:      20,
		DeliveryRate:     10,
		DeliveryBurst:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QuotaReset <= 0 {
		c.QuotaReset = d.QuotaReset
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = d.MaxRequeues
	}
	if c.DeliveryRate <= 0 {
		c.DeliveryRate = d.DeliveryRate
	}
	if c.DeliveryBurst <= 0 {
		c.DeliveryBurst = d.DeliveryBurst
	}
	return c
}

func (c Config) limitFor(trigger string) TriggerLimit {
	if l, ok := c.Triggers[trigger]; ok {
		return l
	}
	return c.DefaultTrigger
}
