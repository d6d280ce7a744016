package governance

import (
	"errors"
	"fmt"
	"time"
)

// Config is the governance policy surface.
type Config struct {
	// Policies maps each tier to its mode. A tier with no entry is not
	// covered and its tools are refused.
	Policies map[Tier]Mode `yaml:"policies"`
	// DefaultTier governs unregistered tools. Empty refuses them.
	DefaultTier Tier  `yaml:"default_tier"`
	Level       Level `yaml:"level"`

	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	StopWords    []string      `yaml:"stop_words"`
	StopCooldown time.Duration `yaml:"stop_cooldown"`

	Scheduled []ScheduledWindow `yaml:"scheduled_windows"`
	// Location is the IANA zone scheduled windows are expressed in.
	Location string `yaml:"location"`

	// Whitelist holds CEL rules admitting stateful calls inside windows.
	Whitelist []string `yaml:"whitelist"`

	RiskThreshold      float64       `yaml:"risk_threshold"`
	ToolCallsPerMinute int           `yaml:"tool_calls_per_minute"`
	ExpensivePerDay    int           `yaml:"expensive_calls_per_day"`
	DuplicateWindow    time.Duration `yaml:"duplicate_window"`

	// ApprovalSecret signs out-of-band approval tokens. Empty disables them.
	ApprovalSecret string `yaml:"approval_secret"`
}

func DefaultConfig() Config {
	return Config{
		Policies:           DefaultPolicies(),
		Level:              LevelAssist,
		ApprovalTimeout:    90 * time.Second,
		StopWords:          DefaultStopWords,
		StopCooldown:       10 * time.Second,
		Location:           "UTC",
		RiskThreshold:      DefaultRiskThreshold,
		ToolCallsPerMinute: 10,
		ExpensivePerDay:    50,
		DuplicateWindow:    30 * time.Second,
	}
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var errs []error
	for tier, mode := range c.Policies {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("policies: unknown tier %q", tier))
		}
		switch mode {
		case ModeAuto, ModeWindow, ModeApproval, ModeDeny:
		default:
			errs = append(errs, fmt.Errorf("policies: tier %s has unknown mode %q", tier, mode))
		}
	}
	if c.DefaultTier != "" && !c.DefaultTier.Valid() {
		errs = append(errs, fmt.Errorf("default_tier: unknown tier %q", c.DefaultTier))
	}
	switch c.Level {
	case "", LevelObserveOnly, LevelAssist, LevelActWithBounds:
	default:
		errs = append(errs, fmt.Errorf("level: unknown autonomy level %q", c.Level))
	}
	if c.ApprovalTimeout <= 0 {
		errs = append(errs, errors.New("approval_timeout must be positive"))
	}
	if c.StopCooldown < 0 {
		errs = append(errs, errors.New("stop_cooldown must not be negative"))
	}
	for i, s := range c.Scheduled {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scheduled_windows[%d]: %w", i, err))
		}
	}
	if c.Location != "" {
		if _, err := time.LoadLocation(c.Location); err != nil {
			errs = append(errs, fmt.Errorf("location: %w", err))
		}
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		errs = append(errs, errors.New("risk_threshold must be within [0,1]"))
	}
	return errors.Join(errs...)
}
