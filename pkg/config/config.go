// Package config loads the reflex configuration: a YAML file applied over
// Default, then REFLEX_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/reflex/pkg/alerts"
	"github.com/Mindburn-Labs/reflex/pkg/events"
	"github.com/Mindburn-Labs/reflex/pkg/governance"
	"github.com/Mindburn-Labs/reflex/pkg/injector"
	"github.com/Mindburn-Labs/reflex/pkg/observability"
	"github.com/Mindburn-Labs/reflex/pkg/ops"
	"github.com/Mindburn-Labs/reflex/pkg/reflection"
	"github.com/Mindburn-Labs/reflex/pkg/sensors"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

// SupportedVersions is the config schema range this build reads.
const SupportedVersions = ">=1.0.0, <2.0.0"

// CurrentVersion is written by Default.
const CurrentVersion = "1.0.0"

var ErrUnsupportedVersion = errors.New("config: unsupported schema version")

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type BusConfig struct {
	Capacity int `yaml:"capacity"`
}

type SessionConfig struct {
	QueryWindow time.Duration       `yaml:"query_window"`
	Topics      map[string][]string `yaml:"topics"`
}

// BudgetConfig selects where keyed budgets live.
type BudgetConfig struct {
	Store         string `yaml:"store"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type AuditConfig struct {
	// Path appends the audit chain as JSON lines. Empty keeps it in memory.
	Path string `yaml:"path"`
}

type ReflectionConfig struct {
	reflection.Config `yaml:",inline"`

	Store    string `yaml:"store"` // "memory", "sqlite" or "postgres"
	DSN      string `yaml:"dsn"`
	Capacity int    `yaml:"capacity"`

	// GenAIAPIKey enables the Gemini generator; without it reflections use
	// the heuristic generator.
	GenAIAPIKey string `yaml:"genai_api_key"`
}

type SensorsConfig struct {
	Battery sensors.BatteryConfig `yaml:"battery"`
	IMU     sensors.IMUConfig     `yaml:"imu"`
}

// Config is the whole runtime configuration.
type Config struct {
	Version    string                `yaml:"version"`
	Log        LogConfig             `yaml:"log"`
	Bus        BusConfig             `yaml:"bus"`
	Alerts     alerts.Config         `yaml:"alerts"`
	Injector   injector.Config       `yaml:"injector"`
	Session    SessionConfig         `yaml:"session"`
	Governance governance.Config     `yaml:"governance"`
	Tools      []governance.ToolSpec `yaml:"tools"`
	Audit      AuditConfig           `yaml:"audit"`
	Reflection ReflectionConfig      `yaml:"reflection"`
	Sensors    SensorsConfig         `yaml:"sensors"`
	Ops        ops.Config            `yaml:"ops"`
	Budget     BudgetConfig          `yaml:"budget"`
	Telemetry  observability.Config  `yaml:"telemetry"`
}

// Default returns a runnable configuration with every component at its
// package default.
func Default() Config {
	return Config{
		Version:    CurrentVersion,
		Log:        LogConfig{Level: "info", Format: "text"},
		Bus:        BusConfig{Capacity: events.DefaultCapacity},
		Alerts:     alerts.DefaultConfig(),
		Injector:   injector.DefaultConfig(),
		Session:    SessionConfig{QueryWindow: session.DefaultQueryWindow},
		Governance: governance.DefaultConfig(),
		Reflection: ReflectionConfig{
			Config:   reflection.DefaultConfig(),
			Store:    "memory",
			Capacity: 100,
		},
		Sensors: SensorsConfig{
			Battery: sensors.DefaultBatteryConfig(),
			IMU:     sensors.DefaultIMUConfig(),
		},
		Ops:       ops.DefaultConfig(),
		Budget:    BudgetConfig{Store: "memory", RedisAddr: "localhost:6379"},
		Telemetry: observability.DefaultConfig(),
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWithProfile(path, "", "")
}

// Parse decodes data over Default without touching the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides selected fields from REFLEX_* variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	if v := os.Getenv("REFLEX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("REFLEX_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("REFLEX_REDIS_ADDR"); v != "" {
		c.Budget.Store = "redis"
		c.Budget.RedisAddr = v
	}
	if v := os.Getenv("REFLEX_REFLECTION_DSN"); v != "" {
		c.Reflection.DSN = v
		if c.Reflection.Store == "memory" {
			c.Reflection.Store = storeForDSN(v)
		}
	}
	if v := os.Getenv("REFLEX_GENAI_API_KEY"); v != "" {
		c.Reflection.GenAIAPIKey = v
	}
	if v := os.Getenv("REFLEX_APPROVAL_SECRET"); v != "" {
		c.Governance.ApprovalSecret = v
	}
	if v := os.Getenv("REFLEX_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("REFLEX_AUTONOMY_LEVEL"); v != "" {
		c.Governance.Level = governance.Level(v)
	}
	if v := os.Getenv("REFLEX_OPS_TICK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REFLEX_OPS_TICK: %w", err))
		} else {
			c.Ops.TickInterval = d
		}
	}
	if v := os.Getenv("REFLEX_REFLECTION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REFLEX_REFLECTION_ENABLED: %w", err))
		} else {
			c.Reflection.Enabled = b
		}
	}
	return errors.Join(errs...)
}

func storeForDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// CheckVersion verifies v against SupportedVersions.
func CheckVersion(v string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedVersion, v, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, v, SupportedVersions)
	}
	return nil
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var errs []error
	if err := CheckVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Bus.Capacity <= 0 {
		errs = append(errs, errors.New("bus.capacity must be positive"))
	}
	if c.Injector.GlobalPerMinute < 0 || c.Injector.AICallsPerMinute < 0 {
		errs = append(errs, errors.New("injector: per-minute limits must not be negative"))
	}
	if err := c.Governance.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("governance: %w", err))
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tools[%d]: name required", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate tool %q", i, t.Name))
		}
		seen[t.Name] = true
		if !t.Tier.Valid() {
			errs = append(errs, fmt.Errorf("tools[%d]: %q has invalid tier %q", i, t.Name, t.Tier))
		}
	}
	switch c.Reflection.Store {
	case "memory":
	case "sqlite", "postgres":
		if c.Reflection.DSN == "" {
			errs = append(errs, fmt.Errorf("reflection: store %s needs a dsn", c.Reflection.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("reflection.store: unknown store %q", c.Reflection.Store))
	}
	if c.Reflection.MinInterval < 0 || c.Reflection.Timeout < 0 {
		errs = append(errs, errors.New("reflection: durations must not be negative"))
	}
	if err := c.Sensors.Battery.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sensors.battery: %w", err))
	}
	if err := c.Ops.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Budget.Store {
	case "memory":
	case "redis":
		if c.Budget.RedisAddr == "" {
			errs = append(errs, errors.New("budget: redis store needs redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("budget.store: unknown store %q", c.Budget.Store))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be within [0,1]"))
	}
	return errors.Join(errs...)
}
