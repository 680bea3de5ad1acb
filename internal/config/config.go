// Package config provides configuration loading for adaptive-guard.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces every environment variable read by Load.
const envPrefix = "ADAPTIVE_GUARD_"

// Config is the full runtime configuration.
//
// Every field can be overridden through the environment with the
// ADAPTIVE_GUARD_ prefix and the uppercased field name:
//
//	ADAPTIVE_GUARD_DB_PATH            -> db_path
//	ADAPTIVE_GUARD_OPTIMIZE_EVERY_N   -> optimize_every_n
//	ADAPTIVE_GUARD_ROLLBACK_THRESHOLD -> rollback_threshold
type Config struct {
	DBPath          string `koanf:"db_path"`
	LearningEnabled bool   `koanf:"learning_enabled"`
	AsyncLearning   bool   `koanf:"async_learning"`

	MinExecutionsForPatterns      int     `koanf:"min_executions_for_patterns"`
	MinConfidenceForInsights      float64 `koanf:"min_confidence_for_insights"`
	MaxParameterChangeRate        float64 `koanf:"max_parameter_change_rate"`
	PatternEffectivenessThreshold float64 `koanf:"pattern_effectiveness_threshold"`

	OptimizationCooldown time.Duration `koanf:"optimization_cooldown"`
	OptimizeEveryN       int           `koanf:"optimize_every_n"`
	RollbackThreshold    float64       `koanf:"rollback_threshold"`
	MonitorWindow        time.Duration `koanf:"monitor_window"`
	CheckInterval        time.Duration `koanf:"check_interval"`

	RetentionDays int `koanf:"retention_days"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// DefaultConfig returns the hardcoded defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:          "adaptive-guard.db",
		LearningEnabled: true,
		AsyncLearning:   true,

		MinExecutionsForPatterns:      10,
		MinConfidenceForInsights:      0.7,
		MaxParameterChangeRate:        0.2,
		PatternEffectivenessThreshold: 0.7,

		OptimizationCooldown: time.Hour,
		OptimizeEveryN:       25,
		RollbackThreshold:    0.15,
		MonitorWindow:        time.Hour,
		CheckInterval:        time.Minute,

		RetentionDays: 30,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults overridden by
// environment variables.
//
// Environment variables are uppercased field names under the
// ADAPTIVE_GUARD_ prefix: ADAPTIVE_GUARD_DB_PATH, ADAPTIVE_GUARD_LOG_LEVEL.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults restores defaults for zeroed fields, whether zeroed by
// the override layer or left unset on a hand-built Config.
func ApplyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.MinExecutionsForPatterns <= 0 {
		cfg.MinExecutionsForPatterns = def.MinExecutionsForPatterns
	}
	if cfg.MinConfidenceForInsights <= 0 {
		cfg.MinConfidenceForInsights = def.MinConfidenceForInsights
	}
	if cfg.MaxParameterChangeRate <= 0 {
		cfg.MaxParameterChangeRate = def.MaxParameterChangeRate
	}
	if cfg.PatternEffectivenessThreshold <= 0 {
		cfg.PatternEffectivenessThreshold = def.PatternEffectivenessThreshold
	}
	if cfg.OptimizationCooldown <= 0 {
		cfg.OptimizationCooldown = def.OptimizationCooldown
	}
	if cfg.OptimizeEveryN <= 0 {
		cfg.OptimizeEveryN = def.OptimizeEveryN
	}
	if cfg.RollbackThreshold <= 0 {
		cfg.RollbackThreshold = def.RollbackThreshold
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = def.MonitorWindow
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
}

// Validate rejects configurations that would make the control loop
// unsafe or meaningless.
func (c Config) Validate() error {
	if c.MaxParameterChangeRate <= 0 || c.MaxParameterChangeRate >= 1 {
		return fmt.Errorf("max_parameter_change_rate must be in (0, 1), got %v", c.MaxParameterChangeRate)
	}
	if c.RollbackThreshold <= 0 || c.RollbackThreshold >= 1 {
		return fmt.Errorf("rollback_threshold must be in (0, 1), got %v", c.RollbackThreshold)
	}
	if c.MinConfidenceForInsights < 0 || c.MinConfidenceForInsights > 1 {
		return fmt.Errorf("min_confidence_for_insights must be in [0, 1], got %v", c.MinConfidenceForInsights)
	}
	if c.PatternEffectivenessThreshold <= 0 || c.PatternEffectivenessThreshold > 1 {
		return fmt.Errorf("pattern_effectiveness_threshold must be in (0, 1], got %v", c.PatternEffectivenessThreshold)
	}
	if c.CheckInterval > c.MonitorWindow {
		return fmt.Errorf("check_interval %v exceeds monitor_window %v", c.CheckInterval, c.MonitorWindow)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
