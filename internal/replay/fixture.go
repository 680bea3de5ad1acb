package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-guard/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-guard/internal/tuner"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string             `json:"description"`
	Rule        string             `json:"rule"`
	Config      FixtureConfig      `json:"config"`
	Executions  []FixtureExecution `json:"executions"`
	Expected    *FixtureExpected   `json:"expected,omitempty"`
}

// FixtureExecution is one recorded rule invocation. OffsetMs places it
// on the replay clock relative to the run start, so wall time never
// enters a replay. ActualShouldBlock, when present, is the ground
// truth fed back after the decision.
type FixtureExecution struct {
	Path              string `json:"path"`
	OffsetMs          int64  `json:"offset_ms"`
	DurationMs        int64  `json:"duration_ms"`
	Success           bool   `json:"success"`
	Blocked           bool   `json:"blocked"`
	Error             string `json:"error,omitempty"`
	ActualShouldBlock *bool  `json:"actual_should_block,omitempty"`
}

// FixtureConfig bundles the tunable knobs for a replay run. Zero
// values fall back to the package defaults.
type FixtureConfig struct {
	InitialTimeoutMs float64 `json:"initial_timeout_ms"`
	OptimizeEveryN   int     `json:"optimize_every_n"`
	CheckEveryN      int     `json:"check_every_n"`
	MaxChangeRate    float64 `json:"max_change_rate"`
	CooldownMs       int64   `json:"cooldown_ms"`
	MinExecutions    int     `json:"min_executions"`
}

// FixtureExpected is the optional reference outcome the replayed run
// is compared against.
type FixtureExpected struct {
	MinFinalTimeoutMs float64 `json:"min_final_timeout_ms,omitempty"`
	MaxFinalTimeoutMs float64 `json:"max_final_timeout_ms,omitempty"`
	MinOptimizations  int     `json:"min_optimizations,omitempty"`
	MaxRolledBack     int     `json:"max_rolled_back,omitempty"`
}

// #endregion

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Rule == "" {
		return nil, fmt.Errorf("fixture %s: rule is required", path)
	}
	return &f, nil
}

// ToHarnessConfig converts fixture knobs to a harness configuration,
// filling defaults for omitted fields.
func (fc FixtureConfig) ToHarnessConfig() Config {
	cfg := DefaultConfig()
	if fc.InitialTimeoutMs > 0 {
		cfg.InitialTimeout = time.Duration(fc.InitialTimeoutMs * float64(time.Millisecond))
	}
	if fc.OptimizeEveryN > 0 {
		cfg.OptimizeEveryN = fc.OptimizeEveryN
	}
	if fc.CheckEveryN > 0 {
		cfg.CheckEveryN = fc.CheckEveryN
	}
	if fc.MaxChangeRate > 0 {
		cfg.Tuner.MaxChangeRate = fc.MaxChangeRate
	}
	if fc.CooldownMs > 0 {
		cfg.Tuner.Cooldown = time.Duration(fc.CooldownMs) * time.Millisecond
	}
	if fc.MinExecutions > 0 {
		cfg.Analyzer.MinExecutions = fc.MinExecutions
	}
	return cfg
}

// Check compares a run summary against the fixture's expectations and
// returns the list of divergences, empty when everything matched.
func (e *FixtureExpected) Check(s Summary) []string {
	if e == nil {
		return nil
	}
	var diffs []string
	if e.MinFinalTimeoutMs > 0 && s.FinalTimeoutMs < e.MinFinalTimeoutMs {
		diffs = append(diffs, fmt.Sprintf("final timeout %.0fms below expected minimum %.0fms",
			s.FinalTimeoutMs, e.MinFinalTimeoutMs))
	}
	if e.MaxFinalTimeoutMs > 0 && s.FinalTimeoutMs > e.MaxFinalTimeoutMs {
		diffs = append(diffs, fmt.Sprintf("final timeout %.0fms above expected maximum %.0fms",
			s.FinalTimeoutMs, e.MaxFinalTimeoutMs))
	}
	if started := s.OptimizationsStarted; started < e.MinOptimizations {
		diffs = append(diffs, fmt.Sprintf("%d optimizations started, expected at least %d",
			started, e.MinOptimizations))
	}
	if e.MaxRolledBack > 0 && s.RolledBack > e.MaxRolledBack {
		diffs = append(diffs, fmt.Sprintf("%d rollbacks, expected at most %d",
			s.RolledBack, e.MaxRolledBack))
	}
	return diffs
}

// #endregion

// #region defaults

// Config bundles the sub-configs for one replay run.
type Config struct {
	InitialTimeout time.Duration
	OptimizeEveryN int
	CheckEveryN    int
	Tuner          tuner.Config
	Analyzer       analyzer.Config
}

// DefaultConfig returns replay defaults matching the live defaults.
func DefaultConfig() Config {
	return Config{
		InitialTimeout: 3 * time.Second,
		OptimizeEveryN: 25,
		CheckEveryN:    10,
		Tuner:          tuner.DefaultConfig(),
		Analyzer:       analyzer.DefaultConfig(),
	}
}

// #endregion
