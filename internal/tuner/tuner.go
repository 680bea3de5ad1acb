// Package tuner owns the live parameter set per rule and proposes
// bounded, gradually-applied changes from analyzer and tracker output.
package tuner

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region config

// Parameter names managed by the tuner.
const (
	ParamTimeoutMs      = "timeout_ms"
	sensitivityPrefix   = "sensitivity:"
	SensitivityStandard = "standard"
	SensitivityReduced  = "reduced"
	defaultTimeout      = 3 * time.Second
)

// Config bounds how far and how often parameters may move.
type Config struct {
	MaxChangeRate   float64       // per-step cap as a fraction of current value
	MinDeltaMs      float64       // smaller timeout deltas are churn, skipped
	Cooldown        time.Duration // one optimization per parameter per window
	MinObservations int64         // effectiveness rows below this are not refined
	PrecisionFloor  float64       // precision below this triggers refinement
}

// DefaultConfig returns the tuner defaults.
func DefaultConfig() Config {
	return Config{
		MaxChangeRate:   0.2,
		MinDeltaMs:      50,
		Cooldown:        time.Hour,
		MinObservations: 20,
		PrecisionFloor:  0.5,
	}
}

// #endregion

// #region tuner

// Tuner applies parameter changes through the store, one bounded step
// at a time.
type Tuner struct {
	store *store.Store
	log   *zap.Logger
	cfg   Config
	now   func() time.Time

	// CooldownSkips counts optimization attempts silently skipped
	// inside a cooldown window.
	CooldownSkips atomic.Int64
}

// New creates a Tuner over the given store.
func New(st *store.Store, logger *zap.Logger, cfg Config) *Tuner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tuner{store: st, log: logger, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source, for replay.
func (t *Tuner) SetClock(now func() time.Time) { t.now = now }

// #endregion

// #region timeout-parameter

// CurrentTimeout reads a rule's timeout, creating the default on first
// use.
func (t *Tuner) CurrentTimeout(rule string) (time.Duration, error) {
	p, err := t.store.GetParameter(rule, ParamTimeoutMs)
	if errors.Is(err, store.ErrNotFound) {
		p = store.Parameter{
			Rule:  rule,
			Name:  ParamTimeoutMs,
			Kind:  store.KindDurationMs,
			Value: formatMs(float64(defaultTimeout) / float64(time.Millisecond)),
		}
		if err := t.store.SetParameter(p); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseFloat(p.Value, 64)
	if err != nil || ms <= 0 {
		return defaultTimeout, nil
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// #endregion

// #region optimize-timeout

// OptimizeTimeout applies the report's timeout recommendation as one
// gradual step: the delta is capped at MaxChangeRate of the current
// value, deltas under MinDeltaMs are dropped as churn, and attempts
// inside the cooldown window are skipped. Returns the created
// optimization record, or nil when nothing was applied.
func (t *Tuner) OptimizeTimeout(rule string, report analyzer.Report) (*store.Optimization, error) {
	var rec *analyzer.Recommendation
	for i := range report.Recommendations {
		if report.Recommendations[i].Kind == store.InsightTimeoutOptimization {
			rec = &report.Recommendations[i]
			break
		}
	}
	if rec == nil {
		return nil, nil
	}

	if t.inCooldown(rule, ParamTimeoutMs) {
		return nil, nil
	}

	current, err := t.CurrentTimeout(rule)
	if err != nil {
		return nil, err
	}
	currentMs := float64(current) / float64(time.Millisecond)

	delta := rec.CandidateMs - currentMs
	maxStep := t.cfg.MaxChangeRate * currentMs
	if math.Abs(delta) > maxStep {
		delta = math.Copysign(maxStep, delta)
	}
	if math.Abs(delta) < t.cfg.MinDeltaMs {
		return nil, nil
	}
	newMs := currentMs + delta

	oldValue := formatMs(currentMs)
	newValue := formatMs(newMs)
	if err := t.applyChange(rule, ParamTimeoutMs, store.KindDurationMs, oldValue, newValue,
		rec.Confidence, rec.Reason); err != nil {
		return nil, err
	}

	opt := store.Optimization{
		ID:             uuid.New().String(),
		Rule:           rule,
		Parameter:      ParamTimeoutMs,
		Kind:           store.KindGradual,
		OldValue:       oldValue,
		CandidateValue: newValue,
		Status:         store.StatusActive,
		CreatedAt:      t.now().UTC(),
	}
	if err := t.store.InsertOptimization(opt); err != nil {
		return nil, err
	}

	t.log.Info("timeout optimized",
		zap.String("rule", rule),
		zap.String("old", oldValue),
		zap.String("new", newValue),
		zap.Float64("confidence", rec.Confidence))
	return &opt, nil
}

// #endregion

// #region refine-patterns

// RefinePatterns reduces sensitivity for each degraded pattern key,
// scoped to that key only. Returns the applied changes.
func (t *Tuner) RefinePatterns(rule string, rows []store.PatternEffectiveness) ([]store.ParameterChange, error) {
	var applied []store.ParameterChange
	for _, row := range rows {
		if row.Total() < t.cfg.MinObservations || row.Precision() >= t.cfg.PrecisionFloor {
			continue
		}
		param := sensitivityPrefix + row.PatternType + ":" + row.PatternKey

		current, err := t.store.GetParameter(rule, param)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return applied, err
		}
		if current.Value == SensitivityReduced {
			continue
		}
		if t.inCooldown(rule, param) {
			continue
		}

		oldValue := current.Value
		if oldValue == "" {
			oldValue = SensitivityStandard
		}
		reason := fmt.Sprintf("precision %.2f below %.2f over %d observations",
			row.Precision(), t.cfg.PrecisionFloor, row.Total())
		if err := t.applyChange(rule, param, store.KindEnum, oldValue, SensitivityReduced,
			row.Precision(), reason); err != nil {
			return applied, err
		}

		ch, err := t.store.LastChange(rule, param)
		if err == nil {
			applied = append(applied, ch)
		}
		t.log.Info("pattern sensitivity reduced",
			zap.String("rule", rule),
			zap.String("parameter", param),
			zap.String("reason", reason))
	}
	return applied, nil
}

// #endregion

// #region helpers

// inCooldown reports whether the parameter changed within the cooldown
// window, counting and logging the skip.
func (t *Tuner) inCooldown(rule, parameter string) bool {
	last, err := t.store.LastChange(rule, parameter)
	if err != nil {
		return false
	}
	if t.now().Sub(last.CreatedAt) >= t.cfg.Cooldown {
		return false
	}
	t.CooldownSkips.Add(1)
	t.log.Debug("optimization skipped, cooldown active",
		zap.String("rule", rule),
		zap.String("parameter", parameter),
		zap.Time("last_change", last.CreatedAt))
	return true
}

// applyChange writes the new value and its audit row.
func (t *Tuner) applyChange(rule, parameter string, kind store.ParamKind, oldValue, newValue string, confidence float64, reason string) error {
	if err := t.store.SetParameter(store.Parameter{
		Rule:        rule,
		Name:        parameter,
		Kind:        kind,
		Value:       newValue,
		LastUpdated: t.now().UTC(),
	}); err != nil {
		return fmt.Errorf("apply %s: %w", parameter, err)
	}
	if _, err := t.store.InsertChange(store.ParameterChange{
		Rule:       rule,
		Parameter:  parameter,
		OldValue:   oldValue,
		NewValue:   newValue,
		Confidence: confidence,
		Reason:     reason,
		CreatedAt:  t.now().UTC(),
	}); err != nil {
		return fmt.Errorf("audit %s: %w", parameter, err)
	}
	return nil
}

func formatMs(ms float64) string {
	return strconv.FormatFloat(ms, 'f', -1, 64)
}

// #endregion
