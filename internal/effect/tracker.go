// Package effect maintains per-pattern confusion matrices from
// validated enforcement decisions. Ground truth never comes from the
// rule itself: validation arrives through an explicit feedback call
// (user override, audit), keyed by the decision id handed out at
// decision time.
package effect

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/capture"
	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region config

// Config bounds the tracker's cache and health checks.
type Config struct {
	CacheSize       int     // in-flight decision cache capacity
	MinObservations int64   // observations before health is judged
	PrecisionFloor  float64 // precision below this emits a degradation insight
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:       1000,
		MinObservations: 20,
		PrecisionFloor:  0.5,
	}
}

// #endregion

// #region tracker

// pending is one decision awaiting ground-truth validation.
type pending struct {
	rule     string
	blocked  bool
	patterns []capture.Pattern
	at       time.Time
}

// Tracker converts (predicted decision, actual outcome) pairs into
// confusion-matrix increments per active pattern. The in-flight cache
// is a bounded LRU: old unvalidated decisions are evicted silently and
// their late validations become no-ops.
type Tracker struct {
	store *store.Store
	cache *lru.Cache[string, pending]
	log   *zap.Logger
	cfg   Config
}

// New creates a Tracker over the given store.
func New(st *store.Store, logger *zap.Logger, cfg Config) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	cache, err := lru.New[string, pending](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{store: st, cache: cache, log: logger, cfg: cfg}, nil
}

// #endregion

// #region record-decision

// RecordDecision caches an in-flight decision and returns its id for
// later validation.
func (t *Tracker) RecordDecision(rec capture.Record, blocked bool, patterns []capture.Pattern) string {
	id := uuid.New().String()
	t.cache.Add(id, pending{
		rule:     rec.Rule,
		blocked:  blocked,
		patterns: patterns,
		at:       rec.CapturedAt,
	})
	return id
}

// #endregion

// #region validate-decision

// Validation describes one applied ground-truth outcome.
type Validation struct {
	Rule string
	Cell store.Cell
}

// ValidateDecision applies ground truth to a cached decision,
// incrementing the matching confusion cell for every pattern active at
// decision time. Unknown or expired ids return false; validation is
// best-effort, not guaranteed.
func (t *Tracker) ValidateDecision(decisionID string, actualShouldBlock bool) (Validation, bool) {
	p, ok := t.cache.Get(decisionID)
	if !ok {
		return Validation{}, false
	}
	t.cache.Remove(decisionID)

	cell := classify(p.blocked, actualShouldBlock)
	for _, pat := range p.patterns {
		if err := t.store.IncrementEffectiveness(p.rule, pat.Type, pat.Value, cell); err != nil {
			t.log.Warn("effectiveness update failed",
				zap.String("rule", p.rule),
				zap.String("pattern", pat.Type+":"+pat.Value),
				zap.Error(err))
			continue
		}
		t.checkHealth(p.rule, pat)
	}
	return Validation{Rule: p.rule, Cell: cell}, true
}

// classify maps (predicted-blocked, actual-should-block) onto the
// confusion matrix.
func classify(blocked, shouldBlock bool) store.Cell {
	switch {
	case blocked && shouldBlock:
		return store.CellTruePositive
	case blocked && !shouldBlock:
		return store.CellFalsePositive
	case !blocked && !shouldBlock:
		return store.CellTrueNegative
	default:
		return store.CellFalseNegative
	}
}

// #endregion

// #region health

// DegradationPayload is the insight payload for degraded patterns.
type DegradationPayload struct {
	PatternType       string  `json:"pattern_type"`
	PatternKey        string  `json:"pattern_key"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Total             int64   `json:"total"`
}

// checkHealth evaluates one pattern's confusion matrix and emits a
// degradation insight when precision falls below the floor. Duplicate
// insights for a still-pending degradation are suppressed.
func (t *Tracker) checkHealth(rule string, pat capture.Pattern) {
	rows, err := t.store.Effectiveness(rule, pat.Type)
	if err != nil {
		t.log.Warn("health check read failed", zap.String("rule", rule), zap.Error(err))
		return
	}
	for _, row := range rows {
		if row.PatternKey != pat.Value {
			continue
		}
		if row.Total() < t.cfg.MinObservations {
			return
		}
		precision := row.Precision()
		if precision >= t.cfg.PrecisionFloor {
			return
		}
		if t.degradationPending(rule, pat) {
			return
		}

		payload, _ := json.Marshal(DegradationPayload{
			PatternType:       row.PatternType,
			PatternKey:        row.PatternKey,
			Precision:         precision,
			Recall:            row.Recall(),
			FalsePositiveRate: row.FalsePositiveRate(),
			Total:             row.Total(),
		})
		// Degradation confidence grows as precision sinks under the floor.
		confidence := 1 - precision/t.cfg.PrecisionFloor
		if _, err := t.store.InsertInsight(store.Insight{
			Rule:        rule,
			Kind:        store.InsightPatternDegradation,
			PayloadJSON: string(payload),
			Confidence:  confidence,
		}); err != nil {
			t.log.Warn("degradation insight write failed", zap.String("rule", rule), zap.Error(err))
			return
		}
		t.log.Info("pattern degraded",
			zap.String("rule", rule),
			zap.String("pattern", pat.Type+":"+pat.Value),
			zap.Float64("precision", precision),
			zap.Int64("total", row.Total()))
		return
	}
}

// degradationPending reports whether an unapplied degradation insight
// already exists for the same pattern key.
func (t *Tracker) degradationPending(rule string, pat capture.Pattern) bool {
	insights, err := t.store.PendingInsights(rule)
	if err != nil {
		return false
	}
	for _, in := range insights {
		if in.Kind != store.InsightPatternDegradation {
			continue
		}
		var payload DegradationPayload
		if json.Unmarshal([]byte(in.PayloadJSON), &payload) != nil {
			continue
		}
		if payload.PatternType == pat.Type && payload.PatternKey == pat.Value {
			return true
		}
	}
	return false
}

// #endregion

// #region queries

// PatternStats returns confusion matrices for a rule, optionally
// filtered by pattern type.
func (t *Tracker) PatternStats(rule, patternType string) ([]store.PatternEffectiveness, error) {
	return t.store.Effectiveness(rule, patternType)
}

// PendingDecisions returns the number of decisions awaiting
// validation.
func (t *Tracker) PendingDecisions() int {
	return t.cache.Len()
}

// #endregion
