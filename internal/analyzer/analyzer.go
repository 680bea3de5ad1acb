// Package analyzer is the batch statistical engine over execution
// facts. It produces reports and recommendations; it never mutates
// state.
package analyzer

import (
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region config

// Config bounds the analyzer's statistical decisions.
type Config struct {
	MinExecutions      int     // below this, analysis short-circuits
	MinGroupSize       int     // minimum partition size for correlation
	DeviationThreshold float64 // success-rate deviation marking a group significant
	OutlierZ           float64 // |z| threshold for outlier flagging
	ReductionFactor    float64 // recommend only if candidate < factor * current
	ConfidenceScale    int     // sample size at which confidence saturates
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		MinExecutions:      10,
		MinGroupSize:       5,
		DeviationThreshold: 0.15,
		OutlierZ:           2.5,
		ReductionFactor:    0.7,
		ConfidenceScale:    100,
	}
}

// #endregion

// #region report

// Recommendation proposes a timeout candidate derived from the
// duration distribution.
type Recommendation struct {
	Kind        store.InsightKind
	CurrentMs   float64
	CandidateMs float64
	Confidence  float64
	Reason      string
}

// Report is the structured output of one analysis pass.
type Report struct {
	Rule            string
	Sufficient      bool
	SampleSize      int
	Stats           DurationStats
	Outliers        []Outlier
	Groups          []GroupRate
	Recommendations []Recommendation
	GeneratedAt     time.Time
}

// TimeoutPayload is the insight payload for timeout recommendations.
type TimeoutPayload struct {
	CurrentMs   float64 `json:"current_ms"`
	CandidateMs float64 `json:"candidate_ms"`
	P99Ms       float64 `json:"p99_ms"`
	MeanMs      float64 `json:"mean_ms"`
	SampleSize  int     `json:"sample_size"`
}

// CorrelationPayload is the insight payload for significant group
// deviations.
type CorrelationPayload struct {
	Dimension   string  `json:"dimension"`
	Key         string  `json:"key"`
	SuccessRate float64 `json:"success_rate"`
	Overall     float64 `json:"overall"`
	Count       int     `json:"count"`
}

// AnomalyPayload is the insight payload for outlier clusters.
type AnomalyPayload struct {
	OutlierCount int     `json:"outlier_count"`
	SampleSize   int     `json:"sample_size"`
	MaxZScore    float64 `json:"max_z_score"`
}

// #endregion

// #region analyze

// Analyze runs the full statistical pass over the most recent
// executions of one rule. currentTimeout bounds the timeout
// recommendation; pass 0 to skip it.
func Analyze(rule string, records []store.ExecutionRecord, currentTimeout time.Duration, cfg Config) Report {
	report := Report{
		Rule:        rule,
		SampleSize:  len(records),
		GeneratedAt: time.Now().UTC(),
	}
	if len(records) < cfg.MinExecutions {
		return report
	}
	report.Sufficient = true

	durations := make([]float64, len(records))
	for i, r := range records {
		durations[i] = float64(r.Duration) / float64(time.Millisecond)
	}

	report.Stats = ComputeDurationStats(durations)
	report.Outliers = DetectOutliers(durations, report.Stats, cfg.OutlierZ)
	report.Groups = CorrelateSuccess(records, cfg.MinGroupSize, cfg.DeviationThreshold)

	if rec, ok := recommendTimeout(report.Stats, currentTimeout, cfg); ok {
		report.Recommendations = append(report.Recommendations, rec)
	}

	return report
}

// recommendTimeout derives the candidate max(p99*1.2, mean+3*stddev)
// and proposes a reduction only when it undercuts the current timeout
// by the configured factor. Confidence grows with sample size.
func recommendTimeout(stats DurationStats, current time.Duration, cfg Config) (Recommendation, bool) {
	if current <= 0 || stats.Count == 0 {
		return Recommendation{}, false
	}
	currentMs := float64(current) / float64(time.Millisecond)
	candidate := math.Max(stats.P99*1.2, stats.Mean+3*stats.StdDev)
	if candidate >= cfg.ReductionFactor*currentMs {
		return Recommendation{}, false
	}
	confidence := float64(stats.Count) / float64(cfg.ConfidenceScale)
	if confidence > 1 {
		confidence = 1
	}
	return Recommendation{
		Kind:        store.InsightTimeoutOptimization,
		CurrentMs:   currentMs,
		CandidateMs: candidate,
		Confidence:  confidence,
		Reason:      "observed durations leave headroom under the current timeout",
	}, true
}

// #endregion
