package store

import "time"

// #region execution-record

// ExecutionRecord is one immutable rule invocation fact.
type ExecutionRecord struct {
	ID          int64
	Rule        string
	Timestamp   time.Time
	Duration    time.Duration
	Success     bool
	Blocked     bool
	Path        string
	Extension   string
	Fingerprint string
	ErrorText   string
}

// #endregion

// #region pattern-stat

// PatternStat aggregates counters for one (rule, pattern-type, pattern-value) triple.
type PatternStat struct {
	Rule          string
	PatternType   string
	PatternValue  string
	Total         int64
	Successes     int64
	Blocks        int64
	DurationSumMs float64
	LastSeen      time.Time
}

// SuccessRate returns successes/total, or 0 with no observations.
func (p PatternStat) SuccessRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Total)
}

// AvgDurationMs returns the running average duration in milliseconds.
func (p PatternStat) AvgDurationMs() float64 {
	if p.Total == 0 {
		return 0
	}
	return p.DurationSumMs / float64(p.Total)
}

// #endregion

// #region effectiveness

// Cell names one confusion-matrix counter.
type Cell string

const (
	CellTruePositive  Cell = "tp"
	CellFalsePositive Cell = "fp"
	CellTrueNegative  Cell = "tn"
	CellFalseNegative Cell = "fn"
)

// PatternEffectiveness is the confusion matrix for one
// (rule, pattern-type, pattern-key) triple. Precision, recall and
// false-positive rate are always recomputed from the raw counters.
type PatternEffectiveness struct {
	Rule           string
	PatternType    string
	PatternKey     string
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
	LastUpdated    time.Time
}

// Total returns the number of validated decisions for this pattern.
func (p PatternEffectiveness) Total() int64 {
	return p.TruePositives + p.FalsePositives + p.TrueNegatives + p.FalseNegatives
}

// Precision returns tp/(tp+fp), or 0 when the pattern never blocked.
func (p PatternEffectiveness) Precision() float64 {
	denom := p.TruePositives + p.FalsePositives
	if denom == 0 {
		return 0
	}
	return float64(p.TruePositives) / float64(denom)
}

// Recall returns tp/(tp+fn), or 0 when nothing should have been blocked.
func (p PatternEffectiveness) Recall() float64 {
	denom := p.TruePositives + p.FalseNegatives
	if denom == 0 {
		return 0
	}
	return float64(p.TruePositives) / float64(denom)
}

// FalsePositiveRate returns fp/(fp+tn), or 0 without negatives.
func (p PatternEffectiveness) FalsePositiveRate() float64 {
	denom := p.FalsePositives + p.TrueNegatives
	if denom == 0 {
		return 0
	}
	return float64(p.FalsePositives) / float64(denom)
}

// #endregion

// #region parameter

// ParamKind tells how a parameter's stored value string is interpreted.
type ParamKind string

const (
	KindDurationMs ParamKind = "duration_ms"
	KindFloat      ParamKind = "float"
	KindEnum       ParamKind = "enum"
)

// Parameter is one tunable knob for a rule. The value is stored as a
// string; Kind tells consumers how to decode it.
type Parameter struct {
	Rule        string
	Name        string
	Kind        ParamKind
	Value       string
	LastUpdated time.Time
}

// ParameterChange is an immutable audit row for one value transition.
type ParameterChange struct {
	ID         int64
	Rule       string
	Parameter  string
	OldValue   string
	NewValue   string
	Confidence float64
	Reason     string
	CreatedAt  time.Time
}

// #endregion

// #region optimization

// OptimizationStatus is the one-way lifecycle of a tuning attempt.
type OptimizationStatus string

const (
	StatusActive     OptimizationStatus = "active"
	StatusAccepted   OptimizationStatus = "accepted"
	StatusRolledBack OptimizationStatus = "rolled_back"
)

// OptimizationKind distinguishes gradual changes from A/B tests.
type OptimizationKind string

const (
	KindGradual OptimizationKind = "gradual"
	KindABTest  OptimizationKind = "ab_test"
)

// Optimization is one in-flight or concluded tuning attempt.
type Optimization struct {
	ID              string
	Rule            string
	Parameter       string
	Kind            OptimizationKind
	OldValue        string
	CandidateValue  string
	BaselineJSON    string
	CheckpointsJSON string
	Status          OptimizationStatus
	Reason          string
	SuccessBefore   float64
	SuccessAfter    float64
	CreatedAt       time.Time
	ConcludedAt     time.Time
}

// #endregion

// #region insight

// InsightKind is the tag of the Insight variant.
type InsightKind string

const (
	InsightTimeoutOptimization InsightKind = "timeout_optimization"
	InsightPatternDegradation  InsightKind = "pattern_degradation"
	InsightAnomaly             InsightKind = "anomaly"
	InsightCorrelation         InsightKind = "correlation"
)

// Insight is a generated recommendation. PayloadJSON holds the
// kind-specific payload; each kind's payload struct lives with its
// producer (analyzer or effect).
type Insight struct {
	ID          int64
	Rule        string
	Kind        InsightKind
	PayloadJSON string
	Confidence  float64
	Applied     bool
	CreatedAt   time.Time
	AppliedAt   time.Time
}

// #endregion
