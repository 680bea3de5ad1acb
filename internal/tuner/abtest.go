package tuner

import (
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region types

// Arm identifies one side of an A/B test.
type Arm int

const (
	ArmControl Arm = iota
	ArmVariant
)

func (a Arm) String() string {
	if a == ArmVariant {
		return "variant"
	}
	return "control"
}

// ABOptions configures one A/B test.
type ABOptions struct {
	Duration   time.Duration // wall-clock deadline for auto-conclusion
	SampleSize float64       // fraction of executions assigned to the variant
	MinPerArm  int64         // both arms must reach this before concluding early
}

// DefaultABOptions returns the A/B test defaults.
func DefaultABOptions() ABOptions {
	return ABOptions{
		Duration:   time.Hour,
		SampleSize: 0.5,
		MinPerArm:  50,
	}
}

// ArmMetrics is the accumulated performance of one arm.
type ArmMetrics struct {
	Executions  int64   `json:"executions"`
	Successes   int64   `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	AvgDurMs    float64 `json:"avg_duration_ms"`
}

// ABResult is the conclusion of a finished test.
type ABResult struct {
	Winner  Arm
	Control ArmMetrics
	Variant ArmMetrics
	Reason  string
}

// #endregion

// #region abtest

// ABTest splits live executions between the current value (control)
// and a candidate (variant). Arm assignment is a pure function of an
// atomic per-test counter; no lock is taken to assign.
type ABTest struct {
	ID         string
	Rule       string
	Parameter  string
	Control    string
	Candidate  string
	SampleSize float64
	Deadline   time.Time
	MinPerArm  int64

	counter atomic.Int64

	mu   sync.Mutex
	arms [2]struct {
		executions int64
		successes  int64
		durSumMs   float64
	}
	concluded bool
}

// Assign returns the arm for the next execution. The variant receives
// exactly its configured fraction over time: the counter crosses a
// SampleSize boundary on each variant assignment.
func (ab *ABTest) Assign() Arm {
	n := ab.counter.Add(1)
	before := math.Floor(float64(n-1) * ab.SampleSize)
	after := math.Floor(float64(n) * ab.SampleSize)
	if after > before {
		return ArmVariant
	}
	return ArmControl
}

// Record accumulates one execution's outcome into an arm.
func (ab *ABTest) Record(arm Arm, success bool, duration time.Duration) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	a := &ab.arms[arm]
	a.executions++
	if success {
		a.successes++
	}
	a.durSumMs += float64(duration) / float64(time.Millisecond)
}

// Metrics returns a snapshot of one arm.
func (ab *ABTest) Metrics(arm Arm) ArmMetrics {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.metricsLocked(arm)
}

func (ab *ABTest) metricsLocked(arm Arm) ArmMetrics {
	a := ab.arms[arm]
	m := ArmMetrics{Executions: a.executions, Successes: a.successes}
	if a.executions > 0 {
		m.SuccessRate = float64(a.successes) / float64(a.executions)
		m.AvgDurMs = a.durSumMs / float64(a.executions)
	}
	return m
}

/// tryConclude claims the conclusion once the test is ready: both arms
// at the minimum count, or the deadline passed. The claim and the arm
// snapshots happen under one lock, so only one caller ever concludes.
func (ab *ABTest) tryConclude(now time.Time) (control, variant ArmMetrics, ok bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.concluded {
		return ArmMetrics{}, ArmMetrics{}, false
	}
	ready := ab.arms[ArmControl].executions >= ab.MinPerArm &&
		ab.arms[ArmVariant].executions >= ab.MinPerArm
	if !ready && !now.After(ab.Deadline) {
		return ArmMetrics{}, ArmMetrics{}, false
	}
	ab.concluded = true
	return ab.metricsLocked(ArmControl), ab.metricsLocked(ArmVariant), true
}

// #endregion

// #region start

// StartABTest creates and persists a new test for one parameter. The
// control value is the parameter's current value.
func (t *Tuner) StartABTest(rule, parameter, candidate string, opts ABOptions) (*ABTest, error) {
	if opts.SampleSize <= 0 || opts.SampleSize >= 1 {
		opts.SampleSize = DefaultABOptions().SampleSize
	}
	if opts.MinPerArm <= 0 {
		opts.MinPerArm = DefaultABOptions().MinPerArm
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultABOptions().Duration
	}

	control := ""
	if p, err := t.store.GetParameter(rule, parameter); err == nil {
		control = p.Value
	}

	ab := &ABTest{
		ID:         uuid.New().String(),
		Rule:       rule,
		Parameter:  parameter,
		Control:    control,
		Candidate:  candidate,
		SampleSize: opts.SampleSize,
		Deadline:   t.now().Add(opts.Duration),
		MinPerArm:  opts.MinPerArm,
	}

	if err := t.store.InsertOptimization(store.Optimization{
		ID:             ab.ID,
		Rule:           rule,
		Parameter:      parameter,
		Kind:           store.KindABTest,
		OldValue:       control,
		CandidateValue: candidate,
		Status:         store.StatusActive,
		CreatedAt:      t.now().UTC(),
	}); err != nil {
		return nil, err
	}

	t.log.Info("ab test started",
		zap.String("rule", rule),
		zap.String("parameter", parameter),
		zap.String("candidate", candidate),
		zap.Float64("sample_size", opts.SampleSize))
	return ab, nil
}

// #endregion

// #region conclude

// ConcludeIfReady finishes the test once both arms have enough
// executions or the deadline passed. The arm with the higher success
// rate wins; ties favor control, meaning no change is applied.
func (t *Tuner) ConcludeIfReady(ab *ABTest) (*ABResult, bool, error) {
	control, variant, ok := ab.tryConclude(t.now())
	if !ok {
		return nil, false, nil
	}

	result := &ABResult{Winner: ArmControl, Control: control, Variant: variant}
	if variant.SuccessRate > control.SuccessRate {
		result.Winner = ArmVariant
		result.Reason = "variant success rate higher"
	} else {
		result.Reason = "control retained"
	}

	armsJSON, _ := json.Marshal(map[string]ArmMetrics{
		"control": control,
		"variant": variant,
	})
	_ = t.store.UpdateCheckpoints(ab.ID, string(armsJSON))

	if result.Winner == ArmVariant {
		kind := store.KindDurationMs
		if p, err := t.store.GetParameter(ab.Rule, ab.Parameter); err == nil && p.Kind != "" {
			kind = p.Kind
		}
		if err := t.applyChange(ab.Rule, ab.Parameter, kind,
			ab.Control, ab.Candidate, variant.SuccessRate, "ab test variant won"); err != nil {
			return nil, false, err
		}
		if err := t.store.ConcludeOptimization(ab.ID, store.StatusAccepted,
			result.Reason, variant.SuccessRate); err != nil {
			return nil, false, err
		}
	} else {
		if err := t.store.ConcludeOptimization(ab.ID, store.StatusRolledBack,
			result.Reason, control.SuccessRate); err != nil {
			return nil, false, err
		}
	}

	t.log.Info("ab test concluded",
		zap.String("rule", ab.Rule),
		zap.String("parameter", ab.Parameter),
		zap.String("winner", result.Winner.String()),
		zap.Float64("control_rate", control.SuccessRate),
		zap.Float64("variant_rate", variant.SuccessRate))
	return result, true, nil
}

// #endregion
