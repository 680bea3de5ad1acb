package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// uniformRecords builds n executions with durations spread evenly over
// [loMs, hiMs].
func uniformRecords(n int, loMs, hiMs float64) []store.ExecutionRecord {
	recs := make([]store.ExecutionRecord, n)
	step := (hiMs - loMs) / float64(n-1)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := range recs {
		ms := loMs + float64(i)*step
		recs[i] = store.ExecutionRecord{
			Rule:      "file-guard",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Duration:  time.Duration(ms * float64(time.Millisecond)),
			Success:   true,
		}
	}
	return recs
}

func TestAnalyzeInsufficientSample(t *testing.T) {
	recs := uniformRecords(5, 100, 200)
	report := Analyze("file-guard", recs, 3*time.Second, DefaultConfig())

	assert.False(t, report.Sufficient)
	assert.Equal(t, 5, report.SampleSize)
	assert.Empty(t, report.Recommendations)
}

func TestAnalyzeRecommendsTimeoutReduction(t *testing.T) {
	// 60 executions uniform in [400ms, 600ms] under a 3000ms timeout.
	recs := uniformRecords(60, 400, 600)
	report := Analyze("file-guard", recs, 3*time.Second, DefaultConfig())

	require.True(t, report.Sufficient)
	require.Len(t, report.Recommendations, 1)
	rec := report.Recommendations[0]
	assert.Equal(t, store.InsightTimeoutOptimization, rec.Kind)
	assert.InDelta(t, 3000, rec.CurrentMs, 1e-9)

	// Candidate sits above the observed range with headroom but well
	// under the current timeout.
	assert.Greater(t, rec.CandidateMs, 600.0)
	assert.Less(t, rec.CandidateMs, 0.7*3000.0)
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9, "60 of 100 scale")
}

func TestAnalyzeNoRecommendationWhenTimeoutFits(t *testing.T) {
	// Durations close to the timeout: no reduction to propose.
	recs := uniformRecords(60, 2400, 2900)
	report := Analyze("file-guard", recs, 3*time.Second, DefaultConfig())

	require.True(t, report.Sufficient)
	assert.Empty(t, report.Recommendations)
}

func TestAnalyzeSkipsTimeoutWithoutCurrent(t *testing.T) {
	recs := uniformRecords(60, 400, 600)
	report := Analyze("file-guard", recs, 0, DefaultConfig())

	require.True(t, report.Sufficient)
	assert.Empty(t, report.Recommendations)
}

func TestComputeDurationStats(t *testing.T) {
	stats := ComputeDurationStats([]float64{100, 200, 300, 400, 500})

	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 100, stats.Min, 1e-9)
	assert.InDelta(t, 500, stats.Max, 1e-9)
	assert.InDelta(t, 300, stats.Mean, 1e-9)
	assert.InDelta(t, 300, stats.Median, 1e-9)
	assert.InDelta(t, 200, stats.P25, 1e-9)
	assert.InDelta(t, 400, stats.P75, 1e-9)
	assert.InDelta(t, 200, stats.IQR, 1e-9)
	// Population stddev of {100..500} step 100.
	assert.InDelta(t, 141.42, stats.StdDev, 0.01)
}

func TestComputeDurationStatsEmpty(t *testing.T) {
	assert.Equal(t, DurationStats{}, ComputeDurationStats(nil))
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}

	assert.InDelta(t, 10, percentile(sorted, 0), 1e-9)
	assert.InDelta(t, 40, percentile(sorted, 1), 1e-9)
	assert.InDelta(t, 25, percentile(sorted, 0.5), 1e-9)
	assert.InDelta(t, 37, percentile(sorted, 0.9), 1e-9)
}

func TestDetectOutliers(t *testing.T) {
	// 50 points at ~100ms and one spike at 5000ms.
	durations := make([]float64, 0, 51)
	for i := 0; i < 50; i++ {
		durations = append(durations, 100+float64(i%5))
	}
	durations = append(durations, 5000)

	stats := ComputeDurationStats(durations)
	outliers := DetectOutliers(durations, stats, 2.5)

	require.NotEmpty(t, outliers)
	found := false
	for _, o := range outliers {
		if o.Index == 50 {
			found = true
			assert.InDelta(t, 5000, o.DurationMs, 1e-9)
			assert.Greater(t, o.ZScore, 2.5)
		}
	}
	assert.True(t, found, "spike must be flagged")
}

func TestDetectOutliersUniform(t *testing.T) {
	durations := []float64{100, 101, 102, 103, 104, 105}
	stats := ComputeDurationStats(durations)
	assert.Empty(t, DetectOutliers(durations, stats, 2.5))
}

func TestCorrelateSuccessFlagsDeviantGroup(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday 09:00
	var recs []store.ExecutionRecord

	// 20 .go executions, all succeeding.
	for i := 0; i < 20; i++ {
		recs = append(recs, store.ExecutionRecord{
			Rule: "file-guard", Timestamp: base, Extension: ".go", Success: true,
		})
	}
	// 10 .zip executions, all failing.
	for i := 0; i < 10; i++ {
		recs = append(recs, store.ExecutionRecord{
			Rule: "file-guard", Timestamp: base, Extension: ".zip", Success: false,
		})
	}

	groups := CorrelateSuccess(recs, 5, 0.15)
	require.NotEmpty(t, groups)

	var goGroup, zipGroup *GroupRate
	for i := range groups {
		g := &groups[i]
		if g.Dimension == "extension" && g.Key == ".go" {
			goGroup = g
		}
		if g.Dimension == "extension" && g.Key == ".zip" {
			zipGroup = g
		}
	}
	require.NotNil(t, goGroup)
	require.NotNil(t, zipGroup)

	assert.InDelta(t, 1.0, goGroup.SuccessRate, 1e-9)
	assert.InDelta(t, 0.0, zipGroup.SuccessRate, 1e-9)
	assert.True(t, zipGroup.Significant)
	assert.InDelta(t, 2.0/3.0, zipGroup.Overall, 1e-9)
}

func TestCorrelateSuccessSkipsSmallGroups(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	recs := []store.ExecutionRecord{
		{Rule: "r", Timestamp: base, Extension: ".go", Success: true},
		{Rule: "r", Timestamp: base, Extension: ".py", Success: false},
	}

	groups := CorrelateSuccess(recs, 5, 0.15)
	for _, g := range groups {
		assert.NotEqual(t, "extension", g.Dimension)
	}
}
