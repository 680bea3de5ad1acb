package effect

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/capture"
	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

func tempTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr, err := New(st, zap.NewNop(), DefaultConfig())
	require.NoError(t, err)
	return tr, st
}

func envRecord() capture.Record {
	return capture.Capture(capture.Input{
		Rule: "file-guard",
		Path: ".env",
		Now:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		blocked     bool
		shouldBlock bool
		want        store.Cell
	}{
		{true, true, store.CellTruePositive},
		{true, false, store.CellFalsePositive},
		{false, false, store.CellTrueNegative},
		{false, true, store.CellFalseNegative},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.blocked, tc.shouldBlock))
	}
}

func TestValidateDecisionUpdatesMatrix(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	id := tr.RecordDecision(rec, true, rec.PatternKeys())
	require.NotEmpty(t, id)
	assert.Equal(t, 1, tr.PendingDecisions())

	v, ok := tr.ValidateDecision(id, true)
	require.True(t, ok)
	assert.Equal(t, "file-guard", v.Rule)
	assert.Equal(t, store.CellTruePositive, v.Cell)
	assert.Equal(t, 0, tr.PendingDecisions())

	rows, err := st.Effectiveness("file-guard", "")
	require.NoError(t, err)
	require.Len(t, rows, len(rec.PatternKeys()), "one matrix per active pattern")
	for _, row := range rows {
		assert.Equal(t, int64(1), row.TruePositives)
		assert.Equal(t, int64(1), row.Total())
	}
}

func TestValidateDecisionUnknownID(t *testing.T) {
	tr, _ := tempTracker(t)

	_, ok := tr.ValidateDecision("nope", true)
	assert.False(t, ok)
}

func TestValidateDecisionConsumedOnce(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	id := tr.RecordDecision(rec, true, rec.PatternKeys())
	_, ok := tr.ValidateDecision(id, true)
	require.True(t, ok)
	_, ok = tr.ValidateDecision(id, true)
	assert.False(t, ok, "second validation is a no-op")

	rows, err := st.Effectiveness("file-guard", "extension")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Total())
}

// Precision is always recomputed from the raw counters, so interleaved
// outcomes can never leave a stale derived value behind.
func TestPrecisionRecomputedWithoutDrift(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	feed := func(blocked, shouldBlock bool) {
		id := tr.RecordDecision(rec, blocked, rec.PatternKeys())
		_, ok := tr.ValidateDecision(id, shouldBlock)
		require.True(t, ok)
	}

	feed(true, true)  // tp=1 -> precision 1.0
	feed(true, false) // fp=1 -> precision 0.5
	feed(true, true)  // tp=2 -> precision 2/3
	feed(false, false)

	rows, err := st.Effectiveness("file-guard", "extension")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, int64(2), row.TruePositives)
	assert.Equal(t, int64(1), row.FalsePositives)
	assert.Equal(t, int64(1), row.TrueNegatives)
	assert.InDelta(t, 2.0/3.0, row.Precision(), 1e-9)
	assert.InDelta(t, 1.0, row.Recall(), 1e-9)
}

// A false positive can only ever lower precision.
func TestFalsePositiveNeverRaisesPrecision(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	id := tr.RecordDecision(rec, true, rec.PatternKeys())
	_, _ = tr.ValidateDecision(id, true)

	prev := 1.0
	for i := 0; i < 5; i++ {
		id := tr.RecordDecision(rec, true, rec.PatternKeys())
		_, ok := tr.ValidateDecision(id, false)
		require.True(t, ok)

		rows, err := st.Effectiveness("file-guard", "extension")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		p := rows[0].Precision()
		assert.Less(t, p, prev)
		prev = p
	}
}

// A heavily over-blocking pattern: 10 tp, 90 fp, 5 tn, 5 fn gives precision ~0.10,
// recall ~0.67, FPR ~0.95 and must raise a degradation insight.
func TestDegradedPatternEmitsInsight(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	feed := func(n int, blocked, shouldBlock bool) {
		for i := 0; i < n; i++ {
			id := tr.RecordDecision(rec, blocked, rec.PatternKeys())
			_, ok := tr.ValidateDecision(id, shouldBlock)
			require.True(t, ok)
		}
	}
	feed(10, true, true)   // tp
	feed(90, true, false)  // fp
	feed(5, false, false)  // tn
	feed(5, false, true)   // fn

	rows, err := st.Effectiveness("file-guard", "extension")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.InDelta(t, 0.10, row.Precision(), 1e-9)
	assert.InDelta(t, 10.0/15.0, row.Recall(), 1e-9)
	assert.InDelta(t, 90.0/95.0, row.FalsePositiveRate(), 1e-9)

	insights, err := st.PendingInsights("file-guard")
	require.NoError(t, err)
	require.NotEmpty(t, insights)

	var payload DegradationPayload
	found := false
	for _, in := range insights {
		if in.Kind != store.InsightPatternDegradation {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(in.PayloadJSON), &payload))
		if payload.PatternType == "extension" && payload.PatternKey == ".env" {
			found = true
			assert.Less(t, payload.Precision, 0.5)
		}
	}
	assert.True(t, found, "degradation insight for extension:.env")
}

// One pending insight per degraded pattern key, not one per validation.
func TestDegradationInsightDeduplicated(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	for i := 0; i < 40; i++ {
		id := tr.RecordDecision(rec, true, rec.PatternKeys())
		_, ok := tr.ValidateDecision(id, false)
		require.True(t, ok)
	}

	insights, err := st.PendingInsights("file-guard")
	require.NoError(t, err)

	count := 0
	for _, in := range insights {
		if in.Kind != store.InsightPatternDegradation {
			continue
		}
		var payload DegradationPayload
		require.NoError(t, json.Unmarshal([]byte(in.PayloadJSON), &payload))
		if payload.PatternType == "extension" && payload.PatternKey == ".env" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHealthySmallSampleNoInsight(t *testing.T) {
	tr, st := tempTracker(t)
	rec := envRecord()

	// Below MinObservations even with terrible precision.
	for i := 0; i < 5; i++ {
		id := tr.RecordDecision(rec, true, rec.PatternKeys())
		_, ok := tr.ValidateDecision(id, false)
		require.True(t, ok)
	}

	insights, err := st.PendingInsights("file-guard")
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestCacheEvictionDropsOldDecisions(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.CacheSize = 2
	tr, err := New(st, zap.NewNop(), cfg)
	require.NoError(t, err)

	rec := envRecord()
	first := tr.RecordDecision(rec, true, rec.PatternKeys())
	tr.RecordDecision(rec, true, rec.PatternKeys())
	tr.RecordDecision(rec, true, rec.PatternKeys())

	_, ok := tr.ValidateDecision(first, true)
	assert.False(t, ok, "evicted decision validates as no-op")
	assert.Equal(t, 2, tr.PendingDecisions())
}
