package learning

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/capture"
	"github.com/danielpatrickdp/adaptive-guard/internal/config"
	"github.com/danielpatrickdp/adaptive-guard/internal/store"
	"github.com/danielpatrickdp/adaptive-guard/internal/tuner"
)

// testConfig returns a synchronous-learning config over a temp store so
// assertions see the pipeline's writes immediately.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.AsyncLearning = false
	cfg.OptimizeEveryN = 1000 // keep scheduled passes out of the way
	return cfg
}

func tempEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(testConfig(t), zap.NewNop())
	require.True(t, e.Enabled())
	t.Cleanup(func() { e.Close() })
	return e
}

func allow(ctx context.Context) (Decision, error) {
	return Decision{}, nil
}

func block(ctx context.Context) (Decision, error) {
	return Decision{Blocked: true, Reason: "sensitive file"}, nil
}

func TestExecuteWithLearningRecords(t *testing.T) {
	e := tempEngine(t)

	result, err := e.ExecuteWithLearning(context.Background(), capture.Input{
		Rule: "file-guard", Path: "config/secrets.env",
	}, block)
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, "sensitive file", result.Reason)
	assert.NotEmpty(t, result.DecisionID)

	stats, err := e.GetStatistics("file-guard")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.InDelta(t, 1.0, stats.BlockRate, 1e-9)
	assert.Positive(t, stats.Patterns)
	assert.Equal(t, 1, stats.ActiveParameters, "timeout created on first use")
	assert.Equal(t, 1, stats.PendingDecisions)
}

// A sparse hand-built config must get defaults applied: without them
// the every-N schedule divides by zero inside synchronous learning and
// the panic would reach the rule caller.
func TestSyncLearningOnSparseConfig(t *testing.T) {
	e := New(config.Config{
		LearningEnabled: true,
		DBPath:          filepath.Join(t.TempDir(), "test.db"),
	}, zap.NewNop())
	defer e.Close()
	require.True(t, e.Enabled())

	for i := 0; i < 30; i++ {
		result, err := e.ExecuteWithLearning(context.Background(), capture.Input{
			Rule: "file-guard", Path: "a.go",
		}, allow)
		require.NoError(t, err)
		assert.NotEmpty(t, result.DecisionID)
	}

	stats, err := e.GetStatistics("file-guard")
	require.NoError(t, err)
	assert.Equal(t, int64(30), stats.TotalExecutions)
}

func TestExecuteWithLearningPropagatesRuleError(t *testing.T) {
	e := tempEngine(t)
	boom := errors.New("rule exploded")

	_, err := e.ExecuteWithLearning(context.Background(), capture.Input{
		Rule: "file-guard", Path: "a.go",
	}, func(ctx context.Context) (Decision, error) {
		return Decision{}, boom
	})
	require.ErrorIs(t, err, boom)

	stats, err := e.GetStatistics("file-guard")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Zero(t, stats.SuccessRate, "failure recorded as such")
}

func TestDisabledLearningNeverBlocksRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = t.TempDir() // a directory, not a database file

	e := New(cfg, zap.NewNop())
	defer e.Close()
	assert.False(t, e.Enabled())

	result, err := e.ExecuteWithLearning(context.Background(), capture.Input{
		Rule: "file-guard", Path: "a.go",
	}, allow)
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	assert.Empty(t, result.DecisionID)

	_, err = e.GetStatistics("file-guard")
	assert.Error(t, err)
	assert.False(t, e.ReportOutcome("any", true, "test"))
}

func TestLearningDisabledByConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LearningEnabled = false

	e := New(cfg, zap.NewNop())
	defer e.Close()
	assert.False(t, e.Enabled())
}

func TestReportOutcomeConsumedOnce(t *testing.T) {
	e := tempEngine(t)

	result, err := e.ExecuteWithLearning(context.Background(), capture.Input{
		Rule: "file-guard", Path: "secrets.env",
	}, block)
	require.NoError(t, err)

	assert.True(t, e.ReportOutcome(result.DecisionID, false, "user_override"))
	assert.False(t, e.ReportOutcome(result.DecisionID, false, "user_override"))

	rows, err := e.GetPatternStats("file-guard", "extension")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].FalsePositives, "blocked but should not have")
}

func TestGetStatisticsIdempotent(t *testing.T) {
	e := tempEngine(t)

	for i := 0; i < 5; i++ {
		_, err := e.ExecuteWithLearning(context.Background(), capture.Input{
			Rule: "file-guard", Path: "a.go",
		}, allow)
		require.NoError(t, err)
	}

	first, err := e.GetStatistics("file-guard")
	require.NoError(t, err)
	second, err := e.GetStatistics("file-guard")
	require.NoError(t, err)
	assert.Equal(t, first, second, "reading statistics mutates nothing")
}

func TestForceOptimizationTightensTimeout(t *testing.T) {
	e := tempEngine(t)

	// Fast, uniform executions far below the 3000ms default timeout.
	for i := 0; i < 60; i++ {
		_, err := e.ExecuteWithLearning(context.Background(), capture.Input{
			Rule: "file-guard", Path: "a.go",
		}, allow)
		require.NoError(t, err)
	}

	require.NoError(t, e.ForceOptimization("file-guard"))

	history, err := e.GetOptimizationHistory("file-guard", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, store.KindGradual, history[0].Kind)
	assert.Equal(t, "3000", history[0].OldValue)
	assert.Equal(t, "2400", history[0].CandidateValue, "one bounded 20% step")

	changes, err := e.GetParameterHistory("file-guard", tuner.ParamTimeoutMs, 10)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, "2400", changes[0].NewValue)
}

func TestABTestThroughExecution(t *testing.T) {
	e := tempEngine(t)

	_, err := e.StartABTest("file-guard", tuner.ParamTimeoutMs, "1500", tuner.ABOptions{
		Duration: time.Hour, SampleSize: 0.5, MinPerArm: 5,
	})
	require.NoError(t, err)

	// A second concurrent test on the same parameter is refused.
	_, err = e.StartABTest("file-guard", tuner.ParamTimeoutMs, "1000", tuner.ABOptions{})
	require.Error(t, err)

	// Both arms behave identically, so the tie keeps the control value.
	for i := 0; i < 20; i++ {
		_, err := e.ExecuteWithLearning(context.Background(), capture.Input{
			Rule: "file-guard", Path: "a.go",
		}, allow)
		require.NoError(t, err)
	}

	history, err := e.GetOptimizationHistory("file-guard", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	var ab *store.Optimization
	for i := range history {
		if history[i].Kind == store.KindABTest {
			ab = &history[i]
		}
	}
	require.NotNil(t, ab)
	assert.Equal(t, store.StatusRolledBack, ab.Status, "tie favors control")

	timeout, err := e.GetParameterHistory("file-guard", tuner.ParamTimeoutMs, 1)
	require.NoError(t, err)
	assert.Empty(t, timeout, "control retained, no change applied")
}

// Tests on parameters other than the timeout still get arm assignment
// and deadline conclusion: the optimization row must not stay active
// forever.
func TestABTestOnNonTimeoutParameterConcludes(t *testing.T) {
	e := tempEngine(t)
	param := "sensitivity:extension:.env"

	ab, err := e.StartABTest("file-guard", param, tuner.SensitivityReduced, tuner.ABOptions{
		Duration: time.Nanosecond, SampleSize: 0.5, MinPerArm: 50,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := e.ExecuteWithLearning(context.Background(), capture.Input{
			Rule: "file-guard", Path: "a.go",
		}, allow)
		require.NoError(t, err)
	}

	history, err := e.GetOptimizationHistory("file-guard", 10)
	require.NoError(t, err)
	var row *store.Optimization
	for i := range history {
		if history[i].ID == ab.ID {
			row = &history[i]
		}
	}
	require.NotNil(t, row)
	assert.Equal(t, store.StatusRolledBack, row.Status, "deadline passed, control retained")

	changes, err := e.GetParameterHistory("file-guard", param, 5)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestTimeoutInsightConsumedOnceAndDeduped(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinConfidenceForInsights = 0.5
	e := New(cfg, zap.NewNop())
	require.True(t, e.Enabled())
	t.Cleanup(func() { e.Close() })

	for i := 0; i < 60; i++ {
		_, err := e.ExecuteWithLearning(context.Background(), capture.Input{
			Rule: "file-guard", Path: "a.go",
		}, allow)
		require.NoError(t, err)
	}

	// Applying the recommendation consumes the stored insight.
	require.NoError(t, e.ForceOptimization("file-guard"))
	assert.Zero(t, pendingTimeoutInsights(t, cfg.DBPath))

	// Inside the cooldown nothing is applied, so the new insight stays
	// pending; further passes dedup against it instead of piling up.
	require.NoError(t, e.ForceOptimization("file-guard"))
	assert.Equal(t, 1, pendingTimeoutInsights(t, cfg.DBPath))
	require.NoError(t, e.ForceOptimization("file-guard"))
	assert.Equal(t, 1, pendingTimeoutInsights(t, cfg.DBPath))
}

func pendingTimeoutInsights(t *testing.T, dbPath string) int {
	t.Helper()
	st, err := store.Open(dbPath, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	pending, err := st.PendingInsights("file-guard")
	require.NoError(t, err)
	n := 0
	for _, in := range pending {
		if in.Kind == store.InsightTimeoutOptimization {
			n++
		}
	}
	return n
}
