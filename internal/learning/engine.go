// Package learning is the orchestrator wrapping rule execution with
// the capture, analysis, tuning and monitoring pipeline. Learning is
// strictly best-effort: any failure inside the pipeline degrades to
// plain rule execution and is never surfaced to the invoking rule.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-guard/internal/capture"
	"github.com/danielpatrickdp/adaptive-guard/internal/config"
	"github.com/danielpatrickdp/adaptive-guard/internal/effect"
	"github.com/danielpatrickdp/adaptive-guard/internal/monitor"
	"github.com/danielpatrickdp/adaptive-guard/internal/store"
	"github.com/danielpatrickdp/adaptive-guard/internal/tuner"
)

// analyzeWindow is how many recent executions feed one analysis pass.
const analyzeWindow = 500

// #region types

// Decision is a rule's verdict for one invocation.
type Decision struct {
	Blocked bool
	Reason  string
}

// RuleFunc is the wrapped rule body. The context carries the rule's
// adaptively tuned timeout.
type RuleFunc func(ctx context.Context) (Decision, error)

// Result is what ExecuteWithLearning hands back to the caller.
// DecisionID keys a later ReportOutcome call; it is empty when
// learning is disabled.
type Result struct {
	Blocked    bool
	Reason     string
	DecisionID string
}

// Statistics is the aggregate view of one rule's learning state.
type Statistics struct {
	Rule             string
	TotalExecutions  int64
	WindowSize       int
	SuccessRate      float64
	BlockRate        float64
	AvgDurationMs    float64
	Patterns         int
	ActiveParameters int
	Insights         int64
	PendingDecisions int
}

// #endregion

// #region engine

// Engine wires the learning pipeline around rule execution.
type Engine struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *Metrics

	store   *store.Store
	tracker *effect.Tracker
	tuner   *tuner.Tuner
	mon     *monitor.Monitor
	acfg    analyzer.Config
	enabled bool

	now func() time.Time

	mu      sync.Mutex
	counts  map[string]int64
	abtests map[string]*tuner.ABTest
	wg      sync.WaitGroup
}

// New builds the engine. Zeroed config fields fall back to the
// defaults, so a hand-built Config is safe. A store that cannot be
// opened disables learning instead of failing: rules must keep running
// without it.
func New(cfg config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults(&cfg)
	e := &Engine{
		cfg:     cfg,
		log:     logger,
		metrics: NewMetrics(),
		now:     time.Now,
		counts:  make(map[string]int64),
		abtests: make(map[string]*tuner.ABTest),
	}
	if !cfg.LearningEnabled {
		logger.Info("learning disabled by configuration")
		return e
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Warn("learning store unavailable, continuing without learning",
			zap.String("db_path", cfg.DBPath), zap.Error(err))
		e.metrics.RecordLearningError()
		return e
	}
	e.store = st

	ecfg := effect.DefaultConfig()
	ecfg.PrecisionFloor = cfg.PatternEffectivenessThreshold
	tracker, err := effect.New(st, logger, ecfg)
	if err != nil {
		logger.Warn("tracker unavailable, continuing without learning", zap.Error(err))
		e.metrics.RecordLearningError()
		_ = st.Close()
		e.store = nil
		return e
	}
	e.tracker = tracker

	tcfg := tuner.DefaultConfig()
	tcfg.MaxChangeRate = cfg.MaxParameterChangeRate
	tcfg.Cooldown = cfg.OptimizationCooldown
	e.tuner = tuner.New(st, logger, tcfg)

	mcfg := monitor.DefaultConfig()
	mcfg.CheckInterval = cfg.CheckInterval
	mcfg.Window = cfg.MonitorWindow
	mcfg.SuccessDropThreshold = cfg.RollbackThreshold
	e.mon = monitor.New(st, logger, mcfg)

	e.acfg = analyzer.DefaultConfig()
	e.acfg.MinExecutions = cfg.MinExecutionsForPatterns

	if cfg.RetentionDays > 0 {
		cutoff := e.now().AddDate(0, 0, -cfg.RetentionDays)
		if n, err := st.PruneExecutions(cutoff); err != nil {
			logger.Warn("retention prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned old executions", zap.Int64("rows", n))
		}
	}

	e.enabled = true
	return e
}

// Enabled reports whether the learning pipeline is live.
func (e *Engine) Enabled() bool { return e.enabled }

// Close drains in-flight learning work and releases the store.
func (e *Engine) Close() error {
	e.wg.Wait()
	if e.mon != nil {
		e.mon.Close()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// #endregion

// #region execute

// ExecuteWithLearning runs one rule under its tuned timeout and feeds
// the outcome into the learning pipeline. The rule's decision and
// error always reach the caller unchanged; learning failures never do.
func (e *Engine) ExecuteWithLearning(ctx context.Context, in capture.Input, fn RuleFunc) (Result, error) {
	rec := capture.Capture(in)

	timeout, picks := e.assignArms(in.Rule)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	decision, err := fn(cctx)
	duration := e.now().Sub(start)

	success := err == nil
	result := Result{Blocked: decision.Blocked, Reason: decision.Reason}
	e.metrics.RecordExecution(in.Rule, success, decision.Blocked, duration.Seconds())

	if !e.enabled {
		return result, err
	}

	for _, p := range picks {
		p.ab.Record(p.arm, success, duration)
	}
	result.DecisionID = e.tracker.RecordDecision(rec, decision.Blocked, rec.PatternKeys())

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if e.cfg.AsyncLearning {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.safeLearn(rec, decision.Blocked, success, duration, errText)
		}()
	} else {
		e.safeLearn(rec, decision.Blocked, success, duration, errText)
	}
	return result, err
}

// armPick pairs a live test with the arm assigned for this execution.
type armPick struct {
	ab  *tuner.ABTest
	arm tuner.Arm
}

// assignArms resolves the rule's timeout and assigns an arm on every
// test registered for the rule, whatever its parameter. A variant
// assignment on the timeout parameter overrides the tuned timeout for
// this execution.
func (e *Engine) assignArms(rule string) (time.Duration, []armPick) {
	timeout := 3 * time.Second
	if e.enabled {
		if t, err := e.tuner.CurrentTimeout(rule); err == nil {
			timeout = t
		}
	}

	var picks []armPick
	for _, ab := range e.ruleTests(rule) {
		picks = append(picks, armPick{ab: ab, arm: ab.Assign()})
	}
	for _, p := range picks {
		if p.ab.Parameter != tuner.ParamTimeoutMs || p.arm != tuner.ArmVariant {
			continue
		}
		if ms, err := strconv.ParseFloat(p.ab.Candidate, 64); err == nil && ms > 0 {
			timeout = time.Duration(ms * float64(time.Millisecond))
		}
	}
	return timeout, picks
}

// ruleTests returns the live tests registered for one rule.
func (e *Engine) ruleTests(rule string) []*tuner.ABTest {
	prefix := rule + "/"
	e.mu.Lock()
	defer e.mu.Unlock()
	var tests []*tuner.ABTest
	for key, ab := range e.abtests {
		if strings.HasPrefix(key, prefix) {
			tests = append(tests, ab)
		}
	}
	return tests
}

// safeLearn shields the caller from the learning pipeline: a panic in
// learn is recovered and counted, in sync and async mode alike.
func (e *Engine) safeLearn(rec capture.Record, blocked, success bool, duration time.Duration, errText string) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordLearningError()
			e.log.Error("learning panic recovered", zap.Any("panic", r))
		}
	}()
	e.learn(rec, blocked, success, duration, errText)
}

// learn persists the execution fact, updates pattern counters and
// periodically triggers an optimization pass.
func (e *Engine) learn(rec capture.Record, blocked, success bool, duration time.Duration, errText string) {
	if _, err := e.store.InsertExecution(store.ExecutionRecord{
		Rule:        rec.Rule,
		Timestamp:   rec.CapturedAt,
		Duration:    duration,
		Success:     success,
		Blocked:     blocked,
		Path:        rec.Path,
		Extension:   rec.Extension,
		Fingerprint: rec.Fingerprint,
		ErrorText:   errText,
	}); err != nil {
		e.metrics.RecordLearningError()
		e.log.Warn("execution insert failed", zap.String("rule", rec.Rule), zap.Error(err))
		return
	}

	for _, pat := range rec.PatternKeys() {
		if err := e.store.ObservePattern(rec.Rule, pat.Type, pat.Value, success, blocked, duration); err != nil {
			e.metrics.RecordLearningError()
			e.log.Warn("pattern update failed",
				zap.String("rule", rec.Rule),
				zap.String("pattern", pat.Type+":"+pat.Value),
				zap.Error(err))
		}
	}

	e.metrics.PendingDecisionsSize.Set(float64(e.tracker.PendingDecisions()))

	for _, ab := range e.ruleTests(rec.Rule) {
		e.concludeABIfReady(rec.Rule, ab)
	}

	e.mu.Lock()
	e.counts[rec.Rule]++
	due := e.counts[rec.Rule]%int64(e.cfg.OptimizeEveryN) == 0
	e.mu.Unlock()
	if due {
		if err := e.optimize(rec.Rule); err != nil {
			e.metrics.RecordLearningError()
			e.log.Warn("optimization pass failed", zap.String("rule", rec.Rule), zap.Error(err))
		}
	}
}

// #endregion

// #region outcomes

// ReportOutcome feeds ground truth for one decision back into pattern
// effectiveness. Source labels where the truth came from (user
// override, audit, downstream failure) and is logged, not stored.
// Returns false for unknown or expired decision ids.
func (e *Engine) ReportOutcome(decisionID string, actualShouldBlock bool, source string) bool {
	if !e.enabled {
		return false
	}
	v, ok := e.tracker.ValidateDecision(decisionID, actualShouldBlock)
	if !ok {
		return false
	}
	e.metrics.RecordOutcome(v.Rule, string(v.Cell))
	e.metrics.PendingDecisionsSize.Set(float64(e.tracker.PendingDecisions()))
	e.log.Debug("outcome reported",
		zap.String("rule", v.Rule),
		zap.String("cell", string(v.Cell)),
		zap.String("source", source))
	return true
}

// #endregion

// #region optimization

// ForceOptimization runs an analysis and tuning pass for one rule
// immediately, outside the every-N schedule.
func (e *Engine) ForceOptimization(rule string) error {
	if !e.enabled {
		return errors.New("learning disabled")
	}
	return e.optimize(rule)
}

func (e *Engine) optimize(rule string) error {
	recent, err := e.store.RecentExecutions(rule, analyzeWindow)
	if err != nil {
		return err
	}
	current, err := e.tuner.CurrentTimeout(rule)
	if err != nil {
		return err
	}

	report := analyzer.Analyze(rule, recent, current, e.acfg)
	if !report.Sufficient {
		return nil
	}
	e.persistInsights(rule, report)

	skipsBefore := e.tuner.CooldownSkips.Load()
	opt, err := e.tuner.OptimizeTimeout(rule, report)
	if err != nil {
		return err
	}
	if skips := e.tuner.CooldownSkips.Load() - skipsBefore; skips > 0 {
		e.metrics.CooldownSkipsTotal.Add(float64(skips))
	}
	if opt != nil {
		e.metrics.RecordOptimization(rule, "started")
		e.consumeTimeoutInsights(rule)
		if err := e.mon.MonitorOptimization(*opt); err != nil {
			e.log.Warn("monitor start failed", zap.String("optimization", opt.ID), zap.Error(err))
		}
	}

	rows, err := e.tracker.PatternStats(rule, "")
	if err != nil {
		return err
	}
	if _, err := e.tuner.RefinePatterns(rule, rows); err != nil {
		return err
	}
	return nil
}

// StartABTest starts splitting the rule's executions between the
// current parameter value and a candidate. One test per rule and
// parameter at a time.
func (e *Engine) StartABTest(rule, parameter, candidate string, opts tuner.ABOptions) (*tuner.ABTest, error) {
	if !e.enabled {
		return nil, errors.New("learning disabled")
	}
	key := rule + "/" + parameter

	e.mu.Lock()
	_, exists := e.abtests[key]
	e.mu.Unlock()
	if exists {
		return nil, errors.New("ab test already running for " + key)
	}

	ab, err := e.tuner.StartABTest(rule, parameter, candidate, opts)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.abtests[key] = ab
	e.mu.Unlock()
	e.metrics.RecordOptimization(rule, "started")
	return ab, nil
}

func (e *Engine) concludeABIfReady(rule string, ab *tuner.ABTest) {
	result, done, err := e.tuner.ConcludeIfReady(ab)
	if err != nil {
		e.metrics.RecordLearningError()
		e.log.Warn("ab test conclusion failed", zap.String("rule", rule), zap.Error(err))
		return
	}
	if !done {
		return
	}
	e.mu.Lock()
	delete(e.abtests, ab.Rule+"/"+ab.Parameter)
	e.mu.Unlock()

	status := "rolled_back"
	if result.Winner == tuner.ArmVariant {
		status = "accepted"
	}
	e.metrics.RecordOptimization(rule, status)
}

// persistInsights stores the report's findings above the confidence
// floor, skipping recommendations and correlations already pending.
func (e *Engine) persistInsights(rule string, report analyzer.Report) {
	pending, _ := e.store.PendingInsights(rule)

	for _, rec := range report.Recommendations {
		if rec.Confidence < e.cfg.MinConfidenceForInsights {
			continue
		}
		if kindPending(pending, rec.Kind) {
			continue
		}
		payload := analyzer.TimeoutPayload{
			CurrentMs:   rec.CurrentMs,
			CandidateMs: rec.CandidateMs,
			P99Ms:       report.Stats.P99,
			MeanMs:      report.Stats.Mean,
			SampleSize:  report.SampleSize,
		}
		e.insertInsight(rule, rec.Kind, payload, rec.Confidence)
	}

	for _, g := range report.Groups {
		if !g.Significant {
			continue
		}
		confidence := g.Deviation
		if confidence > 1 {
			confidence = 1
		}
		if confidence < e.cfg.MinConfidenceForInsights {
			continue
		}
		if correlationPending(pending, g.Dimension, g.Key) {
			continue
		}
		e.insertInsight(rule, store.InsightCorrelation, analyzer.CorrelationPayload{
			Dimension:   g.Dimension,
			Key:         g.Key,
			SuccessRate: g.SuccessRate,
			Overall:     g.Overall,
			Count:       g.Count,
		}, confidence)
	}

	if len(report.Outliers) > 0 {
		maxZ := 0.0
		for _, o := range report.Outliers {
			if z := o.ZScore; z > maxZ {
				maxZ = z
			} else if -z > maxZ {
				maxZ = -z
			}
		}
		fraction := float64(len(report.Outliers)) / float64(report.SampleSize)
		confidence := fraction * 10
		if confidence > 1 {
			confidence = 1
		}
		if confidence >= e.cfg.MinConfidenceForInsights {
			e.insertInsight(rule, store.InsightAnomaly, analyzer.AnomalyPayload{
				OutlierCount: len(report.Outliers),
				SampleSize:   report.SampleSize,
				MaxZScore:    maxZ,
			}, confidence)
		}
	}
}

// consumeTimeoutInsights marks pending timeout recommendations applied
// once the tuner has acted on one; an insight is consumed at most once.
func (e *Engine) consumeTimeoutInsights(rule string) {
	pending, err := e.store.PendingInsights(rule)
	if err != nil {
		return
	}
	for _, in := range pending {
		if in.Kind != store.InsightTimeoutOptimization {
			continue
		}
		if err := e.store.MarkInsightApplied(in.ID); err != nil {
			e.log.Warn("insight consume failed", zap.Int64("insight", in.ID), zap.Error(err))
		}
	}
}

func kindPending(pending []store.Insight, kind store.InsightKind) bool {
	for _, in := range pending {
		if in.Kind == kind {
			return true
		}
	}
	return false
}

func (e *Engine) insertInsight(rule string, kind store.InsightKind, payload any, confidence float64) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := e.store.InsertInsight(store.Insight{
		Rule:        rule,
		Kind:        kind,
		PayloadJSON: string(body),
		Confidence:  confidence,
	}); err != nil {
		e.log.Warn("insight write failed", zap.String("rule", rule), zap.Error(err))
	}
}

// #endregion

// #region queries

// GetStatistics aggregates one rule's learning state. It is read-only
// and safe to call repeatedly.
func (e *Engine) GetStatistics(rule string) (Statistics, error) {
	if !e.enabled {
		return Statistics{Rule: rule}, errors.New("learning disabled")
	}
	stats := Statistics{Rule: rule}

	total, err := e.store.CountExecutions(rule)
	if err != nil {
		return stats, err
	}
	stats.TotalExecutions = total

	recent, err := e.store.RecentExecutions(rule, analyzeWindow)
	if err != nil {
		return stats, err
	}
	stats.WindowSize = len(recent)
	if len(recent) > 0 {
		var successes, blocks int
		var durSum float64
		for _, r := range recent {
			if r.Success {
				successes++
			}
			if r.Blocked {
				blocks++
			}
			durSum += float64(r.Duration) / float64(time.Millisecond)
		}
		n := float64(len(recent))
		stats.SuccessRate = float64(successes) / n
		stats.BlockRate = float64(blocks) / n
		stats.AvgDurationMs = durSum / n
	}

	patterns, err := e.store.PatternStats(rule)
	if err != nil {
		return stats, err
	}
	stats.Patterns = len(patterns)

	params, err := e.store.ListParameters(rule)
	if err != nil {
		return stats, err
	}
	stats.ActiveParameters = len(params)

	insights, err := e.store.CountInsights(rule)
	if err != nil {
		return stats, err
	}
	stats.Insights = insights
	stats.PendingDecisions = e.tracker.PendingDecisions()
	return stats, nil
}

// GetPatternStats returns confusion matrices for a rule, optionally
// filtered by pattern type.
func (e *Engine) GetPatternStats(rule, patternType string) ([]store.PatternEffectiveness, error) {
	if !e.enabled {
		return nil, errors.New("learning disabled")
	}
	return e.tracker.PatternStats(rule, patternType)
}

// GetOptimizationHistory returns the newest tuning attempts for a rule.
func (e *Engine) GetOptimizationHistory(rule string, limit int) ([]store.Optimization, error) {
	if !e.enabled {
		return nil, errors.New("learning disabled")
	}
	return e.store.ListOptimizations(rule, limit)
}

// GetParameterHistory returns the audit trail for one parameter, or
// all of a rule's parameters when parameter is empty.
func (e *Engine) GetParameterHistory(rule, parameter string, limit int) ([]store.ParameterChange, error) {
	if !e.enabled {
		return nil, errors.New("learning disabled")
	}
	return e.store.ListChanges(rule, parameter, limit)
}

func correlationPending(pending []store.Insight, dimension, key string) bool {
	for _, in := range pending {
		if in.Kind != store.InsightCorrelation {
			continue
		}
		var p analyzer.CorrelationPayload
		if json.Unmarshal([]byte(in.PayloadJSON), &p) != nil {
			continue
		}
		if p.Dimension == dimension && p.Key == key {
			return true
		}
	}
	return false
}

// #endregion
