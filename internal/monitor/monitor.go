// Package monitor watches applied optimizations against their
// pre-change baseline and accepts or rolls them back. Every watch is
// cancellable: an early accept or rollback stops the pending timers so
// an optimization is never evaluated twice.
package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region config

// RollbackReason is the recorded reason for a monitored rollback.
const RollbackReason = "performance_degradation"

// Config bounds the monitor's regression detection.
type Config struct {
	CheckInterval         time.Duration // spacing of periodic checkpoints
	Window                time.Duration // final-evaluation deadline
	BaselineN             int           // executions in the baseline/live snapshots
	SuccessDropThreshold  float64       // rollback when success rate drops more than this
	DurationIncreaseRatio float64       // rollback when avg duration grows more than this fraction
	ErrorRateIncrease     float64       // rollback when error rate grows more than this
	EarlyAcceptChecks     int           // improving checkpoints needed for early accept
	EarlySuccessGain      float64       // success-rate gain counting as improvement
	EarlyDurationGain     float64       // duration-reduction fraction counting as improvement
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:         time.Minute,
		Window:                time.Hour,
		BaselineN:             100,
		SuccessDropThreshold:  0.15,
		DurationIncreaseRatio: 0.3,
		ErrorRateIncrease:     0.1,
		EarlyAcceptChecks:     3,
		EarlySuccessGain:      0.1,
		EarlyDurationGain:     0.2,
	}
}

// #endregion

// #region metrics

// Metrics is an aggregate performance snapshot.
type Metrics struct {
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	ErrorRate     float64 `json:"error_rate"`
	Samples       int     `json:"samples"`
}

// Snapshot aggregates metrics over a window of executions.
func Snapshot(records []store.ExecutionRecord) Metrics {
	m := Metrics{Samples: len(records)}
	if len(records) == 0 {
		return m
	}
	var successes, errors int
	var durSum float64
	for _, r := range records {
		if r.Success {
			successes++
		}
		if r.ErrorText != "" {
			errors++
		}
		durSum += float64(r.Duration) / float64(time.Millisecond)
	}
	n := float64(len(records))
	m.SuccessRate = float64(successes) / n
	m.ErrorRate = float64(errors) / n
	m.AvgDurationMs = durSum / n
	return m
}

// Checkpoint is one periodic comparison against the baseline.
type Checkpoint struct {
	At            time.Time `json:"at"`
	Metrics       Metrics   `json:"metrics"`
	SuccessDelta  float64   `json:"success_delta"`  // current - baseline
	DurationRatio float64   `json:"duration_ratio"` // (current - baseline) / baseline
	ErrorDelta    float64   `json:"error_delta"`    // current - baseline
}

// #endregion

// #region monitor

type watch struct {
	opt         store.Optimization
	baseline    Metrics
	checkpoints []Checkpoint
	improved    int
	stop        chan struct{}
	stopOnce    sync.Once
}

// Monitor owns all in-flight optimization watches.
type Monitor struct {
	store *store.Store
	log   *zap.Logger
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

// New creates a Monitor over the given store.
func New(st *store.Store, logger *zap.Logger, cfg Config) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:   st,
		log:     logger,
		cfg:     cfg,
		now:     time.Now,
		watches: make(map[string]*watch),
	}
}

// SetClock overrides the time source, for replay.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Track registers a watch and captures the baseline without starting
// the periodic loop. Callers drive it via RunCheck/RunFinal.
func (m *Monitor) Track(opt store.Optimization) error {
	recent, err := m.store.RecentExecutions(opt.Rule, m.cfg.BaselineN)
	if err != nil {
		return fmt.Errorf("baseline snapshot: %w", err)
	}
	baseline := Snapshot(recent)

	baselineJSON, _ := json.Marshal(baseline)
	if err := m.store.SetBaseline(opt.ID, string(baselineJSON)); err != nil {
		m.log.Warn("baseline persist failed", zap.String("optimization", opt.ID), zap.Error(err))
	}

	w := &watch{opt: opt, baseline: baseline, stop: make(chan struct{})}
	m.mu.Lock()
	m.watches[opt.ID] = w
	m.mu.Unlock()

	m.log.Info("monitoring optimization",
		zap.String("optimization", opt.ID),
		zap.String("rule", opt.Rule),
		zap.String("parameter", opt.Parameter),
		zap.Float64("baseline_success", baseline.SuccessRate),
		zap.Float64("baseline_avg_ms", baseline.AvgDurationMs))
	return nil
}

// MonitorOptimization registers a watch and starts its periodic loop.
func (m *Monitor) MonitorOptimization(opt store.Optimization) error {
	if err := m.Track(opt); err != nil {
		return err
	}
	m.mu.Lock()
	w := m.watches[opt.ID]
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(w)
	return nil
}

func (m *Monitor) run(w *watch) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	final := time.NewTimer(m.cfg.Window)
	defer ticker.Stop()
	defer final.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if m.runCheck(w) {
				return
			}
		case <-final.C:
			m.runFinal(w)
			return
		}
	}
}

// Cancel stops the watch for one optimization without concluding it.
func (m *Monitor) Cancel(optID string) {
	m.mu.Lock()
	w := m.watches[optID]
	m.mu.Unlock()
	if w != nil {
		w.stopOnce.Do(func() { close(w.stop) })
	}
}

// Close cancels all watches and waits for their loops to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	for _, w := range m.watches {
		w.stopOnce.Do(func() { close(w.stop) })
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// #endregion

// #region checkpoints

// RunCheck evaluates one checkpoint for a tracked optimization.
// Returns true when the watch concluded (accepted or rolled back).
func (m *Monitor) RunCheck(optID string) bool {
	m.mu.Lock()
	w := m.watches[optID]
	m.mu.Unlock()
	if w == nil {
		return false
	}
	return m.runCheck(w)
}

// RunFinal forces the final evaluation for a tracked optimization.
func (m *Monitor) RunFinal(optID string) {
	m.mu.Lock()
	w := m.watches[optID]
	m.mu.Unlock()
	if w != nil {
		m.runFinal(w)
	}
}

func (m *Monitor) runCheck(w *watch) bool {
	cp, err := m.checkpoint(w)
	if err != nil {
		m.log.Warn("checkpoint failed", zap.String("optimization", w.opt.ID), zap.Error(err))
		return false
	}

	if m.regressed(cp) {
		m.rollback(w, cp)
		return true
	}

	if cp.SuccessDelta > m.cfg.EarlySuccessGain &&
		-cp.DurationRatio > m.cfg.EarlyDurationGain &&
		cp.ErrorDelta <= 0 {
		w.improved++
		if w.improved >= m.cfg.EarlyAcceptChecks {
			m.accept(w, "early_accept", cp.Metrics)
			return true
		}
	}
	return false
}

func (m *Monitor) checkpoint(w *watch) (Checkpoint, error) {
	recent, err := m.store.RecentExecutions(w.opt.Rule, m.cfg.BaselineN)
	if err != nil {
		return Checkpoint{}, err
	}
	cur := Snapshot(recent)

	cp := Checkpoint{
		At:           m.now().UTC(),
		Metrics:      cur,
		SuccessDelta: cur.SuccessRate - w.baseline.SuccessRate,
		ErrorDelta:   cur.ErrorRate - w.baseline.ErrorRate,
	}
	if w.baseline.AvgDurationMs > 0 {
		cp.DurationRatio = (cur.AvgDurationMs - w.baseline.AvgDurationMs) / w.baseline.AvgDurationMs
	}

	w.checkpoints = append(w.checkpoints, cp)
	if cpJSON, err := json.Marshal(w.checkpoints); err == nil {
		if err := m.store.UpdateCheckpoints(w.opt.ID, string(cpJSON)); err != nil {
			m.log.Warn("checkpoint persist failed", zap.String("optimization", w.opt.ID), zap.Error(err))
		}
	}
	return cp, nil
}

func (m *Monitor) regressed(cp Checkpoint) bool {
	return -cp.SuccessDelta > m.cfg.SuccessDropThreshold ||
		cp.DurationRatio > m.cfg.DurationIncreaseRatio ||
		cp.ErrorDelta > m.cfg.ErrorRateIncrease
}

// #endregion

// #region final-evaluation

// runFinal decides a watch that neither rolled back nor accepted
// early: accept on non-regressive metrics, otherwise accept only when
// the checkpoint trend is improving.
func (m *Monitor) runFinal(w *watch) {
	cp, err := m.checkpoint(w)
	if err != nil {
		m.log.Warn("final checkpoint failed", zap.String("optimization", w.opt.ID), zap.Error(err))
		return
	}

	if m.regressed(cp) {
		m.rollback(w, cp)
		return
	}
	if cp.SuccessDelta >= 0 && cp.DurationRatio <= 0 && cp.ErrorDelta <= 0 {
		m.accept(w, "final_non_regressive", cp.Metrics)
		return
	}
	if successTrend(w.checkpoints) > 0 {
		m.accept(w, "final_trend_improving", cp.Metrics)
		return
	}
	m.rollback(w, cp)
}

// successTrend returns the least-squares slope of success rate over
// checkpoint index.
func successTrend(cps []Checkpoint) float64 {
	n := len(cps)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, cp := range cps {
		x := float64(i)
		y := cp.Metrics.SuccessRate
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := float64(n)*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (float64(n)*sumXY - sumX*sumY) / denom
}

// #endregion

// #region outcomes

// accept concludes the optimization without touching the parameter
// audit log: the applied value already has its change row, and a no-op
// row here would restart the tuner's cooldown window.
func (m *Monitor) accept(w *watch, reason string, final Metrics) {
	defer m.finish(w)

	if err := m.store.ConcludeOptimization(w.opt.ID, store.StatusAccepted, reason, final.SuccessRate); err != nil {
		m.log.Warn("accept persist failed", zap.String("optimization", w.opt.ID), zap.Error(err))
		return
	}
	m.log.Info("optimization accepted",
		zap.String("optimization", w.opt.ID),
		zap.String("rule", w.opt.Rule),
		zap.String("reason", reason),
		zap.Float64("final_success", final.SuccessRate))
}

func (m *Monitor) rollback(w *watch, cp Checkpoint) {
	defer m.finish(w)

	reason := fmt.Sprintf("%s: success %+.3f, duration %+.1f%%, errors %+.3f",
		RollbackReason, cp.SuccessDelta, cp.DurationRatio*100, cp.ErrorDelta)

	if err := m.restore(w.opt); err != nil {
		// A live parameter now sits in an unvalidated state.
		m.log.Error("rollback restoration failed",
			zap.String("optimization", w.opt.ID),
			zap.String("rule", w.opt.Rule),
			zap.String("parameter", w.opt.Parameter),
			zap.Error(err))
		if lkg, ok := m.lastKnownGood(w.opt.Rule, w.opt.Parameter); ok {
			if err := m.setValue(w.opt, lkg); err != nil {
				m.log.Error("last-known-good restoration failed",
					zap.String("optimization", w.opt.ID), zap.Error(err))
			}
		}
	}

	if _, err := m.store.InsertChange(store.ParameterChange{
		Rule:      w.opt.Rule,
		Parameter: w.opt.Parameter,
		OldValue:  w.opt.CandidateValue,
		NewValue:  w.opt.OldValue,
		Reason:    reason,
		CreatedAt: m.now().UTC(),
	}); err != nil {
		m.log.Warn("rollback audit failed", zap.String("optimization", w.opt.ID), zap.Error(err))
	}
	if err := m.store.ConcludeOptimization(w.opt.ID, store.StatusRolledBack, RollbackReason, cp.Metrics.SuccessRate); err != nil {
		m.log.Warn("rollback persist failed", zap.String("optimization", w.opt.ID), zap.Error(err))
	}

	m.log.Warn("optimization rolled back",
		zap.String("optimization", w.opt.ID),
		zap.String("rule", w.opt.Rule),
		zap.String("parameter", w.opt.Parameter),
		zap.String("reason", reason))
}

func (m *Monitor) restore(opt store.Optimization) error {
	return m.setValue(opt, opt.OldValue)
}

func (m *Monitor) setValue(opt store.Optimization, value string) error {
	p, err := m.store.GetParameter(opt.Rule, opt.Parameter)
	if err != nil {
		return err
	}
	p.Value = value
	p.LastUpdated = m.now().UTC()
	return m.store.SetParameter(p)
}

// lastKnownGood finds the newest accepted value for the parameter from
// concluded optimizations, gradual steps and A/B tests alike.
func (m *Monitor) lastKnownGood(rule, parameter string) (string, bool) {
	opts, err := m.store.ListOptimizations(rule, 50)
	if err != nil {
		return "", false
	}
	for _, opt := range opts {
		if opt.Parameter == parameter && opt.Status == store.StatusAccepted {
			return opt.CandidateValue, true
		}
	}
	return "", false
}

// finish removes the watch and stops its timers.
func (m *Monitor) finish(w *watch) {
	w.stopOnce.Do(func() { close(w.stop) })
	m.mu.Lock()
	delete(m.watches, w.opt.ID)
	m.mu.Unlock()
}

// #endregion
