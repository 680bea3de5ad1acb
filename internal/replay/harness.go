// Package replay re-runs recorded executions through the full learning
// pipeline deterministically: the clock is the fixture's offsets, not
// wall time, so the same fixture always produces the same parameters.
package replay

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-guard/internal/capture"
	"github.com/danielpatrickdp/adaptive-guard/internal/effect"
	"github.com/danielpatrickdp/adaptive-guard/internal/monitor"
	"github.com/danielpatrickdp/adaptive-guard/internal/store"
	"github.com/danielpatrickdp/adaptive-guard/internal/tuner"
)

// replayEpoch anchors all fixture offsets.
var replayEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// #region summary

// Summary aggregates what the pipeline learned from one replay run.
type Summary struct {
	Executions int
	Blocked    int

	Validated      int
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	OptimizationsStarted int
	Accepted             int
	RolledBack           int
	CooldownSkips        int64

	FinalTimeoutMs  float64
	PendingInsights int
}

// #endregion

// #region harness

// Harness owns the pipeline components for one replay run.
type Harness struct {
	rule  string
	cfg   Config
	store *store.Store
	track *effect.Tracker
	tuner *tuner.Tuner
	mon   *monitor.Monitor

	clock   time.Time
	watches []string
	scratch string // temp db file removed on Close, "" when caller-owned
}

// New builds a harness over a fresh store at dbPath. An empty path
// uses a scratch file deleted on Close. The connection pool means a
// real file is always used; ":memory:" would give each pooled
// connection its own database.
func New(dbPath, rule string, cfg Config) (*Harness, error) {
	scratch := ""
	if dbPath == "" || dbPath == ":memory:" {
		f, err := os.CreateTemp("", "adaptive-guard-replay-*.db")
		if err != nil {
			return nil, fmt.Errorf("scratch db: %w", err)
		}
		dbPath = f.Name()
		scratch = dbPath
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("scratch db: %w", err)
		}
	}

	st, err := store.Open(dbPath, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	track, err := effect.New(st, zap.NewNop(), effect.DefaultConfig())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	h := &Harness{
		rule:    rule,
		cfg:     cfg,
		store:   st,
		track:   track,
		tuner:   tuner.New(st, zap.NewNop(), cfg.Tuner),
		mon:     monitor.New(st, zap.NewNop(), monitor.DefaultConfig()),
		clock:   replayEpoch,
		scratch: scratch,
	}
	h.tuner.SetClock(h.now)
	h.mon.SetClock(h.now)

	if err := st.SetParameter(store.Parameter{
		Rule:        rule,
		Name:        tuner.ParamTimeoutMs,
		Kind:        store.KindDurationMs,
		Value:       strconv.FormatFloat(float64(cfg.InitialTimeout)/float64(time.Millisecond), 'f', -1, 64),
		LastUpdated: replayEpoch,
	}); err != nil {
		_ = st.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) now() time.Time { return h.clock }

// Close releases the harness store and removes any scratch database.
func (h *Harness) Close() error {
	err := h.store.Close()
	if h.scratch != "" {
		_ = os.Remove(h.scratch)
	}
	return err
}

// #endregion

// #region run

// Run drives every fixture execution through capture, storage,
// validation, periodic optimization and monitoring, then settles all
// in-flight optimizations and summarizes.
func (h *Harness) Run(executions []FixtureExecution) (Summary, error) {
	var s Summary

	for i, ex := range executions {
		h.clock = replayEpoch.Add(time.Duration(ex.OffsetMs) * time.Millisecond)
		rec := capture.Capture(capture.Input{Rule: h.rule, Path: ex.Path, Now: h.clock})
		duration := time.Duration(ex.DurationMs) * time.Millisecond

		if _, err := h.store.InsertExecution(store.ExecutionRecord{
			Rule:        h.rule,
			Timestamp:   h.clock,
			Duration:    duration,
			Success:     ex.Success,
			Blocked:     ex.Blocked,
			Path:        ex.Path,
			Extension:   rec.Extension,
			Fingerprint: rec.Fingerprint,
			ErrorText:   ex.Error,
		}); err != nil {
			return s, fmt.Errorf("execution %d: %w", i, err)
		}
		for _, pat := range rec.PatternKeys() {
			if err := h.store.ObservePattern(h.rule, pat.Type, pat.Value, ex.Success, ex.Blocked, duration); err != nil {
				return s, fmt.Errorf("execution %d pattern %s: %w", i, pat.Type, err)
			}
		}
		s.Executions++
		if ex.Blocked {
			s.Blocked++
		}

		id := h.track.RecordDecision(rec, ex.Blocked, rec.PatternKeys())
		if ex.ActualShouldBlock != nil {
			if v, ok := h.track.ValidateDecision(id, *ex.ActualShouldBlock); ok {
				s.Validated++
				switch v.Cell {
				case store.CellTruePositive:
					s.TruePositives++
				case store.CellFalsePositive:
					s.FalsePositives++
				case store.CellTrueNegative:
					s.TrueNegatives++
				case store.CellFalseNegative:
					s.FalseNegatives++
				}
			}
		}

		n := i + 1
		if n%h.cfg.CheckEveryN == 0 {
			h.checkWatches()
		}
		if n%h.cfg.OptimizeEveryN == 0 {
			if err := h.optimize(&s); err != nil {
				return s, fmt.Errorf("execution %d optimize: %w", i, err)
			}
		}
	}

	h.finishWatches()
	return h.summarize(s)
}

func (h *Harness) optimize(s *Summary) error {
	recent, err := h.store.RecentExecutions(h.rule, 500)
	if err != nil {
		return err
	}
	current, err := h.tuner.CurrentTimeout(h.rule)
	if err != nil {
		return err
	}

	report := analyzer.Analyze(h.rule, recent, current, h.cfg.Analyzer)
	if !report.Sufficient {
		return nil
	}

	opt, err := h.tuner.OptimizeTimeout(h.rule, report)
	if err != nil {
		return err
	}
	if opt != nil {
		s.OptimizationsStarted++
		if err := h.mon.Track(*opt); err != nil {
			return err
		}
		h.watches = append(h.watches, opt.ID)
	}

	rows, err := h.track.PatternStats(h.rule, "")
	if err != nil {
		return err
	}
	_, err = h.tuner.RefinePatterns(h.rule, rows)
	return err
}

// checkWatches runs one monitor checkpoint per in-flight optimization,
// dropping the ones that concluded.
func (h *Harness) checkWatches() {
	remaining := h.watches[:0]
	for _, id := range h.watches {
		if !h.mon.RunCheck(id) {
			remaining = append(remaining, id)
		}
	}
	h.watches = remaining
}

func (h *Harness) finishWatches() {
	for _, id := range h.watches {
		h.mon.RunFinal(id)
	}
	h.watches = nil
}

func (h *Harness) summarize(s Summary) (Summary, error) {
	final, err := h.tuner.CurrentTimeout(h.rule)
	if err != nil {
		return s, err
	}
	s.FinalTimeoutMs = float64(final) / float64(time.Millisecond)
	s.CooldownSkips = h.tuner.CooldownSkips.Load()

	opts, err := h.store.ListOptimizations(h.rule, 1000)
	if err != nil {
		return s, err
	}
	for _, opt := range opts {
		switch opt.Status {
		case store.StatusAccepted:
			s.Accepted++
		case store.StatusRolledBack:
			s.RolledBack++
		}
	}

	pending, err := h.store.PendingInsights(h.rule)
	if err != nil {
		return s, err
	}
	s.PendingInsights = len(pending)
	return s, nil
}

// #endregion
