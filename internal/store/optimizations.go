package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// #region optimizations

// InsertOptimization records a newly proposed tuning attempt in the
// active state.
func (s *Store) InsertOptimization(opt Optimization) error {
	if opt.CreatedAt.IsZero() {
		opt.CreatedAt = time.Now().UTC()
	}
	if opt.Status == "" {
		opt.Status = StatusActive
	}
	if opt.CheckpointsJSON == "" {
		opt.CheckpointsJSON = "[]"
	}
	_, err := s.exec(
		`INSERT INTO optimizations
		 (id, rule, parameter, kind, old_value, candidate_value, baseline_json,
		  checkpoints_json, status, reason, success_before, success_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opt.ID, opt.Rule, opt.Parameter, string(opt.Kind), opt.OldValue, opt.CandidateValue,
		opt.BaselineJSON, opt.CheckpointsJSON, string(opt.Status), opt.Reason,
		opt.SuccessBefore, opt.SuccessAfter,
		opt.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert optimization: %w", err)
	}
	return nil
}

// GetOptimization reads one tuning attempt by id.
func (s *Store) GetOptimization(id string) (Optimization, error) {
	row := s.db.QueryRow(
		`SELECT id, rule, parameter, kind, old_value, candidate_value, baseline_json,
		        checkpoints_json, status, reason, success_before, success_after,
		        created_at, concluded_at
		 FROM optimizations WHERE id = ?`, id,
	)
	opt, err := scanOptimization(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Optimization{}, ErrNotFound
		}
		return Optimization{}, err
	}
	return opt, nil
}

// SetBaseline stores the pre-change metrics snapshot of an active
// optimization.
func (s *Store) SetBaseline(id, baselineJSON string) error {
	_, err := s.exec(
		`UPDATE optimizations SET baseline_json = ?, success_before =
		   COALESCE(json_extract(?, '$.success_rate'), success_before)
		 WHERE id = ? AND status = 'active'`,
		baselineJSON, baselineJSON, id,
	)
	if err != nil {
		return fmt.Errorf("set baseline: %w", err)
	}
	return nil
}

// UpdateCheckpoints replaces the serialized checkpoint list of an
// active optimization.
func (s *Store) UpdateCheckpoints(id, checkpointsJSON string) error {
	_, err := s.exec(
		`UPDATE optimizations SET checkpoints_json = ? WHERE id = ? AND status = 'active'`,
		checkpointsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("update checkpoints: %w", err)
	}
	return nil
}

// ConcludeOptimization moves an active attempt to accepted or
// rolled_back. The transition is one-way: a concluded row is never
// touched again, and concluding twice is an error.
func (s *Store) ConcludeOptimization(id string, status OptimizationStatus, reason string, successAfter float64) error {
	if status != StatusAccepted && status != StatusRolledBack {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.exec(
		`UPDATE optimizations
		 SET status = ?, reason = ?, success_after = ?, concluded_at = ?
		 WHERE id = ? AND status = 'active'`,
		string(status), reason, successAfter,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("conclude optimization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("optimization %s not active: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveOptimizations returns in-flight attempts for a rule.
func (s *Store) ActiveOptimizations(rule string) ([]Optimization, error) {
	return s.queryOptimizations(
		`SELECT id, rule, parameter, kind, old_value, candidate_value, baseline_json,
		        checkpoints_json, status, reason, success_before, success_after,
		        created_at, concluded_at
		 FROM optimizations WHERE rule = ? AND status = 'active' ORDER BY created_at DESC`,
		rule,
	)
}

// ListOptimizations returns the newest attempts for a rule, any status.
func (s *Store) ListOptimizations(rule string, limit int) ([]Optimization, error) {
	return s.queryOptimizations(
		`SELECT id, rule, parameter, kind, old_value, candidate_value, baseline_json,
		        checkpoints_json, status, reason, success_before, success_after,
		        created_at, concluded_at
		 FROM optimizations WHERE rule = ? ORDER BY created_at DESC LIMIT ?`,
		rule, limit,
	)
}

func (s *Store) queryOptimizations(query string, args ...any) ([]Optimization, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query optimizations: %w", err)
	}
	defer rows.Close()

	var opts []Optimization
	for rows.Next() {
		opt, err := scanOptimization(rows)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptimization(row rowScanner) (Optimization, error) {
	var opt Optimization
	var created string
	var concluded sql.NullString
	err := row.Scan(&opt.ID, &opt.Rule, &opt.Parameter, &opt.Kind, &opt.OldValue,
		&opt.CandidateValue, &opt.BaselineJSON, &opt.CheckpointsJSON, &opt.Status,
		&opt.Reason, &opt.SuccessBefore, &opt.SuccessAfter, &created, &concluded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Optimization{}, sql.ErrNoRows
		}
		return Optimization{}, fmt.Errorf("scan optimization: %w", err)
	}
	opt.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if concluded.Valid {
		opt.ConcludedAt, _ = time.Parse(time.RFC3339Nano, concluded.String)
	}
	return opt, nil
}

// #endregion

// #region insights

// InsertInsight records a generated recommendation.
func (s *Store) InsertInsight(in Insight) (int64, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.PayloadJSON == "" {
		in.PayloadJSON = "{}"
	}
	res, err := s.exec(
		`INSERT INTO insights (rule, kind, payload_json, confidence, applied, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		in.Rule, string(in.Kind), in.PayloadJSON, in.Confidence,
		in.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert insight: %w", err)
	}
	return res.LastInsertId()
}

// PendingInsights returns unapplied insights for a rule, oldest first
// so they are consumed in generation order.
func (s *Store) PendingInsights(rule string) ([]Insight, error) {
	rows, err := s.db.Query(
		`SELECT id, rule, kind, payload_json, confidence, applied, created_at, applied_at
		 FROM insights WHERE rule = ? AND applied = 0 ORDER BY id ASC`, rule,
	)
	if err != nil {
		return nil, fmt.Errorf("pending insights: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// CountInsights returns the total insights ever generated for a rule.
func (s *Store) CountInsights(rule string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM insights WHERE rule = ?`, rule).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count insights: %w", err)
	}
	return count, nil
}

// MarkInsightApplied consumes an insight. Each insight is consumed at
// most once; marking an already-applied insight reports ErrNotFound.
func (s *Store) MarkInsightApplied(id int64) error {
	res, err := s.exec(
		`UPDATE insights SET applied = 1, applied_at = ? WHERE id = ? AND applied = 0`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("mark insight applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInsight(rows *sql.Rows) (Insight, error) {
	var in Insight
	var applied int
	var created string
	var appliedAt sql.NullString
	if err := rows.Scan(&in.ID, &in.Rule, &in.Kind, &in.PayloadJSON, &in.Confidence,
		&applied, &created, &appliedAt); err != nil {
		return Insight{}, fmt.Errorf("scan insight: %w", err)
	}
	in.Applied = applied != 0
	in.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if appliedAt.Valid {
		in.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt.String)
	}
	return in, nil
}

// #endregion
