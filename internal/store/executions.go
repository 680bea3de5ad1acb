package store

import (
	"database/sql"
	"fmt"
	"time"
)

// #region insert

// InsertExecution appends one immutable execution fact.
func (s *Store) InsertExecution(rec ExecutionRecord) (int64, error) {
	if rec.Duration < 0 {
		rec.Duration = 0
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	res, err := s.exec(
		`INSERT INTO execution_records
		 (rule, ts, duration_ms, success, blocked, path, extension, fingerprint, error_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Rule,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		float64(rec.Duration)/float64(time.Millisecond),
		boolInt(rec.Success),
		boolInt(rec.Blocked),
		rec.Path,
		rec.Extension,
		rec.Fingerprint,
		nullIfEmpty(rec.ErrorText),
	)
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	return res.LastInsertId()
}

// #endregion

// #region queries

// RecentExecutions returns the newest n executions for a rule,
// most recent first.
func (s *Store) RecentExecutions(rule string, n int) ([]ExecutionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, rule, ts, duration_ms, success, blocked, path, extension, fingerprint, error_text
		 FROM execution_records WHERE rule = ? ORDER BY id DESC LIMIT ?`, rule, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountExecutions returns the total executions recorded for a rule.
func (s *Store) CountExecutions(rule string) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM execution_records WHERE rule = ?`, rule,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

func scanExecution(rows *sql.Rows) (ExecutionRecord, error) {
	var rec ExecutionRecord
	var tsStr string
	var durMs float64
	var success, blocked int
	var errText sql.NullString

	if err := rows.Scan(&rec.ID, &rec.Rule, &tsStr, &durMs, &success, &blocked,
		&rec.Path, &rec.Extension, &rec.Fingerprint, &errText); err != nil {
		return ExecutionRecord{}, fmt.Errorf("scan execution: %w", err)
	}
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
	rec.Duration = time.Duration(durMs * float64(time.Millisecond))
	rec.Success = success != 0
	rec.Blocked = blocked != 0
	if errText.Valid {
		rec.ErrorText = errText.String
	}
	return rec, nil
}

// #endregion

// #region retention

// PruneExecutions deletes execution facts older than the cutoff and
// returns the number removed. Aggregates are never pruned.
func (s *Store) PruneExecutions(olderThan time.Time) (int64, error) {
	res, err := s.exec(
		`DELETE FROM execution_records WHERE ts < ?`,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

// #endregion

// #region helpers

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion
