package store

import (
	"fmt"
	"time"
)

// #region pattern-stats

// ObservePattern upserts one observation into pattern_stats. Counters
// only ever grow.
func (s *Store) ObservePattern(rule, patternType, patternValue string, success, blocked bool, duration time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	durMs := float64(duration) / float64(time.Millisecond)
	_, err := s.exec(
		`INSERT INTO pattern_stats
		 (rule, pattern_type, pattern_value, total, successes, blocks, duration_sum_ms, last_seen)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT(rule, pattern_type, pattern_value) DO UPDATE SET
		   total = total + 1,
		   successes = successes + excluded.successes,
		   blocks = blocks + excluded.blocks,
		   duration_sum_ms = duration_sum_ms + excluded.duration_sum_ms,
		   last_seen = excluded.last_seen`,
		rule, patternType, patternValue, boolInt(success), boolInt(blocked), durMs, now,
	)
	if err != nil {
		return fmt.Errorf("observe pattern: %w", err)
	}
	return nil
}

// PatternStats returns all aggregate pattern counters for a rule.
func (s *Store) PatternStats(rule string) ([]PatternStat, error) {
	rows, err := s.db.Query(
		`SELECT rule, pattern_type, pattern_value, total, successes, blocks, duration_sum_ms, last_seen
		 FROM pattern_stats WHERE rule = ? ORDER BY pattern_type, pattern_value`, rule,
	)
	if err != nil {
		return nil, fmt.Errorf("pattern stats: %w", err)
	}
	defer rows.Close()

	var stats []PatternStat
	for rows.Next() {
		var st PatternStat
		var lastSeen string
		if err := rows.Scan(&st.Rule, &st.PatternType, &st.PatternValue,
			&st.Total, &st.Successes, &st.Blocks, &st.DurationSumMs, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern stat: %w", err)
		}
		st.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// #endregion

// #region effectiveness

var cellColumns = map[Cell]string{
	CellTruePositive:  "true_positives",
	CellFalsePositive: "false_positives",
	CellTrueNegative:  "true_negatives",
	CellFalseNegative: "false_negatives",
}

// IncrementEffectiveness adds one validated decision to the confusion
// matrix of a pattern key. Each cell is monotonically non-decreasing.
func (s *Store) IncrementEffectiveness(rule, patternType, patternKey string, cell Cell) error {
	col, ok := cellColumns[cell]
	if !ok {
		return fmt.Errorf("unknown confusion cell %q", cell)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(
		`INSERT INTO pattern_effectiveness
		 (rule, pattern_type, pattern_key, %s, last_updated)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(rule, pattern_type, pattern_key) DO UPDATE SET
		   %s = %s + 1,
		   last_updated = excluded.last_updated`, col, col, col)
	if _, err := s.exec(query, rule, patternType, patternKey, now); err != nil {
		return fmt.Errorf("increment effectiveness: %w", err)
	}
	return nil
}

// Effectiveness returns confusion matrices for a rule, optionally
// filtered to one pattern type (empty string = all).
func (s *Store) Effectiveness(rule, patternType string) ([]PatternEffectiveness, error) {
	query := `SELECT rule, pattern_type, pattern_key,
	                 true_positives, false_positives, true_negatives, false_negatives, last_updated
	          FROM pattern_effectiveness WHERE rule = ?`
	args := []any{rule}
	if patternType != "" {
		query += ` AND pattern_type = ?`
		args = append(args, patternType)
	}
	query += ` ORDER BY pattern_type, pattern_key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("effectiveness: %w", err)
	}
	defer rows.Close()

	var out []PatternEffectiveness
	for rows.Next() {
		var pe PatternEffectiveness
		var updated string
		if err := rows.Scan(&pe.Rule, &pe.PatternType, &pe.PatternKey,
			&pe.TruePositives, &pe.FalsePositives, &pe.TrueNegatives, &pe.FalseNegatives,
			&updated); err != nil {
			return nil, fmt.Errorf("scan effectiveness: %w", err)
		}
		pe.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, pe)
	}
	return out, rows.Err()
}

// #endregion
