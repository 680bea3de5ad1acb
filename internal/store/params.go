package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// #region parameters

// GetParameter reads one parameter, or ErrNotFound.
func (s *Store) GetParameter(rule, name string) (Parameter, error) {
	var p Parameter
	var updated string
	err := s.db.QueryRow(
		`SELECT rule, name, kind, value, last_updated FROM parameters
		 WHERE rule = ? AND name = ?`, rule, name,
	).Scan(&p.Rule, &p.Name, &p.Kind, &p.Value, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Parameter{}, ErrNotFound
		}
		return Parameter{}, fmt.Errorf("get parameter: %w", err)
	}
	p.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return p, nil
}

// SetParameter upserts a parameter value. Parameters are created with
// a default on first use and overwritten by the tuner; never deleted.
func (s *Store) SetParameter(p Parameter) error {
	now := time.Now().UTC()
	if !p.LastUpdated.IsZero() {
		now = p.LastUpdated.UTC()
	}
	_, err := s.exec(
		`INSERT INTO parameters (rule, name, kind, value, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(rule, name) DO UPDATE SET
		   kind = excluded.kind,
		   value = excluded.value,
		   last_updated = excluded.last_updated`,
		p.Rule, p.Name, string(p.Kind), p.Value, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set parameter: %w", err)
	}
	return nil
}

// ListParameters returns all parameters for a rule.
func (s *Store) ListParameters(rule string) ([]Parameter, error) {
	rows, err := s.db.Query(
		`SELECT rule, name, kind, value, last_updated FROM parameters
		 WHERE rule = ? ORDER BY name`, rule,
	)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close()

	var params []Parameter
	for rows.Next() {
		var p Parameter
		var updated string
		if err := rows.Scan(&p.Rule, &p.Name, &p.Kind, &p.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan parameter: %w", err)
		}
		p.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
		params = append(params, p)
	}
	return params, rows.Err()
}

// #endregion

// #region changes

// InsertChange appends one immutable parameter-change audit row.
func (s *Store) InsertChange(ch ParameterChange) (int64, error) {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	res, err := s.exec(
		`INSERT INTO parameter_changes
		 (rule, parameter, old_value, new_value, confidence, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.Rule, ch.Parameter, ch.OldValue, ch.NewValue, ch.Confidence, ch.Reason,
		ch.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert change: %w", err)
	}
	return res.LastInsertId()
}

// ListChanges returns the newest audit rows for a rule, most recent
// first. parameter may be empty to cover all parameters.
func (s *Store) ListChanges(rule, parameter string, limit int) ([]ParameterChange, error) {
	query := `SELECT id, rule, parameter, old_value, new_value, confidence, reason, created_at
	          FROM parameter_changes WHERE rule = ?`
	args := []any{rule}
	if parameter != "" {
		query += ` AND parameter = ?`
		args = append(args, parameter)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var changes []ParameterChange
	for rows.Next() {
		var ch ParameterChange
		var created string
		if err := rows.Scan(&ch.ID, &ch.Rule, &ch.Parameter, &ch.OldValue, &ch.NewValue,
			&ch.Confidence, &ch.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// LastChange returns the most recent change for one parameter, or
// ErrNotFound when the parameter has never changed.
func (s *Store) LastChange(rule, parameter string) (ParameterChange, error) {
	changes, err := s.ListChanges(rule, parameter, 1)
	if err != nil {
		return ParameterChange{}, err
	}
	if len(changes) == 0 {
		return ParameterChange{}, ErrNotFound
	}
	return changes[0], nil
}

// #endregion
