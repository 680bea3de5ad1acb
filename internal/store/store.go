// Package store owns all durable state for the learning subsystem.
// Every other component holds only transient views derived from it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// #region errors

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSchemaTooNew is returned when the on-disk schema version is
	// newer than this binary understands.
	ErrSchemaTooNew = errors.New("store: schema version newer than supported")
)

// #endregion

// #region store-struct

// Store manages learning state in SQLite. Writes are serialized by
// SQLite itself (WAL, single writer); contended writes are retried
// with a bounded backoff so concurrent recorders never fail hard.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// #endregion

// #region constructor

// Open opens a SQLite database, configures WAL, and migrates the
// schema to the current version. A database created by a newer build
// is refused with ErrSchemaTooNew.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	s := &Store{db: db, log: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// #endregion

// #region close

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion

// #region migrate

func (s *Store) migrate() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("%w: on disk %d, supported %d", ErrSchemaTooNew, current, latest)
	}
	if current == latest {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.stmts); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_version (id, version) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version`, latest,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	if current > 0 {
		s.log.Info("migrated schema", zap.Int("from", current), zap.Int("to", latest))
	}
	return nil
}

// SchemaVersion reads the on-disk schema version. A fresh database
// reports 0.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// #endregion

// #region write-retry

const (
	maxWriteAttempts = 5
	retryBackoff     = 20 * time.Millisecond
)

// exec runs a write with a bounded retry on lock contention. SQLite's
// busy_timeout handles most contention; the retry covers the
// SQLITE_BUSY returns that escape it under WAL checkpointing.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		res, err := s.db.Exec(query, args...)
		if err == nil {
			return res, nil
		}
		if !isBusy(err) {
			return nil, err
		}
		lastErr = err
		time.Sleep(retryBackoff * time.Duration(attempt+1))
	}
	return nil, fmt.Errorf("write contention after %d attempts: %w", maxWriteAttempts, lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// #endregion
