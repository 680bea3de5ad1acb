package store

// #region migrations

// Migrations are forward-only. The store applies every migration with a
// version greater than the on-disk schema_version inside one
// transaction, and refuses to open a database whose version is newer
// than the last entry here.
type migration struct {
	version int
	stmts   string
}

var migrations = []migration{
	{version: 1, stmts: schemaV1},
	{version: 2, stmts: schemaV2},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	version  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	rule         TEXT NOT NULL,
	ts           TEXT NOT NULL,
	duration_ms  REAL NOT NULL CHECK (duration_ms >= 0),
	success      INTEGER NOT NULL DEFAULT 0,
	blocked      INTEGER NOT NULL DEFAULT 0,
	path         TEXT NOT NULL DEFAULT '',
	extension    TEXT NOT NULL DEFAULT '',
	fingerprint  TEXT NOT NULL DEFAULT '',
	error_text   TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_records_rule_ts
ON execution_records(rule, ts DESC);

CREATE TABLE IF NOT EXISTS pattern_stats (
	rule             TEXT NOT NULL,
	pattern_type     TEXT NOT NULL,
	pattern_value    TEXT NOT NULL,
	total            INTEGER NOT NULL DEFAULT 0,
	successes        INTEGER NOT NULL DEFAULT 0,
	blocks           INTEGER NOT NULL DEFAULT 0,
	duration_sum_ms  REAL NOT NULL DEFAULT 0,
	last_seen        TEXT NOT NULL,
	PRIMARY KEY (rule, pattern_type, pattern_value)
);

CREATE TABLE IF NOT EXISTS pattern_effectiveness (
	rule            TEXT NOT NULL,
	pattern_type    TEXT NOT NULL,
	pattern_key     TEXT NOT NULL,
	true_positives  INTEGER NOT NULL DEFAULT 0,
	false_positives INTEGER NOT NULL DEFAULT 0,
	true_negatives  INTEGER NOT NULL DEFAULT 0,
	false_negatives INTEGER NOT NULL DEFAULT 0,
	last_updated    TEXT NOT NULL,
	PRIMARY KEY (rule, pattern_type, pattern_key)
);

CREATE TABLE IF NOT EXISTS parameters (
	rule          TEXT NOT NULL,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	value         TEXT NOT NULL,
	last_updated  TEXT NOT NULL,
	PRIMARY KEY (rule, name)
);

CREATE TABLE IF NOT EXISTS parameter_changes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	rule        TEXT NOT NULL,
	parameter   TEXT NOT NULL,
	old_value   TEXT NOT NULL,
	new_value   TEXT NOT NULL,
	confidence  REAL NOT NULL DEFAULT 0,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_parameter_changes_rule
ON parameter_changes(rule, parameter, created_at DESC);

CREATE TABLE IF NOT EXISTS optimizations (
	id               TEXT PRIMARY KEY,
	rule             TEXT NOT NULL,
	parameter        TEXT NOT NULL,
	kind             TEXT NOT NULL,
	old_value        TEXT NOT NULL,
	candidate_value  TEXT NOT NULL,
	baseline_json    TEXT NOT NULL DEFAULT '',
	checkpoints_json TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'active',
	reason           TEXT NOT NULL DEFAULT '',
	success_before   REAL NOT NULL DEFAULT 0,
	success_after    REAL NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	concluded_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_optimizations_rule
ON optimizations(rule, created_at DESC);

CREATE TABLE IF NOT EXISTS insights (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	rule         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	confidence   REAL NOT NULL DEFAULT 0,
	applied      INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	applied_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_insights_rule_applied
ON insights(rule, applied, created_at DESC);
`

// schemaV2 adds a status index for the monitor's active-optimization
// scans. Kept separate so a v1 database migrates in place.
const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_optimizations_status
ON optimizations(status, rule);
`

// #endregion migrations
