// Package store provides SQLite persistence for the sdhome pipeline:
// signal events and their derived rows, the device and zone registry,
// automation rules with their child tables, execution logs, and scenes.
// All public methods are safe for concurrent use (SQLite serializes
// writes). Callers scope units of work per inbound event or evaluation;
// the Store itself holds the only *sql.DB.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and migrates the
// schema. Foreign keys are enabled so rule child rows cascade on
// delete.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signal_events (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		source         TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		capability     TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		event_sub_type TEXT,
		value          REAL,
		raw_topic      TEXT NOT NULL,
		raw_payload    TEXT NOT NULL,
		device_kind    TEXT NOT NULL,
		event_category TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signal_events_device
		ON signal_events (device_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS sensor_readings (
		id              TEXT PRIMARY KEY,
		signal_event_id TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		metric          TEXT NOT NULL,
		value           REAL NOT NULL,
		unit            TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_device
		ON sensor_readings (device_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_metric
		ON sensor_readings (metric, timestamp DESC);

	CREATE TABLE IF NOT EXISTS trigger_events (
		id               TEXT PRIMARY KEY,
		signal_event_id  TEXT NOT NULL,
		timestamp        TEXT NOT NULL,
		device_id        TEXT NOT NULL,
		capability       TEXT NOT NULL,
		trigger_type     TEXT NOT NULL,
		trigger_sub_type TEXT,
		value            INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_trigger_events_device
		ON trigger_events (device_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_trigger_events_type
		ON trigger_events (trigger_type, timestamp DESC);

	CREATE TABLE IF NOT EXISTS devices (
		device_id     TEXT PRIMARY KEY,
		friendly_name TEXT NOT NULL,
		display_name  TEXT,
		ieee_address  TEXT,
		model_id      TEXT,
		manufacturer  TEXT,
		description   TEXT,
		power_source  INTEGER NOT NULL DEFAULT 0,
		device_type   TEXT,
		zone_id       INTEGER,
		capabilities  TEXT NOT NULL DEFAULT '[]',
		attributes    TEXT NOT NULL DEFAULT '{}',
		last_seen     TEXT,
		is_available  INTEGER NOT NULL DEFAULT 0,
		link_quality  INTEGER
	);

	CREATE TABLE IF NOT EXISTS zones (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT NOT NULL,
		parent_zone_id INTEGER REFERENCES zones (id),
		icon           TEXT,
		color          TEXT,
		sort_order     INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS automation_rules (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		is_enabled        INTEGER NOT NULL DEFAULT 1,
		trigger_mode      TEXT NOT NULL DEFAULT 'Any',
		condition_mode    TEXT NOT NULL DEFAULT 'All',
		cooldown_seconds  INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TEXT,
		execution_count   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS automation_triggers (
		id              TEXT PRIMARY KEY,
		rule_id         TEXT NOT NULL REFERENCES automation_rules (id) ON DELETE CASCADE,
		type            TEXT NOT NULL,
		device_id       TEXT,
		property        TEXT,
		operator        TEXT,
		value           TEXT,
		time_expression TEXT,
		sun_event       TEXT,
		offset_minutes  INTEGER NOT NULL DEFAULT 0,
		sort_order      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_automation_triggers_rule
		ON automation_triggers (rule_id);

	CREATE TABLE IF NOT EXISTS automation_conditions (
		id           TEXT PRIMARY KEY,
		rule_id      TEXT NOT NULL REFERENCES automation_rules (id) ON DELETE CASCADE,
		type         TEXT NOT NULL,
		device_id    TEXT,
		property     TEXT,
		operator     TEXT,
		value        TEXT,
		value2       TEXT,
		time_start   TEXT,
		time_end     TEXT,
		days_of_week TEXT,
		children     TEXT,
		sort_order   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_automation_conditions_rule
		ON automation_conditions (rule_id);

	CREATE TABLE IF NOT EXISTS automation_actions (
		id                   TEXT PRIMARY KEY,
		rule_id              TEXT NOT NULL REFERENCES automation_rules (id) ON DELETE CASCADE,
		type                 TEXT NOT NULL,
		device_id            TEXT,
		property             TEXT,
		value                TEXT,
		delay_seconds        INTEGER NOT NULL DEFAULT 0,
		webhook_url          TEXT,
		webhook_method       TEXT,
		webhook_body         TEXT,
		notification_title   TEXT,
		notification_message TEXT,
		scene_id             TEXT,
		sort_order           INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_automation_actions_rule
		ON automation_actions (rule_id);

	CREATE TABLE IF NOT EXISTS automation_execution_logs (
		id             TEXT PRIMARY KEY,
		rule_id        TEXT NOT NULL REFERENCES automation_rules (id) ON DELETE CASCADE,
		executed_at    TEXT NOT NULL,
		status         TEXT NOT NULL,
		trigger_source TEXT,
		action_results TEXT NOT NULL DEFAULT '[]',
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_rule
		ON automation_execution_logs (rule_id, executed_at DESC);

	CREATE TABLE IF NOT EXISTS scenes (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		device_states TEXT NOT NULL DEFAULT '{}'
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Column encoding helpers ---

// encodeTime renders a timestamp for storage. All stored times are UTC.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// decodeTime parses a stored timestamp.
func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// encodeTimePtr renders an optional timestamp.
func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

// decodeTimePtr parses an optional stored timestamp.
func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeJSON marshals v for a JSON text column, with a fallback literal
// for the zero case.
func encodeJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(data)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
