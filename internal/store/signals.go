package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sdhome/sdhome/internal/domain"
)

// InsertSignalEvent persists a signal event. Signal events are
// immutable; there is no update path.
func (s *Store) InsertSignalEvent(ev *domain.SignalEvent) error {
	var value sql.NullFloat64
	if ev.Value != nil {
		value = sql.NullFloat64{Float64: *ev.Value, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO signal_events
		 (id, timestamp, source, device_id, capability, event_type, event_sub_type,
		  value, raw_topic, raw_payload, device_kind, event_category)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), encodeTime(ev.Timestamp), ev.Source, ev.DeviceID,
		ev.Capability, ev.EventType, nullStr(ev.EventSubType), value,
		ev.RawTopic, string(ev.RawPayload), string(ev.DeviceKind), string(ev.EventCategory),
	)
	if err != nil {
		return fmt.Errorf("insert signal event %s: %w", ev.ID, err)
	}
	return nil
}

// InsertSensorReading persists a projected sensor reading.
func (s *Store) InsertSensorReading(r *domain.SensorReading) error {
	_, err := s.db.Exec(
		`INSERT INTO sensor_readings
		 (id, signal_event_id, timestamp, device_id, metric, value, unit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.SignalEventID.String(), encodeTime(r.Timestamp),
		r.DeviceID, r.Metric, r.Value, nullStr(r.Unit),
	)
	if err != nil {
		return fmt.Errorf("insert sensor reading %s: %w", r.ID, err)
	}
	return nil
}

// InsertTriggerEvent persists a projected trigger event.
func (s *Store) InsertTriggerEvent(te *domain.TriggerEvent) error {
	var value sql.NullBool
	if te.Value != nil {
		value = sql.NullBool{Bool: *te.Value, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO trigger_events
		 (id, signal_event_id, timestamp, device_id, capability, trigger_type, trigger_sub_type, value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		te.ID.String(), te.SignalEventID.String(), encodeTime(te.Timestamp),
		te.DeviceID, te.Capability, te.Type, nullStr(te.SubType), value,
	)
	if err != nil {
		return fmt.Errorf("insert trigger event %s: %w", te.ID, err)
	}
	return nil
}

// SignalEventsSince returns signal events at or after cutoff in
// ascending timestamp order. The automation engine replays these on
// startup to warm its device-state and sensor-reading caches.
func (s *Store) SignalEventsSince(cutoff time.Time) ([]domain.SignalEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, source, device_id, capability, event_type,
		        event_sub_type, value, raw_topic, raw_payload, device_kind, event_category
		 FROM signal_events WHERE timestamp >= ? ORDER BY timestamp ASC`,
		encodeTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query signal events: %w", err)
	}
	defer rows.Close()

	var events []domain.SignalEvent
	for rows.Next() {
		ev, err := scanSignalEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// SignalEventsByDevice returns the most recent signal events for one
// device, newest first.
func (s *Store) SignalEventsByDevice(deviceID string, limit int) ([]domain.SignalEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, source, device_id, capability, event_type,
		        event_sub_type, value, raw_topic, raw_payload, device_kind, event_category
		 FROM signal_events WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query signal events for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var events []domain.SignalEvent
	for rows.Next() {
		ev, err := scanSignalEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func scanSignalEvent(rows *sql.Rows) (*domain.SignalEvent, error) {
	var (
		id, ts, subType, payload sql.NullString
		value                    sql.NullFloat64
		ev                       domain.SignalEvent
		kind, category           string
	)
	if err := rows.Scan(&id, &ts, &ev.Source, &ev.DeviceID, &ev.Capability,
		&ev.EventType, &subType, &value, &ev.RawTopic, &payload, &kind, &category); err != nil {
		return nil, fmt.Errorf("scan signal event: %w", err)
	}

	parsed, err := uuid.Parse(id.String)
	if err != nil {
		return nil, fmt.Errorf("parse signal event id %q: %w", id.String, err)
	}
	ev.ID = parsed
	if ev.Timestamp, err = decodeTime(ts.String); err != nil {
		return nil, err
	}
	ev.EventSubType = strOrEmpty(subType)
	if value.Valid {
		v := value.Float64
		ev.Value = &v
	}
	ev.RawPayload = json.RawMessage(payload.String)
	ev.DeviceKind = domain.DeviceKind(kind)
	ev.EventCategory = domain.EventCategory(category)
	return &ev, nil
}

// SensorReadingsByDevice returns recent readings for a device, newest
// first, optionally filtered by metric ("" matches all).
func (s *Store) SensorReadingsByDevice(deviceID, metric string, limit int) ([]domain.SensorReading, error) {
	query := `SELECT id, signal_event_id, timestamp, device_id, metric, value, unit
	          FROM sensor_readings WHERE device_id = ?`
	args := []any{deviceID}
	if metric != "" {
		query += ` AND metric = ?`
		args = append(args, metric)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sensor readings for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var readings []domain.SensorReading
	for rows.Next() {
		var (
			r        domain.SensorReading
			id, sid  string
			ts, unit sql.NullString
		)
		if err := rows.Scan(&id, &sid, &ts, &r.DeviceID, &r.Metric, &r.Value, &unit); err != nil {
			return nil, fmt.Errorf("scan sensor reading: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if r.SignalEventID, err = uuid.Parse(sid); err != nil {
			return nil, err
		}
		if r.Timestamp, err = decodeTime(ts.String); err != nil {
			return nil, err
		}
		r.Unit = strOrEmpty(unit)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// TriggerEventsByDevice returns recent trigger events for a device,
// newest first.
func (s *Store) TriggerEventsByDevice(deviceID string, limit int) ([]domain.TriggerEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, signal_event_id, timestamp, device_id, capability,
		        trigger_type, trigger_sub_type, value
		 FROM trigger_events WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trigger events for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var events []domain.TriggerEvent
	for rows.Next() {
		var (
			te       domain.TriggerEvent
			id, sid  string
			ts, sub  sql.NullString
			value    sql.NullBool
			scanErr  error
		)
		if scanErr = rows.Scan(&id, &sid, &ts, &te.DeviceID, &te.Capability,
			&te.Type, &sub, &value); scanErr != nil {
			return nil, fmt.Errorf("scan trigger event: %w", scanErr)
		}
		if te.ID, scanErr = uuid.Parse(id); scanErr != nil {
			return nil, scanErr
		}
		if te.SignalEventID, scanErr = uuid.Parse(sid); scanErr != nil {
			return nil, scanErr
		}
		if te.Timestamp, scanErr = decodeTime(ts.String); scanErr != nil {
			return nil, scanErr
		}
		te.SubType = strOrEmpty(sub)
		if value.Valid {
			v := value.Bool
			te.Value = &v
		}
		events = append(events, te)
	}
	return events, rows.Err()
}
