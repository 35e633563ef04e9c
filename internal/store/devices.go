package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sdhome/sdhome/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const deviceColumns = `device_id, friendly_name, display_name, ieee_address, model_id,
	manufacturer, description, power_source, device_type, zone_id,
	capabilities, attributes, last_seen, is_available, link_quality`

// GetDevice looks a device up by device ID or friendly name. Returns
// [ErrNotFound] when no row matches.
func (s *Store) GetDevice(idOrName string) (*domain.Device, error) {
	row := s.db.QueryRow(
		`SELECT `+deviceColumns+` FROM devices
		 WHERE device_id = ? OR friendly_name = ?`,
		idOrName, idOrName,
	)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %q: %w", idOrName, ErrNotFound)
	}
	return d, err
}

// ListDevices returns every known device ordered by device ID.
func (s *Store) ListDevices() ([]domain.Device, error) {
	rows, err := s.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// UpsertDevice inserts the device or replaces every mutable field of
// an existing row. Attribute merging is the caller's concern; the row
// is written as given.
func (s *Store) UpsertDevice(d *domain.Device) error {
	var zoneID sql.NullInt64
	if d.ZoneID != nil {
		zoneID = sql.NullInt64{Int64: *d.ZoneID, Valid: true}
	}
	var linkQuality sql.NullInt64
	if d.LinkQuality != nil {
		linkQuality = sql.NullInt64{Int64: int64(*d.LinkQuality), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET
			friendly_name = excluded.friendly_name,
			display_name  = excluded.display_name,
			ieee_address  = excluded.ieee_address,
			model_id      = excluded.model_id,
			manufacturer  = excluded.manufacturer,
			description   = excluded.description,
			power_source  = excluded.power_source,
			device_type   = excluded.device_type,
			zone_id       = excluded.zone_id,
			capabilities  = excluded.capabilities,
			attributes    = excluded.attributes,
			last_seen     = excluded.last_seen,
			is_available  = excluded.is_available,
			link_quality  = excluded.link_quality`,
		d.DeviceID, d.FriendlyName, nullStr(d.DisplayName), nullStr(d.IEEEAddress),
		nullStr(d.ModelID), nullStr(d.Manufacturer), nullStr(d.Description),
		d.PowerSource, nullStr(string(d.DeviceType)), zoneID,
		encodeJSON(d.Capabilities, "[]"), encodeJSON(d.Attributes, "{}"),
		encodeTimePtr(d.LastSeen), d.IsAvailable, linkQuality,
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var (
		d                        domain.Device
		display, ieee, model     sql.NullString
		manufacturer, desc       sql.NullString
		deviceType, lastSeen     sql.NullString
		capsJSON, attrsJSON      string
		zoneID, linkQuality      sql.NullInt64
	)
	err := row.Scan(&d.DeviceID, &d.FriendlyName, &display, &ieee, &model,
		&manufacturer, &desc, &d.PowerSource, &deviceType, &zoneID,
		&capsJSON, &attrsJSON, &lastSeen, &d.IsAvailable, &linkQuality)
	if err != nil {
		return nil, err
	}

	d.DisplayName = strOrEmpty(display)
	d.IEEEAddress = strOrEmpty(ieee)
	d.ModelID = strOrEmpty(model)
	d.Manufacturer = strOrEmpty(manufacturer)
	d.Description = strOrEmpty(desc)
	d.DeviceType = domain.DeviceType(strOrEmpty(deviceType))
	if zoneID.Valid {
		z := zoneID.Int64
		d.ZoneID = &z
	}
	if linkQuality.Valid {
		lq := int(linkQuality.Int64)
		d.LinkQuality = &lq
	}
	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", d.DeviceID, err)
	}
	if err := json.Unmarshal([]byte(attrsJSON), &d.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes for %s: %w", d.DeviceID, err)
	}
	if d.LastSeen, err = decodeTimePtr(lastSeen); err != nil {
		return nil, err
	}
	return &d, nil
}
