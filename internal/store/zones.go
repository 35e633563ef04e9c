package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sdhome/sdhome/internal/domain"
)

// CreateZone inserts a zone and returns its assigned ID. A parent may
// be given; the parent must exist.
func (s *Store) CreateZone(z *domain.Zone) error {
	if z.ParentZoneID != nil {
		if _, err := s.GetZone(*z.ParentZoneID); err != nil {
			return fmt.Errorf("create zone %q: parent %d: %w", z.Name, *z.ParentZoneID, err)
		}
	}
	var parent sql.NullInt64
	if z.ParentZoneID != nil {
		parent = sql.NullInt64{Int64: *z.ParentZoneID, Valid: true}
	}
	res, err := s.db.Exec(
		`INSERT INTO zones (name, parent_zone_id, icon, color, sort_order)
		 VALUES (?, ?, ?, ?, ?)`,
		z.Name, parent, nullStr(z.Icon), nullStr(z.Color), z.SortOrder,
	)
	if err != nil {
		return fmt.Errorf("create zone %q: %w", z.Name, err)
	}
	z.ID, err = res.LastInsertId()
	return err
}

// GetZone returns one zone by ID.
func (s *Store) GetZone(id int64) (*domain.Zone, error) {
	row := s.db.QueryRow(
		`SELECT id, name, parent_zone_id, icon, color, sort_order FROM zones WHERE id = ?`, id)
	z, err := scanZone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("zone %d: %w", id, ErrNotFound)
	}
	return z, err
}

// ListZones returns all zones ordered by sort order then name.
func (s *Store) ListZones() ([]domain.Zone, error) {
	rows, err := s.db.Query(
		`SELECT id, name, parent_zone_id, icon, color, sort_order
		 FROM zones ORDER BY sort_order, name`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var zones []domain.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

// UpdateZone rewrites a zone's fields. Re-parenting is rejected when it
// would create a cycle (a zone may never become its own ancestor).
func (s *Store) UpdateZone(z *domain.Zone) error {
	if z.ParentZoneID != nil {
		if *z.ParentZoneID == z.ID {
			return fmt.Errorf("update zone %d: cannot be its own parent", z.ID)
		}
		ancestor := z.ParentZoneID
		for ancestor != nil {
			if *ancestor == z.ID {
				return fmt.Errorf("update zone %d: re-parenting to %d creates a cycle", z.ID, *z.ParentZoneID)
			}
			p, err := s.GetZone(*ancestor)
			if err != nil {
				return err
			}
			ancestor = p.ParentZoneID
		}
	}

	var parent sql.NullInt64
	if z.ParentZoneID != nil {
		parent = sql.NullInt64{Int64: *z.ParentZoneID, Valid: true}
	}
	res, err := s.db.Exec(
		`UPDATE zones SET name = ?, parent_zone_id = ?, icon = ?, color = ?, sort_order = ?
		 WHERE id = ?`,
		z.Name, parent, nullStr(z.Icon), nullStr(z.Color), z.SortOrder, z.ID,
	)
	if err != nil {
		return fmt.Errorf("update zone %d: %w", z.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("zone %d: %w", z.ID, ErrNotFound)
	}
	return nil
}

// DeleteZone removes a zone. When reparent is true, direct children
// move to the deleted zone's parent (or become roots if it had none);
// when false, children become roots.
func (s *Store) DeleteZone(id int64, reparent bool) error {
	z, err := s.GetZone(id)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete zone %d: %w", id, err)
	}
	defer tx.Rollback()

	var newParent sql.NullInt64
	if reparent && z.ParentZoneID != nil {
		newParent = sql.NullInt64{Int64: *z.ParentZoneID, Valid: true}
	}
	if _, err := tx.Exec(
		`UPDATE zones SET parent_zone_id = ? WHERE parent_zone_id = ?`, newParent, id); err != nil {
		return fmt.Errorf("delete zone %d: reparent children: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE devices SET zone_id = NULL WHERE zone_id = ?`, id); err != nil {
		return fmt.Errorf("delete zone %d: detach devices: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM zones WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete zone %d: %w", id, err)
	}
	return tx.Commit()
}

func scanZone(row rowScanner) (*domain.Zone, error) {
	var (
		z           domain.Zone
		parent      sql.NullInt64
		icon, color sql.NullString
	)
	if err := row.Scan(&z.ID, &z.Name, &parent, &icon, &color, &z.SortOrder); err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.Int64
		z.ParentZoneID = &p
	}
	z.Icon = strOrEmpty(icon)
	z.Color = strOrEmpty(color)
	return &z, nil
}
