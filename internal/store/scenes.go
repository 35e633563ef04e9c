package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sdhome/sdhome/internal/domain"
)

// CreateScene inserts a scene. The ID is assigned when zero.
func (s *Store) CreateScene(sc *domain.Scene) error {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	_, err := s.db.Exec(
		`INSERT INTO scenes (id, name, device_states) VALUES (?, ?, ?)`,
		sc.ID.String(), sc.Name, encodeJSON(sc.DeviceStates, "{}"),
	)
	if err != nil {
		return fmt.Errorf("create scene %q: %w", sc.Name, err)
	}
	return nil
}

// GetScene returns one scene by ID.
func (s *Store) GetScene(id uuid.UUID) (*domain.Scene, error) {
	row := s.db.QueryRow(`SELECT id, name, device_states FROM scenes WHERE id = ?`, id.String())
	sc, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scene %s: %w", id, ErrNotFound)
	}
	return sc, err
}

// ListScenes returns all scenes ordered by name.
func (s *Store) ListScenes() ([]domain.Scene, error) {
	rows, err := s.db.Query(`SELECT id, name, device_states FROM scenes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var scenes []domain.Scene
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, *sc)
	}
	return scenes, rows.Err()
}

// UpdateScene rewrites a scene's name and device states.
func (s *Store) UpdateScene(sc *domain.Scene) error {
	res, err := s.db.Exec(
		`UPDATE scenes SET name = ?, device_states = ? WHERE id = ?`,
		sc.Name, encodeJSON(sc.DeviceStates, "{}"), sc.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update scene %s: %w", sc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scene %s: %w", sc.ID, ErrNotFound)
	}
	return nil
}

// DeleteScene removes a scene.
func (s *Store) DeleteScene(id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM scenes WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete scene %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scene %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanScene(row rowScanner) (*domain.Scene, error) {
	var (
		sc         domain.Scene
		id, states string
	)
	if err := row.Scan(&id, &sc.Name, &states); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse scene id %q: %w", id, err)
	}
	sc.ID = parsed
	if err := json.Unmarshal([]byte(states), &sc.DeviceStates); err != nil {
		return nil, fmt.Errorf("decode scene states: %w", err)
	}
	return &sc, nil
}
