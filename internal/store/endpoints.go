package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateEndpoint creates a delivery endpoint
func (s *Store) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt

	query := `INSERT INTO endpoints (id, user_id, name, type, config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query, e.ID, e.UserID, e.Name, e.Type, e.Config,
		e.IsActive, e.CreatedAt, e.UpdatedAt)
	return err
}

// GetEndpoint retrieves an endpoint by ID scoped to a user
func (s *Store) GetEndpoint(ctx context.Context, userID, id string) (*Endpoint, error) {
	query := `SELECT id, user_id, name, type, config, is_active, created_at, updated_at
		FROM endpoints WHERE id = $1 AND user_id = $2`

	e := &Endpoint{}
	err := s.db.QueryRowContext(ctx, query, id, userID).Scan(&e.ID, &e.UserID, &e.Name,
		&e.Type, &e.Config, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEndpointAny retrieves an endpoint without user scoping. The inbound
// pipeline uses it after ownership was already established via the address.
func (s *Store) GetEndpointAny(ctx context.Context, id string) (*Endpoint, error) {
	query := `SELECT id, user_id, name, type, config, is_active, created_at, updated_at
		FROM endpoints WHERE id = $1`

	e := &Endpoint{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.UserID, &e.Name,
		&e.Type, &e.Config, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEndpoints lists a user's endpoints
func (s *Store) GetEndpoints(ctx context.Context, userID string) ([]*Endpoint, error) {
	query := `SELECT id, user_id, name, type, config, is_active, created_at, updated_at
		FROM endpoints WHERE user_id = $1 ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		e := &Endpoint{}
		err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Config,
			&e.IsActive, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// UpdateEndpoint updates name, config and active flag
func (s *Store) UpdateEndpoint(ctx context.Context, e *Endpoint) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET name = $3, config = $4, is_active = $5, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`,
		e.ID, e.UserID, e.Name, e.Config, e.IsActive)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEndpoint removes an endpoint after clearing references to it
func (s *Store) DeleteEndpoint(ctx context.Context, userID, id string) (bool, error) {
	if err := s.ClearEndpointReferences(ctx, id); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM endpoints WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
