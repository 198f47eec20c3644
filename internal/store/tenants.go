package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateTenant stores a tenant record after SES-side resources exist
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	query := `INSERT INTO ses_tenants (id, user_id, name, ses_tenant_name, configuration_set,
		status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query, t.ID, t.UserID, t.Name, t.SESTenantName,
		t.ConfigurationSet, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

const tenantColumns = `id, user_id, name, ses_tenant_name, configuration_set, status,
	COALESCE(pause_reason, ''), paused_at, created_at, updated_at`

func scanTenant(row interface{ Scan(...interface{}) error }) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.SESTenantName, &t.ConfigurationSet,
		&t.Status, &t.PauseReason, &t.PausedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTenant retrieves a tenant scoped to a user
func (s *Store) GetTenant(ctx context.Context, userID, id string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM ses_tenants WHERE id = $1 AND user_id = $2`
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetTenantByID retrieves a tenant without user scoping (alarm processing)
func (s *Store) GetTenantByID(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM ses_tenants WHERE id = $1`
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetTenantByConfigurationSet maps a CloudWatch alarm dimension back to the
// tenant it monitors.
func (s *Store) GetTenantByConfigurationSet(ctx context.Context, configSet string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM ses_tenants WHERE configuration_set = $1`
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, configSet))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetDefaultTenant returns the user's first tenant, if any
func (s *Store) GetDefaultTenant(ctx context.Context, userID string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM ses_tenants WHERE user_id = $1 ORDER BY created_at LIMIT 1`
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetTenants lists a user's tenants
func (s *Store) GetTenants(ctx context.Context, userID string) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM ses_tenants WHERE user_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// GetActiveTenants lists all active tenants across users, for the
// reputation collector.
func (s *Store) GetActiveTenants(ctx context.Context) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM ses_tenants WHERE status = 'active' ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// PauseTenant marks a tenant paused with a reason. Idempotent.
func (s *Store) PauseTenant(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ses_tenants SET status = 'paused', pause_reason = $2, paused_at = NOW(),
		updated_at = NOW() WHERE id = $1 AND status != 'paused'`,
		id, reason)
	return err
}

// ResumeTenant clears the paused state
func (s *Store) ResumeTenant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ses_tenants SET status = 'active', pause_reason = NULL, paused_at = NULL,
		updated_at = NOW() WHERE id = $1`, id)
	return err
}

// DeleteTenant removes a tenant record
func (s *Store) DeleteTenant(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ses_tenants WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
