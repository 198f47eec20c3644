package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateDomain creates a new domain in pending state
func (s *Store) CreateDomain(ctx context.Context, d *Domain) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Domain = strings.ToLower(strings.TrimSpace(d.Domain))
	if d.Status == "" {
		d.Status = DomainPending
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt

	query := `INSERT INTO domains (id, user_id, domain, status, dkim_tokens, mail_from_domain,
		dns_provisioned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.UserID, d.Domain, d.Status,
		pq.Array(d.DKIMTokens), d.MailFromDomain, d.DNSProvisioned, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDomain(row interface{ Scan(...interface{}) error }) (*Domain, error) {
	d := &Domain{}
	var tokens pq.StringArray
	err := row.Scan(&d.ID, &d.UserID, &d.Domain, &d.Status, &tokens, &d.MailFromDomain,
		&d.CatchAllEndpointID, &d.DNSProvisioned, &d.LastCheckedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.DKIMTokens = []string(tokens)
	return d, nil
}

const domainColumns = `id, user_id, domain, status, dkim_tokens, COALESCE(mail_from_domain, ''),
	COALESCE(catch_all_endpoint_id, ''), dns_provisioned, last_checked_at, created_at, updated_at`

// GetDomain retrieves a domain by ID scoped to a user
func (s *Store) GetDomain(ctx context.Context, userID, id string) (*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1 AND user_id = $2`
	d, err := scanDomain(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDomainByName retrieves a domain by its name, across all users.
// Used by the inbound pipeline to resolve the owner of a recipient.
func (s *Store) GetDomainByName(ctx context.Context, name string) (*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE domain = $1`
	d, err := scanDomain(s.db.QueryRowContext(ctx, query, strings.ToLower(name)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDomains lists a user's domains
func (s *Store) GetDomains(ctx context.Context, userID string) ([]*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE user_id = $1 ORDER BY domain`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// UpdateDomainStatus records the result of a verification check
func (s *Store) UpdateDomainStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE domains SET status = $2, last_checked_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id, status)
	return err
}

// UpdateDomainCatchAll sets or clears the catch-all endpoint
func (s *Store) UpdateDomainCatchAll(ctx context.Context, userID, id, endpointID string) (bool, error) {
	var val interface{}
	if endpointID != "" {
		val = endpointID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE domains SET catch_all_endpoint_id = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		id, userID, val)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDomainProvisioned records that DNS records were written to Route53
func (s *Store) MarkDomainProvisioned(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE domains SET dns_provisioned = TRUE, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// DeleteDomain removes a domain and cascades to its addresses and mail
func (s *Store) DeleteDomain(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM domains WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateEmailAddress creates an inbound address under a verified domain
func (s *Store) CreateEmailAddress(ctx context.Context, a *EmailAddress) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Address = NormalizeEmail(a.Address)
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt

	var endpointID interface{}
	if a.EndpointID != "" {
		endpointID = a.EndpointID
	}
	query := `INSERT INTO email_addresses (id, user_id, domain_id, address, endpoint_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.UserID, a.DomainID, a.Address,
		endpointID, a.IsActive, a.CreatedAt, a.UpdatedAt)
	return err
}

const emailAddressColumns = `id, user_id, domain_id, address, COALESCE(endpoint_id, ''), is_active, created_at, updated_at`

func scanEmailAddress(row interface{ Scan(...interface{}) error }) (*EmailAddress, error) {
	a := &EmailAddress{}
	err := row.Scan(&a.ID, &a.UserID, &a.DomainID, &a.Address, &a.EndpointID,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetEmailAddress retrieves an address by ID scoped to a user
func (s *Store) GetEmailAddress(ctx context.Context, userID, id string) (*EmailAddress, error) {
	query := `SELECT ` + emailAddressColumns + ` FROM email_addresses WHERE id = $1 AND user_id = $2`
	a, err := scanEmailAddress(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetEmailAddressByAddress resolves an inbound recipient to its route
func (s *Store) GetEmailAddressByAddress(ctx context.Context, address string) (*EmailAddress, error) {
	query := `SELECT ` + emailAddressColumns + ` FROM email_addresses WHERE address = $1 AND is_active = TRUE`
	a, err := scanEmailAddress(s.db.QueryRowContext(ctx, query, NormalizeEmail(address)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetEmailAddresses lists a user's addresses, optionally filtered by domain
func (s *Store) GetEmailAddresses(ctx context.Context, userID, domainID string) ([]*EmailAddress, error) {
	query := `SELECT ` + emailAddressColumns + ` FROM email_addresses WHERE user_id = $1`
	args := []interface{}{userID}
	if domainID != "" {
		query += ` AND domain_id = $2`
		args = append(args, domainID)
	}
	query += ` ORDER BY address`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []*EmailAddress
	for rows.Next() {
		a, err := scanEmailAddress(rows)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// UpdateEmailAddress updates the endpoint routing and active flag
func (s *Store) UpdateEmailAddress(ctx context.Context, userID, id, endpointID string, isActive bool) (bool, error) {
	var val interface{}
	if endpointID != "" {
		val = endpointID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_addresses SET endpoint_id = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`,
		id, userID, val, isActive)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEmailAddress removes an address
func (s *Store) DeleteEmailAddress(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_addresses WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearEndpointReferences detaches a deleted endpoint from addresses and
// domain catch-alls so inbound mail falls back to store-only.
func (s *Store) ClearEndpointReferences(ctx context.Context, endpointID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE email_addresses SET endpoint_id = NULL, updated_at = NOW() WHERE endpoint_id = $1`,
		endpointID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE domains SET catch_all_endpoint_id = NULL, updated_at = NOW() WHERE catch_all_endpoint_id = $1`,
		endpointID)
	return err
}
