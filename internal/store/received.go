package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MailFilter narrows GetReceivedEmails
type MailFilter struct {
	DomainID   string
	Recipient  string
	UnreadOnly bool
	Archived   bool
	Search     string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// CreateReceivedEmail stores a parsed inbound email. Returns false when a
// message with the same Message-ID was already stored for this user (SNS
// redelivers at least once).
func (s *Store) CreateReceivedEmail(ctx context.Context, e *ReceivedEmail) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	var domainID interface{}
	if e.DomainID != "" {
		domainID = e.DomainID
	}
	query := `INSERT INTO received_emails (id, user_id, domain_id, recipient, message_id,
		from_text, from_address, to_addresses, cc_addresses, subject, date, text_body, html_body,
		headers, attachments, raw_key, size_bytes, spam_verdict, virus_verdict, spf_verdict,
		dkim_verdict, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (user_id, message_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, e.ID, e.UserID, domainID, e.Recipient, e.MessageID,
		e.FromText, e.FromAddress, e.ToAddresses, e.CcAddresses, e.Subject, e.Date,
		e.TextBody, e.HTMLBody, e.Headers, e.Attachments, e.RawKey, e.SizeBytes,
		e.SpamVerdict, e.VirusVerdict, e.SPFVerdict, e.DKIMVerdict, e.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const receivedColumns = `id, user_id, COALESCE(domain_id, ''), recipient, COALESCE(message_id, ''),
	COALESCE(from_text, ''), COALESCE(from_address, ''), to_addresses, cc_addresses,
	COALESCE(subject, ''), date, COALESCE(text_body, ''), COALESCE(html_body, ''), headers,
	attachments, COALESCE(raw_key, ''), size_bytes, COALESCE(spam_verdict, ''),
	COALESCE(virus_verdict, ''), COALESCE(spf_verdict, ''), COALESCE(dkim_verdict, ''),
	is_read, is_archived, received_at`

func scanReceived(row interface{ Scan(...interface{}) error }) (*ReceivedEmail, error) {
	e := &ReceivedEmail{}
	err := row.Scan(&e.ID, &e.UserID, &e.DomainID, &e.Recipient, &e.MessageID,
		&e.FromText, &e.FromAddress, &e.ToAddresses, &e.CcAddresses, &e.Subject, &e.Date,
		&e.TextBody, &e.HTMLBody, &e.Headers, &e.Attachments, &e.RawKey, &e.SizeBytes,
		&e.SpamVerdict, &e.VirusVerdict, &e.SPFVerdict, &e.DKIMVerdict,
		&e.IsRead, &e.IsArchived, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetReceivedEmail retrieves one parsed email scoped to a user
func (s *Store) GetReceivedEmail(ctx context.Context, userID, id string) (*ReceivedEmail, error) {
	query := `SELECT ` + receivedColumns + ` FROM received_emails WHERE id = $1 AND user_id = $2`
	e, err := scanReceived(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetReceivedEmailByMessageID retrieves a stored email by its Message-ID
func (s *Store) GetReceivedEmailByMessageID(ctx context.Context, userID, messageID string) (*ReceivedEmail, error) {
	query := `SELECT ` + receivedColumns + ` FROM received_emails WHERE user_id = $1 AND message_id = $2`
	e, err := scanReceived(s.db.QueryRowContext(ctx, query, userID, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetReceivedEmails lists a user's mail, newest first
func (s *Store) GetReceivedEmails(ctx context.Context, userID string, f MailFilter) ([]*ReceivedEmail, int, error) {
	where := `WHERE user_id = $1 AND is_archived = $2`
	args := []interface{}{userID, f.Archived}

	if f.DomainID != "" {
		args = append(args, f.DomainID)
		where += fmt.Sprintf(` AND domain_id = $%d`, len(args))
	}
	if f.Recipient != "" {
		args = append(args, NormalizeEmail(f.Recipient))
		where += fmt.Sprintf(` AND recipient = $%d`, len(args))
	}
	if f.UnreadOnly {
		where += ` AND is_read = FALSE`
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where += fmt.Sprintf(` AND (subject ILIKE $%d OR from_text ILIKE $%d)`, len(args), len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where += fmt.Sprintf(` AND received_at >= $%d`, len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where += fmt.Sprintf(` AND received_at < $%d`, len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM received_emails `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	query := `SELECT ` + receivedColumns + ` FROM received_emails ` + where +
		fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var emails []*ReceivedEmail
	for rows.Next() {
		e, err := scanReceived(rows)
		if err != nil {
			return nil, 0, err
		}
		emails = append(emails, e)
	}
	return emails, total, rows.Err()
}

// UpdateReceivedFlags sets the read/archived flags
func (s *Store) UpdateReceivedFlags(ctx context.Context, userID, id string, isRead, isArchived bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE received_emails SET is_read = $3, is_archived = $4 WHERE id = $1 AND user_id = $2`,
		id, userID, isRead, isArchived)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateDelivery records a delivery attempt row
func (s *Store) CreateDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	d.CreatedAt = time.Now()

	var endpointID interface{}
	if d.EndpointID != "" {
		endpointID = d.EndpointID
	}
	query := `INSERT INTO deliveries (id, email_id, endpoint_id, delivery_type, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.EmailID, endpointID, d.DeliveryType,
		d.Status, d.Attempts, d.CreatedAt)
	return err
}

// FinishDelivery records the outcome of the single delivery attempt
func (s *Store) FinishDelivery(ctx context.Context, d *Delivery) error {
	query := `UPDATE deliveries SET status = $2, attempts = attempts + 1, response_code = $3,
		response_ms = $4, error_message = $5, payload_bytes = $6, truncated = $7,
		last_attempt_at = NOW() WHERE id = $1`
	var code interface{}
	if d.ResponseCode != 0 {
		code = d.ResponseCode
	}
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Status, code, d.ResponseMs,
		d.ErrorMessage, d.PayloadBytes, d.Truncated)
	return err
}

// PruneDeliveries deletes delivery attempt rows older than the
// retention window in bounded batches. Received emails themselves are
// kept; only the attempt log ages out.
func (s *Store) PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.batchDelete(ctx, `DELETE FROM deliveries WHERE id IN (
		SELECT id FROM deliveries WHERE created_at < $1 LIMIT $2)`, olderThan)
}

// GetDeliveries lists delivery attempts for an email, newest first. The
// email must belong to the user.
func (s *Store) GetDeliveries(ctx context.Context, userID, emailID string) ([]*Delivery, error) {
	query := `SELECT d.id, d.email_id, COALESCE(d.endpoint_id, ''), d.delivery_type, d.status,
		d.attempts, COALESCE(d.response_code, 0), COALESCE(d.response_ms, 0),
		COALESCE(d.error_message, ''), COALESCE(d.payload_bytes, 0), d.truncated,
		d.created_at, d.last_attempt_at
		FROM deliveries d
		JOIN received_emails e ON e.id = d.email_id
		WHERE d.email_id = $1 AND e.user_id = $2
		ORDER BY d.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, emailID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d := &Delivery{}
		err := rows.Scan(&d.ID, &d.EmailID, &d.EndpointID, &d.DeliveryType, &d.Status,
			&d.Attempts, &d.ResponseCode, &d.ResponseMs, &d.ErrorMessage,
			&d.PayloadBytes, &d.Truncated, &d.CreatedAt, &d.LastAttemptAt)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
