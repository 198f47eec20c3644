package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSentEmail stores an outbound email in queued or scheduled state
func (s *Store) CreateSentEmail(ctx context.Context, e *SentEmail) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = SentQueued
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt

	var idemKey, tenantID interface{}
	if e.IdempotencyKey != "" {
		idemKey = e.IdempotencyKey
	}
	if e.TenantID != "" {
		tenantID = e.TenantID
	}
	query := `INSERT INTO sent_emails (id, user_id, tenant_id, from_address, to_addresses,
		cc_addresses, bcc_addresses, reply_to, subject, text_body, html_body, headers,
		attachment_meta, status, idempotency_key, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := s.db.ExecContext(ctx, query, e.ID, e.UserID, tenantID, e.FromAddress,
		e.ToAddresses, e.CcAddresses, e.BccAddresses, e.ReplyTo, e.Subject, e.TextBody,
		e.HTMLBody, e.Headers, e.AttachmentMeta, e.Status, idemKey, e.ScheduledAt,
		e.CreatedAt, e.UpdatedAt)
	return err
}

const sentColumns = `id, user_id, COALESCE(tenant_id, ''), from_address, to_addresses,
	cc_addresses, bcc_addresses, reply_to, COALESCE(subject, ''), COALESCE(text_body, ''),
	COALESCE(html_body, ''), headers, attachment_meta, status, COALESCE(ses_message_id, ''),
	COALESCE(idempotency_key, ''), COALESCE(qstash_message_id, ''), scheduled_at, sent_at,
	attempts, COALESCE(failure_reason, ''), created_at, updated_at`

func scanSent(row interface{ Scan(...interface{}) error }) (*SentEmail, error) {
	e := &SentEmail{}
	err := row.Scan(&e.ID, &e.UserID, &e.TenantID, &e.FromAddress, &e.ToAddresses,
		&e.CcAddresses, &e.BccAddresses, &e.ReplyTo, &e.Subject, &e.TextBody,
		&e.HTMLBody, &e.Headers, &e.AttachmentMeta, &e.Status, &e.SESMessageID,
		&e.IdempotencyKey, &e.QStashMessageID, &e.ScheduledAt, &e.SentAt,
		&e.Attempts, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetSentEmail retrieves an outbound email scoped to a user
func (s *Store) GetSentEmail(ctx context.Context, userID, id string) (*SentEmail, error) {
	query := `SELECT ` + sentColumns + ` FROM sent_emails WHERE id = $1 AND user_id = $2`
	e, err := scanSent(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetSentEmailAny retrieves an outbound email without user scoping, for the
// QStash receiver and the scheduler which act on ids they minted themselves.
func (s *Store) GetSentEmailAny(ctx context.Context, id string) (*SentEmail, error) {
	query := `SELECT ` + sentColumns + ` FROM sent_emails WHERE id = $1`
	e, err := scanSent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetSentEmailByIdempotencyKey returns a previously accepted send, if any
func (s *Store) GetSentEmailByIdempotencyKey(ctx context.Context, userID, key string) (*SentEmail, error) {
	query := `SELECT ` + sentColumns + ` FROM sent_emails WHERE user_id = $1 AND idempotency_key = $2`
	e, err := scanSent(s.db.QueryRowContext(ctx, query, userID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetSentEmailBySESMessageID resolves a bounce/complaint/delivery event to
// the email it concerns.
func (s *Store) GetSentEmailBySESMessageID(ctx context.Context, sesMessageID string) (*SentEmail, error) {
	query := `SELECT ` + sentColumns + ` FROM sent_emails WHERE ses_message_id = $1`
	e, err := scanSent(s.db.QueryRowContext(ctx, query, sesMessageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetSentEmails lists a user's outbound mail, newest first
func (s *Store) GetSentEmails(ctx context.Context, userID, status string, limit, offset int) ([]*SentEmail, int, error) {
	where := `WHERE user_id = $1`
	args := []interface{}{userID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sent_emails `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + sentColumns + ` FROM sent_emails ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var emails []*SentEmail
	for rows.Next() {
		e, err := scanSent(rows)
		if err != nil {
			return nil, 0, err
		}
		emails = append(emails, e)
	}
	return emails, total, rows.Err()
}

// MarkSentEmailSent records a successful SES send
func (s *Store) MarkSentEmailSent(ctx context.Context, id, sesMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sent_emails SET status = 'sent', ses_message_id = $2, sent_at = NOW(),
		attempts = attempts + 1, updated_at = NOW() WHERE id = $1`,
		id, sesMessageID)
	return err
}

// MarkSentEmailFailed records a failed send attempt
func (s *Store) MarkSentEmailFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sent_emails SET status = 'failed', failure_reason = $2,
		attempts = attempts + 1, updated_at = NOW() WHERE id = $1`,
		id, reason)
	return err
}

// RequeueScheduledEmail puts a failed dispatch back into scheduled state so
// the next QStash retry or poller pass can try again.
func (s *Store) RequeueScheduledEmail(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sent_emails SET status = 'scheduled', failure_reason = $2,
		attempts = attempts + 1, updated_at = NOW() WHERE id = $1`,
		id, reason)
	return err
}

// SetQStashMessageID records the QStash message backing a scheduled send
func (s *Store) SetQStashMessageID(ctx context.Context, id, qstashMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sent_emails SET qstash_message_id = $2, updated_at = NOW() WHERE id = $1`,
		id, qstashMessageID)
	return err
}

// CancelScheduledEmail cancels an email only while it is still scheduled.
// Returns the canceled row, or nil if it was not cancelable.
func (s *Store) CancelScheduledEmail(ctx context.Context, userID, id string) (*SentEmail, error) {
	query := `UPDATE sent_emails SET status = 'canceled', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'scheduled'
		RETURNING ` + sentColumns
	e, err := scanSent(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ClaimScheduledEmail atomically moves one scheduled email to queued so
// exactly one dispatcher sends it. Returns false when another process (or
// a cancel) got there first.
func (s *Store) ClaimScheduledEmail(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sent_emails SET status = 'queued', updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimOverdueScheduled claims a batch of scheduled emails whose dispatch
// time passed more than grace ago, using FOR UPDATE SKIP LOCKED so multiple
// pollers never double-claim.
func (s *Store) ClaimOverdueScheduled(ctx context.Context, grace time.Duration, batchSize int) ([]*SentEmail, error) {
	query := `WITH claimed AS (
		UPDATE sent_emails SET status = 'queued', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sent_emails
			WHERE status = 'scheduled' AND scheduled_at <= NOW() - $1::interval
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sentColumns + `
	) SELECT * FROM claimed`

	rows, err := s.db.QueryContext(ctx, query, fmt.Sprintf("%d seconds", int(grace.Seconds())), batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []*SentEmail
	for rows.Next() {
		e, err := scanSent(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// UpdateSentEmailStatusByMessageID applies a post-send SES event outcome
func (s *Store) UpdateSentEmailStatusByMessageID(ctx context.Context, sesMessageID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sent_emails SET status = $2, updated_at = NOW()
		WHERE ses_message_id = $1 AND status IN ('sent', 'delivered')`,
		sesMessageID, status)
	return err
}

// CountSentSince returns how many emails a user sent in the window, for
// post-send risk evaluation.
func (s *Store) CountSentSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sent_emails WHERE user_id = $1 AND sent_at >= $2`,
		userID, since).Scan(&count)
	return count, err
}

// CountSentOutcomesSince returns bounce and complaint counts in the window
func (s *Store) CountSentOutcomesSince(ctx context.Context, userID string, since time.Time) (bounces, complaints int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'bounced'),
		        COUNT(*) FILTER (WHERE status = 'complained')
		FROM sent_emails WHERE user_id = $1 AND sent_at >= $2`,
		userID, since).Scan(&bounces, &complaints)
	return
}
