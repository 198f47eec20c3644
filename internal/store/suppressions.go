package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateSuppression adds an address to the user's suppression list.
// Duplicate inserts are ignored (bounce events repeat).
func (s *Store) CreateSuppression(ctx context.Context, sup *Suppression) error {
	if sup.ID == "" {
		sup.ID = uuid.New().String()
	}
	sup.Email = NormalizeEmail(sup.Email)
	sup.CreatedAt = time.Now()

	query := `INSERT INTO suppressions (id, user_id, email, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, email) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, sup.ID, sup.UserID, sup.Email, sup.Reason,
		sup.Source, sup.CreatedAt)
	return err
}

// IsSuppressed checks a single recipient
func (s *Store) IsSuppressed(ctx context.Context, userID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppressions WHERE user_id = $1 AND email = $2)`,
		userID, NormalizeEmail(email)).Scan(&exists)
	return exists, err
}

// FilterSuppressed returns which of the given recipients are suppressed
func (s *Store) FilterSuppressed(ctx context.Context, userID string, emails []string) ([]string, error) {
	var suppressed []string
	for _, email := range emails {
		hit, err := s.IsSuppressed(ctx, userID, email)
		if err != nil {
			return nil, err
		}
		if hit {
			suppressed = append(suppressed, NormalizeEmail(email))
		}
	}
	return suppressed, nil
}

// GetSuppressions lists a user's suppressions, newest first
func (s *Store) GetSuppressions(ctx context.Context, userID string, limit, offset int) ([]*Suppression, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suppressions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, user_id, email, reason, COALESCE(source, ''), created_at
		FROM suppressions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sups []*Suppression
	for rows.Next() {
		sup := &Suppression{}
		err := rows.Scan(&sup.ID, &sup.UserID, &sup.Email, &sup.Reason, &sup.Source, &sup.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		sups = append(sups, sup)
	}
	return sups, total, rows.Err()
}

// DeleteSuppression removes a suppression entry
func (s *Store) DeleteSuppression(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateEmailEvent records an account event
func (s *Store) CreateEmailEvent(ctx context.Context, e *EmailEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now()

	query := `INSERT INTO email_events (id, user_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, query, e.ID, e.UserID, e.EventType, e.Payload, e.CreatedAt)
	return err
}

// SetEventSvixMessageID records the Svix message a dispatched event became
func (s *Store) SetEventSvixMessageID(ctx context.Context, id, svixMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_events SET svix_message_id = $2 WHERE id = $1`, id, svixMessageID)
	return err
}

// GetEmailEvents lists a user's account events, newest first
func (s *Store) GetEmailEvents(ctx context.Context, userID string, limit, offset int) ([]*EmailEvent, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_events WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, user_id, event_type, payload, COALESCE(svix_message_id, ''), created_at
		FROM email_events WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*EmailEvent
	for rows.Next() {
		e := &EmailEvent{}
		err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Payload, &e.SvixMessageID, &e.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// PruneEmailEvents deletes events older than the retention window in
// bounded batches and returns the number removed.
func (s *Store) PruneEmailEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.batchDelete(ctx, `DELETE FROM email_events WHERE id IN (
		SELECT id FROM email_events WHERE created_at < $1 LIMIT $2)`, olderThan)
}

// GetUserIDForRecipientDomain resolves which user owns the domain of an
// address, used when a bounce event has no matching sent email row.
func (s *Store) GetUserIDForRecipientDomain(ctx context.Context, domainName string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM domains WHERE domain = $1`, domainName).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return userID, err
}
