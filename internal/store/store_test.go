package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestHashKey(t *testing.T) {
	h := HashKey("inb_test_key")
	if len(h) != 64 {
		t.Errorf("HashKey length = %d, want 64", len(h))
	}
	if h != HashKey("inb_test_key") {
		t.Error("HashKey should be deterministic")
	}
	if h == HashKey("inb_other_key") {
		t.Error("Different keys should hash differently")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  User@Example.COM "); got != "user@example.com" {
		t.Errorf("NormalizeEmail = %q, want user@example.com", got)
	}
}

func TestGetAPIKeyByHash_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs("deadbeef").
		WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	key, err := s.GetAPIKeyByHash(context.Background(), "deadbeef")
	if err != nil {
		t.Errorf("GetAPIKeyByHash() error: %v", err)
	}
	if key != nil {
		t.Error("Expected nil key for unknown hash")
	}
}

func TestCreateReceivedEmail_Duplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// ON CONFLICT DO NOTHING reports zero rows affected for a duplicate
	mock.ExpectExec("INSERT INTO received_emails").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewStore(db)
	email := &ReceivedEmail{
		UserID:    "user-1",
		Recipient: "hello@acme.dev",
		MessageID: "<abc@mail.example>",
	}
	inserted, err := s.CreateReceivedEmail(context.Background(), email)
	if err != nil {
		t.Errorf("CreateReceivedEmail() error: %v", err)
	}
	if inserted {
		t.Error("Duplicate message should report inserted=false")
	}
	if email.ID == "" {
		t.Error("ID should be assigned before insert")
	}
}

func TestCancelScheduledEmail_OnlyWhileScheduled(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Already-sent email: the status guard matches no rows
	mock.ExpectQuery("UPDATE sent_emails SET status = 'canceled'").
		WithArgs("email-1", "user-1").
		WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	e, err := s.CancelScheduledEmail(context.Background(), "user-1", "email-1")
	if err != nil {
		t.Errorf("CancelScheduledEmail() error: %v", err)
	}
	if e != nil {
		t.Error("Cancel of a non-scheduled email should return nil")
	}
}

func TestClaimScheduledEmail(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE sent_emails SET status = 'queued'").
		WithArgs("email-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sent_emails SET status = 'queued'").
		WithArgs("email-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewStore(db)

	claimed, err := s.ClaimScheduledEmail(context.Background(), "email-1")
	if err != nil || !claimed {
		t.Errorf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}

	// Second claim loses the race
	claimed, err = s.ClaimScheduledEmail(context.Background(), "email-1")
	if err != nil {
		t.Errorf("second claim error: %v", err)
	}
	if claimed {
		t.Error("second claim should return false")
	}
}

func TestPauseTenant_Idempotent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE ses_tenants SET status = 'paused'").
		WithArgs("tenant-1", "bounce rate 12.0% exceeds critical threshold").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ses_tenants SET status = 'paused'").
		WithArgs("tenant-1", "second alarm").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewStore(db)
	if err := s.PauseTenant(context.Background(), "tenant-1", "bounce rate 12.0% exceeds critical threshold"); err != nil {
		t.Errorf("PauseTenant() error: %v", err)
	}
	// Second pause is a no-op, not an error
	if err := s.PauseTenant(context.Background(), "tenant-1", "second alarm"); err != nil {
		t.Errorf("second PauseTenant() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIsSuppressed(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1", "bounced@example.com").
		WillReturnRows(rows)

	s := NewStore(db)
	hit, err := s.IsSuppressed(context.Background(), "user-1", " Bounced@Example.com ")
	if err != nil {
		t.Errorf("IsSuppressed() error: %v", err)
	}
	if !hit {
		t.Error("Expected suppressed=true")
	}
}

func TestPruneEmailEvents_Batches(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	// Two full batches, then an empty one ends the loop
	mock.ExpectExec("DELETE FROM email_events").
		WithArgs(cutoff, pruneBatchSize).
		WillReturnResult(sqlmock.NewResult(0, int64(pruneBatchSize)))
	mock.ExpectExec("DELETE FROM email_events").
		WithArgs(cutoff, pruneBatchSize).
		WillReturnResult(sqlmock.NewResult(0, 37))
	mock.ExpectExec("DELETE FROM email_events").
		WithArgs(cutoff, pruneBatchSize).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewStore(db)
	n, err := s.PruneEmailEvents(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneEmailEvents() error: %v", err)
	}
	if want := int64(pruneBatchSize + 37); n != want {
		t.Errorf("pruned %d rows, want %d", n, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPruneDeliveries_PartialCountOnError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnError(sql.ErrConnDone)

	s := NewStore(db)
	n, err := s.PruneDeliveries(context.Background(), cutoff)
	if err == nil {
		t.Fatal("expected error from second batch")
	}
	if n != 12 {
		t.Errorf("completed batches pruned %d rows, want 12", n)
	}
}

func TestClaimOverdueScheduled_IntervalArg(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "tenant_id", "from_address", "to_addresses", "cc_addresses",
		"bcc_addresses", "reply_to", "subject", "text_body", "html_body", "headers",
		"attachment_meta", "status", "ses_message_id", "idempotency_key",
		"qstash_message_id", "scheduled_at", "sent_at", "attempts", "failure_reason",
		"created_at", "updated_at",
	}).AddRow(
		"email-1", "user-1", "", "hi@acme.dev", []byte(`["to@example.com"]`), []byte(`[]`),
		[]byte(`[]`), []byte(`[]`), "Hello", "body", "", []byte(`{}`),
		[]byte(`{}`), "queued", "", "", "", time.Now().Add(-5*time.Minute), nil, 0, "",
		time.Now(), time.Now(),
	)
	mock.ExpectQuery("WITH claimed AS").
		WithArgs("120 seconds", 50).
		WillReturnRows(rows)

	s := NewStore(db)
	emails, err := s.ClaimOverdueScheduled(context.Background(), 2*time.Minute, 50)
	if err != nil {
		t.Fatalf("ClaimOverdueScheduled() error: %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("claimed %d emails, want 1", len(emails))
	}
	if emails[0].ID != "email-1" {
		t.Errorf("claimed id = %s, want email-1", emails[0].ID)
	}
	if len(emails[0].ToAddresses) != 1 || emails[0].ToAddresses[0] != "to@example.com" {
		t.Errorf("to_addresses not decoded: %v", emails[0].ToAddresses)
	}
}
