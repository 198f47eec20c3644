package events

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/store"
	"github.com/inboundemail/inbound/internal/svix"
)

func setupProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewStore(db)
	emitter := NewEmitter(st, svix.NewClient(config.SvixConfig{Enabled: false}))
	return NewProcessor(st, emitter), mock
}

func sentEmailRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "tenant_id", "from_address", "to_addresses", "cc_addresses",
		"bcc_addresses", "reply_to", "subject", "text_body", "html_body", "headers",
		"attachment_meta", "status", "ses_message_id", "idempotency_key",
		"qstash_message_id", "scheduled_at", "sent_at", "attempts", "failure_reason",
		"created_at", "updated_at",
	}).AddRow(
		"em_1", "user-1", "", "news@acme.com", []byte(`["bob@corp.com"]`), []byte(`[]`),
		[]byte(`[]`), []byte(`[]`), "Hello", "", "", []byte(`{}`),
		[]byte(`{}`), "sent", "ses-msg-1", "",
		"", nil, now, 1, "",
		now, now,
	)
}

const bounceEvent = `{
	"eventType": "Bounce",
	"bounce": {
		"bounceType": "Permanent",
		"bounceSubType": "General",
		"bouncedRecipients": [
			{"emailAddress": "bob@corp.com", "status": "5.1.1", "diagnosticCode": "smtp; 550 user unknown"}
		],
		"timestamp": "2026-08-25T11:00:00.000Z",
		"feedbackId": "fb-1"
	},
	"mail": {
		"timestamp": "2026-08-25T10:59:58.000Z",
		"messageId": "ses-msg-1",
		"source": "news@acme.com",
		"destination": ["bob@corp.com"],
		"tags": {"email_id": ["em_1"], "user_id": ["user-1"]}
	}
}`

func TestParseSESEvent(t *testing.T) {
	ev, err := ParseSESEvent(bounceEvent)
	require.NoError(t, err)

	assert.Equal(t, "Bounce", ev.Type())
	assert.Equal(t, "ses-msg-1", ev.Mail.MessageID)
	require.NotNil(t, ev.Bounce)
	assert.Equal(t, "Permanent", ev.Bounce.BounceType)
	require.Len(t, ev.Bounce.BouncedRecipients, 1)
	assert.Equal(t, "bob@corp.com", ev.Bounce.BouncedRecipients[0].EmailAddress)
	assert.Equal(t, []string{"em_1"}, ev.Mail.Tags["email_id"])
}

func TestParseSESEventNotificationTypeVariant(t *testing.T) {
	ev, err := ParseSESEvent(`{"notificationType": "Complaint", "mail": {"messageId": "m1"}}`)
	require.NoError(t, err)
	assert.Equal(t, "Complaint", ev.Type())
}

func TestParseSESEventRejectsGarbage(t *testing.T) {
	_, err := ParseSESEvent(`not json`)
	require.Error(t, err)

	_, err = ParseSESEvent(`{"mail": {"messageId": "m1"}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no eventType")
}

func TestProcessBouncePermanentSuppresses(t *testing.T) {
	p, mock := setupProcessor(t)

	mock.ExpectQuery(`FROM sent_emails WHERE id`).
		WithArgs("em_1").
		WillReturnRows(sentEmailRow())
	mock.ExpectExec(`UPDATE sent_emails SET status`).
		WithArgs("ses-msg-1", store.SentBounced).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO suppressions`).
		WithArgs(sqlmock.AnyArg(), "user-1", "bob@corp.com", store.SuppressionBounce, "ses", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "user-1", EmailBounced, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := ParseSESEvent(bounceEvent)
	require.NoError(t, err)
	require.NoError(t, p.ProcessSESEvent(context.Background(), ev))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBounceTransientDoesNotSuppress(t *testing.T) {
	p, mock := setupProcessor(t)

	mock.ExpectQuery(`FROM sent_emails WHERE id`).
		WithArgs("em_1").
		WillReturnRows(sentEmailRow())
	mock.ExpectExec(`UPDATE sent_emails SET status`).
		WithArgs("ses-msg-1", store.SentBounced).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// no suppression insert for a soft bounce
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "user-1", EmailBounced, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := ParseSESEvent(bounceEvent)
	require.NoError(t, err)
	ev.Bounce.BounceType = "Transient"

	require.NoError(t, p.ProcessSESEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessComplaintSuppresses(t *testing.T) {
	p, mock := setupProcessor(t)

	complaintEvent := `{
		"eventType": "Complaint",
		"complaint": {
			"complainedRecipients": [{"emailAddress": "bob@corp.com"}],
			"complaintFeedbackType": "abuse",
			"timestamp": "2026-08-25T11:00:00.000Z",
			"feedbackId": "fb-2"
		},
		"mail": {
			"messageId": "ses-msg-1",
			"source": "news@acme.com",
			"tags": {"email_id": ["em_1"]}
		}
	}`

	mock.ExpectQuery(`FROM sent_emails WHERE id`).
		WithArgs("em_1").
		WillReturnRows(sentEmailRow())
	mock.ExpectExec(`UPDATE sent_emails SET status`).
		WithArgs("ses-msg-1", store.SentComplained).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO suppressions`).
		WithArgs(sqlmock.AnyArg(), "user-1", "bob@corp.com", store.SuppressionComplaint, "ses", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "user-1", EmailComplained, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := ParseSESEvent(complaintEvent)
	require.NoError(t, err)
	require.NoError(t, p.ProcessSESEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDeliveryUpdatesStatusOnly(t *testing.T) {
	p, mock := setupProcessor(t)

	deliveryEvent := `{
		"eventType": "Delivery",
		"delivery": {
			"timestamp": "2026-08-25T11:00:00.000Z",
			"recipients": ["bob@corp.com"],
			"processingTimeMillis": 512,
			"smtpResponse": "250 2.0.0 OK"
		},
		"mail": {"messageId": "ses-msg-1", "source": "news@acme.com"}
	}`

	mock.ExpectExec(`UPDATE sent_emails SET status`).
		WithArgs("ses-msg-1", store.SentDelivered).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := ParseSESEvent(deliveryEvent)
	require.NoError(t, err)
	require.NoError(t, p.ProcessSESEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBounceUnknownMessageFallsBackToSourceDomain(t *testing.T) {
	p, mock := setupProcessor(t)

	event := `{
		"eventType": "Bounce",
		"bounce": {
			"bounceType": "Permanent",
			"bounceSubType": "NoEmail",
			"bouncedRecipients": [{"emailAddress": "gone@corp.com"}],
			"timestamp": "2026-08-25T11:00:00.000Z"
		},
		"mail": {"messageId": "ses-msg-99", "source": "news@acme.com"}
	}`

	mock.ExpectQuery(`FROM sent_emails WHERE ses_message_id`).
		WithArgs("ses-msg-99").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT user_id FROM domains`).
		WithArgs("acme.com").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-2"))
	mock.ExpectExec(`UPDATE sent_emails SET status`).
		WithArgs("ses-msg-99", store.SentBounced).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO suppressions`).
		WithArgs(sqlmock.AnyArg(), "user-2", "gone@corp.com", store.SuppressionBounce, "ses", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "user-2", EmailBounced, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := ParseSESEvent(event)
	require.NoError(t, err)
	require.NoError(t, p.ProcessSESEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessIgnoresUntrackedEventTypes(t *testing.T) {
	p, mock := setupProcessor(t)

	ev, err := ParseSESEvent(`{"eventType": "Open", "mail": {"messageId": "m1"}}`)
	require.NoError(t, err)

	require.NoError(t, p.ProcessSESEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}
