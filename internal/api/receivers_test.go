package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snsEnvelope(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func tenantRow(id, userID, configSet, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "name", "ses_tenant_name", "configuration_set", "status", "pause_reason", "paused_at", "created_at", "updated_at"}).
		AddRow(id, userID, "Marketing", "tenant-"+id, configSet, status, "", nil, now, now)
}

func TestSNSSubscriptionConfirmationAcknowledged(t *testing.T) {
	f := newTestAPI(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	body := snsEnvelope(t, map[string]interface{}{
		"Type":         "SubscriptionConfirmation",
		"MessageId":    "sub-1",
		"SubscribeURL": srv.URL + "/confirm",
	})
	rec := f.request(t, http.MethodPost, "/api/inbound/webhook", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decodeBody(t, rec)["status"])
	assert.EqualValues(t, 1, hits.Load())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// SNS retries anything that is not a 2xx, so junk it cannot use is still
// acknowledged.
func TestSNSUnparseableBodyAcknowledged(t *testing.T) {
	f := newTestAPI(t)

	rec := f.request(t, http.MethodPost, "/api/inbound/webhook", "this is not SNS", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSNSUnknownTopicRejected(t *testing.T) {
	f := newTestAPI(t)
	f.h.cfg.SES.ReceiptTopicARN = "arn:aws:sns:us-east-1:123:inbound-receipts"

	body := snsEnvelope(t, map[string]interface{}{
		"Type":      "Notification",
		"MessageId": "msg-1",
		"TopicArn":  "arn:aws:sns:us-east-1:123:somebody-elses-topic",
		"Message":   "{}",
	})
	rec := f.request(t, http.MethodPost, "/api/inbound/webhook", body, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// A MessageId that was already handled inside the dedupe window is
// acknowledged without reprocessing.
func TestSNSDuplicateMessageIgnored(t *testing.T) {
	f := newTestAPI(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	f.h.SetRedis(rdb)

	body := snsEnvelope(t, map[string]interface{}{
		"Type":      "Notification",
		"MessageId": "msg-dup",
		"Message":   "unparseable either way",
	})

	first := f.request(t, http.MethodPost, "/api/inbound/webhook", body, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "ignored", decodeBody(t, first)["status"])

	second := f.request(t, http.MethodPost, "/api/inbound/webhook", body, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "duplicate", decodeBody(t, second)["status"])

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func alarmBody(t *testing.T, alarmName, state, configSet string) []byte {
	t.Helper()
	msg, err := json.Marshal(map[string]interface{}{
		"AlarmName":      alarmName,
		"NewStateValue":  state,
		"NewStateReason": "Threshold Crossed: datapoint above 0.1",
		"Trigger": map[string]interface{}{
			"MetricName": "Reputation.BounceRate",
			"Threshold":  0.1,
			"Dimensions": []map[string]string{
				{"name": "ses:configuration-set", "value": configSet},
			},
		},
	})
	require.NoError(t, err)
	return snsEnvelope(t, map[string]interface{}{
		"Type":      "Notification",
		"MessageId": "alarm-1",
		"Message":   string(msg),
	})
}

// A critical alarm entering ALARM state disables SES sending for the
// tenant's configuration set and marks the tenant paused.
func TestCriticalAlarmPausesTenant(t *testing.T) {
	f := newTestAPI(t)

	f.mock.ExpectQuery("SELECT (.+) FROM ses_tenants").
		WithArgs("cs-ten-1").
		WillReturnRows(tenantRow("ten-1", "user-1", "cs-ten-1", "active"))
	f.mock.ExpectExec("UPDATE ses_tenants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := alarmBody(t, "ses-tenant-ten-1-bounce-critical", "ALARM", "cs-ten-1")
	rec := f.request(t, http.MethodPost, "/api/inbound/health/tenant", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"cs-ten-1"}, f.sending.allPaused())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWarningAlarmDoesNotPause(t *testing.T) {
	f := newTestAPI(t)

	f.mock.ExpectQuery("SELECT (.+) FROM ses_tenants").
		WithArgs("cs-ten-1").
		WillReturnRows(tenantRow("ten-1", "user-1", "cs-ten-1", "active"))

	body := alarmBody(t, "ses-tenant-ten-1-bounce-warning", "ALARM", "cs-ten-1")
	rec := f.request(t, http.MethodPost, "/api/inbound/health/tenant", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.sending.allPaused())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func sesEventBody(t *testing.T, event map[string]interface{}) []byte {
	t.Helper()
	msg, err := json.Marshal(event)
	require.NoError(t, err)
	return snsEnvelope(t, map[string]interface{}{
		"Type":      "Notification",
		"MessageId": "evt-1",
		"Message":   string(msg),
	})
}

// A permanent bounce suppresses the recipient for the owning user.
func TestPermanentBounceInsertsSuppression(t *testing.T) {
	f := newTestAPI(t)

	f.mock.ExpectQuery("SELECT (.+) FROM sent_emails").
		WithArgs("em-1").
		WillReturnRows(queuedSentRow("em-1", "user-1"))
	f.mock.ExpectExec("UPDATE sent_emails").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO suppressions").
		WithArgs(sqlmock.AnyArg(), "user-1", "bob@corp.com", "bounce", "ses", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := sesEventBody(t, map[string]interface{}{
		"eventType": "Bounce",
		"bounce": map[string]interface{}{
			"bounceType":    "Permanent",
			"bounceSubType": "General",
			"bouncedRecipients": []map[string]string{
				{"emailAddress": "bob@corp.com"},
			},
		},
		"mail": map[string]interface{}{
			"messageId": "ses-msg-1",
			"tags":      map[string][]string{"email_id": {"em-1"}},
		},
	})
	rec := f.request(t, http.MethodPost, "/api/inbound/events", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", decodeBody(t, rec)["status"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTransientBounceDoesNotSuppress(t *testing.T) {
	f := newTestAPI(t)

	f.mock.ExpectQuery("SELECT (.+) FROM sent_emails").
		WithArgs("em-1").
		WillReturnRows(queuedSentRow("em-1", "user-1"))
	f.mock.ExpectExec("UPDATE sent_emails").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// no suppression insert; the bounce event is still recorded
	f.mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := sesEventBody(t, map[string]interface{}{
		"eventType": "Bounce",
		"bounce": map[string]interface{}{
			"bounceType":    "Transient",
			"bounceSubType": "MailboxFull",
			"bouncedRecipients": []map[string]string{
				{"emailAddress": "bob@corp.com"},
			},
		},
		"mail": map[string]interface{}{
			"messageId": "ses-msg-1",
			"tags":      map[string][]string{"email_id": {"em-1"}},
		},
	})
	rec := f.request(t, http.MethodPost, "/api/inbound/events", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
