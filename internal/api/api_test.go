package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/delivery"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/qstash"
	"github.com/inboundemail/inbound/internal/reputation"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
	"github.com/inboundemail/inbound/internal/svix"
)

const (
	testToken      = "inb_test_token"
	testPublicURL  = "https://app.example.com"
	testSigningKey = "sig_current_key"
)

// stubSES satisfies both the outbound send interface and the delivery
// forward interface.
type stubSES struct {
	mu        sync.Mutex
	messageID string
	sendErr   error
	sent      []*ses.OutboundMessage
}

func (s *stubSES) Send(ctx context.Context, msg *ses.OutboundMessage) (*ses.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &ses.SendResult{MessageID: s.messageID, SentAt: time.Now()}, nil
}

func (s *stubSES) EnsureTenant(ctx context.Context, tenantName, configSet string) error {
	return nil
}

func (s *stubSES) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// stubSending records configuration-set pause/resume calls
type stubSending struct {
	mu      sync.Mutex
	paused  []string
	resumed []string
}

func (s *stubSending) PauseConfigurationSetSending(ctx context.Context, configSet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = append(s.paused, configSet)
	return nil
}

func (s *stubSending) ResumeConfigurationSetSending(ctx context.Context, configSet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = append(s.resumed, configSet)
	return nil
}

func (s *stubSending) allPaused() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paused...)
}

type stubCloudWatch struct{}

func (s *stubCloudWatch) GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error) {
	return &cloudwatch.GetMetricDataOutput{}, nil
}

func (s *stubCloudWatch) PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error) {
	return &cloudwatch.PutMetricAlarmOutput{}, nil
}

type apiFixture struct {
	h       *Handlers
	router  http.Handler
	mock    sqlmock.Sqlmock
	ses     *stubSES
	sending *stubSending
}

// newTestAPI assembles the real pipeline over sqlmock and stubbed AWS
// edges, routed exactly as production routes it.
func newTestAPI(t *testing.T) *apiFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewStore(db)

	cfg := &config.Config{}
	cfg.Server.PublicURL = testPublicURL
	cfg.SES.ConfigurationSet = "inbound-events"
	cfg.Delivery.TimeoutSeconds = 5
	cfg.Delivery.MaxPayloadBytes = 1 << 20
	cfg.Delivery.MaxAttachmentMB = 10
	cfg.QStash.Enabled = true
	cfg.QStash.CurrentSigningKey = testSigningKey
	cfg.QStash.NextSigningKey = "sig_next_key"
	cfg.Reputation.WindowHours = 24
	cfg.Reputation.Thresholds = config.ThresholdConfig{
		BounceRateWarning:     0.05,
		BounceRateCritical:    0.10,
		ComplaintRateWarning:  0.001,
		ComplaintRateCritical: 0.005,
	}

	blobs, err := storage.New(context.Background(), config.AWSConfig{}, config.StorageConfig{
		Type:      "local",
		LocalPath: t.TempDir(),
	})
	require.NoError(t, err)

	alerter := slack.NewClient(config.SlackConfig{})
	emitter := events.NewEmitter(st, svix.NewClient(config.SvixConfig{}))

	f := &apiFixture{
		mock:    mock,
		ses:     &stubSES{messageID: "ses-msg-1"},
		sending: &stubSending{},
	}

	sender := outbound.NewSender(st, f.ses, nil, nil, alerter, emitter, blobs, cfg)
	deliverer, err := delivery.New(st, f.ses, cfg.Delivery)
	require.NoError(t, err)
	processor := inbound.NewProcessor(st, blobs, deliverer)
	monitor := reputation.NewMonitor(&stubCloudWatch{}, st, f.sending, alerter, emitter, blobs, cfg)

	f.h = NewHandlers(st, sender, deliverer, processor, cfg)
	f.h.SetBlobStore(blobs)
	f.h.SetMonitor(monitor)
	f.h.SetEventPipeline(events.NewProcessor(st, emitter), emitter)
	f.h.SetQStashVerifier(qstash.NewVerifier(cfg.QStash))

	f.router = SetupRoutes(f.h, auth.NewService(st))
	return f
}

// expectAuth queues the key and user lookups RequireKey performs. The
// async last-used touch is deliberately not expected: it races the test
// body, so these tests never assert ExpectationsWereMet on authed routes.
func (f *apiFixture) expectAuth(userID string) {
	f.mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WillReturnRows(authKeyRow(userID))
	f.mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(authUserRow(userID))
}

func authKeyRow(userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "name", "key_hash", "key_hint", "created_at", "last_used_at", "expires_at"}).
		AddRow("key-1", userID, "test", "hash", "inb_test...oken", time.Now(), nil, nil)
}

func authUserRow(userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "name", "created_at"}).
		AddRow(userID, "owner@example.com", "Test User", time.Now())
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// authed performs a request with a bearer token. Callers queue
// f.expectAuth first so the mock sees queries in execution order.
func (f *apiFixture) authed(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + testToken,
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

// receivedColumnsList mirrors the received_emails select column order
func receivedColumnsList() []string {
	return []string{
		"id", "user_id", "domain_id", "recipient", "message_id",
		"from_text", "from_address", "to_addresses", "cc_addresses",
		"subject", "date", "text_body", "html_body", "headers",
		"attachments", "raw_key", "size_bytes", "spam_verdict",
		"virus_verdict", "spf_verdict", "dkim_verdict",
		"is_read", "is_archived", "received_at",
	}
}

func receivedRow(id, userID, recipient string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(receivedColumnsList()).AddRow(
		id, userID, "dom-1", recipient, "<msg-1@sender.com>",
		"Jane <jane@sender.com>", "jane@sender.com", []byte(`["`+recipient+`"]`), []byte(`[]`),
		"Need help", now, "My widget broke", "", []byte(`{}`),
		[]byte(`[]`), "", 512, "PASS",
		"PASS", "PASS", "PASS",
		false, false, now,
	)
}

func emptyReceivedRows() *sqlmock.Rows {
	return sqlmock.NewRows(receivedColumnsList())
}

func mailAddressRow(userID, address, endpointID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "domain_id", "address", "endpoint_id", "is_active", "created_at", "updated_at"}).
		AddRow("addr-1", userID, "dom-1", address, endpointID, true, now, now)
}

func webhookEndpointRow(id, userID, url string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "name", "type", "config", "is_active", "created_at", "updated_at"}).
		AddRow(id, userID, "Primary", store.EndpointWebhook, []byte(`{"url":"`+url+`"}`), true, now, now)
}

func sentEmailColumnsList() []string {
	return []string{
		"id", "user_id", "tenant_id", "from_address", "to_addresses", "cc_addresses",
		"bcc_addresses", "reply_to", "subject", "text_body", "html_body", "headers",
		"attachment_meta", "status", "ses_message_id", "idempotency_key",
		"qstash_message_id", "scheduled_at", "sent_at", "attempts", "failure_reason",
		"created_at", "updated_at",
	}
}

func queuedSentRow(id, userID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sentEmailColumnsList()).AddRow(
		id, userID, "", "news@acme.com", []byte(`["bob@corp.com"]`), []byte(`[]`),
		[]byte(`[]`), []byte(`[]`), "Hello", "plain body", "", []byte(`{}`),
		[]byte(`{}`), store.SentQueued, "", "",
		"", nil, nil, 0, "",
		now, now,
	)
}
