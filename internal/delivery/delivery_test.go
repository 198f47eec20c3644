package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	appconfig "github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/store"
)

type mockSender struct {
	sent []*ses.OutboundMessage
	err  error
}

func (m *mockSender) Send(ctx context.Context, msg *ses.OutboundMessage) (*ses.SendResult, error) {
	m.sent = append(m.sent, msg)
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendResult{MessageID: "ses-out-1"}, nil
}

func setupDeliverer(t *testing.T, sender Sender) (*Deliverer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d, err := New(store.NewStore(db), sender, appconfig.DeliveryConfig{
		TimeoutSeconds:  2,
		MaxPayloadBytes: 1 << 20,
		MaxAttachmentMB: 10,
		ForwardFrom:     "forward@inbound.dev",
		UserAgent:       "InboundEmail-Webhook/1.0",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, mock
}

func expectDeliveryRow(mock sqlmock.Sqlmock, status string) {
	mock.ExpectExec("INSERT INTO deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE deliveries").
		WithArgs(sqlmock.AnyArg(), status, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestDispatchWebhookDelivered(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, mock := setupDeliverer(t, &mockSender{})
	expectDeliveryRow(mock, store.DeliveryDelivered)

	email, parsed, endpoint := fixtureEmail()
	endpoint.Config = store.JSON{"url": server.URL, "secret": "s3cret"}

	if err := d.Dispatch(context.Background(), email, parsed, endpoint); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}

	if gotHeader.Get("X-Webhook-Event") != "email.received" {
		t.Errorf("event header = %q", gotHeader.Get("X-Webhook-Event"))
	}
	if gotHeader.Get("X-Email-ID") != "em-1" || gotHeader.Get("X-Endpoint-ID") != "ep-1" {
		t.Errorf("id headers = %q / %q", gotHeader.Get("X-Email-ID"), gotHeader.Get("X-Endpoint-ID"))
	}
	if gotHeader.Get("User-Agent") != "InboundEmail-Webhook/1.0" {
		t.Errorf("user agent = %q", gotHeader.Get("User-Agent"))
	}
	if want := SignPayload("s3cret", gotBody); gotHeader.Get("X-Webhook-Signature") != want {
		t.Errorf("signature mismatch: %q != %q", gotHeader.Get("X-Webhook-Signature"), want)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	if payload.Email.Recipient != "support@acme.com" {
		t.Errorf("recipient = %q", payload.Email.Recipient)
	}
}

func TestDispatchWebhookCustomHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d, mock := setupDeliverer(t, &mockSender{})
	expectDeliveryRow(mock, store.DeliveryDelivered)

	email, parsed, endpoint := fixtureEmail()
	endpoint.Config = store.JSON{
		"url":     server.URL,
		"headers": map[string]interface{}{"Authorization": "Bearer tok"},
	}

	if err := d.Dispatch(context.Background(), email, parsed, endpoint); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("custom header = %q", gotAuth)
	}
}

func TestDispatchWebhookNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d, mock := setupDeliverer(t, &mockSender{})
	mock.ExpectExec("INSERT INTO deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE deliveries").
		WithArgs(sqlmock.AnyArg(), store.DeliveryFailed, 503, sqlmock.AnyArg(),
			"endpoint returned 503", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	email, parsed, endpoint := fixtureEmail()
	endpoint.Config = store.JSON{"url": server.URL}

	if err := d.Dispatch(context.Background(), email, parsed, endpoint); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDispatchWebhookUnreachableFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close() // refuse connections

	d, mock := setupDeliverer(t, &mockSender{})
	expectDeliveryRow(mock, store.DeliveryFailed)

	email, parsed, endpoint := fixtureEmail()
	endpoint.Config = store.JSON{"url": url}

	if err := d.Dispatch(context.Background(), email, parsed, endpoint); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDispatchForward(t *testing.T) {
	sender := &mockSender{}
	d, mock := setupDeliverer(t, sender)
	expectDeliveryRow(mock, store.DeliveryDelivered)

	email, parsed, endpoint := fixtureEmail()
	parsed.Attachments = []inbound.ParsedAttachment{
		{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
	}
	endpoint.Type = store.EndpointEmail
	endpoint.Config = store.JSON{"forward_to": "team@corp.com"}

	if err := d.Dispatch(context.Background(), email, parsed, endpoint); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To[0] != "team@corp.com" {
		t.Errorf("to = %v", msg.To)
	}
	if !strings.Contains(msg.From, "forward@inbound.dev") || !strings.Contains(msg.From, "Jane") {
		t.Errorf("from = %q", msg.From)
	}
	if len(msg.ReplyTo) != 1 || msg.ReplyTo[0] != "jane@sender.com" {
		t.Errorf("reply-to = %v", msg.ReplyTo)
	}
	if msg.Subject != "Need help" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "Forwarded message") || !strings.Contains(msg.HTML, "<p>My widget broke</p>") {
		t.Errorf("html = %q", msg.HTML)
	}
	if msg.Headers["X-Forwarded-For"] != "support@acme.com" {
		t.Errorf("x-forwarded-for = %q", msg.Headers["X-Forwarded-For"])
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "doc.pdf" {
		t.Errorf("attachments = %v", msg.Attachments)
	}
}

func TestDispatchGroupPartialFailure(t *testing.T) {
	// First member succeeds, second fails.
	sender := &scriptedSender{failOn: 2}
	d, mock := setupDeliverer(t, sender)
	mock.ExpectExec("INSERT INTO deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE deliveries").
		WithArgs(sqlmock.AnyArg(), store.DeliveryFailed, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	email, parsed, endpoint := fixtureEmail()
	endpoint.Type = store.EndpointEmailGroup
	endpoint.Config = store.JSON{"emails": []interface{}{"a@corp.com", "b@corp.com"}}

	if err := d.Dispatch(context.Background(), email, parsed, endpoint); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sender.count != 2 {
		t.Errorf("sends = %d", sender.count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

type scriptedSender struct {
	count  int
	failOn int
}

func (s *scriptedSender) Send(ctx context.Context, msg *ses.OutboundMessage) (*ses.SendResult, error) {
	s.count++
	if s.count == s.failOn {
		return nil, context.DeadlineExceeded
	}
	return &ses.SendResult{MessageID: "ok"}, nil
}

func TestSendTestWebhook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Event") != "endpoint.test" {
			t.Errorf("event = %q", r.Header.Get("X-Webhook-Event"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, _ := setupDeliverer(t, &mockSender{})
	_, _, endpoint := fixtureEmail()
	endpoint.Config = store.JSON{"url": server.URL}

	result := d.SendTest(context.Background(), endpoint)
	if !result.Success {
		t.Errorf("test delivery failed: %+v", result)
	}
}

func TestSendTestUnknownType(t *testing.T) {
	d, _ := setupDeliverer(t, &mockSender{})
	_, _, endpoint := fixtureEmail()
	endpoint.Type = "carrier_pigeon"

	result := d.SendTest(context.Background(), endpoint)
	if result.Success || result.Error == "" {
		t.Errorf("result = %+v", result)
	}
}
