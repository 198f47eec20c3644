package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/store"
)

func fixtureEmail() (*store.ReceivedEmail, *inbound.ParsedEmail, *store.Endpoint) {
	date := time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC)
	email := &store.ReceivedEmail{
		ID:          "em-1",
		UserID:      "user-1",
		Recipient:   "support@acme.com",
		MessageID:   "msg-1@sender.com",
		Subject:     "Need help",
		SpamVerdict: "PASS",
		ReceivedAt:  date,
	}
	parsed := &inbound.ParsedEmail{
		MessageID:   "msg-1@sender.com",
		FromText:    "Jane <jane@sender.com>",
		FromName:    "Jane",
		FromAddress: "jane@sender.com",
		To:          []string{"support@acme.com"},
		Subject:     "Need help",
		Date:        &date,
		TextBody:    "My widget broke",
		HTMLBody:    "<p>My widget broke</p>",
		Headers: map[string]string{
			"From":       "Jane <jane@sender.com>",
			"Subject":    "Need help",
			"Message-Id": "<msg-1@sender.com>",
		},
	}
	endpoint := &store.Endpoint{
		ID:       "ep-1",
		UserID:   "user-1",
		Name:     "Primary",
		Type:     store.EndpointWebhook,
		Config:   store.JSON{"url": "https://hooks.acme.com/in", "secret": "s3cret"},
		IsActive: true,
	}
	return email, parsed, endpoint
}

func TestMarshalTrimmedSmallPayloadUntouched(t *testing.T) {
	email, parsed, endpoint := fixtureEmail()
	payload := BuildPayload(email, parsed, endpoint)

	body, info, err := payload.MarshalTrimmed(1 << 20)
	if err != nil {
		t.Fatalf("MarshalTrimmed failed: %v", err)
	}
	if info.Any() {
		t.Errorf("small payload trimmed: %+v", info)
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded.Event != "email.received" || decoded.Email.Subject != "Need help" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Truncated != nil {
		t.Errorf("truncated flag present on untrimmed payload")
	}
}

func TestMarshalTrimmedDropsAttachmentContentFirst(t *testing.T) {
	email, parsed, endpoint := fixtureEmail()
	parsed.Attachments = []inbound.ParsedAttachment{
		{Filename: "big.bin", ContentType: "application/octet-stream", Content: bytes.Repeat([]byte("x"), 2<<20)},
		{Filename: "small.txt", ContentType: "text/plain", Content: []byte("tiny")},
	}
	payload := BuildPayload(email, parsed, endpoint)

	max := 1 << 20
	body, info, err := payload.MarshalTrimmed(max)
	if err != nil {
		t.Fatalf("MarshalTrimmed failed: %v", err)
	}
	if len(body) > max {
		t.Fatalf("payload still %d bytes (max %d)", len(body), max)
	}
	if !info.AttachmentsOmitted {
		t.Error("attachments_omitted not set")
	}
	if info.HeadersDropped || info.BodiesTruncated || info.Oversize {
		t.Errorf("later stages ran unnecessarily: %+v", info)
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Email.Attachments) != 2 {
		t.Fatalf("attachment metadata lost: %d", len(decoded.Email.Attachments))
	}
	for _, a := range decoded.Email.Attachments {
		if a.Content != "" || !a.ContentOmitted {
			t.Errorf("attachment %s kept content", a.Filename)
		}
		if a.SizeBytes == 0 {
			t.Errorf("attachment %s lost size", a.Filename)
		}
	}
	// Bodies survive when dropping attachments is enough.
	if decoded.Email.TextBody != "My widget broke" {
		t.Errorf("text body = %q", decoded.Email.TextBody)
	}
	if decoded.Truncated == nil || !decoded.Truncated.AttachmentsOmitted {
		t.Error("payload does not describe its own trimming")
	}
}

func TestMarshalTrimmedDropsHeadersSecond(t *testing.T) {
	email, parsed, endpoint := fixtureEmail()
	for i := 0; i < 2000; i++ {
		parsed.Headers[fmt.Sprintf("X-Bulk-%04d", i)] = strings.Repeat("v", 700)
	}
	payload := BuildPayload(email, parsed, endpoint)

	max := 1 << 20
	body, info, err := payload.MarshalTrimmed(max)
	if err != nil {
		t.Fatalf("MarshalTrimmed failed: %v", err)
	}
	if len(body) > max {
		t.Fatalf("payload still %d bytes", len(body))
	}
	if !info.HeadersDropped {
		t.Error("headers_dropped not set")
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded.Email.Headers["Subject"]; !ok {
		t.Error("essential Subject header dropped")
	}
	if _, ok := decoded.Email.Headers["Message-Id"]; !ok {
		t.Error("essential Message-Id header dropped")
	}
	for name := range decoded.Email.Headers {
		if strings.HasPrefix(name, "X-Bulk-") {
			t.Errorf("non-essential header %s survived", name)
		}
	}
}

func TestMarshalTrimmedTruncatesBodiesLast(t *testing.T) {
	email, parsed, endpoint := fixtureEmail()
	parsed.HTMLBody = strings.Repeat("<p>hello world</p>", 80000)
	parsed.TextBody = strings.Repeat("hello world ", 120000)
	payload := BuildPayload(email, parsed, endpoint)

	max := 1 << 20
	body, info, err := payload.MarshalTrimmed(max)
	if err != nil {
		t.Fatalf("MarshalTrimmed failed: %v", err)
	}
	if len(body) > max {
		t.Fatalf("payload still %d bytes", len(body))
	}
	if !info.BodiesTruncated {
		t.Error("bodies_truncated not set")
	}
	if info.Oversize {
		t.Error("oversize set for a trimmable payload")
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasSuffix(decoded.Email.HTMLBody, "[truncated]") {
		t.Error("html body missing truncation marker")
	}
}

func TestMarshalTrimmedMultibyteSafe(t *testing.T) {
	email, parsed, endpoint := fixtureEmail()
	parsed.HTMLBody = ""
	parsed.TextBody = strings.Repeat("héllo wörld ", 100000)
	payload := BuildPayload(email, parsed, endpoint)

	body, _, err := payload.MarshalTrimmed(1 << 20)
	if err != nil {
		t.Fatalf("MarshalTrimmed failed: %v", err)
	}
	var decoded WebhookPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("truncation split a rune: %v", err)
	}
}

func TestSignPayload(t *testing.T) {
	sig := SignPayload("secret", []byte(`{"a":1}`))
	if len(sig) != 64 {
		t.Errorf("signature length = %d", len(sig))
	}
	if sig != SignPayload("secret", []byte(`{"a":1}`)) {
		t.Error("signature not deterministic")
	}
	if sig == SignPayload("other", []byte(`{"a":1}`)) {
		t.Error("signature ignores key")
	}
}
