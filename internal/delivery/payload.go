// Package delivery hands stored inbound emails to user-configured
// endpoints: webhook POSTs, single-address forwards and forward groups.
// Every attempt is exactly one try with the outcome recorded on a
// delivery row; consumers that need the message again use resend.
package delivery

import (
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/store"
)

const truncationMarker = "\n[truncated]"

// essentialHeaders survive payload trimming stage 2
var essentialHeaders = map[string]bool{
	"From":        true,
	"To":          true,
	"Cc":          true,
	"Reply-To":    true,
	"Subject":     true,
	"Date":        true,
	"Message-Id":  true,
	"In-Reply-To": true,
	"References":  true,
}

// PayloadAttachment mirrors the stored attachment shape with base64 content
type PayloadAttachment struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type"`
	SizeBytes      int    `json:"size_bytes"`
	ContentID      string `json:"content_id,omitempty"`
	Content        string `json:"content,omitempty"`
	ContentOmitted bool   `json:"content_omitted,omitempty"`
}

// PayloadEmail is the email section of a webhook payload
type PayloadEmail struct {
	ID           string              `json:"id"`
	MessageID    string              `json:"message_id"`
	From         string              `json:"from"`
	FromAddress  string              `json:"from_address,omitempty"`
	To           []string            `json:"to"`
	Cc           []string            `json:"cc,omitempty"`
	Recipient    string              `json:"recipient"`
	Subject      string              `json:"subject"`
	Date         *time.Time          `json:"date,omitempty"`
	TextBody     string              `json:"text_body,omitempty"`
	HTMLBody     string              `json:"html_body,omitempty"`
	Headers      map[string]string   `json:"headers,omitempty"`
	Attachments  []PayloadAttachment `json:"attachments"`
	SpamVerdict  string              `json:"spam_verdict,omitempty"`
	VirusVerdict string              `json:"virus_verdict,omitempty"`
	SPFVerdict   string              `json:"spf_verdict,omitempty"`
	DKIMVerdict  string              `json:"dkim_verdict,omitempty"`
	ReceivedAt   time.Time           `json:"received_at"`
}

// PayloadEndpoint identifies the receiving endpoint inside the payload
type PayloadEndpoint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TruncationInfo describes what trimming removed from a payload
type TruncationInfo struct {
	AttachmentsOmitted bool `json:"attachments_omitted,omitempty"`
	HeadersDropped     bool `json:"headers_dropped,omitempty"`
	BodiesTruncated    bool `json:"bodies_truncated,omitempty"`
	Oversize           bool `json:"oversize,omitempty"`
}

// Any reports whether any trimming happened
func (t TruncationInfo) Any() bool {
	return t.AttachmentsOmitted || t.HeadersDropped || t.BodiesTruncated || t.Oversize
}

// WebhookPayload is the JSON document POSTed to webhook endpoints
type WebhookPayload struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Email     PayloadEmail    `json:"email"`
	Endpoint  PayloadEndpoint `json:"endpoint"`
	Truncated *TruncationInfo `json:"truncated,omitempty"`
}

// BuildPayload assembles the webhook payload from the stored row and the
// in-memory parse. Attachment content comes from the parse so the row can
// stay metadata-only for large files.
func BuildPayload(email *store.ReceivedEmail, parsed *inbound.ParsedEmail, endpoint *store.Endpoint) *WebhookPayload {
	attachments := make([]PayloadAttachment, 0, len(parsed.Attachments))
	for _, a := range parsed.Attachments {
		attachments = append(attachments, PayloadAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   len(a.Content),
			ContentID:   a.ContentID,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
		})
	}

	headers := make(map[string]string, len(parsed.Headers))
	for k, v := range parsed.Headers {
		headers[k] = v
	}

	return &WebhookPayload{
		Event:     "email.received",
		Timestamp: time.Now().UTC(),
		Email: PayloadEmail{
			ID:           email.ID,
			MessageID:    email.MessageID,
			From:         parsed.FromText,
			FromAddress:  parsed.FromAddress,
			To:           parsed.To,
			Cc:           parsed.Cc,
			Recipient:    email.Recipient,
			Subject:      parsed.Subject,
			Date:         parsed.Date,
			TextBody:     parsed.TextBody,
			HTMLBody:     parsed.HTMLBody,
			Headers:      headers,
			Attachments:  attachments,
			SpamVerdict:  email.SpamVerdict,
			VirusVerdict: email.VirusVerdict,
			SPFVerdict:   email.SPFVerdict,
			DKIMVerdict:  email.DKIMVerdict,
			ReceivedAt:   email.ReceivedAt,
		},
		Endpoint: PayloadEndpoint{ID: endpoint.ID, Name: endpoint.Name},
	}
}

// MarshalTrimmed serializes the payload, trimming in stages until it fits
// under maxBytes: attachment content first, then non-essential headers,
// then the bodies. The payload is mutated in place. A payload that still
// exceeds the cap after all stages is sent anyway with Oversize set, since
// dropping the event entirely would be worse than a fat POST.
func (p *WebhookPayload) MarshalTrimmed(maxBytes int) ([]byte, TruncationInfo, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, TruncationInfo{}, err
	}
	if len(body) <= maxBytes {
		return body, TruncationInfo{}, nil
	}

	info := &TruncationInfo{}
	p.Truncated = info

	// Stage 1: attachment content is almost always the bulk
	for i := range p.Email.Attachments {
		if p.Email.Attachments[i].Content != "" {
			p.Email.Attachments[i].Content = ""
			p.Email.Attachments[i].ContentOmitted = true
			info.AttachmentsOmitted = true
		}
	}
	if info.AttachmentsOmitted {
		if body, err = json.Marshal(p); err != nil {
			return nil, *info, err
		}
		if len(body) <= maxBytes {
			return body, *info, nil
		}
	}

	// Stage 2: keep only the headers consumers actually key on
	for name := range p.Email.Headers {
		if !essentialHeaders[name] {
			delete(p.Email.Headers, name)
			info.HeadersDropped = true
		}
	}
	if info.HeadersDropped {
		if body, err = json.Marshal(p); err != nil {
			return nil, *info, err
		}
		if len(body) <= maxBytes {
			return body, *info, nil
		}
	}

	// Stage 3: cut the bodies, HTML first. JSON escaping means the exact
	// overshoot is approximate, so cut with margin and re-measure.
	for _, cut := range []struct{ body *string }{{&p.Email.HTMLBody}, {&p.Email.TextBody}} {
		over := len(body) - maxBytes
		if over <= 0 {
			break
		}
		if *cut.body == "" {
			continue
		}
		*cut.body = truncateBody(*cut.body, over+len(truncationMarker)+64)
		info.BodiesTruncated = true
		if body, err = json.Marshal(p); err != nil {
			return nil, *info, err
		}
	}
	if len(body) <= maxBytes {
		return body, *info, nil
	}

	info.Oversize = true
	if body, err = json.Marshal(p); err != nil {
		return nil, *info, err
	}
	return body, *info, nil
}

// truncateBody drops at least n bytes from the end of s, backing up to a
// rune boundary, and appends the truncation marker.
func truncateBody(s string, n int) string {
	keep := len(s) - n
	if keep <= 0 {
		return truncationMarker
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + truncationMarker
}
