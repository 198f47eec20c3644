package outbound

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/store"
)

// maxRecipients caps To+Cc+Bcc combined, matching the SES destination limit.
const maxRecipients = 50

// defaultAttachmentCapMB applies when no cap is configured. SES rejects
// raw messages over 40MB, so anything bigger would fail there anyway.
const defaultAttachmentCapMB = 40

// Request is the public send-request shape shared by POST /emails and
// each entry of POST /emails/batch.
type Request struct {
	From        string              `json:"from"`
	To          []string            `json:"to"`
	Cc          []string            `json:"cc,omitempty"`
	Bcc         []string            `json:"bcc,omitempty"`
	ReplyTo     []string            `json:"reply_to,omitempty"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text,omitempty"`
	HTML        string              `json:"html,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`
	ScheduledAt string              `json:"scheduled_at,omitempty"`
}

// AttachmentRequest carries base64-encoded attachment content
type AttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
	ContentID   string `json:"content_id,omitempty"`
}

// validated is the outcome of request validation: everything the send
// path needs in decoded form.
type validated struct {
	fromAddress string
	recipients  []string
	scheduledAt *time.Time
	attachments []ses.Attachment
	meta        store.JSON
}

func (s *Sender) validate(ctx context.Context, userID string, req *Request) (*validated, *Error) {
	v := &validated{}

	if strings.TrimSpace(req.From) == "" {
		return nil, reject(http.StatusBadRequest, "from address is required")
	}
	from, err := mail.ParseAddress(req.From)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid from address %q", req.From)
	}
	v.fromAddress = from.Address

	at := strings.LastIndex(from.Address, "@")
	if at < 0 {
		return nil, reject(http.StatusBadRequest, "invalid from address %q", req.From)
	}
	domainName := strings.ToLower(from.Address[at+1:])

	domain, derr := s.store.GetDomainByName(ctx, domainName)
	if derr != nil {
		return nil, reject(http.StatusInternalServerError, "looking up sending domain")
	}
	if domain == nil || domain.UserID != userID || domain.Status != store.DomainVerified {
		return nil, reject(http.StatusForbidden, "sending domain %q is not verified for this account", domainName)
	}

	if len(req.To) == 0 {
		return nil, reject(http.StatusBadRequest, "at least one recipient is required")
	}
	total := len(req.To) + len(req.Cc) + len(req.Bcc)
	if total > maxRecipients {
		return nil, reject(http.StatusBadRequest, "too many recipients (%d), limit is %d", total, maxRecipients)
	}
	for _, list := range [][]string{req.To, req.Cc, req.Bcc} {
		for _, rcpt := range list {
			addr, perr := mail.ParseAddress(rcpt)
			if perr != nil {
				return nil, reject(http.StatusBadRequest, "invalid recipient address %q", rcpt)
			}
			v.recipients = append(v.recipients, addr.Address)
		}
	}
	for _, rt := range req.ReplyTo {
		if _, perr := mail.ParseAddress(rt); perr != nil {
			return nil, reject(http.StatusBadRequest, "invalid reply_to address %q", rt)
		}
	}

	if strings.TrimSpace(req.Subject) == "" {
		return nil, reject(http.StatusBadRequest, "subject is required")
	}
	if req.Text == "" && req.HTML == "" {
		return nil, reject(http.StatusBadRequest, "either text or html body is required")
	}

	if req.ScheduledAt != "" {
		when, perr := time.Parse(time.RFC3339, req.ScheduledAt)
		if perr != nil {
			return nil, reject(http.StatusBadRequest, "scheduled_at must be RFC 3339, got %q", req.ScheduledAt)
		}
		if !when.After(time.Now()) {
			return nil, reject(http.StatusBadRequest, "scheduled_at must be in the future")
		}
		v.scheduledAt = &when
	}

	if len(req.Attachments) > 0 {
		attachments, meta, aerr := decodeAttachments(req.Attachments, s.attachmentCapBytes())
		if aerr != nil {
			return nil, aerr
		}
		v.attachments = attachments
		v.meta = meta
	}

	suppressed, serr := s.store.FilterSuppressed(ctx, userID, v.recipients)
	if serr != nil {
		return nil, reject(http.StatusInternalServerError, "checking suppression list")
	}
	if len(suppressed) > 0 {
		return nil, &Error{
			Status:     http.StatusBadRequest,
			Message:    "one or more recipients are on the suppression list",
			Suppressed: suppressed,
		}
	}

	return v, nil
}

func (s *Sender) attachmentCapBytes() int {
	capMB := s.delivery.MaxAttachmentMB
	if capMB <= 0 {
		capMB = defaultAttachmentCapMB
	}
	return capMB * 1024 * 1024
}

func decodeAttachments(reqs []AttachmentRequest, capBytes int) ([]ses.Attachment, store.JSON, *Error) {
	attachments := make([]ses.Attachment, 0, len(reqs))
	files := make([]interface{}, 0, len(reqs))
	total := 0

	for _, a := range reqs {
		if strings.TrimSpace(a.Filename) == "" {
			return nil, nil, reject(http.StatusBadRequest, "attachment filename is required")
		}
		if a.Content == "" {
			return nil, nil, reject(http.StatusBadRequest, "attachment %q has no content", a.Filename)
		}
		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.Content))
		if err != nil {
			return nil, nil, reject(http.StatusBadRequest, "attachment %q is not valid base64", a.Filename)
		}
		total += len(content)
		if total > capBytes {
			return nil, nil, reject(http.StatusBadRequest, "attachments exceed the %dMB limit", capBytes/(1024*1024))
		}

		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attachments = append(attachments, ses.Attachment{
			Filename:    a.Filename,
			ContentType: contentType,
			Content:     content,
			ContentID:   a.ContentID,
		})
		files = append(files, map[string]interface{}{
			"filename":     a.Filename,
			"content_type": contentType,
			"size_bytes":   len(content),
		})
	}

	meta := store.JSON{
		"count":       len(reqs),
		"total_bytes": total,
		"files":       files,
	}
	return attachments, meta, nil
}

func base64Encode(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

// headersJSON converts request headers to the JSONB column shape
func headersJSON(headers map[string]string) store.JSON {
	if len(headers) == 0 {
		return nil
	}
	doc := make(store.JSON, len(headers))
	for k, v := range headers {
		doc[k] = v
	}
	return doc
}

// headersFromJSON restores custom headers from a stored row
func headersFromJSON(doc store.JSON) map[string]string {
	if len(doc) == 0 {
		return nil
	}
	headers := make(map[string]string, len(doc))
	for k, v := range doc {
		if sv, ok := v.(string); ok {
			headers[k] = sv
		}
	}
	return headers
}
