package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// ListMail returns received emails, newest first. Filters: ?domain_id=,
// ?recipient=, ?unread=true, ?archived=true, ?search= (subject/from),
// ?since= and ?until= (RFC3339).
func (h *Handlers) ListMail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	q := r.URL.Query()
	p := ParsePagination(r, 50, 100)

	f := store.MailFilter{
		DomainID:   q.Get("domain_id"),
		Recipient:  q.Get("recipient"),
		UnreadOnly: q.Get("unread") == "true",
		Archived:   q.Get("archived") == "true",
		Search:     q.Get("search"),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "until must be an RFC3339 timestamp")
			return
		}
		f.Until = &t
	}

	emails, total, err := h.store.GetReceivedEmails(r.Context(), user.ID, f)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing mail: %w", err))
		return
	}
	httputil.OK(w, NewPaginatedResponse(emails, p, total))
}

// GetMail returns one received email
func (h *Handlers) GetMail(w http.ResponseWriter, r *http.Request) {
	e := h.loadMail(w, r)
	if e == nil {
		return
	}
	httputil.OK(w, e)
}

type mailFlagsRequest struct {
	IsRead     *bool `json:"is_read"`
	IsArchived *bool `json:"is_archived"`
}

// UpdateMailFlags sets read and archived state. Omitted fields keep their
// current value.
func (h *Handlers) UpdateMailFlags(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e := h.loadMail(w, r)
	if e == nil {
		return
	}

	var req mailFlagsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.IsRead == nil && req.IsArchived == nil {
		httputil.BadRequest(w, "nothing to update: set is_read and/or is_archived")
		return
	}
	if req.IsRead != nil {
		e.IsRead = *req.IsRead
	}
	if req.IsArchived != nil {
		e.IsArchived = *req.IsArchived
	}

	ok, err := h.store.UpdateReceivedFlags(r.Context(), user.ID, e.ID, e.IsRead, e.IsArchived)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("updating mail flags: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "email not found")
		return
	}
	httputil.OK(w, e)
}

// GetMailRaw streams the archived original MIME message
func (h *Handlers) GetMailRaw(w http.ResponseWriter, r *http.Request) {
	e := h.loadMail(w, r)
	if e == nil {
		return
	}
	if e.RawKey == "" || h.blobs == nil {
		httputil.NotFound(w, "raw message is not archived")
		return
	}

	raw, err := h.blobs.GetRaw(r.Context(), e.RawKey)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("fetching raw message %s: %w", e.ID, err))
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// GetMailAttachment serves one attachment by position. Content that was too
// large to inline in the row is recovered from the archived raw message.
func (h *Handlers) GetMailAttachment(w http.ResponseWriter, r *http.Request) {
	e := h.loadMail(w, r)
	if e == nil {
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 || index >= len(e.Attachments) {
		httputil.NotFound(w, "attachment not found")
		return
	}
	att := e.Attachments[index]

	var data []byte
	if att.Content != "" {
		data, err = base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			httputil.InternalError(w, fmt.Errorf("decoding attachment %d of %s: %w", index, e.ID, err))
			return
		}
	} else if e.RawKey != "" && h.blobs != nil {
		raw, err := h.blobs.GetRaw(r.Context(), e.RawKey)
		if err != nil {
			httputil.InternalError(w, fmt.Errorf("fetching raw message %s: %w", e.ID, err))
			return
		}
		parsed, err := inbound.ParseRaw(raw)
		if err != nil {
			httputil.InternalError(w, fmt.Errorf("re-parsing %s: %w", e.ID, err))
			return
		}
		if index < len(parsed.Attachments) {
			data = parsed.Attachments[index].Content
		}
	}
	if data == nil {
		httputil.NotFound(w, "attachment content is not available")
		return
	}

	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetMailDeliveries returns the delivery attempts for one email
func (h *Handlers) GetMailDeliveries(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e := h.loadMail(w, r)
	if e == nil {
		return
	}

	deliveries, err := h.store.GetDeliveries(r.Context(), user.ID, e.ID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing deliveries: %w", err))
		return
	}
	httputil.OK(w, deliveries)
}

type replyRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to,omitempty"`
	Cc      []string          `json:"cc,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Quote   *bool             `json:"quote,omitempty"`
}

// ReplyToMail sends a reply through SES with proper threading headers.
// The original message is quoted below the reply body unless quote=false.
func (h *Handlers) ReplyToMail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e := h.loadMail(w, r)
	if e == nil {
		return
	}

	var req replyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Text == "" && req.HTML == "" {
		httputil.BadRequest(w, "text or html body is required")
		return
	}

	send := &outbound.Request{
		From:    req.From,
		To:      req.To,
		Cc:      req.Cc,
		Subject: req.Subject,
		Text:    req.Text,
		HTML:    req.HTML,
		Headers: req.Headers,
	}
	if len(send.To) == 0 {
		send.To = []string{replyAddressFor(e)}
	}
	if send.Subject == "" {
		send.Subject = replySubject(e.Subject)
	}
	if req.Quote == nil || *req.Quote {
		quoteOriginal(send, e)
	}
	threadHeaders(send, e)

	sent, err := h.sender.Send(r.Context(), user.ID, send, outbound.SendOptions{})
	if err != nil {
		// Suppressed recipients surface here as a 400 listing them
		h.sendError(w, err)
		return
	}
	httputil.Created(w, sent)
}

// ResendMail re-delivers a received email to its routed endpoint(s), one
// new delivery row per endpoint. The payload is rebuilt from the archived
// raw message so attachment content survives the round trip.
func (h *Handlers) ResendMail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	// User-scoped load: other accounts' mail is indistinguishable from
	// mail that does not exist.
	e := h.loadMail(w, r)
	if e == nil {
		return
	}

	endpoints, err := h.processor.RoutedEndpoints(r.Context(), user.ID, e.Recipient)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("resolving endpoints for %s: %w", e.Recipient, err))
		return
	}
	if len(endpoints) == 0 {
		httputil.Conflict(w, fmt.Sprintf("no endpoint is configured for %s", e.Recipient))
		return
	}

	parsed := h.reconstructParsed(r.Context(), e)

	type resendResult struct {
		EndpointID string `json:"endpoint_id"`
		Status     string `json:"status"`
		Error      string `json:"error,omitempty"`
	}
	results := make([]resendResult, 0, len(endpoints))
	for _, ep := range endpoints {
		res := resendResult{EndpointID: ep.ID, Status: store.DeliveryDelivered}
		if err := h.deliverer.Dispatch(r.Context(), e, parsed, ep); err != nil {
			log.Printf("[API] Resend of %s to endpoint %s failed: %v", e.ID, ep.ID, err)
			res.Status = store.DeliveryFailed
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	httputil.OK(w, map[string]interface{}{
		"email_id":   e.ID,
		"deliveries": results,
	})
}

// loadMail fetches the email in the URL scoped to the requesting user,
// writing the 404 itself when there is nothing to return.
func (h *Handlers) loadMail(w http.ResponseWriter, r *http.Request) *store.ReceivedEmail {
	user := auth.UserFromContext(r.Context())

	e, err := h.store.GetReceivedEmail(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading email: %w", err))
		return nil
	}
	if e == nil {
		httputil.NotFound(w, "email not found")
		return nil
	}
	return e
}

// reconstructParsed rebuilds the parsed form for delivery. The archived raw
// message is authoritative because it still carries attachment content; the
// stored row is the fallback when no archive exists.
func (h *Handlers) reconstructParsed(ctx context.Context, e *store.ReceivedEmail) *inbound.ParsedEmail {
	if e.RawKey != "" && h.blobs != nil {
		raw, err := h.blobs.GetRaw(ctx, e.RawKey)
		if err != nil {
			log.Printf("[API] Warning: fetching raw for %s: %v", e.ID, err)
		} else if parsed, perr := inbound.ParseRaw(raw); perr != nil {
			log.Printf("[API] Warning: re-parsing %s: %v", e.ID, perr)
		} else {
			return parsed
		}
	}

	parsed := &inbound.ParsedEmail{
		MessageID:   e.MessageID,
		FromText:    e.FromText,
		FromAddress: e.FromAddress,
		To:          e.ToAddresses,
		Cc:          e.CcAddresses,
		Subject:     e.Subject,
		Date:        e.Date,
		TextBody:    e.TextBody,
		HTMLBody:    e.HTMLBody,
		Headers:     stringHeaders(e.Headers),
		SizeBytes:   e.SizeBytes,
	}
	for _, a := range e.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			content = nil
		}
		parsed.Attachments = append(parsed.Attachments, inbound.ParsedAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			ContentID:   a.ContentID,
			Content:     content,
		})
	}
	return parsed
}

func stringHeaders(j store.JSON) map[string]string {
	if len(j) == 0 {
		return nil
	}
	m := make(map[string]string, len(j))
	for k, v := range j {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	return m
}

// replyAddressFor picks where a reply should go: the sender's Reply-To
// header when present, otherwise the from address.
func replyAddressFor(e *store.ReceivedEmail) string {
	if rt, ok := e.Headers["Reply-To"].(string); ok && rt != "" {
		return rt
	}
	return e.FromAddress
}

func replySubject(original string) string {
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return "Re: " + original
}

// threadHeaders sets In-Reply-To and References so the reply lands in the
// recipient's existing thread.
func threadHeaders(send *outbound.Request, e *store.ReceivedEmail) {
	if e.MessageID == "" {
		return
	}
	msgID := e.MessageID
	if !strings.HasPrefix(msgID, "<") {
		msgID = "<" + msgID + ">"
	}

	if send.Headers == nil {
		send.Headers = make(map[string]string)
	}
	if send.Headers["In-Reply-To"] == "" {
		send.Headers["In-Reply-To"] = msgID
	}
	if send.Headers["References"] == "" {
		refs := msgID
		if prior, ok := e.Headers["References"].(string); ok && prior != "" {
			refs = prior + " " + msgID
		}
		send.Headers["References"] = refs
	}
}

// quoteOriginal appends the original message below the reply body in the
// usual client style.
func quoteOriginal(send *outbound.Request, e *store.ReceivedEmail) {
	attribution := fmt.Sprintf("On %s, %s wrote:", quoteDate(e), e.FromText)

	if send.Text != "" && e.TextBody != "" {
		var b strings.Builder
		b.WriteString(send.Text)
		b.WriteString("\n\n")
		b.WriteString(attribution)
		b.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(e.TextBody, "\n"), "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		send.Text = b.String()
	}
	if send.HTML != "" && e.HTMLBody != "" {
		send.HTML = fmt.Sprintf(
			"%s<br><br><div>%s</div><blockquote style=\"margin:0 0 0 .8ex;border-left:1px solid #ccc;padding-left:1ex\">%s</blockquote>",
			send.HTML, attribution, e.HTMLBody)
	}
}

func quoteDate(e *store.ReceivedEmail) string {
	if e.Date != nil {
		return e.Date.Format("Mon, 2 Jan 2006 at 15:04")
	}
	return e.ReceivedAt.Format("Mon, 2 Jan 2006 at 15:04")
}
