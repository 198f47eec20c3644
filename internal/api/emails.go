package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
)

// SendEmail sends or schedules one outbound email. The optional
// Idempotency-Key header makes retried requests return the original row.
func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req outbound.Request
	if !httputil.DecodeLimit(w, r, &req, h.sendBodyLimit()) {
		return
	}

	opts := outbound.SendOptions{IdempotencyKey: r.Header.Get("Idempotency-Key")}
	sent, err := h.sender.Send(r.Context(), user.ID, &req, opts)
	if err != nil {
		h.sendError(w, err)
		return
	}
	httputil.Created(w, sent)
}

// SendEmailBatch sends up to 100 emails with per-item results
func (h *Handlers) SendEmailBatch(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var reqs []*outbound.Request
	if !httputil.DecodeLimit(w, r, &reqs, h.sendBodyLimit()) {
		return
	}

	results, err := h.sender.SendBatch(r.Context(), user.ID, reqs)
	if err != nil {
		h.sendError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"data": results})
}

// ListEmails returns sent and scheduled emails, newest first.
// ?status= filters to one lifecycle state.
func (h *Handlers) ListEmails(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	p := ParsePagination(r, 50, 100)

	emails, total, err := h.store.GetSentEmails(r.Context(), user.ID, r.URL.Query().Get("status"), p.Limit, p.Offset)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing emails: %w", err))
		return
	}
	httputil.OK(w, NewPaginatedResponse(emails, p, total))
}

// GetEmail returns one outbound email
func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e, err := h.store.GetSentEmail(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading email: %w", err))
		return
	}
	if e == nil {
		httputil.NotFound(w, "email not found")
		return
	}
	httputil.OK(w, e)
}

// CancelEmail cancels an email that is still scheduled
func (h *Handlers) CancelEmail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e, err := h.sender.Cancel(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	httputil.OK(w, e)
}

// sendBodyLimit bounds POST /emails request bodies. Base64 inflates
// attachments by a third, so the cap is double the attachment budget plus
// slack for the rest of the request.
func (h *Handlers) sendBodyLimit() int64 {
	capMB := h.cfg.Delivery.MaxAttachmentMB
	if capMB <= 0 {
		capMB = 40
	}
	return int64(capMB)*2<<20 + 1<<20
}

// sendError translates outbound rejections into their HTTP responses.
// Anything that is not an *outbound.Error is an internal failure.
func (h *Handlers) sendError(w http.ResponseWriter, err error) {
	var rej *outbound.Error
	if !errors.As(err, &rej) {
		httputil.InternalError(w, err)
		return
	}

	switch {
	case rej.Status == http.StatusTooManyRequests:
		secs := int(rej.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		httputil.TooManyRequests(w, rej.Message, secs)
	case len(rej.Suppressed) > 0:
		httputil.ErrorDetails(w, rej.Status, rej.Message, map[string]interface{}{
			"suppressed": rej.Suppressed,
		})
	case rej.Status == http.StatusInternalServerError:
		// Keep provider errors out of API responses
		httputil.InternalError(w, rej)
	default:
		httputil.Error(w, rej.Status, rej.Message)
	}
}
