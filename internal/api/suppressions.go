package api

import (
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// ListSuppressions returns the user's suppression list, newest first
func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	p := ParsePagination(r, 50, 200)

	sups, total, err := h.store.GetSuppressions(r.Context(), user.ID, p.Limit, p.Offset)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing suppressions: %w", err))
		return
	}
	httputil.OK(w, NewPaginatedResponse(sups, p, total))
}

type createSuppressionRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}

// CreateSuppression manually blocks an address from receiving sends.
// Creating an entry that already exists is a no-op.
func (h *Handlers) CreateSuppression(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req createSuppressionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		httputil.BadRequest(w, "a valid email address is required")
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = store.SuppressionManual
	}

	sup := &store.Suppression{
		UserID: user.ID,
		Email:  req.Email,
		Reason: reason,
		Source: "api",
	}
	if err := h.store.CreateSuppression(r.Context(), sup); err != nil {
		httputil.InternalError(w, fmt.Errorf("creating suppression: %w", err))
		return
	}
	httputil.Created(w, sup)
}

// DeleteSuppression removes an address from the suppression list so sends
// to it are accepted again.
func (h *Handlers) DeleteSuppression(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	ok, err := h.store.DeleteSuppression(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("deleting suppression: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "suppression not found")
		return
	}
	httputil.NoContent(w)
}
