package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// ListAPIKeys returns the user's keys. Hashes never leave the store; the
// response carries hints only.
func (h *Handlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	keys, err := h.store.GetAPIKeys(r.Context(), user.ID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing api keys: %w", err))
		return
	}
	httputil.OK(w, keys)
}

type createAPIKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expires_in_days,omitempty"`
}

// CreateAPIKey mints a new key. The plaintext appears in this response and
// nowhere else; only its hash is stored.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req createAPIKeyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if req.ExpiresInDays < 0 {
		httputil.BadRequest(w, "expires_in_days must be positive")
		return
	}

	gen, err := auth.GenerateKey()
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("generating key: %w", err))
		return
	}

	key := &store.APIKey{
		UserID:  user.ID,
		Name:    req.Name,
		KeyHash: gen.Hash,
		KeyHint: gen.Hint,
	}
	if req.ExpiresInDays > 0 {
		exp := time.Now().AddDate(0, 0, req.ExpiresInDays)
		key.ExpiresAt = &exp
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		httputil.InternalError(w, fmt.Errorf("storing api key: %w", err))
		return
	}

	httputil.Created(w, map[string]interface{}{
		"id":         key.ID,
		"name":       key.Name,
		"key":        gen.Plaintext,
		"key_hint":   key.KeyHint,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}

// RevokeAPIKey disables a key immediately
func (h *Handlers) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	ok, err := h.store.RevokeAPIKey(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("revoking api key: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "api key not found")
		return
	}
	httputil.NoContent(w)
}
