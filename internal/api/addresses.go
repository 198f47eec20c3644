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

// ListEmailAddresses returns the account's inbound addresses, optionally
// filtered to one domain with ?domain_id=.
func (h *Handlers) ListEmailAddresses(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	addrs, err := h.store.GetEmailAddresses(r.Context(), user.ID, r.URL.Query().Get("domain_id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing addresses: %w", err))
		return
	}
	httputil.OK(w, addrs)
}

type createAddressRequest struct {
	Address    string `json:"address"`
	EndpointID string `json:"endpoint_id,omitempty"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

// CreateEmailAddress routes an address on one of the account's verified
// domains. Without an endpoint the address is store-only: mail is kept and
// searchable but delivered nowhere.
func (h *Handlers) CreateEmailAddress(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req createAddressRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	parsed, err := mail.ParseAddress(strings.TrimSpace(req.Address))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid address %q", req.Address))
		return
	}
	address := strings.ToLower(parsed.Address)

	at := strings.LastIndex(address, "@")
	domain, err := h.store.GetDomainByName(r.Context(), address[at+1:])
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("looking up domain: %w", err))
		return
	}
	if domain == nil || domain.UserID != user.ID {
		httputil.BadRequest(w, fmt.Sprintf("domain %q is not registered on this account", address[at+1:]))
		return
	}
	if domain.Status != store.DomainVerified {
		httputil.BadRequest(w, fmt.Sprintf("domain %q is not verified yet", domain.Domain))
		return
	}

	if req.EndpointID != "" {
		ep, err := h.store.GetEndpoint(r.Context(), user.ID, req.EndpointID)
		if err != nil {
			httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
			return
		}
		if ep == nil {
			httputil.BadRequest(w, "endpoint_id does not name one of your endpoints")
			return
		}
	}

	existing, err := h.store.GetEmailAddressByAddress(r.Context(), address)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("checking address: %w", err))
		return
	}
	if existing != nil {
		httputil.Conflict(w, fmt.Sprintf("address %s already exists", address))
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	a := &store.EmailAddress{
		UserID:     user.ID,
		DomainID:   domain.ID,
		Address:    address,
		EndpointID: req.EndpointID,
		IsActive:   active,
	}
	if err := h.store.CreateEmailAddress(r.Context(), a); err != nil {
		httputil.InternalError(w, fmt.Errorf("creating address %s: %w", address, err))
		return
	}
	httputil.Created(w, a)
}

// GetEmailAddress returns one inbound address
func (h *Handlers) GetEmailAddress(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	a, err := h.store.GetEmailAddress(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading address: %w", err))
		return
	}
	if a == nil {
		httputil.NotFound(w, "email address not found")
		return
	}
	httputil.OK(w, a)
}

type updateAddressRequest struct {
	EndpointID *string `json:"endpoint_id"`
	IsActive   *bool   `json:"is_active"`
}

// UpdateEmailAddress repoints the address at a different endpoint or
// toggles it. Omitted fields keep their current value.
func (h *Handlers) UpdateEmailAddress(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	a, err := h.store.GetEmailAddress(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading address: %w", err))
		return
	}
	if a == nil {
		httputil.NotFound(w, "email address not found")
		return
	}

	var req updateAddressRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if req.EndpointID != nil {
		if *req.EndpointID != "" {
			ep, err := h.store.GetEndpoint(r.Context(), user.ID, *req.EndpointID)
			if err != nil {
				httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
				return
			}
			if ep == nil {
				httputil.BadRequest(w, "endpoint_id does not name one of your endpoints")
				return
			}
		}
		a.EndpointID = *req.EndpointID
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}

	ok, err := h.store.UpdateEmailAddress(r.Context(), user.ID, a.ID, a.EndpointID, a.IsActive)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("updating address %s: %w", a.Address, err))
		return
	}
	if !ok {
		httputil.NotFound(w, "email address not found")
		return
	}
	httputil.OK(w, a)
}

// DeleteEmailAddress removes an inbound route. Already-received mail stays.
func (h *Handlers) DeleteEmailAddress(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	ok, err := h.store.DeleteEmailAddress(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("deleting address: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "email address not found")
		return
	}
	httputil.NoContent(w)
}
