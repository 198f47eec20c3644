package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// groupMemberCap matches the delivery fan-out limit for email groups
const groupMemberCap = 50

// ListEndpoints returns the account's delivery endpoints
func (h *Handlers) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	endpoints, err := h.store.GetEndpoints(r.Context(), user.ID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing endpoints: %w", err))
		return
	}
	httputil.OK(w, endpoints)
}

type endpointRequest struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Config   store.JSON `json:"config"`
	IsActive *bool      `json:"is_active,omitempty"`
}

// CreateEndpoint creates a webhook, email-forward or email-group endpoint.
// Webhook endpoints get a signing secret generated when none is supplied.
func (h *Handlers) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req endpointRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if err := validateEndpointConfig(req.Type, req.Config); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if req.Type == store.EndpointWebhook {
		if secret, _ := req.Config["secret"].(string); secret == "" {
			generated, err := newWebhookSecret()
			if err != nil {
				httputil.InternalError(w, fmt.Errorf("generating webhook secret: %w", err))
				return
			}
			req.Config["secret"] = generated
		}
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	e := &store.Endpoint{
		UserID:   user.ID,
		Name:     req.Name,
		Type:     req.Type,
		Config:   req.Config,
		IsActive: active,
	}
	if err := h.store.CreateEndpoint(r.Context(), e); err != nil {
		httputil.InternalError(w, fmt.Errorf("creating endpoint: %w", err))
		return
	}
	httputil.Created(w, e)
}

// GetEndpoint returns one endpoint
func (h *Handlers) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e, err := h.store.GetEndpoint(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
		return
	}
	if e == nil {
		httputil.NotFound(w, "endpoint not found")
		return
	}
	httputil.OK(w, e)
}

// UpdateEndpoint changes name, config or active state. The endpoint type
// is fixed at creation; addresses pointing here keep working mid-update.
func (h *Handlers) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e, err := h.store.GetEndpoint(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
		return
	}
	if e == nil {
		httputil.NotFound(w, "endpoint not found")
		return
	}

	var req endpointRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Type != "" && req.Type != e.Type {
		httputil.BadRequest(w, "endpoint type cannot be changed; create a new endpoint instead")
		return
	}
	if req.Name != "" {
		e.Name = req.Name
	}
	if req.Config != nil {
		if err := validateEndpointConfig(e.Type, req.Config); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		// Keep the signing secret unless the caller replaces it
		if e.Type == store.EndpointWebhook {
			if secret, _ := req.Config["secret"].(string); secret == "" {
				if old, _ := e.Config["secret"].(string); old != "" {
					req.Config["secret"] = old
				}
			}
		}
		e.Config = req.Config
	}
	if req.IsActive != nil {
		e.IsActive = *req.IsActive
	}

	ok, err := h.store.UpdateEndpoint(r.Context(), e)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("updating endpoint: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "endpoint not found")
		return
	}
	httputil.OK(w, e)
}

// DeleteEndpoint removes an endpoint after detaching every address and
// domain catch-all that references it.
func (h *Handlers) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e, err := h.store.GetEndpoint(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
		return
	}
	if e == nil {
		httputil.NotFound(w, "endpoint not found")
		return
	}

	if err := h.store.ClearEndpointReferences(r.Context(), e.ID); err != nil {
		httputil.InternalError(w, fmt.Errorf("detaching endpoint %s: %w", e.ID, err))
		return
	}
	if _, err := h.store.DeleteEndpoint(r.Context(), user.ID, e.ID); err != nil {
		httputil.InternalError(w, fmt.Errorf("deleting endpoint %s: %w", e.ID, err))
		return
	}
	httputil.NoContent(w)
}

// TestEndpoint sends one synthetic delivery and reports the outcome
func (h *Handlers) TestEndpoint(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	e, err := h.store.GetEndpoint(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
		return
	}
	if e == nil {
		httputil.NotFound(w, "endpoint not found")
		return
	}

	httputil.OK(w, h.deliverer.SendTest(r.Context(), e))
}

func validateEndpointConfig(epType string, cfg store.JSON) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch epType {
	case store.EndpointWebhook:
		var wc store.WebhookConfig
		if err := json.Unmarshal(raw, &wc); err != nil {
			return fmt.Errorf("invalid webhook config: %w", err)
		}
		u, err := url.Parse(wc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.url must be an absolute http(s) URL")
		}
	case store.EndpointEmail:
		var fc store.EmailForwardConfig
		if err := json.Unmarshal(raw, &fc); err != nil {
			return fmt.Errorf("invalid forward config: %w", err)
		}
		if _, err := mail.ParseAddress(fc.ForwardTo); err != nil {
			return fmt.Errorf("config.forward_to must be a valid address")
		}
	case store.EndpointEmailGroup:
		var gc store.EmailGroupConfig
		if err := json.Unmarshal(raw, &gc); err != nil {
			return fmt.Errorf("invalid group config: %w", err)
		}
		if len(gc.Emails) == 0 {
			return fmt.Errorf("config.emails must list at least one address")
		}
		if len(gc.Emails) > groupMemberCap {
			return fmt.Errorf("config.emails exceeds the %d member limit", groupMemberCap)
		}
		for _, addr := range gc.Emails {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("invalid group member %q", addr)
			}
		}
	default:
		return fmt.Errorf("type must be webhook, email or email_group")
	}
	return nil
}

// newWebhookSecret returns a fresh signing secret for webhook endpoints
func newWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
