package api

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// ListTenants returns the user's SES tenants
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	tenants, err := h.store.GetTenants(r.Context(), user.ID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing tenants: %w", err))
		return
	}
	httputil.OK(w, tenants)
}

type createTenantRequest struct {
	Name string `json:"name"`
}

// CreateTenant provisions an SES tenant with its own configuration set so
// the account's reputation is isolated from other tenants.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req createTenantRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}

	t, err := h.sender.ProvisionTenant(r.Context(), user.ID, req.Name)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("provisioning tenant: %w", err))
		return
	}

	if h.monitor != nil {
		// Alarms watch the tenant's bounce and complaint rates; creation
		// is best-effort since the collector sweep also catches breaches.
		if err := h.monitor.EnsureTenantAlarms(r.Context(), t); err != nil {
			log.Printf("[API] Warning: creating alarms for tenant %s: %v", t.ID, err)
		}
	}
	httputil.Created(w, t)
}

// GetTenant returns one tenant, with a live reputation reading when the
// monitor is configured.
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	t := h.loadTenant(w, r)
	if t == nil {
		return
	}

	resp := map[string]interface{}{"tenant": t}
	if h.monitor != nil {
		metrics, err := h.monitor.FetchTenantMetrics(r.Context(), t.ConfigurationSet)
		if err != nil {
			log.Printf("[API] Warning: fetching metrics for tenant %s: %v", t.ID, err)
		} else {
			status, reason := h.monitor.Evaluate(metrics)
			resp["health"] = map[string]interface{}{
				"status":  status,
				"reason":  reason,
				"metrics": metrics,
			}
		}
	}
	httputil.OK(w, resp)
}

type pauseTenantRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PauseTenant stops SES sending for the tenant's configuration set.
// Pausing an already-paused tenant returns its current state unchanged.
func (h *Handlers) PauseTenant(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	t := h.loadTenant(w, r)
	if t == nil {
		return
	}
	if t.Status == store.TenantPaused {
		httputil.OK(w, t)
		return
	}
	if h.monitor == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "reputation monitoring is not configured")
		return
	}

	var req pauseTenantRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manually paused via API"
	}

	if err := h.monitor.PauseTenantSending(r.Context(), t, req.Reason); err != nil {
		httputil.InternalError(w, fmt.Errorf("pausing tenant %s: %w", t.ID, err))
		return
	}

	t, err := h.store.GetTenant(r.Context(), user.ID, t.ID)
	if err != nil || t == nil {
		httputil.InternalError(w, fmt.Errorf("reloading tenant: %w", err))
		return
	}
	httputil.OK(w, t)
}

// ResumeTenant re-enables SES sending for a paused tenant. Resume is
// always operator-initiated; nothing resumes a tenant automatically.
func (h *Handlers) ResumeTenant(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	t := h.loadTenant(w, r)
	if t == nil {
		return
	}
	if t.Status == store.TenantActive {
		httputil.OK(w, t)
		return
	}
	if h.monitor == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "reputation monitoring is not configured")
		return
	}

	if err := h.monitor.ResumeTenantSending(r.Context(), t); err != nil {
		httputil.InternalError(w, fmt.Errorf("resuming tenant %s: %w", t.ID, err))
		return
	}

	t, err := h.store.GetTenant(r.Context(), user.ID, t.ID)
	if err != nil || t == nil {
		httputil.InternalError(w, fmt.Errorf("reloading tenant: %w", err))
		return
	}
	httputil.OK(w, t)
}

// DeleteTenant removes the tenant and its SES-side resources
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	t := h.loadTenant(w, r)
	if t == nil {
		return
	}

	if h.sesClient != nil {
		// SES cleanup is best-effort: a failed AWS call must not strand
		// the row.
		if err := h.sesClient.DeleteTenant(r.Context(), t.SESTenantName, t.ConfigurationSet); err != nil {
			log.Printf("[API] Warning: deleting SES tenant %s: %v", t.SESTenantName, err)
		}
	}

	ok, err := h.store.DeleteTenant(r.Context(), user.ID, t.ID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("deleting tenant: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "tenant not found")
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) loadTenant(w http.ResponseWriter, r *http.Request) *store.Tenant {
	user := auth.UserFromContext(r.Context())

	t, err := h.store.GetTenant(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading tenant: %w", err))
		return nil
	}
	if t == nil {
		httputil.NotFound(w, "tenant not found")
		return nil
	}
	return t
}
