package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// ListDomains returns every domain on the account
func (h *Handlers) ListDomains(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	domains, err := h.store.GetDomains(r.Context(), user.ID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing domains: %w", err))
		return
	}
	httputil.OK(w, domains)
}

type createDomainRequest struct {
	Domain string `json:"domain"`
}

// CreateDomain registers a domain: SES identity with DKIM, the receipt rule
// for inbound mail, and the DNS records the owner must publish. With
// auto-provisioning enabled the records are also written to Route53.
func (h *Handlers) CreateDomain(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req createDomainRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	name := strings.ToLower(strings.TrimSpace(req.Domain))
	if name == "" || !strings.Contains(name, ".") || strings.ContainsAny(name, "@/ ") {
		httputil.BadRequest(w, "a bare domain name is required, e.g. mail.example.com")
		return
	}

	existing, err := h.store.GetDomainByName(r.Context(), name)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("checking domain %s: %w", name, err))
		return
	}
	if existing != nil {
		httputil.Conflict(w, fmt.Sprintf("domain %s is already registered", name))
		return
	}

	if !h.requireSES(w) {
		return
	}

	identity, err := h.sesClient.CreateDomainIdentity(r.Context(), name)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("registering %s with SES: %w", name, err))
		return
	}

	d := &store.Domain{
		UserID:         user.ID,
		Domain:         name,
		Status:         store.DomainPending,
		DKIMTokens:     identity.DKIMTokens,
		MailFromDomain: identity.MailFromDomain,
	}
	if err := h.store.CreateDomain(r.Context(), d); err != nil {
		httputil.InternalError(w, fmt.Errorf("storing domain %s: %w", name, err))
		return
	}

	// Receiving side: without a receipt rule SES drops mail for the domain
	if h.cfg.Storage.S3Bucket != "" {
		if err := h.sesClient.EnsureDomainRule(r.Context(), name, h.cfg.Storage.S3Bucket, h.cfg.Storage.S3Prefix); err != nil {
			log.Printf("[API] Warning: receipt rule for %s: %v", name, err)
		}
	}

	if h.cfg.SES.TenantsEnabled {
		if tenant, terr := h.store.GetDefaultTenant(r.Context(), user.ID); terr == nil && tenant != nil {
			if err := h.sesClient.AssociateIdentityWithTenant(r.Context(), tenant.SESTenantName, name); err != nil {
				log.Printf("[API] Warning: associating %s with tenant %s: %v", name, tenant.ID, err)
			}
		}
	}

	records := h.sesClient.BuildDomainRecords(name, identity.DKIMTokens)
	if h.dns != nil && h.cfg.DNS.AutoProvision {
		if err := h.dns.Provision(r.Context(), name, records); err != nil {
			// Records still go back to the caller for manual setup
			log.Printf("[API] Warning: Route53 provisioning for %s: %v", name, err)
		} else if err := h.store.MarkDomainProvisioned(r.Context(), d.ID); err != nil {
			log.Printf("[API] Warning: marking %s provisioned: %v", name, err)
		} else {
			d.DNSProvisioned = true
		}
	}

	httputil.Created(w, map[string]interface{}{
		"domain":      d,
		"dns_records": records,
	})
}

// GetDomain returns one domain. ?check=true refreshes verification state
// from SES before answering.
func (h *Handlers) GetDomain(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	d, err := h.store.GetDomain(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading domain: %w", err))
		return
	}
	if d == nil {
		httputil.NotFound(w, "domain not found")
		return
	}

	if r.URL.Query().Get("check") == "true" && h.sesClient != nil {
		if err := h.refreshDomainStatus(r.Context(), d); err != nil {
			log.Printf("[API] Warning: checking %s with SES: %v", d.Domain, err)
		}
	}
	httputil.OK(w, d)
}

// VerifyDomain forces a verification re-check against SES
func (h *Handlers) VerifyDomain(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	d, err := h.store.GetDomain(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading domain: %w", err))
		return
	}
	if d == nil {
		httputil.NotFound(w, "domain not found")
		return
	}
	if !h.requireSES(w) {
		return
	}

	if err := h.refreshDomainStatus(r.Context(), d); err != nil {
		httputil.InternalError(w, fmt.Errorf("verifying %s: %w", d.Domain, err))
		return
	}
	httputil.OK(w, map[string]interface{}{
		"domain":   d,
		"verified": d.Status == store.DomainVerified,
	})
}

// refreshDomainStatus re-reads verification state from SES and persists the
// transition. Account events fire on the edge, not on every check.
func (h *Handlers) refreshDomainStatus(ctx context.Context, d *store.Domain) error {
	st, err := h.sesClient.GetIdentityStatus(ctx, d.Domain)
	if err != nil {
		return err
	}

	status := store.DomainPending
	switch {
	case st.VerifiedForSending:
		status = store.DomainVerified
	case strings.EqualFold(st.DKIMStatus, "FAILED"):
		status = store.DomainFailed
	}
	if status == d.Status {
		return nil
	}

	if err := h.store.UpdateDomainStatus(ctx, d.ID, status); err != nil {
		return fmt.Errorf("updating domain status: %w", err)
	}
	d.Status = status

	if h.emitter != nil {
		payload := map[string]string{"domain_id": d.ID, "domain": d.Domain}
		switch status {
		case store.DomainVerified:
			h.emitter.Emit(ctx, d.UserID, events.DomainVerified, payload)
		case store.DomainFailed:
			h.emitter.Emit(ctx, d.UserID, events.DomainFailed, payload)
		}
	}
	return nil
}

type updateDomainRequest struct {
	CatchAllEndpointID *string `json:"catch_all_endpoint_id"`
}

// UpdateDomain configures the catch-all endpoint. An explicit empty string
// clears it; an absent field is rejected so typos don't silently no-op.
func (h *Handlers) UpdateDomain(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req updateDomainRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.CatchAllEndpointID == nil {
		httputil.BadRequest(w, "catch_all_endpoint_id is required (empty string clears it)")
		return
	}

	endpointID := *req.CatchAllEndpointID
	if endpointID != "" {
		ep, err := h.store.GetEndpoint(r.Context(), user.ID, endpointID)
		if err != nil {
			httputil.InternalError(w, fmt.Errorf("loading endpoint: %w", err))
			return
		}
		if ep == nil {
			httputil.BadRequest(w, "catch_all_endpoint_id does not name one of your endpoints")
			return
		}
	}

	id := chi.URLParam(r, "id")
	ok, err := h.store.UpdateDomainCatchAll(r.Context(), user.ID, id, endpointID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("updating domain: %w", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "domain not found")
		return
	}

	d, err := h.store.GetDomain(r.Context(), user.ID, id)
	if err != nil || d == nil {
		httputil.InternalError(w, fmt.Errorf("reloading domain %s: %w", id, err))
		return
	}
	httputil.OK(w, d)
}

// DeleteDomain removes the domain from SES and the database. Addresses and
// received mail under it cascade away with the row.
func (h *Handlers) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	d, err := h.store.GetDomain(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading domain: %w", err))
		return
	}
	if d == nil {
		httputil.NotFound(w, "domain not found")
		return
	}

	// SES cleanup is best-effort: a failed AWS call must not strand the row
	if h.sesClient != nil {
		if err := h.sesClient.DeleteDomainIdentity(r.Context(), d.Domain); err != nil {
			log.Printf("[API] Warning: deleting SES identity %s: %v", d.Domain, err)
		}
		if err := h.sesClient.DeleteDomainRule(r.Context(), d.Domain); err != nil {
			log.Printf("[API] Warning: deleting receipt rule for %s: %v", d.Domain, err)
		}
	}

	if _, err := h.store.DeleteDomain(r.Context(), user.ID, d.ID); err != nil {
		httputil.InternalError(w, fmt.Errorf("deleting domain %s: %w", d.Domain, err))
		return
	}
	httputil.NoContent(w)
}

// GetDomainDNSRecords returns the records the owner must publish
func (h *Handlers) GetDomainDNSRecords(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	d, err := h.store.GetDomain(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading domain: %w", err))
		return
	}
	if d == nil {
		httputil.NotFound(w, "domain not found")
		return
	}
	if !h.requireSES(w) {
		return
	}

	httputil.OK(w, map[string]interface{}{
		"domain":      d.Domain,
		"provisioned": d.DNSProvisioned,
		"records":     h.sesClient.BuildDomainRecords(d.Domain, d.DKIMTokens),
	})
}
