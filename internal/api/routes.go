package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/inboundemail/inbound/internal/auth"
)

// SetupRoutes configures all API routes. The /api/v2 group sits behind
// API-key auth; the SNS and QStash receivers authenticate their payloads
// themselves and stay outside it.
func SetupRoutes(h *Handlers, authSvc *auth.Service) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// API keys ride in headers, not cookies, so wildcard origins are fine
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// SNS receivers. SES and CloudWatch post here; authenticity comes from
	// the topic allow-list, not API keys.
	r.Route("/api/inbound", func(r chi.Router) {
		r.Post("/webhook", h.ReceiveSNSReceipt)
		r.Post("/events", h.ReceiveSNSEvents)
		r.Post("/health/tenant", h.ReceiveAlarm)
		r.Get("/health/tenant", h.GetTenantHealthLive)
		r.Get("/health/tenant/history", h.GetTenantHealthHistory)
	})

	r.Route("/api/v2", func(r chi.Router) {
		// QStash signs its own callbacks; keep this in sync with
		// outbound.SendCallbackPath.
		r.Post("/webhooks/qstash/send-email", h.QStashSendEmail)

		r.Group(func(r chi.Router) {
			r.Use(authSvc.RequireKey)

			r.Route("/domains", func(r chi.Router) {
				r.Get("/", h.ListDomains)
				r.Post("/", h.CreateDomain)
				r.Get("/{id}", h.GetDomain)
				r.Put("/{id}", h.UpdateDomain)
				r.Delete("/{id}", h.DeleteDomain)
				r.Get("/{id}/dns-records", h.GetDomainDNSRecords)
				r.Post("/{id}/verify", h.VerifyDomain)
			})

			r.Route("/email-addresses", func(r chi.Router) {
				r.Get("/", h.ListEmailAddresses)
				r.Post("/", h.CreateEmailAddress)
				r.Get("/{id}", h.GetEmailAddress)
				r.Put("/{id}", h.UpdateEmailAddress)
				r.Delete("/{id}", h.DeleteEmailAddress)
			})

			r.Route("/endpoints", func(r chi.Router) {
				r.Get("/", h.ListEndpoints)
				r.Post("/", h.CreateEndpoint)
				r.Get("/{id}", h.GetEndpoint)
				r.Put("/{id}", h.UpdateEndpoint)
				r.Delete("/{id}", h.DeleteEndpoint)
				r.Post("/{id}/test", h.TestEndpoint)
			})

			r.Route("/emails", func(r chi.Router) {
				r.Get("/", h.ListEmails)
				r.Post("/", h.SendEmail)
				r.Post("/batch", h.SendEmailBatch)
				r.Get("/{id}", h.GetEmail)
				r.Delete("/{id}", h.CancelEmail)
				// Compatibility alias for the original route shape
				r.Post("/{id}/resend", h.ResendMail)
			})

			r.Route("/mail", func(r chi.Router) {
				r.Get("/", h.ListMail)
				r.Get("/{id}", h.GetMail)
				r.Patch("/{id}", h.UpdateMailFlags)
				r.Get("/{id}/raw", h.GetMailRaw)
				r.Get("/{id}/attachments/{index}", h.GetMailAttachment)
				r.Get("/{id}/deliveries", h.GetMailDeliveries)
				r.Post("/{id}/reply", h.ReplyToMail)
				r.Post("/{id}/resend", h.ResendMail)
			})

			r.Route("/tenants", func(r chi.Router) {
				r.Get("/", h.ListTenants)
				r.Post("/", h.CreateTenant)
				r.Get("/{id}", h.GetTenant)
				r.Post("/{id}/pause", h.PauseTenant)
				r.Post("/{id}/resume", h.ResumeTenant)
				r.Delete("/{id}", h.DeleteTenant)
			})

			r.Route("/suppressions", func(r chi.Router) {
				r.Get("/", h.ListSuppressions)
				r.Post("/", h.CreateSuppression)
				r.Delete("/{id}", h.DeleteSuppression)
			})

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", h.ListAPIKeys)
				r.Post("/", h.CreateAPIKey)
				r.Delete("/{id}", h.RevokeAPIKey)
			})

			r.Get("/events", h.ListEvents)
		})
	})

	return r
}
