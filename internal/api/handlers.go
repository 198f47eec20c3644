package api

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/delivery"
	"github.com/inboundemail/inbound/internal/dns"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/qstash"
	"github.com/inboundemail/inbound/internal/reputation"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	store     *store.Store
	sender    *outbound.Sender
	deliverer *delivery.Deliverer
	processor *inbound.Processor
	cfg       *config.Config

	sesClient *ses.Client
	dns       *dns.Provisioner
	blobs     *storage.Storage
	monitor   *reputation.Monitor
	eventProc *events.Processor
	emitter   *events.Emitter
	verifier  *qstash.Verifier
	redis     *redis.Client

	startedAt time.Time
}

// NewHandlers creates a Handlers instance with the core pipeline. AWS-backed
// and optional components are attached with the Set methods before routing.
func NewHandlers(st *store.Store, sender *outbound.Sender, deliverer *delivery.Deliverer,
	processor *inbound.Processor, cfg *config.Config) *Handlers {
	return &Handlers{
		store:     st,
		sender:    sender,
		deliverer: deliverer,
		processor: processor,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// SetSESClient sets the SES client used by domain and tenant handlers
func (h *Handlers) SetSESClient(c *ses.Client) {
	h.sesClient = c
}

// SetDNSProvisioner sets the Route53 provisioner for domain creation
func (h *Handlers) SetDNSProvisioner(p *dns.Provisioner) {
	h.dns = p
}

// SetBlobStore sets the raw-message and snapshot store
func (h *Handlers) SetBlobStore(s *storage.Storage) {
	h.blobs = s
}

// SetMonitor sets the tenant reputation monitor
func (h *Handlers) SetMonitor(m *reputation.Monitor) {
	h.monitor = m
}

// SetEventPipeline sets the SES event processor and the account event emitter
func (h *Handlers) SetEventPipeline(p *events.Processor, e *events.Emitter) {
	h.eventProc = p
	h.emitter = e
}

// SetQStashVerifier sets the QStash callback signature verifier
func (h *Handlers) SetQStashVerifier(v *qstash.Verifier) {
	h.verifier = v
}

// SetRedis sets the Redis client backing SNS message dedupe
func (h *Handlers) SetRedis(c *redis.Client) {
	h.redis = c
}

// HealthCheck reports process liveness and which subsystems are wired
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.store.DB().PingContext(r.Context()); err != nil {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":         status,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"qstash":         h.verifier != nil && h.cfg.QStash.Enabled,
		"svix":           h.cfg.Svix.Enabled,
	}
	if h.monitor != nil {
		resp["reputation_running"] = h.monitor.IsRunning()
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// requireSES guards handlers that need a live SES client. Wiring runs
// without one in local development; the affected routes answer 503.
func (h *Handlers) requireSES(w http.ResponseWriter) bool {
	if h.sesClient == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "SES is not configured")
		return false
	}
	return true
}
