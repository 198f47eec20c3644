package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/reputation"
)

// SES inline notifications can carry a whole message body
const snsBodyLimit = 8 << 20

// SNS redelivers for hours; remember message ids a little longer than that
const snsDedupeTTL = 6 * time.Hour

// readSNS consumes and pre-processes an SNS POST: subscription
// confirmations, topic filtering and duplicate suppression. Returns nil
// when the request needs no further processing; the response has already
// been written in that case.
func (h *Handlers) readSNS(w http.ResponseWriter, r *http.Request, kind string) *inbound.SNSEnvelope {
	body, err := io.ReadAll(io.LimitReader(r.Body, snsBodyLimit))
	if err != nil {
		httputil.BadRequest(w, "reading request body")
		return nil
	}

	var env inbound.SNSEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Not SNS. Acknowledge anyway so a misconfigured sender does not
		// retry forever.
		log.Printf("[API] Unparseable %s notification: %v", kind, err)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return nil
	}

	if !h.topicAllowed(env.TopicArn) {
		log.Printf("[API] Rejected %s notification from unknown topic %s", kind, env.TopicArn)
		httputil.Forbidden(w, "unknown topic")
		return nil
	}

	if env.Type == "SubscriptionConfirmation" {
		h.confirmSubscription(r.Context(), &env)
		httputil.OK(w, map[string]string{"status": "confirmed"})
		return nil
	}

	if env.MessageId != "" && h.seenSNSMessage(r.Context(), env.MessageId) {
		log.Printf("[API] Duplicate SNS message %s, skipping", env.MessageId)
		httputil.OK(w, map[string]string{"status": "duplicate"})
		return nil
	}
	return &env
}

// topicAllowed enforces the SNS topic allow-list. An empty list accepts
// everything, which keeps local development working without ARNs.
func (h *Handlers) topicAllowed(topicArn string) bool {
	allowed := h.cfg.SES.AllowedTopicARNs()
	if len(allowed) == 0 {
		return true
	}
	for _, arn := range allowed {
		if arn == topicArn {
			return true
		}
	}
	return false
}

// confirmSubscription completes the SNS handshake by fetching the
// SubscribeURL. SNS retries the confirmation until it succeeds, so
// failures are logged, not returned.
func (h *Handlers) confirmSubscription(ctx context.Context, env *inbound.SNSEnvelope) {
	if env.SubscribeURL == "" {
		log.Printf("[API] SubscriptionConfirmation without a SubscribeURL")
		return
	}
	log.Printf("[API] Confirming SNS subscription to %s", env.TopicArn)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		log.Printf("[API] Warning: building confirmation request: %v", err)
		return
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("[API] Warning: confirming subscription: %v", err)
		return
	}
	resp.Body.Close()
	log.Printf("[API] SNS subscription confirmed: %s", resp.Status)
}

// seenSNSMessage marks the message id in Redis and reports whether it was
// already there. SNS delivers at least once; the dedupe window keeps a
// redelivered notification from dispatching endpoints twice.
func (h *Handlers) seenSNSMessage(ctx context.Context, messageID string) bool {
	if h.redis == nil {
		return false
	}
	ok, err := h.redis.SetNX(ctx, "sns:msg:"+messageID, 1, snsDedupeTTL).Result()
	if err != nil {
		// Fail open: double processing is recoverable, dropped mail is not
		log.Printf("[API] Warning: SNS dedupe check: %v", err)
		return false
	}
	return !ok
}

// ReceiveSNSReceipt accepts SES receipt notifications: parse the inbound
// email, store it, deliver to routed endpoints. Unusable payloads are
// acknowledged with 200 so SNS stops retrying them; only processing
// failures return 500.
func (h *Handlers) ReceiveSNSReceipt(w http.ResponseWriter, r *http.Request) {
	env := h.readSNS(w, r, "receipt")
	if env == nil {
		return
	}

	n, err := inbound.ParseReceiptNotification(env.Message)
	if err != nil {
		log.Printf("[API] Unusable receipt notification %s: %v", env.MessageId, err)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}

	if err := h.processor.ProcessNotification(r.Context(), n); err != nil {
		httputil.InternalError(w, fmt.Errorf("processing received email: %w", err))
		return
	}
	httputil.OK(w, map[string]string{"status": "processed"})
}

// ReceiveSNSEvents accepts SES sending events (deliveries, bounces,
// complaints) from the event destination topic.
func (h *Handlers) ReceiveSNSEvents(w http.ResponseWriter, r *http.Request) {
	env := h.readSNS(w, r, "event")
	if env == nil {
		return
	}

	ev, err := events.ParseSESEvent(env.Message)
	if err != nil {
		log.Printf("[API] Unusable SES event %s: %v", env.MessageId, err)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}
	if h.eventProc == nil {
		log.Printf("[API] SES event received but no event processor is configured")
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}

	if err := h.eventProc.ProcessSESEvent(r.Context(), ev); err != nil {
		httputil.InternalError(w, fmt.Errorf("processing SES event: %w", err))
		return
	}
	httputil.OK(w, map[string]string{"status": "processed"})
}

// ReceiveAlarm accepts CloudWatch alarm state changes relayed through SNS.
// Critical alarms pause the breaching tenant's sending.
func (h *Handlers) ReceiveAlarm(w http.ResponseWriter, r *http.Request) {
	env := h.readSNS(w, r, "alarm")
	if env == nil {
		return
	}

	var n reputation.AlarmNotification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil || n.AlarmName == "" {
		log.Printf("[API] Unusable alarm notification %s", env.MessageId)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}
	if h.monitor == nil {
		log.Printf("[API] Alarm %s received but reputation monitoring is not configured", n.AlarmName)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}

	if err := h.monitor.HandleAlarm(r.Context(), &n); err != nil {
		httputil.InternalError(w, fmt.Errorf("handling alarm %s: %w", n.AlarmName, err))
		return
	}
	httputil.OK(w, map[string]string{"status": "processed"})
}

// GetTenantHealthLive computes a tenant's reputation from CloudWatch right
// now, bypassing the collector cadence.
func (h *Handlers) GetTenantHealthLive(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		httputil.BadRequest(w, "tenant_id is required")
		return
	}

	t, err := h.store.GetTenantByID(r.Context(), tenantID)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading tenant: %w", err))
		return
	}
	if t == nil {
		httputil.NotFound(w, "tenant not found")
		return
	}
	if h.monitor == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "reputation monitoring is not configured")
		return
	}

	metrics, err := h.monitor.FetchTenantMetrics(r.Context(), t.ConfigurationSet)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("fetching metrics for %s: %w", t.ConfigurationSet, err))
		return
	}
	status, reason := h.monitor.Evaluate(metrics)
	httputil.OK(w, map[string]interface{}{
		"tenant_id": t.ID,
		"tenant":    t.Name,
		"status":    status,
		"reason":    reason,
		"metrics":   metrics,
	})
}

// GetTenantHealthHistory returns stored reputation snapshots for a tenant.
// Defaults to the last 24 hours; ?from= and ?to= take RFC3339 bounds.
func (h *Handlers) GetTenantHealthHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		httputil.BadRequest(w, "tenant_id is required")
		return
	}
	if h.blobs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "snapshot storage is not configured")
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "from must be an RFC3339 timestamp")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "to must be an RFC3339 timestamp")
			return
		}
		to = t
	}

	snaps, err := h.blobs.GetSnapshots(r.Context(), tenantID, from, to)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("loading snapshots: %w", err))
		return
	}
	httputil.OK(w, map[string]interface{}{
		"tenant_id": tenantID,
		"from":      from,
		"to":        to,
		"snapshots": snaps,
	})
}
