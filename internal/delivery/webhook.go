package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/store"
)

func (d *Deliverer) deliverWebhook(ctx context.Context, email *store.ReceivedEmail, parsed *inbound.ParsedEmail, endpoint *store.Endpoint, rec *store.Delivery) {
	var cfg store.WebhookConfig
	if err := decodeConfig(endpoint.Config, &cfg); err != nil || cfg.URL == "" {
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = "webhook endpoint has no usable URL"
		d.finish(ctx, rec)
		return
	}

	payload := BuildPayload(email, parsed, endpoint)
	body, info, err := payload.MarshalTrimmed(d.cfg.MaxPayloadBytes)
	if err != nil {
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = fmt.Sprintf("serializing payload: %v", err)
		d.finish(ctx, rec)
		return
	}
	rec.PayloadBytes = int64(len(body))
	rec.Truncated = info.Any()
	if info.Any() {
		log.Printf("[Delivery] Payload for %s trimmed to %d bytes (attachments=%v headers=%v bodies=%v)",
			email.ID, len(body), info.AttachmentsOmitted, info.HeadersDropped, info.BodiesTruncated)
	}

	code, ms, err := d.post(ctx, &cfg, endpoint, payload.Event, email.ID, body)
	rec.ResponseMs = ms
	rec.ResponseCode = code
	switch {
	case err != nil:
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = err.Error()
		log.Printf("[Delivery] Webhook %s failed for %s: %v", endpoint.ID, email.ID, err)
	case code >= 200 && code < 300:
		rec.Status = store.DeliveryDelivered
		log.Printf("[Delivery] Delivered %s to webhook %s (%d, %dms)", email.ID, endpoint.ID, code, ms)
	default:
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = fmt.Sprintf("endpoint returned %d", code)
		log.Printf("[Delivery] Webhook %s rejected %s with %d", endpoint.ID, email.ID, code)
	}
	d.finish(ctx, rec)
}

// post performs the single webhook attempt and returns the status code and
// elapsed milliseconds. A zero code means the request never completed.
func (d *Deliverer) post(ctx context.Context, cfg *store.WebhookConfig, endpoint *store.Endpoint, event, emailID string, body []byte) (int, int64, error) {
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Email-ID", emailID)
	req.Header.Set("X-Endpoint-ID", endpoint.ID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", SignPayload(cfg.Secret, body))
	}
	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	ms := time.Since(start).Milliseconds()
	if err != nil {
		return 0, ms, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, ms, nil
}

// SignPayload computes the hex HMAC-SHA256 of the body under the endpoint
// secret. Receivers recompute it to authenticate the POST.
func SignPayload(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Deliverer) postWebhook(ctx context.Context, endpoint *store.Endpoint, payload *WebhookPayload) (int, error) {
	var cfg store.WebhookConfig
	if err := decodeConfig(endpoint.Config, &cfg); err != nil || cfg.URL == "" {
		return 0, fmt.Errorf("webhook endpoint has no usable URL")
	}
	body, _, err := payload.MarshalTrimmed(d.cfg.MaxPayloadBytes)
	if err != nil {
		return 0, err
	}
	code, _, err := d.post(ctx, &cfg, endpoint, payload.Event, payload.Email.ID, body)
	return code, err
}
