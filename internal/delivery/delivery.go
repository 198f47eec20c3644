package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/osteele/liquid"

	appconfig "github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/store"
)

// Sender is the slice of the SES client used for forwards
type Sender interface {
	Send(ctx context.Context, msg *ses.OutboundMessage) (*ses.SendResult, error)
}

// maxGroupMembers caps email_group fan-out per delivery
const maxGroupMembers = 50

// Deliverer implements the inbound dispatch contract for all endpoint
// types. One instance is shared by the receive pipeline and the resend
// handler.
type Deliverer struct {
	store   *store.Store
	sender  Sender
	cfg     appconfig.DeliveryConfig
	client  *http.Client
	wrapper *forwardTemplates
}

// New builds a Deliverer. The forward wrapper templates are parsed once
// here so a template bug fails startup, not a delivery.
func New(st *store.Store, sender Sender, cfg appconfig.DeliveryConfig) (*Deliverer, error) {
	wrapper, err := parseForwardTemplates(liquid.NewEngine())
	if err != nil {
		return nil, fmt.Errorf("parsing forward templates: %w", err)
	}
	return &Deliverer{
		store:   st,
		sender:  sender,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout()},
		wrapper: wrapper,
	}, nil
}

// Dispatch records a delivery row and makes the single attempt for the
// endpoint's type. The attempt outcome lands on the row; only a failure to
// record at all is returned.
func (d *Deliverer) Dispatch(ctx context.Context, email *store.ReceivedEmail, parsed *inbound.ParsedEmail, endpoint *store.Endpoint) error {
	rec := &store.Delivery{
		EmailID:      email.ID,
		EndpointID:   endpoint.ID,
		DeliveryType: endpoint.Type,
	}
	if err := d.store.CreateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}

	switch endpoint.Type {
	case store.EndpointWebhook:
		d.deliverWebhook(ctx, email, parsed, endpoint, rec)
	case store.EndpointEmail:
		d.deliverForward(ctx, email, parsed, endpoint, rec)
	case store.EndpointEmailGroup:
		d.deliverGroup(ctx, email, parsed, endpoint, rec)
	default:
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = fmt.Sprintf("unknown endpoint type %q", endpoint.Type)
		d.finish(ctx, rec)
	}
	return nil
}

func (d *Deliverer) finish(ctx context.Context, rec *store.Delivery) {
	if err := d.store.FinishDelivery(ctx, rec); err != nil {
		log.Printf("[Delivery] Error recording outcome for %s: %v", rec.ID, err)
	}
}

// decodeConfig converts the endpoint's JSONB config into a typed struct
func decodeConfig(config store.JSON, out interface{}) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// TestResult is the outcome of a sample delivery to an endpoint. Nothing
// is persisted; the caller reports it straight back.
type TestResult struct {
	Success      bool   `json:"success"`
	ResponseCode int    `json:"response_code,omitempty"`
	ResponseMs   int64  `json:"response_ms"`
	Error        string `json:"error,omitempty"`
}

// SendTest delivers a synthetic sample to the endpoint so users can verify
// configuration before pointing real mail at it.
func (d *Deliverer) SendTest(ctx context.Context, endpoint *store.Endpoint) *TestResult {
	now := time.Now().UTC()
	parsed := &inbound.ParsedEmail{
		MessageID:   fmt.Sprintf("test-%d@inbound", now.UnixNano()),
		FromText:    "Inbound Test <test@inbound>",
		FromAddress: "test@inbound",
		To:          []string{"you@example.com"},
		Subject:     "Test delivery",
		TextBody:    "This is a test delivery for endpoint " + endpoint.Name + ".",
	}
	email := &store.ReceivedEmail{
		ID:         "test",
		UserID:     endpoint.UserID,
		Recipient:  "you@example.com",
		MessageID:  parsed.MessageID,
		Subject:    parsed.Subject,
		ReceivedAt: now,
	}

	start := time.Now()
	result := &TestResult{}

	switch endpoint.Type {
	case store.EndpointWebhook:
		payload := BuildPayload(email, parsed, endpoint)
		payload.Event = "endpoint.test"
		code, err := d.postWebhook(ctx, endpoint, payload)
		result.ResponseCode = code
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = code >= 200 && code < 300
			if !result.Success {
				result.Error = fmt.Sprintf("endpoint returned %d", code)
			}
		}
	case store.EndpointEmail, store.EndpointEmailGroup:
		recipients, err := d.forwardRecipients(endpoint)
		if err != nil {
			result.Error = err.Error()
			break
		}
		if err := d.sendForward(ctx, email, parsed, recipients); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
		}
	default:
		result.Error = fmt.Sprintf("unknown endpoint type %q", endpoint.Type)
	}

	result.ResponseMs = time.Since(start).Milliseconds()
	return result
}
