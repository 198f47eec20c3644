package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/inboundemail/inbound/internal/pkg/redact"
	"github.com/inboundemail/inbound/internal/store"
)

// SESEvent is a configuration-set event notification for sent mail.
// Identity-level feedback notifications carry the same shape under
// notificationType instead of eventType; both are accepted.
type SESEvent struct {
	EventType        string     `json:"eventType"`
	NotificationType string     `json:"notificationType"`
	Mail             EventMail  `json:"mail"`
	Bounce           *Bounce    `json:"bounce"`
	Complaint        *Complaint `json:"complaint"`
	Delivery         *Delivery  `json:"delivery"`
}

// Type returns the event type regardless of which key carried it
func (ev *SESEvent) Type() string {
	if ev.EventType != "" {
		return ev.EventType
	}
	return ev.NotificationType
}

// EventMail identifies the sent message the event concerns
type EventMail struct {
	Timestamp   time.Time           `json:"timestamp"`
	MessageID   string              `json:"messageId"`
	Source      string              `json:"source"`
	Destination []string            `json:"destination"`
	Tags        map[string][]string `json:"tags"`
}

// Bounce details a bounced send
type Bounce struct {
	BounceType        string             `json:"bounceType"`
	BounceSubType     string             `json:"bounceSubType"`
	BouncedRecipients []BouncedRecipient `json:"bouncedRecipients"`
	Timestamp         time.Time          `json:"timestamp"`
	FeedbackID        string             `json:"feedbackId"`
}

// BouncedRecipient is one recipient within a bounce event
type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// Complaint details a spam complaint
type Complaint struct {
	ComplainedRecipients  []ComplainedRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string                `json:"complaintFeedbackType"`
	Timestamp             time.Time             `json:"timestamp"`
	FeedbackID            string                `json:"feedbackId"`
}

// ComplainedRecipient is one recipient within a complaint event
type ComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

// Delivery confirms a successful handoff to the recipient MX
type Delivery struct {
	Timestamp            time.Time `json:"timestamp"`
	Recipients           []string  `json:"recipients"`
	ProcessingTimeMillis int64     `json:"processingTimeMillis"`
	SMTPResponse         string    `json:"smtpResponse"`
}

// ParseSESEvent parses the Message of an SNS notification from the SES
// event destination.
func ParseSESEvent(raw string) (*SESEvent, error) {
	var ev SESEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("parsing SES event: %w", err)
	}
	if ev.Type() == "" {
		return nil, fmt.Errorf("payload has no eventType")
	}
	return &ev, nil
}

// Processor applies SES sending events to sent mail: status updates,
// suppression list inserts, and account events.
type Processor struct {
	store   *store.Store
	emitter *Emitter
}

// NewProcessor creates a SES event processor
func NewProcessor(st *store.Store, emitter *Emitter) *Processor {
	return &Processor{store: st, emitter: emitter}
}

// ProcessSESEvent routes one event to its handler. Event types we do
// not track (Send, Open, Click, ...) are ignored.
func (p *Processor) ProcessSESEvent(ctx context.Context, ev *SESEvent) error {
	switch ev.Type() {
	case "Bounce":
		return p.processBounce(ctx, ev)
	case "Complaint":
		return p.processComplaint(ctx, ev)
	case "Delivery":
		return p.processDelivery(ctx, ev)
	default:
		log.Printf("[Events] Ignoring SES %s event for message %s", ev.Type(), ev.Mail.MessageID)
		return nil
	}
}

func (p *Processor) processBounce(ctx context.Context, ev *SESEvent) error {
	if ev.Bounce == nil {
		return fmt.Errorf("bounce event missing bounce block")
	}

	email, userID := p.resolveEmail(ctx, ev)

	if err := p.store.UpdateSentEmailStatusByMessageID(ctx, ev.Mail.MessageID, store.SentBounced); err != nil {
		return fmt.Errorf("updating email status: %w", err)
	}

	permanent := strings.EqualFold(ev.Bounce.BounceType, "Permanent")
	recipients := make([]string, 0, len(ev.Bounce.BouncedRecipients))
	for _, r := range ev.Bounce.BouncedRecipients {
		recipients = append(recipients, r.EmailAddress)
		if !permanent || userID == "" {
			continue
		}
		sup := &store.Suppression{
			UserID: userID,
			Email:  r.EmailAddress,
			Reason: store.SuppressionBounce,
			Source: "ses",
		}
		if err := p.store.CreateSuppression(ctx, sup); err != nil {
			return fmt.Errorf("recording suppression: %w", err)
		}
		log.Printf("[Events] Suppressed %s after permanent bounce (%s)",
			redact.Email(r.EmailAddress), ev.Bounce.BounceSubType)
	}

	if userID == "" {
		log.Printf("[Events] Warning: bounce for unknown message %s, no user to notify", ev.Mail.MessageID)
		return nil
	}

	payload := map[string]interface{}{
		"ses_message_id":  ev.Mail.MessageID,
		"bounce_type":     ev.Bounce.BounceType,
		"bounce_sub_type": ev.Bounce.BounceSubType,
		"recipients":      recipients,
		"timestamp":       ev.Bounce.Timestamp,
	}
	if email != nil {
		payload["email_id"] = email.ID
	}
	p.emitter.Emit(ctx, userID, EmailBounced, payload)
	return nil
}

func (p *Processor) processComplaint(ctx context.Context, ev *SESEvent) error {
	if ev.Complaint == nil {
		return fmt.Errorf("complaint event missing complaint block")
	}

	email, userID := p.resolveEmail(ctx, ev)

	if err := p.store.UpdateSentEmailStatusByMessageID(ctx, ev.Mail.MessageID, store.SentComplained); err != nil {
		return fmt.Errorf("updating email status: %w", err)
	}

	recipients := make([]string, 0, len(ev.Complaint.ComplainedRecipients))
	for _, r := range ev.Complaint.ComplainedRecipients {
		recipients = append(recipients, r.EmailAddress)
		if userID == "" {
			continue
		}
		sup := &store.Suppression{
			UserID: userID,
			Email:  r.EmailAddress,
			Reason: store.SuppressionComplaint,
			Source: "ses",
		}
		if err := p.store.CreateSuppression(ctx, sup); err != nil {
			return fmt.Errorf("recording suppression: %w", err)
		}
		log.Printf("[Events] Suppressed %s after complaint", redact.Email(r.EmailAddress))
	}

	if userID == "" {
		log.Printf("[Events] Warning: complaint for unknown message %s, no user to notify", ev.Mail.MessageID)
		return nil
	}

	payload := map[string]interface{}{
		"ses_message_id": ev.Mail.MessageID,
		"feedback_type":  ev.Complaint.ComplaintFeedbackType,
		"recipients":     recipients,
		"timestamp":      ev.Complaint.Timestamp,
	}
	if email != nil {
		payload["email_id"] = email.ID
	}
	p.emitter.Emit(ctx, userID, EmailComplained, payload)
	return nil
}

func (p *Processor) processDelivery(ctx context.Context, ev *SESEvent) error {
	if ev.Delivery == nil {
		return fmt.Errorf("delivery event missing delivery block")
	}
	if err := p.store.UpdateSentEmailStatusByMessageID(ctx, ev.Mail.MessageID, store.SentDelivered); err != nil {
		return fmt.Errorf("updating email status: %w", err)
	}
	return nil
}

// resolveEmail finds the sent email an event concerns, preferring our
// email_id send tag over the SES message id (raw sends report a
// different message id than the tagged one on some paths). Falls back
// to the user_id tag and finally to the owner of the source domain so
// suppressions still land when the email row is gone.
func (p *Processor) resolveEmail(ctx context.Context, ev *SESEvent) (*store.SentEmail, string) {
	if ids := ev.Mail.Tags["email_id"]; len(ids) > 0 {
		if email, err := p.store.GetSentEmailAny(ctx, ids[0]); err == nil && email != nil {
			return email, email.UserID
		}
	}
	if email, err := p.store.GetSentEmailBySESMessageID(ctx, ev.Mail.MessageID); err == nil && email != nil {
		return email, email.UserID
	}
	if ids := ev.Mail.Tags["user_id"]; len(ids) > 0 {
		return nil, ids[0]
	}
	if addr, err := mail.ParseAddress(ev.Mail.Source); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
			if uid, err := p.store.GetUserIDForRecipientDomain(ctx, strings.ToLower(addr.Address[at+1:])); err == nil && uid != "" {
				return nil, uid
			}
		}
	}
	return nil, ""
}
