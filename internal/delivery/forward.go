package delivery

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/pkg/redact"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/store"
)

// Wrapper banners rendered above the original body on forwards. Liquid so
// operators can eventually override them per deployment.
const forwardHTMLWrapper = `<div style="border-bottom:1px solid #e2e2e2;padding-bottom:8px;margin-bottom:12px;font-family:sans-serif;font-size:12px;color:#666666">
<div>Forwarded message originally sent to {{ recipient | escape }}</div>
<div>From: {{ from | escape }}</div>
<div>Date: {{ date | escape }}</div>
<div>Subject: {{ subject | escape }}</div>
<div>To: {{ to | escape }}</div>
</div>
`

const forwardTextWrapper = `---------- Forwarded message ----------
From: {{ from }}
Date: {{ date }}
Subject: {{ subject }}
To: {{ to }}

`

type forwardTemplates struct {
	html *liquid.Template
	text *liquid.Template
}

func parseForwardTemplates(engine *liquid.Engine) (*forwardTemplates, error) {
	html, err := engine.ParseString(forwardHTMLWrapper)
	if err != nil {
		return nil, fmt.Errorf("html wrapper: %w", err)
	}
	text, err := engine.ParseString(forwardTextWrapper)
	if err != nil {
		return nil, fmt.Errorf("text wrapper: %w", err)
	}
	return &forwardTemplates{html: html, text: text}, nil
}

func (d *Deliverer) deliverForward(ctx context.Context, email *store.ReceivedEmail, parsed *inbound.ParsedEmail, endpoint *store.Endpoint, rec *store.Delivery) {
	recipients, err := d.forwardRecipients(endpoint)
	if err != nil {
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = err.Error()
		d.finish(ctx, rec)
		return
	}

	start := time.Now()
	err = d.sendForward(ctx, email, parsed, recipients)
	rec.ResponseMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = err.Error()
		log.Printf("[Delivery] Forward of %s to %s failed: %v", email.ID, redact.Email(recipients[0]), err)
	} else {
		rec.Status = store.DeliveryDelivered
		log.Printf("[Delivery] Forwarded %s to %s (%dms)", email.ID, redact.Email(recipients[0]), rec.ResponseMs)
	}
	d.finish(ctx, rec)
}

// deliverGroup fans out to each member individually so one bad address
// cannot sink the rest. The single row summarizes the whole send.
func (d *Deliverer) deliverGroup(ctx context.Context, email *store.ReceivedEmail, parsed *inbound.ParsedEmail, endpoint *store.Endpoint, rec *store.Delivery) {
	recipients, err := d.forwardRecipients(endpoint)
	if err != nil {
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = err.Error()
		d.finish(ctx, rec)
		return
	}

	start := time.Now()
	sent := 0
	var lastErr error
	for _, recipient := range recipients {
		if err := d.sendForward(ctx, email, parsed, []string{recipient}); err != nil {
			lastErr = err
			log.Printf("[Delivery] Group forward of %s to %s failed: %v", email.ID, redact.Email(recipient), err)
			continue
		}
		sent++
	}
	rec.ResponseMs = time.Since(start).Milliseconds()

	if lastErr == nil {
		rec.Status = store.DeliveryDelivered
		log.Printf("[Delivery] Forwarded %s to group %s (%d members, %dms)",
			email.ID, endpoint.ID, sent, rec.ResponseMs)
	} else {
		rec.Status = store.DeliveryFailed
		rec.ErrorMessage = fmt.Sprintf("forwarded %d of %d: %v", sent, len(recipients), lastErr)
	}
	d.finish(ctx, rec)
}

func (d *Deliverer) forwardRecipients(endpoint *store.Endpoint) ([]string, error) {
	switch endpoint.Type {
	case store.EndpointEmail:
		var cfg store.EmailForwardConfig
		if err := decodeConfig(endpoint.Config, &cfg); err != nil || cfg.ForwardTo == "" {
			return nil, fmt.Errorf("email endpoint has no forward address")
		}
		return []string{cfg.ForwardTo}, nil
	case store.EndpointEmailGroup:
		var cfg store.EmailGroupConfig
		if err := decodeConfig(endpoint.Config, &cfg); err != nil || len(cfg.Emails) == 0 {
			return nil, fmt.Errorf("email group has no members")
		}
		if len(cfg.Emails) > maxGroupMembers {
			log.Printf("[Delivery] Warning: group %s has %d members, capping at %d",
				endpoint.ID, len(cfg.Emails), maxGroupMembers)
			cfg.Emails = cfg.Emails[:maxGroupMembers]
		}
		return cfg.Emails, nil
	}
	return nil, fmt.Errorf("endpoint type %q does not forward", endpoint.Type)
}

// sendForward rebuilds the message for the forward recipients: wrapper
// banner above the original body, original attachments re-attached, the
// verified forward sender in From and the original sender in Reply-To.
func (d *Deliverer) sendForward(ctx context.Context, email *store.ReceivedEmail, parsed *inbound.ParsedEmail, recipients []string) error {
	if d.cfg.ForwardFrom == "" {
		return fmt.Errorf("forward_from is not configured")
	}

	date := email.ReceivedAt
	if parsed.Date != nil {
		date = *parsed.Date
	}
	bindings := map[string]interface{}{
		"recipient": email.Recipient,
		"from":      parsed.FromText,
		"date":      date.Format(time.RFC1123Z),
		"subject":   parsed.Subject,
		"to":        strings.Join(parsed.To, ", "),
	}

	msg := &ses.OutboundMessage{
		From:    d.forwardFromHeader(parsed),
		To:      recipients,
		Subject: parsed.Subject,
		Headers: map[string]string{"X-Forwarded-For": email.Recipient},
	}
	if parsed.FromAddress != "" {
		msg.ReplyTo = []string{parsed.FromAddress}
	}
	if parsed.InReplyTo != "" {
		msg.InReplyTo = parsed.InReplyTo
	}
	if len(parsed.References) > 0 {
		msg.References = parsed.References
	}

	if parsed.HTMLBody != "" {
		banner, err := d.wrapper.html.RenderString(bindings)
		if err != nil {
			log.Printf("[Delivery] Warning: html wrapper render failed: %v", err)
		}
		msg.HTML = banner + parsed.HTMLBody
	}
	if parsed.TextBody != "" || msg.HTML == "" {
		banner, err := d.wrapper.text.RenderString(bindings)
		if err != nil {
			log.Printf("[Delivery] Warning: text wrapper render failed: %v", err)
		}
		msg.Text = banner + parsed.TextBody
	}

	budget := int64(d.cfg.MaxAttachmentMB) << 20
	var used int64
	for _, a := range parsed.Attachments {
		if used+int64(len(a.Content)) > budget {
			log.Printf("[Delivery] Warning: dropping attachment %s from forward of %s (over %dMB budget)",
				a.Filename, email.ID, d.cfg.MaxAttachmentMB)
			continue
		}
		used += int64(len(a.Content))
		msg.Attachments = append(msg.Attachments, ses.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
			ContentID:   a.ContentID,
		})
	}

	_, err := d.sender.Send(ctx, msg)
	return err
}

// forwardFromHeader keeps the original sender's display name on the
// verified forward address so inboxes show who actually wrote the mail.
func (d *Deliverer) forwardFromHeader(parsed *inbound.ParsedEmail) string {
	name := parsed.FromName
	if name == "" {
		name = parsed.FromAddress
	}
	if name == "" {
		return d.cfg.ForwardFrom
	}
	addr := mail.Address{Name: name, Address: d.cfg.ForwardFrom}
	return addr.String()
}
