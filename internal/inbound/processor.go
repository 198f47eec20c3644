package inbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/inboundemail/inbound/internal/pkg/redact"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
)

// maxInlineAttachment bounds per-attachment content stored on the email row.
// Larger attachments keep metadata only; the raw message in blob storage
// retains the bytes.
const maxInlineAttachment = 1 << 20

// Dispatcher hands a stored email to one configured endpoint. Implementations
// record the outcome themselves; a returned error means the attempt could not
// even be recorded.
type Dispatcher interface {
	Dispatch(ctx context.Context, email *store.ReceivedEmail, parsed *ParsedEmail, endpoint *store.Endpoint) error
}

// Processor turns SES receipt notifications into stored emails and hands
// them to each routed endpoint exactly once.
type Processor struct {
	store      *store.Store
	storage    *storage.Storage
	dispatcher Dispatcher
}

func NewProcessor(st *store.Store, blobs *storage.Storage, dispatcher Dispatcher) *Processor {
	return &Processor{store: st, storage: blobs, dispatcher: dispatcher}
}

// route collects everything addressed to one user within a single message
type route struct {
	userID      string
	domainID    string
	recipients  []string
	endpointIDs []string
	seen        map[string]bool
}

func (r *route) addEndpoint(id string) {
	if id == "" || r.seen[id] {
		return
	}
	r.seen[id] = true
	r.endpointIDs = append(r.endpointIDs, id)
}

// ProcessNotification stores the message for every routed recipient and
// dispatches deliveries. Returning an error leaves the queue message in
// place for redelivery; the Message-ID uniqueness constraint makes that
// safe to repeat.
func (p *Processor) ProcessNotification(ctx context.Context, n *ReceiptNotification) error {
	raw, rawKey, err := p.rawMessage(ctx, n)
	if err != nil {
		return err
	}

	parsed, err := ParseRaw(raw)
	if err != nil {
		return fmt.Errorf("parsing message %s: %w", n.Mail.MessageID, err)
	}
	messageID := parsed.MessageID
	if messageID == "" {
		messageID = n.Mail.MessageID
	}

	routes := p.resolveRoutes(ctx, n.Receipt.Recipients)
	if len(routes) == 0 {
		log.Printf("[Inbound] No route for message %s (recipients: %s), dropping",
			messageID, redact.List(n.Receipt.Recipients))
		return nil
	}

	receivedAt := n.Mail.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	if rawKey == "" {
		// SNS-action rules inline the content, so nothing landed in S3.
		// Persist it ourselves so raw download and resend keep working.
		rawKey = storage.RawKey(n.Mail.MessageID, receivedAt)
		if err := p.storage.PutRaw(ctx, rawKey, raw); err != nil {
			return fmt.Errorf("storing raw message: %w", err)
		}
	}

	virusFail := strings.EqualFold(n.Receipt.VirusVerdict.Status, "FAIL")

	var firstErr error
	for _, r := range routes {
		email := p.buildRow(parsed, n, r, messageID, rawKey, receivedAt)

		inserted, err := p.store.CreateReceivedEmail(ctx, email)
		if err != nil {
			log.Printf("[Inbound] Error storing message %s for user %s: %v", messageID, r.userID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !inserted {
			log.Printf("[Inbound] Message %s already stored for user %s, skipping", messageID, r.userID)
			continue
		}

		if virusFail {
			log.Printf("[Inbound] Warning: virus verdict FAIL on %s, delivery suppressed", messageID)
			continue
		}
		p.dispatch(ctx, email, parsed, r)
	}
	return firstErr
}

// rawMessage locates the message bytes: inline content for SNS-action
// rules, S3 otherwise. The returned key is empty when the bytes did not
// come from storage.
func (p *Processor) rawMessage(ctx context.Context, n *ReceiptNotification) ([]byte, string, error) {
	if n.Content != "" {
		if strings.EqualFold(n.Receipt.Action.Encoding, "BASE64") {
			raw, err := base64.StdEncoding.DecodeString(n.Content)
			if err == nil {
				return raw, "", nil
			}
			log.Printf("[Inbound] Warning: content of %s claims BASE64 but does not decode: %v", n.Mail.MessageID, err)
		}
		return []byte(n.Content), "", nil
	}

	key := n.Receipt.Action.ObjectKey
	if key == "" {
		return nil, "", fmt.Errorf("notification %s carries neither content nor an object key", n.Mail.MessageID)
	}
	raw, err := p.storage.GetRaw(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("fetching raw message %s: %w", key, err)
	}
	if raw == nil {
		return nil, "", fmt.Errorf("raw message %s not found in storage", key)
	}
	return raw, key, nil
}

// resolveRoutes maps receipt recipients onto configured addresses, falling
// back to the domain catch-all, and groups the result per user.
func (p *Processor) resolveRoutes(ctx context.Context, recipients []string) []*route {
	byUser := make(map[string]*route)
	var order []string

	add := func(userID, domainID, recipient, endpointID string) {
		r, ok := byUser[userID]
		if !ok {
			r = &route{userID: userID, domainID: domainID, seen: make(map[string]bool)}
			byUser[userID] = r
			order = append(order, userID)
		}
		r.recipients = append(r.recipients, recipient)
		r.addEndpoint(endpointID)
	}

	for _, recipient := range recipients {
		recipient = store.NormalizeEmail(recipient)

		addr, err := p.store.GetEmailAddressByAddress(ctx, recipient)
		if err != nil {
			log.Printf("[Inbound] Error looking up address %s: %v", redact.Email(recipient), err)
			continue
		}
		if addr != nil {
			add(addr.UserID, addr.DomainID, recipient, addr.EndpointID)
			continue
		}

		at := strings.LastIndex(recipient, "@")
		if at < 0 {
			log.Printf("[Inbound] Unroutable recipient %q, dropping", recipient)
			continue
		}
		domain, err := p.store.GetDomainByName(ctx, recipient[at+1:])
		if err != nil {
			log.Printf("[Inbound] Error looking up domain for %s: %v", redact.Email(recipient), err)
			continue
		}
		if domain == nil || domain.CatchAllEndpointID == "" {
			log.Printf("[Inbound] No route for recipient %s, dropping", redact.Email(recipient))
			continue
		}
		add(domain.UserID, domain.ID, recipient, domain.CatchAllEndpointID)
	}

	routes := make([]*route, 0, len(order))
	for _, userID := range order {
		routes = append(routes, byUser[userID])
	}
	return routes
}

// RoutedEndpoints resolves the active endpoints a recipient's routing
// points at, scoped to the owning user. The resend path uses it to replay
// the original routing decision.
func (p *Processor) RoutedEndpoints(ctx context.Context, userID, recipient string) ([]*store.Endpoint, error) {
	var out []*store.Endpoint
	for _, r := range p.resolveRoutes(ctx, []string{recipient}) {
		if r.userID != userID {
			continue
		}
		for _, id := range r.endpointIDs {
			endpoint, err := p.store.GetEndpointAny(ctx, id)
			if err != nil {
				return nil, err
			}
			if endpoint == nil || !endpoint.IsActive {
				continue
			}
			out = append(out, endpoint)
		}
	}
	return out, nil
}

func (p *Processor) buildRow(parsed *ParsedEmail, n *ReceiptNotification, r *route,
	messageID, rawKey string, receivedAt time.Time) *store.ReceivedEmail {

	attachments := make(store.AttachmentList, 0, len(parsed.Attachments))
	for _, a := range parsed.Attachments {
		meta := store.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   len(a.Content),
			ContentID:   a.ContentID,
		}
		if len(a.Content) <= maxInlineAttachment {
			meta.Content = base64.StdEncoding.EncodeToString(a.Content)
		} else {
			meta.ContentOmitted = true
		}
		attachments = append(attachments, meta)
	}

	headers := make(store.JSON, len(parsed.Headers))
	for k, v := range parsed.Headers {
		headers[k] = v
	}

	return &store.ReceivedEmail{
		UserID:       r.userID,
		DomainID:     r.domainID,
		Recipient:    r.recipients[0],
		MessageID:    messageID,
		FromText:     parsed.FromText,
		FromAddress:  parsed.FromAddress,
		ToAddresses:  store.StringList(parsed.To),
		CcAddresses:  store.StringList(parsed.Cc),
		Subject:      parsed.Subject,
		Date:         parsed.Date,
		TextBody:     parsed.TextBody,
		HTMLBody:     parsed.HTMLBody,
		Headers:      headers,
		Attachments:  attachments,
		RawKey:       rawKey,
		SizeBytes:    parsed.SizeBytes,
		SpamVerdict:  n.Receipt.SpamVerdict.Status,
		VirusVerdict: n.Receipt.VirusVerdict.Status,
		SPFVerdict:   n.Receipt.SPFVerdict.Status,
		DKIMVerdict:  n.Receipt.DKIMVerdict.Status,
		ReceivedAt:   receivedAt,
	}
}

// dispatch hands the stored email to each routed endpoint. Failures are
// recorded by the dispatcher and never retried here, so an endpoint outage
// cannot wedge the receive pipeline.
func (p *Processor) dispatch(ctx context.Context, email *store.ReceivedEmail, parsed *ParsedEmail, r *route) {
	if len(r.endpointIDs) == 0 {
		log.Printf("[Inbound] Stored %s for user %s with no endpoint configured", email.MessageID, r.userID)
		return
	}
	for _, endpointID := range r.endpointIDs {
		endpoint, err := p.store.GetEndpointAny(ctx, endpointID)
		if err != nil {
			log.Printf("[Inbound] Error loading endpoint %s: %v", endpointID, err)
			continue
		}
		if endpoint == nil || !endpoint.IsActive {
			log.Printf("[Inbound] Endpoint %s missing or inactive, skipping delivery of %s", endpointID, email.ID)
			continue
		}
		if endpoint.UserID != r.userID {
			log.Printf("[Inbound] Warning: endpoint %s belongs to another user, skipping", endpointID)
			continue
		}
		if err := p.dispatcher.Dispatch(ctx, email, parsed, endpoint); err != nil {
			log.Printf("[Inbound] Error dispatching %s to endpoint %s: %v", email.ID, endpointID, err)
		}
	}
}
