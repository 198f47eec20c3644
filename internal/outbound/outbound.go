// Package outbound orchestrates sending: request validation, per-user
// rate limits, the tenant sending gate, SES dispatch, and QStash
// scheduling. One Sender is shared by the emails API, the QStash
// callback receiver, and the overdue-send poller.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/store"
)

// SendCallbackPath is the receiver QStash delivers scheduled-send
// callbacks to, relative to the public URL.
const SendCallbackPath = "/api/v2/webhooks/qstash/send-email"

// maxBatchSize caps POST /emails/batch
const maxBatchSize = 100

// DispatchPayload is the QStash callback body for a scheduled send
type DispatchPayload struct {
	EmailID string `json:"emailId"`
}

// SESSender is the slice of the SES client the sender uses
type SESSender interface {
	Send(ctx context.Context, msg *ses.OutboundMessage) (*ses.SendResult, error)
	EnsureTenant(ctx context.Context, tenantName, configSet string) error
}

// SchedulePublisher is the slice of the QStash client the sender uses
type SchedulePublisher interface {
	PublishJSON(ctx context.Context, destinationURL string, body interface{}, notBefore time.Time, dedupID string) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Alerter posts admin notices
type Alerter interface {
	Post(ctx context.Context, text string) error
}

// EventEmitter records account-level events
type EventEmitter interface {
	Emit(ctx context.Context, userID, eventType string, payload interface{})
}

// RawStore holds scheduled attachment content until dispatch
type RawStore interface {
	PutRaw(ctx context.Context, key string, data []byte) error
	GetRaw(ctx context.Context, key string) ([]byte, error)
	DeleteRaw(ctx context.Context, key string) error
}

// Sender orchestrates outbound email
type Sender struct {
	store     *store.Store
	ses       SESSender
	qstash    SchedulePublisher // nil when QStash is disabled
	limiter   *RateLimiter      // nil when rate limiting is disabled
	slack     Alerter
	events    EventEmitter
	raw       RawStore
	sesCfg    config.SESConfig
	delivery  config.DeliveryConfig
	publicURL string

	wg sync.WaitGroup

	alertMu   sync.Mutex
	lastAlert map[string]time.Time
}

// NewSender wires the send pipeline. publisher and limiter may be nil
// when those subsystems are disabled.
func NewSender(st *store.Store, sesClient SESSender, publisher SchedulePublisher, limiter *RateLimiter, alerter Alerter, emitter EventEmitter, raw RawStore, cfg *config.Config) *Sender {
	return &Sender{
		store:     st,
		ses:       sesClient,
		qstash:    publisher,
		limiter:   limiter,
		slack:     alerter,
		events:    emitter,
		raw:       raw,
		sesCfg:    cfg.SES,
		delivery:  cfg.Delivery,
		publicURL: strings.TrimRight(cfg.Server.PublicURL, "/"),
		lastAlert: make(map[string]time.Time),
	}
}

// SendOptions carries per-request send modifiers
type SendOptions struct {
	// IdempotencyKey, when set, makes a replayed request return the
	// original row instead of sending again.
	IdempotencyKey string
}

// Send validates and dispatches one email. A scheduled_at in the
// request stores the email and hands dispatch to QStash (or the
// poller); otherwise the email goes to SES immediately. Rejections are
// returned as *Error with the HTTP status the API should answer with.
func (s *Sender) Send(ctx context.Context, userID string, req *Request, opts SendOptions) (*store.SentEmail, error) {
	if opts.IdempotencyKey != "" {
		existing, err := s.store.GetSentEmailByIdempotencyKey(ctx, userID, opts.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	v, verr := s.validate(ctx, userID, req)
	if verr != nil {
		return nil, verr
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, userID, 1)
		if err != nil {
			// Redis being down must not halt sending
			log.Printf("[Outbound] Warning: rate limit check failed, allowing: %v", err)
		} else if !allowed {
			return nil, &Error{
				Status:     http.StatusTooManyRequests,
				Message:    "send rate limit exceeded",
				RetryAfter: retryAfter,
			}
		}
	}

	tenant, terr := s.tenantFor(ctx, userID)
	if terr != nil {
		return nil, terr
	}

	e := &store.SentEmail{
		UserID:         userID,
		FromAddress:    req.From,
		ToAddresses:    req.To,
		CcAddresses:    req.Cc,
		BccAddresses:   req.Bcc,
		ReplyTo:        req.ReplyTo,
		Subject:        req.Subject,
		TextBody:       req.Text,
		HTMLBody:       req.HTML,
		Headers:        headersJSON(req.Headers),
		AttachmentMeta: v.meta,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if tenant != nil {
		e.TenantID = tenant.ID
	}

	if v.scheduledAt != nil {
		return s.schedule(ctx, e, v)
	}

	e.Status = store.SentQueued
	if err := s.store.CreateSentEmail(ctx, e); err != nil {
		return nil, fmt.Errorf("storing email: %w", err)
	}
	return s.dispatch(ctx, e, v.attachments, tenant)
}

// schedule stores the email for later dispatch and registers the QStash
// callback. Attachment content cannot live in the database row, so it
// is parked in raw storage until the callback fires.
func (s *Sender) schedule(ctx context.Context, e *store.SentEmail, v *validated) (*store.SentEmail, error) {
	e.Status = store.SentScheduled
	e.ScheduledAt = v.scheduledAt
	if err := s.store.CreateSentEmail(ctx, e); err != nil {
		return nil, fmt.Errorf("storing scheduled email: %w", err)
	}

	if len(v.attachments) > 0 {
		blob, err := json.Marshal(attachmentRequests(v.attachments))
		if err == nil {
			err = s.raw.PutRaw(ctx, scheduledContentKey(e.ID), blob)
		}
		if err != nil {
			// Without the content the send would go out incomplete later
			if ferr := s.store.MarkSentEmailFailed(ctx, e.ID, "storing attachment content: "+err.Error()); ferr != nil {
				log.Printf("[Outbound] Warning: marking %s failed: %v", e.ID, ferr)
			}
			return nil, fmt.Errorf("storing scheduled attachments: %w", err)
		}
	}

	if s.qstash == nil {
		log.Printf("[Outbound] QStash disabled, scheduled email %s waits for the poller", e.ID)
		return e, nil
	}

	messageID, err := s.qstash.PublishJSON(ctx, s.publicURL+SendCallbackPath,
		DispatchPayload{EmailID: e.ID}, *v.scheduledAt, e.ID)
	if err != nil {
		// The poller picks up scheduled rows with no QStash message
		log.Printf("[Outbound] Warning: QStash publish for %s failed, poller will dispatch: %v", e.ID, err)
		return e, nil
	}
	if err := s.store.SetQStashMessageID(ctx, e.ID, messageID); err != nil {
		log.Printf("[Outbound] Warning: recording QStash message for %s: %v", e.ID, err)
	}
	e.QStashMessageID = messageID
	return e, nil
}

// SendScheduled dispatches a stored scheduled email. It is called by
// the QStash receiver and the overdue poller; the atomic claim makes
// redelivered callbacks no-ops. Returns false with a nil error when the
// email is no longer scheduled.
func (s *Sender) SendScheduled(ctx context.Context, emailID string) (bool, error) {
	claimed, err := s.store.ClaimScheduledEmail(ctx, emailID)
	if err != nil {
		return false, fmt.Errorf("claiming email: %w", err)
	}
	if !claimed {
		return false, nil
	}

	e, err := s.store.GetSentEmailAny(ctx, emailID)
	if err != nil {
		return false, fmt.Errorf("loading email: %w", err)
	}
	if e == nil {
		return false, fmt.Errorf("email %s claimed but not found", emailID)
	}
	return s.dispatchClaimed(ctx, e)
}

// DispatchClaimed sends an email the caller already moved to queued
// (the poller claims in batches). Failures put the row back into
// scheduled state so the next retry can claim it again.
func (s *Sender) DispatchClaimed(ctx context.Context, e *store.SentEmail) error {
	_, err := s.dispatchClaimed(ctx, e)
	return err
}

func (s *Sender) dispatchClaimed(ctx context.Context, e *store.SentEmail) (bool, error) {
	var tenant *store.Tenant
	if e.TenantID != "" {
		t, err := s.store.GetTenantByID(ctx, e.TenantID)
		if err != nil {
			return false, fmt.Errorf("loading tenant: %w", err)
		}
		tenant = t
	}
	if tenant != nil && tenant.Status == store.TenantPaused {
		// Back to scheduled so the email goes out after a resume
		if err := s.store.RequeueScheduledEmail(ctx, e.ID, "tenant sending paused"); err != nil {
			return false, fmt.Errorf("requeueing email: %w", err)
		}
		return false, fmt.Errorf("tenant %s is paused, email %s requeued", e.TenantID, e.ID)
	}

	attachments, err := s.loadScheduledContent(ctx, e)
	if err != nil {
		if ferr := s.store.MarkSentEmailFailed(ctx, e.ID, err.Error()); ferr != nil {
			log.Printf("[Outbound] Warning: marking %s failed: %v", e.ID, ferr)
		}
		return false, err
	}

	if _, err := s.dispatch(ctx, e, attachments, tenant); err != nil {
		reason := err
		var rejection *Error
		if errors.As(err, &rejection) && rejection.Cause != nil {
			reason = rejection.Cause
		}
		// dispatch marked the row failed; put it back for the retry
		if rerr := s.store.RequeueScheduledEmail(ctx, e.ID, failureReason(reason)); rerr != nil {
			log.Printf("[Outbound] Warning: requeueing %s: %v", e.ID, rerr)
		}
		return false, err
	}

	if s.raw != nil {
		if err := s.raw.DeleteRaw(ctx, scheduledContentKey(e.ID)); err != nil {
			log.Printf("[Outbound] Warning: removing scheduled content for %s: %v", e.ID, err)
		}
	}
	return true, nil
}

// loadScheduledContent restores parked attachment content for a
// scheduled email. Metadata without retrievable content fails the
// dispatch rather than silently sending without attachments.
func (s *Sender) loadScheduledContent(ctx context.Context, e *store.SentEmail) ([]ses.Attachment, error) {
	if len(e.AttachmentMeta) == 0 {
		return nil, nil
	}
	blob, err := s.raw.GetRaw(ctx, scheduledContentKey(e.ID))
	if err != nil {
		return nil, fmt.Errorf("loading scheduled attachments: %w", err)
	}
	if blob == nil {
		return nil, fmt.Errorf("scheduled attachment content for %s is gone", e.ID)
	}
	var reqs []AttachmentRequest
	if err := json.Unmarshal(blob, &reqs); err != nil {
		return nil, fmt.Errorf("decoding scheduled attachments: %w", err)
	}
	attachments, _, aerr := decodeAttachments(reqs, s.attachmentCapBytes())
	if aerr != nil {
		return nil, fmt.Errorf("restoring scheduled attachments: %s", aerr.Message)
	}
	return attachments, nil
}

// dispatch performs the single SES attempt and records the outcome
func (s *Sender) dispatch(ctx context.Context, e *store.SentEmail, attachments []ses.Attachment, tenant *store.Tenant) (*store.SentEmail, error) {
	msg := &ses.OutboundMessage{
		From:             e.FromAddress,
		To:               e.ToAddresses,
		Cc:               e.CcAddresses,
		Bcc:              e.BccAddresses,
		ReplyTo:          e.ReplyTo,
		Subject:          e.Subject,
		Text:             e.TextBody,
		HTML:             e.HTMLBody,
		Headers:          headersFromJSON(e.Headers),
		Attachments:      attachments,
		ConfigurationSet: s.sesCfg.ConfigurationSet,
		Tags: map[string]string{
			"email_id": e.ID,
			"user_id":  e.UserID,
		},
	}
	if tenant != nil {
		msg.ConfigurationSet = tenant.ConfigurationSet
		msg.TenantName = tenant.SESTenantName
	}

	result, err := s.ses.Send(ctx, msg)
	if err != nil {
		if merr := s.store.MarkSentEmailFailed(ctx, e.ID, err.Error()); merr != nil {
			log.Printf("[Outbound] Warning: marking %s failed: %v", e.ID, merr)
		}
		s.events.Emit(ctx, e.UserID, events.EmailFailed, map[string]interface{}{
			"email_id": e.ID,
			"reason":   err.Error(),
		})
		return nil, &Error{
			Status:  http.StatusInternalServerError,
			Message: "email could not be sent",
			Cause:   err,
		}
	}

	if err := s.store.MarkSentEmailSent(ctx, e.ID, result.MessageID); err != nil {
		// SES accepted the message; the row catches up via SES events
		log.Printf("[Outbound] Warning: marking %s sent: %v", e.ID, err)
	}
	now := result.SentAt
	e.Status = store.SentSent
	e.SESMessageID = result.MessageID
	e.SentAt = &now
	e.Attempts++

	s.events.Emit(ctx, e.UserID, events.EmailSent, map[string]interface{}{
		"email_id":       e.ID,
		"ses_message_id": result.MessageID,
		"to":             e.ToAddresses,
	})
	s.evaluateRiskAsync(e.UserID)
	return e, nil
}

// Cancel stops a scheduled email. Emails in any other state return a
// conflict; the QStash message delete is best-effort since the atomic
// status flip already guarantees the callback becomes a no-op.
func (s *Sender) Cancel(ctx context.Context, userID, emailID string) (*store.SentEmail, error) {
	e, err := s.store.CancelScheduledEmail(ctx, userID, emailID)
	if err != nil {
		return nil, fmt.Errorf("canceling email: %w", err)
	}
	if e == nil {
		return nil, reject(http.StatusConflict, "email is not scheduled")
	}

	if s.qstash != nil && e.QStashMessageID != "" {
		if err := s.qstash.DeleteMessage(ctx, e.QStashMessageID); err != nil {
			log.Printf("[Outbound] Warning: deleting QStash message %s: %v", e.QStashMessageID, err)
		}
	}
	if s.raw != nil && len(e.AttachmentMeta) > 0 {
		if err := s.raw.DeleteRaw(ctx, scheduledContentKey(e.ID)); err != nil {
			log.Printf("[Outbound] Warning: removing scheduled content for %s: %v", e.ID, err)
		}
	}
	e.Status = store.SentCanceled
	return e, nil
}

// BatchResult is the per-item outcome of a batch send
type BatchResult struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// SendBatch sends up to maxBatchSize emails sequentially, one result
// per item. A rejected item never aborts the rest.
func (s *Sender) SendBatch(ctx context.Context, userID string, reqs []*Request) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, reject(http.StatusBadRequest, "batch is empty")
	}
	if len(reqs) > maxBatchSize {
		return nil, reject(http.StatusBadRequest, "batch has %d emails, limit is %d", len(reqs), maxBatchSize)
	}

	results := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		e, err := s.Send(ctx, userID, req, SendOptions{})
		if err != nil {
			results[i] = BatchResult{Error: err.Error()}
			continue
		}
		results[i] = BatchResult{ID: e.ID}
	}
	return results, nil
}

// tenantFor resolves the user's tenant for a send, lazily provisioning
// the default tenant on first use when tenant isolation is enabled.
func (s *Sender) tenantFor(ctx context.Context, userID string) (*store.Tenant, *Error) {
	tenant, err := s.store.GetDefaultTenant(ctx, userID)
	if err != nil {
		return nil, reject(http.StatusInternalServerError, "resolving tenant")
	}
	if tenant == nil {
		if !s.sesCfg.TenantsEnabled {
			return nil, nil
		}
		tenant, err = s.ProvisionTenant(ctx, userID, "default")
		if err != nil {
			// A send without isolation beats no send at all
			log.Printf("[Outbound] Warning: provisioning tenant for user %s: %v", userID, err)
			return nil, nil
		}
	}
	if tenant != nil && tenant.Status == store.TenantPaused {
		msg := "sending is paused for this account"
		if tenant.PauseReason != "" {
			msg += ": " + tenant.PauseReason
		}
		return nil, reject(http.StatusForbidden, "%s", msg)
	}
	return tenant, nil
}

// ProvisionTenant creates the SES tenant, its configuration set, and
// the database row. SES-side creation is idempotent, and a concurrent
// insert resolves by re-reading the row.
func (s *Sender) ProvisionTenant(ctx context.Context, userID, name string) (*store.Tenant, error) {
	tenant := &store.Tenant{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   name,
	}
	tenant.SESTenantName = "ses-tenant-" + tenant.ID
	tenant.ConfigurationSet = s.configSetName(tenant.ID)

	if err := s.ses.EnsureTenant(ctx, tenant.SESTenantName, tenant.ConfigurationSet); err != nil {
		return nil, fmt.Errorf("provisioning SES tenant: %w", err)
	}
	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		// Lost a create race; the winner's row is the tenant
		existing, gerr := s.store.GetDefaultTenant(ctx, userID)
		if gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("storing tenant: %w", err)
	}

	log.Printf("[Outbound] Provisioned tenant %s (%s) for user %s", tenant.ID, tenant.SESTenantName, userID)
	return tenant, nil
}

// configSetName derives a tenant's configuration set from the account
// base name so CloudWatch alarms map back to the tenant.
func (s *Sender) configSetName(tenantID string) string {
	base := s.sesCfg.ConfigurationSet
	if base == "" {
		base = "inbound"
	}
	return base + "-" + tenantID
}

// Wait blocks until in-flight risk evaluations finish
func (s *Sender) Wait() {
	s.wg.Wait()
}

func scheduledContentKey(emailID string) string {
	return "scheduled/" + emailID + ".json"
}

// attachmentRequests re-encodes decoded attachments for parking in raw
// storage, so dispatch can reuse the request decoding path.
func attachmentRequests(attachments []ses.Attachment) []AttachmentRequest {
	reqs := make([]AttachmentRequest, len(attachments))
	for i, a := range attachments {
		reqs[i] = AttachmentRequest{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     base64Encode(a.Content),
			ContentID:   a.ContentID,
		}
	}
	return reqs
}

// failureReason trims an error to fit the failure_reason column
func failureReason(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
