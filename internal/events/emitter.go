// Package events records account-level events and relays them to each
// user's Svix application, where their registered event webhooks are
// managed. Event emission never fails the calling pipeline: failures
// are logged and the triggering operation proceeds.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/inboundemail/inbound/internal/store"
	"github.com/inboundemail/inbound/internal/svix"
)

// Account event types
const (
	EmailReceived       = "email.received"
	EmailSent           = "email.sent"
	EmailFailed         = "email.failed"
	EmailBounced        = "email.bounced"
	EmailComplained     = "email.complained"
	EmailDeliveryFailed = "email.delivery.failed"
	DomainVerified      = "domain.verified"
	DomainFailed        = "domain.failed"
	TenantPaused        = "tenant.paused"
	TenantResumed       = "tenant.resumed"
)

const relayTimeout = 15 * time.Second

// Emitter writes email_events rows and dispatches them to Svix
type Emitter struct {
	store *store.Store
	svix  *svix.Client

	wg sync.WaitGroup

	mu   sync.Mutex
	apps map[string]string // user id -> svix application id
}

// NewEmitter creates an event emitter
func NewEmitter(st *store.Store, svixClient *svix.Client) *Emitter {
	return &Emitter{
		store: st,
		svix:  svixClient,
		apps:  make(map[string]string),
	}
}

// Emit records an event and relays it to the user's event webhooks.
// The relay runs in the background; the caller only pays for the row
// insert.
func (e *Emitter) Emit(ctx context.Context, userID, eventType string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Events] Warning: failed to marshal %s payload: %v", eventType, err)
		return
	}
	var doc store.JSON
	if err := json.Unmarshal(body, &doc); err != nil {
		log.Printf("[Events] Warning: %s payload is not a JSON object: %v", eventType, err)
		return
	}

	row := &store.EmailEvent{
		UserID:    userID,
		EventType: eventType,
		Payload:   doc,
	}
	if err := e.store.CreateEmailEvent(ctx, row); err != nil {
		log.Printf("[Events] Warning: failed to record %s event: %v", eventType, err)
		return
	}

	if !e.svix.Enabled() {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.relay(row, payload)
	}()
}

// Wait blocks until in-flight relays finish, for shutdown
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) relay(row *store.EmailEvent, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()

	appID, err := e.applicationFor(ctx, row.UserID)
	if err != nil {
		log.Printf("[Events] Failed to resolve Svix application for user %s: %v", row.UserID, err)
		return
	}

	msg, err := e.svix.CreateMessage(ctx, appID, row.EventType, payload)
	if err != nil {
		log.Printf("[Events] Failed to dispatch %s to Svix: %v", row.EventType, err)
		return
	}

	if err := e.store.SetEventSvixMessageID(ctx, row.ID, msg.ID); err != nil {
		log.Printf("[Events] Warning: failed to record Svix message id: %v", err)
	}
}

// applicationFor resolves (and caches) the user's Svix application. The
// user id doubles as the application uid, so lookups are idempotent
// creates.
func (e *Emitter) applicationFor(ctx context.Context, userID string) (string, error) {
	e.mu.Lock()
	appID, ok := e.apps[userID]
	e.mu.Unlock()
	if ok {
		return appID, nil
	}

	name := userID
	if user, err := e.store.GetUser(ctx, userID); err == nil && user != nil && user.Name != "" {
		name = user.Name
	}

	app, err := e.svix.EnsureApplication(ctx, userID, name)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.apps[userID] = app.ID
	e.mu.Unlock()
	return app.ID, nil
}
