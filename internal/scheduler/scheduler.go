// Package scheduler runs the background safety nets for outbound mail:
// a poller that claims scheduled emails whose QStash callback never
// arrived, and a retention sweep over event and delivery history.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/pkg/distlock"
	"github.com/inboundemail/inbound/internal/store"
)

// Dispatcher sends an email the poller already claimed. Failures put
// the row back into scheduled state so a later pass retries it.
type Dispatcher interface {
	DispatchClaimed(ctx context.Context, e *store.SentEmail) error
}

// Poller is the safety net behind QStash: any email still in scheduled
// state past its send time, plus a grace period for normal callback
// latency, gets claimed and dispatched here. With QStash disabled the
// poller is the only dispatcher for scheduled sends.
type Poller struct {
	store  *store.Store
	sender Dispatcher
	lock   distlock.Lock
	cfg    config.SchedulerConfig

	mu       sync.Mutex
	lastPoll time.Time
}

// NewPoller creates the overdue-send poller. The lock keeps a single
// instance polling when several servers share one database; claims use
// SKIP LOCKED underneath, so a lapsed lock degrades to extra polling,
// never to double sends.
func NewPoller(st *store.Store, sender Dispatcher, lock distlock.Lock, cfg config.SchedulerConfig) *Poller {
	return &Poller{store: st, sender: sender, lock: lock, cfg: cfg}
}

// Start begins the poll loop. It blocks until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	log.Printf("[Scheduler] Starting overdue-send poller (interval=%s, grace=%s, batch=%d)",
		p.cfg.Interval(), p.cfg.OverdueGrace(), p.cfg.BatchSize)

	p.Poll(ctx)

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Stopping overdue-send poller")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll claims one batch of overdue emails and dispatches them.
func (p *Poller) Poll(ctx context.Context) {
	acquired, err := p.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Scheduler] Lock error: %v", err)
		return
	}
	if !acquired {
		// Another instance is polling
		return
	}
	defer func() {
		if err := p.lock.Release(ctx); err != nil {
			log.Printf("[Scheduler] Warning: failed to release lock: %v", err)
		}
	}()

	p.mu.Lock()
	p.lastPoll = time.Now()
	p.mu.Unlock()

	emails, err := p.store.ClaimOverdueScheduled(ctx, p.cfg.OverdueGrace(), p.cfg.BatchSize)
	if err != nil {
		log.Printf("[Scheduler] Failed to claim overdue emails: %v", err)
		return
	}
	if len(emails) == 0 {
		return
	}

	start := time.Now()
	sent := 0
	for _, e := range emails {
		if err := p.sender.DispatchClaimed(ctx, e); err != nil {
			log.Printf("[Scheduler] Dispatch failed for email %s: %v", e.ID, err)
			continue
		}
		sent++
	}
	log.Printf("[Scheduler] Dispatched %d/%d overdue scheduled emails in %s",
		sent, len(emails), time.Since(start).Round(time.Millisecond))
}

// LastPoll reports when this instance last won the lock and ran.
func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}
