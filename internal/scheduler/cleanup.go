package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/store"
)

// cleanupInterval is how often the retention pass runs. Retention is
// measured in days, so hourly passes keep batches small without the
// interval needing its own setting.
const cleanupInterval = time.Hour

// BlobStore removes stored raw emails older than a cutoff.
type BlobStore interface {
	Cleanup(ctx context.Context, olderThan time.Time) error
}

// CleanupWorker ages out webhook event and delivery-attempt history
// past the retention window. Raw MIME files on local disk age out with
// it; S3 buckets are expected to carry their own lifecycle rules.
type CleanupWorker struct {
	store     *store.Store
	blobs     BlobStore
	retention time.Duration
}

// NewCleanupWorker creates a cleanup worker. blobs may be nil when no
// raw email storage is configured.
func NewCleanupWorker(st *store.Store, blobs BlobStore, cfg config.SchedulerConfig) *CleanupWorker {
	return &CleanupWorker{store: st, blobs: blobs, retention: cfg.Retention()}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (w *CleanupWorker) Start(ctx context.Context) {
	log.Printf("[Cleanup] Starting (interval=%s, retention=%s)", cleanupInterval, w.retention)

	w.Run(ctx)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Cleanup] Stopping")
			return
		case <-ticker.C:
			w.Run(ctx)
		}
	}
}

// Run executes one retention pass. Each target is pruned independently
// so one failing table never blocks the others.
func (w *CleanupWorker) Run(ctx context.Context) {
	start := time.Now()
	cutoff := time.Now().Add(-w.retention)

	if n, err := w.store.PruneEmailEvents(ctx, cutoff); err != nil {
		log.Printf("[Cleanup] Error pruning email events: %v", err)
	} else if n > 0 {
		log.Printf("[Cleanup] Removed %d email events past retention", n)
	}

	if n, err := w.store.PruneDeliveries(ctx, cutoff); err != nil {
		log.Printf("[Cleanup] Error pruning delivery attempts: %v", err)
	} else if n > 0 {
		log.Printf("[Cleanup] Removed %d delivery attempts past retention", n)
	}

	if w.blobs != nil {
		if err := w.blobs.Cleanup(ctx, cutoff); err != nil {
			log.Printf("[Cleanup] Error removing raw email files: %v", err)
		}
	}

	log.Printf("[Cleanup] Cycle completed in %s", time.Since(start).Round(time.Millisecond))
}
