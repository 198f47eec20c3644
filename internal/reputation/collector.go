package reputation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
)

// Start runs the periodic health sweep until ctx is canceled
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	log.Println("[Reputation] Starting tenant health collector...")

	// Initial sweep
	m.Sweep(ctx)

	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reputation] Stopping tenant health collector...")
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every active tenant once. Paused tenants are skipped by the
// query; they only come back through a manual resume.
func (m *Monitor) Sweep(ctx context.Context) {
	startTime := time.Now()

	tenants, err := m.store.GetActiveTenants(ctx)
	if err != nil {
		log.Printf("[Reputation] Failed to list active tenants: %v", err)
		return
	}
	if len(tenants) == 0 {
		return
	}

	healthy := 0
	for _, t := range tenants {
		status, err := m.CheckTenant(ctx, t)
		if err != nil {
			log.Printf("[Reputation] Check failed for tenant %s: %v", t.ID, err)
			continue
		}
		if status == StatusHealthy {
			healthy++
		}
	}

	m.mu.Lock()
	m.lastSweep = time.Now()
	m.mu.Unlock()

	log.Printf("[Reputation] Sweep completed in %v (%d/%d tenants healthy)",
		time.Since(startTime), healthy, len(tenants))
}

// CheckTenant fetches, evaluates and records one tenant's health, applying
// whatever action the status calls for. A critical reading always pauses;
// warning and recovery notices fire once per transition.
func (m *Monitor) CheckTenant(ctx context.Context, t *store.Tenant) (string, error) {
	metrics, err := m.FetchTenantMetrics(ctx, t.ConfigurationSet)
	if err != nil {
		return "", err
	}

	f := m.findBreach(metrics)
	status := StatusHealthy
	if f != nil {
		status = f.status
	}

	m.saveSnapshot(ctx, t, status, metrics)
	prev := m.swapStatus(t.ID, status)

	switch status {
	case StatusCritical:
		if err := m.slack.PostAlarm(ctx, slack.Alert{
			Severity:  StatusCritical,
			Tenant:    t.ID,
			Metric:    f.metric,
			Value:     f.value,
			Threshold: f.threshold,
			Reason:    f.reason,
		}); err != nil {
			log.Printf("[Reputation] Warning: failed to post critical alert: %v", err)
		}
		if err := m.PauseTenantSending(ctx, t, f.reason); err != nil {
			return status, err
		}
	case StatusWarning:
		if prev != StatusWarning {
			if err := m.slack.PostAlarm(ctx, slack.Alert{
				Severity:  StatusWarning,
				Tenant:    t.ID,
				Metric:    f.metric,
				Value:     f.value,
				Threshold: f.threshold,
				Reason:    f.reason,
			}); err != nil {
				log.Printf("[Reputation] Warning: failed to post warning alert: %v", err)
			}
		}
	default:
		if prev == StatusWarning || prev == StatusCritical {
			notice := fmt.Sprintf("Tenant %s sending health recovered (bounce %.2f%%, complaint %.3f%%)",
				t.ID, metrics.BounceRate*100, metrics.ComplaintRate*100)
			if err := m.slack.Post(ctx, notice); err != nil {
				log.Printf("[Reputation] Warning: failed to post recovery notice: %v", err)
			}
		}
	}

	return status, nil
}

func (m *Monitor) saveSnapshot(ctx context.Context, t *store.Tenant, status string, metrics *TenantMetrics) {
	if m.snapshots == nil {
		return
	}
	snap := &storage.HealthSnapshot{
		TenantID:      t.ID,
		TenantName:    t.SESTenantName,
		Status:        status,
		BounceRate:    metrics.BounceRate,
		ComplaintRate: metrics.ComplaintRate,
		Sent:          metrics.Send,
		Timestamp:     time.Now().UTC(),
	}
	if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
		log.Printf("[Reputation] Warning: failed to save snapshot for tenant %s: %v", t.ID, err)
	}
}
