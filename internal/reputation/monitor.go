// Package reputation watches each tenant's SES sending health and pulls
// the sending kill switch before AWS does. A periodic collector reads
// CloudWatch metrics per configuration set and evaluates them against the
// configured thresholds; a receiver processes CloudWatch alarm
// notifications pushed over SNS. Critical breaches pause the tenant;
// recovery never resumes it automatically.
package reputation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
)

// Tenant health statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CloudWatchAPI is the subset of the CloudWatch client used here, extracted
// so tests can substitute a mock.
type CloudWatchAPI interface {
	GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
	PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error)
}

// SendingControl flips SES sending for a tenant's configuration set.
type SendingControl interface {
	PauseConfigurationSetSending(ctx context.Context, configSet string) error
	ResumeConfigurationSetSending(ctx context.Context, configSet string) error
}

// Alerter posts admin notifications.
type Alerter interface {
	Post(ctx context.Context, text string) error
	PostAlarm(ctx context.Context, a slack.Alert) error
}

// EventEmitter records account events.
type EventEmitter interface {
	Emit(ctx context.Context, userID, eventType string, payload interface{})
}

// SnapshotStore persists tenant health history.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *storage.HealthSnapshot) error
}

// Monitor evaluates tenant sending health and applies pauses. One Monitor
// serves both the periodic collector and the SNS alarm receiver.
type Monitor struct {
	store         *store.Store
	cw            CloudWatchAPI
	ses           SendingControl
	slack         Alerter
	events        EventEmitter
	snapshots     SnapshotStore
	cfg           config.ReputationConfig
	alarmTopicARN string

	mu        sync.Mutex
	statuses  map[string]string // tenant id -> last observed status
	running   bool
	lastSweep time.Time
}

// NewMonitor creates a tenant health monitor
func NewMonitor(cw CloudWatchAPI, st *store.Store, sesClient SendingControl, alerter Alerter, emitter EventEmitter, snapshots SnapshotStore, cfg *config.Config) *Monitor {
	return &Monitor{
		store:         st,
		cw:            cw,
		ses:           sesClient,
		slack:         alerter,
		events:        emitter,
		snapshots:     snapshots,
		cfg:           cfg.Reputation,
		alarmTopicARN: cfg.SES.AlarmTopicARN,
		statuses:      make(map[string]string),
	}
}

// breach is one threshold violation, worst first
type breach struct {
	status    string
	metric    string
	value     float64
	threshold float64
	reason    string
}

// findBreach returns the worst threshold violation, or nil when healthy.
// Complaint breaches outrank bounce breaches at the same severity.
func (m *Monitor) findBreach(metrics *TenantMetrics) *breach {
	if metrics.Send == 0 {
		return nil
	}

	t := m.cfg.Thresholds
	if metrics.ComplaintRate >= t.ComplaintRateCritical {
		return &breach{
			status:    StatusCritical,
			metric:    MetricComplaintRate,
			value:     metrics.ComplaintRate,
			threshold: t.ComplaintRateCritical,
			reason:    fmt.Sprintf("Complaint rate %.3f%% exceeds critical threshold %.3f%%", metrics.ComplaintRate*100, t.ComplaintRateCritical*100),
		}
	}
	if metrics.BounceRate >= t.BounceRateCritical {
		return &breach{
			status:    StatusCritical,
			metric:    MetricBounceRate,
			value:     metrics.BounceRate,
			threshold: t.BounceRateCritical,
			reason:    fmt.Sprintf("Bounce rate %.2f%% exceeds critical threshold %.2f%%", metrics.BounceRate*100, t.BounceRateCritical*100),
		}
	}
	if metrics.ComplaintRate >= t.ComplaintRateWarning {
		return &breach{
			status:    StatusWarning,
			metric:    MetricComplaintRate,
			value:     metrics.ComplaintRate,
			threshold: t.ComplaintRateWarning,
			reason:    fmt.Sprintf("Complaint rate %.3f%% approaching critical threshold", metrics.ComplaintRate*100),
		}
	}
	if metrics.BounceRate >= t.BounceRateWarning {
		return &breach{
			status:    StatusWarning,
			metric:    MetricBounceRate,
			value:     metrics.BounceRate,
			threshold: t.BounceRateWarning,
			reason:    fmt.Sprintf("Bounce rate %.2f%% approaching critical threshold", metrics.BounceRate*100),
		}
	}
	return nil
}

// Evaluate classifies a metrics reading against the configured thresholds
func (m *Monitor) Evaluate(metrics *TenantMetrics) (status string, reason string) {
	f := m.findBreach(metrics)
	if f == nil {
		return StatusHealthy, ""
	}
	return f.status, f.reason
}

// PauseTenantSending disables SES sending on the tenant's configuration set
// and marks the tenant paused. Already-paused tenants are left as they are.
// SES is disabled first: if that fails the tenant stays active and the next
// sweep or alarm retries.
func (m *Monitor) PauseTenantSending(ctx context.Context, t *store.Tenant, reason string) error {
	if t.Status == store.TenantPaused {
		return nil
	}

	if err := m.ses.PauseConfigurationSetSending(ctx, t.ConfigurationSet); err != nil {
		return fmt.Errorf("disabling sending for tenant %s: %w", t.ID, err)
	}
	if err := m.store.PauseTenant(ctx, t.ID, reason); err != nil {
		return fmt.Errorf("marking tenant %s paused: %w", t.ID, err)
	}

	log.Printf("[Reputation] Tenant %s PAUSED: %s", t.ID, reason)
	m.events.Emit(ctx, t.UserID, events.TenantPaused, map[string]interface{}{
		"tenant_id": t.ID,
		"reason":    reason,
	})
	return nil
}

// ResumeTenantSending re-enables sending for a tenant. Only reached by the
// manual resume operation; recovery alone never calls it.
func (m *Monitor) ResumeTenantSending(ctx context.Context, t *store.Tenant) error {
	if err := m.ses.ResumeConfigurationSetSending(ctx, t.ConfigurationSet); err != nil {
		return fmt.Errorf("enabling sending for tenant %s: %w", t.ID, err)
	}
	if err := m.store.ResumeTenant(ctx, t.ID); err != nil {
		return fmt.Errorf("marking tenant %s active: %w", t.ID, err)
	}

	m.forgetStatus(t.ID)
	log.Printf("[Reputation] Tenant %s sending resumed", t.ID)
	m.events.Emit(ctx, t.UserID, events.TenantResumed, map[string]interface{}{
		"tenant_id": t.ID,
	})
	return nil
}

// swapStatus records a tenant's status and returns the previous one
func (m *Monitor) swapStatus(tenantID, status string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.statuses[tenantID]
	m.statuses[tenantID] = status
	return prev
}

// forgetStatus drops the remembered status so a resumed tenant starts clean
func (m *Monitor) forgetStatus(tenantID string) {
	m.mu.Lock()
	delete(m.statuses, tenantID)
	m.mu.Unlock()
}

// IsRunning reports whether the collector loop is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastSweep returns the time of the last completed sweep
func (m *Monitor) LastSweep() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSweep
}
