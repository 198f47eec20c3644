package reputation

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/store"
)

// CloudWatch alarm states
const (
	stateAlarm = "ALARM"
	stateOK    = "OK"
)

// AlarmNotification is the CloudWatch alarm state-change document SNS
// delivers to the alarm topic.
type AlarmNotification struct {
	AlarmName        string       `json:"AlarmName"`
	AlarmDescription string       `json:"AlarmDescription"`
	NewStateValue    string       `json:"NewStateValue"`
	NewStateReason   string       `json:"NewStateReason"`
	StateChangeTime  string       `json:"StateChangeTime"`
	Trigger          AlarmTrigger `json:"Trigger"`
}

// AlarmTrigger describes the metric behind an alarm
type AlarmTrigger struct {
	MetricName string           `json:"MetricName"`
	Namespace  string           `json:"Namespace"`
	Statistic  string           `json:"Statistic"`
	Dimensions []AlarmDimension `json:"Dimensions"`
	Period     int              `json:"Period"`
	Threshold  float64          `json:"Threshold"`
}

// AlarmDimension is a metric dimension as CloudWatch serializes it
// (lowercase keys, unlike the rest of the document).
type AlarmDimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HandleAlarm processes one CloudWatch alarm notification. Critical alarms
// entering ALARM state pause the tenant; warning alarms alert only; OK
// transitions post a recovery notice and nothing more.
func (m *Monitor) HandleAlarm(ctx context.Context, n *AlarmNotification) error {
	tenant, err := m.tenantForAlarm(ctx, n)
	if err != nil {
		return fmt.Errorf("resolving tenant for alarm %s: %w", n.AlarmName, err)
	}
	if tenant == nil {
		log.Printf("[Reputation] Alarm %s does not map to a known tenant, ignoring", n.AlarmName)
		return nil
	}

	switch n.NewStateValue {
	case stateAlarm:
		return m.handleAlarmBreach(ctx, tenant, n)
	case stateOK:
		log.Printf("[Reputation] Alarm %s recovered for tenant %s", n.AlarmName, tenant.ID)
		if err := m.slack.PostAlarm(ctx, slack.Alert{
			Severity:  "recovered",
			Tenant:    tenant.ID,
			Metric:    n.Trigger.MetricName,
			Threshold: n.Trigger.Threshold,
			Reason:    n.NewStateReason,
		}); err != nil {
			log.Printf("[Reputation] Warning: failed to post recovery notice: %v", err)
		}
		return nil
	default:
		// INSUFFICIENT_DATA and any state AWS adds later
		log.Printf("[Reputation] Alarm %s state %s for tenant %s, no action",
			n.AlarmName, n.NewStateValue, tenant.ID)
		return nil
	}
}

func (m *Monitor) handleAlarmBreach(ctx context.Context, tenant *store.Tenant, n *AlarmNotification) error {
	severity := m.alarmSeverity(n)

	if err := m.slack.PostAlarm(ctx, slack.Alert{
		Severity:  severity,
		Tenant:    tenant.ID,
		Metric:    n.Trigger.MetricName,
		Value:     m.currentValue(ctx, tenant, n.Trigger.MetricName),
		Threshold: n.Trigger.Threshold,
		Reason:    n.NewStateReason,
	}); err != nil {
		log.Printf("[Reputation] Warning: failed to post alarm alert: %v", err)
	}

	if severity != StatusCritical {
		log.Printf("[Reputation] Warning alarm %s for tenant %s", n.AlarmName, tenant.ID)
		return nil
	}

	reason := fmt.Sprintf("CloudWatch alarm %s: %s", n.AlarmName, n.NewStateReason)
	return m.PauseTenantSending(ctx, tenant, reason)
}

// tenantForAlarm maps an alarm back to the tenant it monitors, by the
// configuration-set dimension first and the alarm name second.
func (m *Monitor) tenantForAlarm(ctx context.Context, n *AlarmNotification) (*store.Tenant, error) {
	for _, d := range n.Trigger.Dimensions {
		if d.Name == configSetDimension && d.Value != "" {
			t, err := m.store.GetTenantByConfigurationSet(ctx, d.Value)
			if err != nil || t != nil {
				return t, err
			}
		}
	}

	if id := tenantIDFromAlarmName(n.AlarmName); id != "" {
		return m.store.GetTenantByID(ctx, id)
	}
	return nil, nil
}

// tenantIDFromAlarmName extracts the tenant id from our alarm naming
// convention, ses-tenant-{id}-{metric}-{severity}.
func tenantIDFromAlarmName(name string) string {
	rest, ok := strings.CutPrefix(name, "ses-tenant-")
	if !ok {
		return ""
	}
	for _, a := range []string{"-bounce-warning", "-bounce-critical", "-complaint-warning", "-complaint-critical"} {
		if id, found := strings.CutSuffix(rest, a); found {
			return id
		}
	}
	return ""
}

// alarmSeverity classifies an alarm by its name suffix, falling back to
// comparing its threshold against the configured critical ones.
func (m *Monitor) alarmSeverity(n *AlarmNotification) string {
	if strings.HasSuffix(n.AlarmName, "-critical") {
		return StatusCritical
	}
	if strings.HasSuffix(n.AlarmName, "-warning") {
		return StatusWarning
	}

	t := m.cfg.Thresholds
	switch n.Trigger.MetricName {
	case MetricComplaintRate:
		if n.Trigger.Threshold >= t.ComplaintRateCritical {
			return StatusCritical
		}
	case MetricBounceRate:
		if n.Trigger.Threshold >= t.BounceRateCritical {
			return StatusCritical
		}
	}
	return StatusWarning
}

// currentValue reads the live metric for alert context. A fetch failure
// only costs the value field.
func (m *Monitor) currentValue(ctx context.Context, tenant *store.Tenant, metric string) float64 {
	metrics, err := m.FetchTenantMetrics(ctx, tenant.ConfigurationSet)
	if err != nil {
		log.Printf("[Reputation] Warning: failed to fetch metrics for %s: %v", tenant.ConfigurationSet, err)
		return 0
	}
	if metric == MetricComplaintRate {
		return metrics.ComplaintRate
	}
	return metrics.BounceRate
}
