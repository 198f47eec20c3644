package reputation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
)

type fakeCloudWatch struct {
	mu      sync.Mutex
	output  *cloudwatch.GetMetricDataOutput
	getErr  error
	putErr  error
	queries []*cloudwatch.GetMetricDataInput
	alarms  []*cloudwatch.PutMetricAlarmInput
}

func (f *fakeCloudWatch) GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, params)
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.output != nil {
		return f.output, nil
	}
	return &cloudwatch.GetMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alarms = append(f.alarms, params)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &cloudwatch.PutMetricAlarmOutput{}, nil
}

type fakeSending struct {
	mu        sync.Mutex
	pauseErr  error
	resumeErr error
	paused    []string
	resumed   []string
}

func (f *fakeSending) PauseConfigurationSetSending(ctx context.Context, configSet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, configSet)
	return nil
}

func (f *fakeSending) ResumeConfigurationSetSending(ctx context.Context, configSet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, configSet)
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	posts  []string
	alarms []slack.Alert
}

func (f *fakeAlerter) Post(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeAlerter) PostAlarm(ctx context.Context, a slack.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alarms = append(f.alarms, a)
	return nil
}

func (f *fakeAlerter) allPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func (f *fakeAlerter) allAlarms() []slack.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slack.Alert(nil), f.alarms...)
}

type emitted struct {
	userID    string
	eventType string
	payload   interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(ctx context.Context, userID, eventType string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{userID: userID, eventType: eventType, payload: payload})
}

func (f *fakeEmitter) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.eventType)
	}
	return out
}

type fakeSnapshots struct {
	mu    sync.Mutex
	err   error
	saved []*storage.HealthSnapshot
}

func (f *fakeSnapshots) SaveSnapshot(ctx context.Context, snap *storage.HealthSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeSnapshots) all() []*storage.HealthSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*storage.HealthSnapshot(nil), f.saved...)
}

type monitorFixture struct {
	monitor   *Monitor
	mock      sqlmock.Sqlmock
	cw        *fakeCloudWatch
	ses       *fakeSending
	alerter   *fakeAlerter
	emitter   *fakeEmitter
	snapshots *fakeSnapshots
}

func newTestMonitor(t *testing.T) *monitorFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &monitorFixture{
		mock:      mock,
		cw:        &fakeCloudWatch{},
		ses:       &fakeSending{},
		alerter:   &fakeAlerter{},
		emitter:   &fakeEmitter{},
		snapshots: &fakeSnapshots{},
	}
	f.monitor = &Monitor{
		store:     store.NewStore(db),
		cw:        f.cw,
		ses:       f.ses,
		slack:     f.alerter,
		events:    f.emitter,
		snapshots: f.snapshots,
		cfg: config.ReputationConfig{
			IntervalMinutes: 15,
			WindowHours:     24,
			Thresholds: config.ThresholdConfig{
				BounceRateWarning:     0.05,
				BounceRateCritical:    0.10,
				ComplaintRateWarning:  0.001,
				ComplaintRateCritical: 0.005,
			},
		},
		alarmTopicARN: "arn:aws:sns:us-east-2:123456789012:inbound-alarms",
		statuses:      make(map[string]string),
	}
	return f
}

func activeTenant(id string) *store.Tenant {
	return &store.Tenant{
		ID:               id,
		UserID:           "user-1",
		Name:             "default",
		SESTenantName:    "ses-tenant-" + id,
		ConfigurationSet: "inbound-events-" + id,
		Status:           store.TenantActive,
	}
}

func tenantRowsWithStatus(status string, ids ...string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "name", "ses_tenant_name", "configuration_set", "status",
		"pause_reason", "paused_at", "created_at", "updated_at",
	})
	for _, id := range ids {
		rows.AddRow(id, "user-1", "default", "ses-tenant-"+id, "inbound-events-"+id, status, "", nil, now, now)
	}
	return rows
}

func tenantRows(ids ...string) *sqlmock.Rows {
	return tenantRowsWithStatus(store.TenantActive, ids...)
}

// metricsOutput builds a GetMetricData response in the shape the fetch
// queries produce it.
func metricsOutput(send, bounce, complaint, bounceRate, complaintRate float64) *cloudwatch.GetMetricDataOutput {
	return &cloudwatch.GetMetricDataOutput{
		MetricDataResults: []cwtypes.MetricDataResult{
			{Id: aws.String("q0_send"), Values: []float64{send}},
			{Id: aws.String("q1_bounce"), Values: []float64{bounce}},
			{Id: aws.String("q2_complaint"), Values: []float64{complaint}},
			{Id: aws.String("q3_reputation_bouncerate"), Values: []float64{bounceRate}},
			{Id: aws.String("q4_reputation_complaintrate"), Values: []float64{complaintRate}},
		},
	}
}

func TestEvaluateThresholds(t *testing.T) {
	f := newTestMonitor(t)

	tests := []struct {
		name    string
		metrics TenantMetrics
		want    string
	}{
		{"no sends", TenantMetrics{Send: 0, BounceRate: 0.5, ComplaintRate: 0.5}, StatusHealthy},
		{"clean", TenantMetrics{Send: 1000, BounceRate: 0.01, ComplaintRate: 0.0001}, StatusHealthy},
		{"bounce warning", TenantMetrics{Send: 1000, BounceRate: 0.06}, StatusWarning},
		{"bounce critical", TenantMetrics{Send: 1000, BounceRate: 0.12}, StatusCritical},
		{"bounce exactly at critical", TenantMetrics{Send: 1000, BounceRate: 0.10}, StatusCritical},
		{"complaint warning", TenantMetrics{Send: 1000, ComplaintRate: 0.002}, StatusWarning},
		{"complaint critical", TenantMetrics{Send: 1000, ComplaintRate: 0.006}, StatusCritical},
		{"just under warning", TenantMetrics{Send: 1000, BounceRate: 0.049, ComplaintRate: 0.0009}, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := f.monitor.Evaluate(&tt.metrics)
			assert.Equal(t, tt.want, status)
			if tt.want == StatusHealthy {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestEvaluateComplaintOutranksBounce(t *testing.T) {
	f := newTestMonitor(t)

	status, reason := f.monitor.Evaluate(&TenantMetrics{
		Send:          1000,
		BounceRate:    0.12,
		ComplaintRate: 0.006,
	})

	assert.Equal(t, StatusCritical, status)
	assert.Contains(t, reason, "Complaint rate")
}

func TestPauseTenantSending(t *testing.T) {
	f := newTestMonitor(t)
	tenant := activeTenant("ten-1")

	f.mock.ExpectExec(`SET status = 'paused'`).
		WithArgs("ten-1", "Bounce rate too high").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := f.monitor.PauseTenantSending(context.Background(), tenant, "Bounce rate too high")
	require.NoError(t, err)

	assert.Equal(t, []string{"inbound-events-ten-1"}, f.ses.paused)
	assert.Equal(t, []string{events.TenantPaused}, f.emitter.types())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPauseTenantSendingAlreadyPaused(t *testing.T) {
	f := newTestMonitor(t)
	tenant := activeTenant("ten-1")
	tenant.Status = store.TenantPaused

	err := f.monitor.PauseTenantSending(context.Background(), tenant, "again")
	require.NoError(t, err)

	assert.Empty(t, f.ses.paused)
	assert.Empty(t, f.emitter.types())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPauseTenantSendingSESFailure(t *testing.T) {
	f := newTestMonitor(t)
	f.ses.pauseErr = errors.New("access denied")

	err := f.monitor.PauseTenantSending(context.Background(), activeTenant("ten-1"), "reason")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabling sending")

	// Tenant must not be marked paused when SES still sends
	assert.Empty(t, f.emitter.types())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResumeTenantSending(t *testing.T) {
	f := newTestMonitor(t)
	f.monitor.statuses["ten-1"] = StatusCritical

	f.mock.ExpectExec(`SET status = 'active'`).
		WithArgs("ten-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := f.monitor.ResumeTenantSending(context.Background(), activeTenant("ten-1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"inbound-events-ten-1"}, f.ses.resumed)
	assert.Equal(t, []string{events.TenantResumed}, f.emitter.types())
	assert.NotContains(t, f.monitor.statuses, "ten-1")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestMetricQueryIDs(t *testing.T) {
	assert.Equal(t, "q0_send", metricQueryID(0, MetricSend))
	assert.Equal(t, "q3_reputation_bouncerate", metricQueryID(3, MetricBounceRate))

	assert.True(t, containsMetric("q3_reputation_bouncerate", MetricBounceRate))
	assert.False(t, containsMetric("q3_reputation_bouncerate", MetricBounce))
	assert.False(t, containsMetric("q4_reputation_complaintrate", MetricComplaint))
}

func TestTenantIDFromAlarmName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ses-tenant-abc123-bounce-critical", "abc123"},
		{"ses-tenant-550e8400-e29b-41d4-a716-446655440000-complaint-warning", "550e8400-e29b-41d4-a716-446655440000"},
		{"ses-tenant-abc123", ""},
		{"billing-alarm", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tenantIDFromAlarmName(tt.name), "name %q", tt.name)
	}
}

func TestAlarmSeverityFromName(t *testing.T) {
	f := newTestMonitor(t)

	critical := &AlarmNotification{AlarmName: "ses-tenant-ten-1-bounce-critical"}
	assert.Equal(t, StatusCritical, f.monitor.alarmSeverity(critical))

	warning := &AlarmNotification{AlarmName: "ses-tenant-ten-1-complaint-warning"}
	assert.Equal(t, StatusWarning, f.monitor.alarmSeverity(warning))
}

func TestAlarmSeverityThresholdFallback(t *testing.T) {
	f := newTestMonitor(t)

	tests := []struct {
		metric    string
		threshold float64
		want      string
	}{
		{MetricBounceRate, 0.10, StatusCritical},
		{MetricBounceRate, 0.05, StatusWarning},
		{MetricComplaintRate, 0.005, StatusCritical},
		{MetricComplaintRate, 0.001, StatusWarning},
	}
	for _, tt := range tests {
		n := &AlarmNotification{
			AlarmName: "hand-rolled-alarm",
			Trigger:   AlarmTrigger{MetricName: tt.metric, Threshold: tt.threshold},
		}
		got := f.monitor.alarmSeverity(n)
		assert.Equal(t, tt.want, got, "%s at %g", tt.metric, tt.threshold)
	}
}

func TestPauseReasonSurvivesRoundTrip(t *testing.T) {
	f := newTestMonitor(t)
	f.cw.output = metricsOutput(1000, 150, 0, 0.15, 0)

	f.mock.ExpectExec(`SET status = 'paused'`).
		WithArgs("ten-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.monitor.CheckTenant(context.Background(), activeTenant("ten-1"))
	require.NoError(t, err)

	require.Len(t, f.emitter.events, 1)
	payload, ok := f.emitter.events[0].payload.(map[string]interface{})
	require.True(t, ok)
	gotReason, _ := payload["reason"].(string)
	assert.True(t, strings.Contains(gotReason, "Bounce rate"), "reason %q", gotReason)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
