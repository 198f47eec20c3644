package reputation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/store"
)

const (
	sesNamespace       = "AWS/SES"
	configSetDimension = "ses:configuration-set"
)

// SES CloudWatch metric names queried per configuration set
const (
	MetricSend          = "Send"
	MetricBounce        = "Bounce"
	MetricComplaint     = "Complaint"
	MetricBounceRate    = "Reputation.BounceRate"
	MetricComplaintRate = "Reputation.ComplaintRate"
)

func allMetrics() []string {
	return []string{MetricSend, MetricBounce, MetricComplaint, MetricBounceRate, MetricComplaintRate}
}

// isRateMetric reports whether the metric is one of the SES reputation
// rates, which are averaged rather than summed.
func isRateMetric(metric string) bool {
	return strings.HasPrefix(metric, "Reputation.")
}

// metricQueryID builds a GetMetricData query id. CloudWatch ids allow only
// lowercase alphanumerics and underscores.
func metricQueryID(i int, metric string) string {
	return fmt.Sprintf("q%d_%s", i, sanitizeMetric(metric))
}

// containsMetric checks if the result id carries the metric name
func containsMetric(id, metric string) bool {
	return strings.HasSuffix(id, sanitizeMetric(metric))
}

func sanitizeMetric(metric string) string {
	return strings.ToLower(strings.ReplaceAll(metric, ".", "_"))
}

// NewCloudWatchClient creates the concrete CloudWatch client. Static
// credentials are used when configured; otherwise the default chain (IAM
// role on ECS) applies.
func NewCloudWatchClient(ctx context.Context, awsCfg appconfig.AWSConfig) (*cloudwatch.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(awsCfg.Region),
	}
	if awsCfg.AccessKey != "" && awsCfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(awsCfg.AccessKey, awsCfg.SecretKey, "")))
	} else if profile := awsCfg.GetProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return cloudwatch.NewFromConfig(cfg), nil
}

// TenantMetrics is one window of SES sending metrics for a configuration set
type TenantMetrics struct {
	ConfigurationSet string    `json:"configuration_set"`
	Send             int64     `json:"send"`
	Bounce           int64     `json:"bounce"`
	Complaint        int64     `json:"complaint"`
	BounceRate       float64   `json:"bounce_rate"`
	ComplaintRate    float64   `json:"complaint_rate"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
}

// FetchTenantMetrics reads a configuration set's sending metrics for the
// configured window. Counts use a single Sum datapoint over the window; the
// SES reputation rates are averaged.
func (m *Monitor) FetchTenantMetrics(ctx context.Context, configSet string) (*TenantMetrics, error) {
	to := time.Now().UTC()
	from := to.Add(-m.cfg.Window())
	period := int32(m.cfg.Window() / time.Second)

	queries := make([]cwtypes.MetricDataQuery, 0, len(allMetrics()))
	for i, metric := range allMetrics() {
		stat := "Sum"
		if isRateMetric(metric) {
			stat = "Average"
		}
		queries = append(queries, cwtypes.MetricDataQuery{
			Id: aws.String(metricQueryID(i, metric)),
			MetricStat: &cwtypes.MetricStat{
				Metric: &cwtypes.Metric{
					Namespace:  aws.String(sesNamespace),
					MetricName: aws.String(metric),
					Dimensions: []cwtypes.Dimension{
						{Name: aws.String(configSetDimension), Value: aws.String(configSet)},
					},
				},
				Period: aws.Int32(period),
				Stat:   aws.String(stat),
			},
			ReturnData: aws.Bool(true),
		})
	}

	output, err := m.cw.GetMetricData(ctx, &cloudwatch.GetMetricDataInput{
		StartTime:         aws.Time(from),
		EndTime:           aws.Time(to),
		MetricDataQueries: queries,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching metrics for %s: %w", configSet, err)
	}

	data := &TenantMetrics{
		ConfigurationSet: configSet,
		WindowStart:      from,
		WindowEnd:        to,
	}
	for _, result := range output.MetricDataResults {
		if result.Id == nil {
			continue
		}

		var total float64
		for _, val := range result.Values {
			total += val
		}

		switch {
		case containsMetric(*result.Id, MetricBounceRate):
			data.BounceRate = average(result.Values)
		case containsMetric(*result.Id, MetricComplaintRate):
			data.ComplaintRate = average(result.Values)
		case containsMetric(*result.Id, MetricSend):
			data.Send = int64(total)
		case containsMetric(*result.Id, MetricBounce):
			data.Bounce = int64(total)
		case containsMetric(*result.Id, MetricComplaint):
			data.Complaint = int64(total)
		}
	}

	// The Reputation.* series lag and are absent on young configuration
	// sets; fall back to the window's own ratios.
	if data.BounceRate == 0 && data.Send > 0 {
		data.BounceRate = float64(data.Bounce) / float64(data.Send)
	}
	if data.ComplaintRate == 0 && data.Send > 0 {
		data.ComplaintRate = float64(data.Complaint) / float64(data.Send)
	}

	return data, nil
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// tenantAlarm describes one provisioned CloudWatch alarm
type tenantAlarm struct {
	suffix    string
	metric    string
	threshold float64
}

func (m *Monitor) tenantAlarms() []tenantAlarm {
	t := m.cfg.Thresholds
	return []tenantAlarm{
		{suffix: "bounce-warning", metric: MetricBounceRate, threshold: t.BounceRateWarning},
		{suffix: "bounce-critical", metric: MetricBounceRate, threshold: t.BounceRateCritical},
		{suffix: "complaint-warning", metric: MetricComplaintRate, threshold: t.ComplaintRateWarning},
		{suffix: "complaint-critical", metric: MetricComplaintRate, threshold: t.ComplaintRateCritical},
	}
}

// EnsureTenantAlarms provisions the four reputation alarms for a tenant's
// configuration set, with state changes published to the alarm topic.
// PutMetricAlarm overwrites by name, so re-provisioning converges.
func (m *Monitor) EnsureTenantAlarms(ctx context.Context, t *store.Tenant) error {
	if m.alarmTopicARN == "" {
		log.Printf("[Reputation] No alarm topic configured, skipping alarms for tenant %s", t.ID)
		return nil
	}

	for _, a := range m.tenantAlarms() {
		name := fmt.Sprintf("%s-%s", t.SESTenantName, a.suffix)
		_, err := m.cw.PutMetricAlarm(ctx, &cloudwatch.PutMetricAlarmInput{
			AlarmName:        aws.String(name),
			AlarmDescription: aws.String(fmt.Sprintf("SES %s for tenant %s", a.metric, t.ID)),
			Namespace:        aws.String(sesNamespace),
			MetricName:       aws.String(a.metric),
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(configSetDimension), Value: aws.String(t.ConfigurationSet)},
			},
			Statistic:          cwtypes.StatisticAverage,
			Period:             aws.Int32(3600),
			EvaluationPeriods:  aws.Int32(1),
			Threshold:          aws.Float64(a.threshold),
			ComparisonOperator: cwtypes.ComparisonOperatorGreaterThanOrEqualToThreshold,
			TreatMissingData:   aws.String("notBreaching"),
			AlarmActions:       []string{m.alarmTopicARN},
			OKActions:          []string{m.alarmTopicARN},
		})
		if err != nil {
			return fmt.Errorf("provisioning alarm %s: %w", name, err)
		}
	}

	log.Printf("[Reputation] Provisioned %d alarms for tenant %s", len(m.tenantAlarms()), t.ID)
	return nil
}
