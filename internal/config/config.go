package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	AWS        AWSConfig        `yaml:"aws"`
	SES        SESConfig        `yaml:"ses"`
	DNS        DNSConfig        `yaml:"dns"`
	Storage    StorageConfig    `yaml:"storage"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	QStash     QStashConfig     `yaml:"qstash"`
	Svix       SvixConfig       `yaml:"svix"`
	Slack      SlackConfig      `yaml:"slack"`
	Reputation ReputationConfig `yaml:"reputation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `yaml:"port"`
	Host string `yaml:"host"`
	// PublicURL is the externally reachable base URL, used for QStash
	// callback targets and webhook self-references.
	PublicURL string `yaml:"public_url"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection. Redis backs SNS message
// dedupe, the send rate limiter and the scheduler lock; everything degrades
// gracefully without it.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AWSConfig holds shared AWS credentials and region
type AWSConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Profile   string `yaml:"profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetProfile returns the AWS profile, with environment variable override
func (c AWSConfig) GetProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.Profile
}

// SESConfig holds SES sending and receiving settings
type SESConfig struct {
	// ConfigurationSet is the account-level default configuration set;
	// per-tenant sets are derived from it.
	ConfigurationSet string `yaml:"configuration_set"`
	// ReceiptRuleSet is the active SES receipt rule set inbound domains
	// are registered under.
	ReceiptRuleSet string `yaml:"receipt_rule_set"`
	// EventTopicARN receives bounce/complaint/delivery events for sent mail.
	EventTopicARN string `yaml:"event_topic_arn"`
	// ReceiptTopicARN receives inbound mail notifications.
	ReceiptTopicARN string `yaml:"receipt_topic_arn"`
	// AlarmTopicARN is the SNS topic CloudWatch reputation alarms publish to.
	AlarmTopicARN  string `yaml:"alarm_topic_arn"`
	TenantsEnabled bool   `yaml:"tenants_enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AllowedTopicARNs returns the SNS topics the inbound receivers accept.
func (c SESConfig) AllowedTopicARNs() []string {
	var arns []string
	for _, a := range []string{c.EventTopicARN, c.ReceiptTopicARN, c.AlarmTopicARN} {
		if a != "" {
			arns = append(arns, a)
		}
	}
	return arns
}

// DNSConfig controls Route53 auto-provisioning of domain records
type DNSConfig struct {
	AutoProvision bool `yaml:"auto_provision"`
}

// StorageConfig holds raw-email and snapshot storage configuration
type StorageConfig struct {
	Type          string `yaml:"type"` // "aws" or "local"
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// DeliveryConfig holds endpoint delivery settings
type DeliveryConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxPayloadBytes caps the serialized webhook payload; oversized
	// payloads are trimmed (attachments first, then headers, then bodies).
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// MaxAttachmentMB caps total attachment size accepted on outbound sends.
	MaxAttachmentMB int `yaml:"max_attachment_mb"`
	// ForwardFrom is the verified sender used for email-forward endpoints.
	ForwardFrom string `yaml:"forward_from"`
	UserAgent   string `yaml:"user_agent"`
}

// Timeout returns the configured timeout as a duration
func (c DeliveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QStashConfig holds Upstash QStash settings for scheduled sends
type QStashConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BaseURL           string `yaml:"base_url"`
	Token             string `yaml:"token"`
	CurrentSigningKey string `yaml:"current_signing_key"`
	NextSigningKey    string `yaml:"next_signing_key"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c QStashConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SvixConfig holds Svix account-event webhook settings
type SvixConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SvixConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SlackConfig holds admin alerting settings
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// ReputationConfig holds tenant health monitoring settings
type ReputationConfig struct {
	Enabled         bool            `yaml:"enabled"`
	IntervalMinutes int             `yaml:"interval_minutes"`
	WindowHours     int             `yaml:"window_hours"`
	Thresholds      ThresholdConfig `yaml:"thresholds"`
}

// Interval returns the collector poll interval as a duration
func (c ReputationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Window returns the metric lookback window as a duration
func (c ReputationConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// ThresholdConfig holds reputation threshold configuration.
// Rates are fractions (0.05 = 5%).
type ThresholdConfig struct {
	BounceRateWarning     float64 `yaml:"bounce_rate_warning"`
	BounceRateCritical    float64 `yaml:"bounce_rate_critical"`
	ComplaintRateWarning  float64 `yaml:"complaint_rate_warning"`
	ComplaintRateCritical float64 `yaml:"complaint_rate_critical"`
}

// SchedulerConfig holds the scheduled-send safety net poller settings
// and data retention for event and delivery history.
type SchedulerConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	OverdueGraceSeconds int `yaml:"overdue_grace_seconds"`
	RetentionDays       int `yaml:"retention_days"`
}

// Interval returns the poll interval as a duration
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// OverdueGrace returns how long past scheduled_at an email must be before
// the poller claims it (QStash normally dispatches first).
func (c SchedulerConfig) OverdueGrace() time.Duration {
	return time.Duration(c.OverdueGraceSeconds) * time.Second
}

// Retention returns how long event and delivery rows are kept.
func (c SchedulerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RateLimitConfig holds per-user send rate limits (requires Redis)
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	PerSecond int  `yaml:"per_second"`
	PerMinute int  `yaml:"per_minute"`
	PerDay    int  `yaml:"per_day"`
}

// AuthConfig holds API key authentication settings
type AuthConfig struct {
	// BootstrapKey, when set and no users exist, seeds a root user with
	// this API key on first start.
	BootstrapKey   string `yaml:"bootstrap_key"`
	BootstrapEmail string `yaml:"bootstrap_email"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 3
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-2"
	}
	if cfg.SES.ConfigurationSet == "" {
		cfg.SES.ConfigurationSet = "inbound-default"
	}
	if cfg.SES.ReceiptRuleSet == "" {
		cfg.SES.ReceiptRuleSet = "inbound-receipt"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.S3Prefix == "" {
		cfg.Storage.S3Prefix = "emails"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = cfg.AWS.Region
	}
	if cfg.Delivery.TimeoutSeconds == 0 {
		cfg.Delivery.TimeoutSeconds = 30
	}
	if cfg.Delivery.MaxPayloadBytes == 0 {
		cfg.Delivery.MaxPayloadBytes = 1 << 20 // ~1MB webhook payload cap
	}
	if cfg.Delivery.MaxAttachmentMB == 0 {
		cfg.Delivery.MaxAttachmentMB = 10
	}
	if cfg.Delivery.UserAgent == "" {
		cfg.Delivery.UserAgent = "InboundEmail-Webhook/1.0"
	}
	if cfg.QStash.BaseURL == "" {
		cfg.QStash.BaseURL = "https://qstash.upstash.io"
	}
	if cfg.QStash.TimeoutSeconds == 0 {
		cfg.QStash.TimeoutSeconds = 15
	}
	if cfg.Svix.BaseURL == "" {
		cfg.Svix.BaseURL = "https://api.svix.com"
	}
	if cfg.Svix.TimeoutSeconds == 0 {
		cfg.Svix.TimeoutSeconds = 15
	}
	if cfg.Reputation.IntervalMinutes == 0 {
		cfg.Reputation.IntervalMinutes = 15
	}
	if cfg.Reputation.WindowHours == 0 {
		cfg.Reputation.WindowHours = 24
	}
	// SES reference thresholds: account review at 5%/0.1%, pause before
	// AWS does it for us at 10%/0.5%.
	if cfg.Reputation.Thresholds.BounceRateWarning == 0 {
		cfg.Reputation.Thresholds.BounceRateWarning = 0.05
	}
	if cfg.Reputation.Thresholds.BounceRateCritical == 0 {
		cfg.Reputation.Thresholds.BounceRateCritical = 0.10
	}
	if cfg.Reputation.Thresholds.ComplaintRateWarning == 0 {
		cfg.Reputation.Thresholds.ComplaintRateWarning = 0.001
	}
	if cfg.Reputation.Thresholds.ComplaintRateCritical == 0 {
		cfg.Reputation.Thresholds.ComplaintRateCritical = 0.005
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 30
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Scheduler.OverdueGraceSeconds == 0 {
		cfg.Scheduler.OverdueGraceSeconds = 120
	}
	if cfg.Scheduler.RetentionDays == 0 {
		cfg.Scheduler.RetentionDays = 90
	}
	if cfg.RateLimit.PerSecond == 0 {
		cfg.RateLimit.PerSecond = 10
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 300
	}
	if cfg.RateLimit.PerDay == 0 {
		cfg.RateLimit.PerDay = 50000
	}
	if cfg.Auth.BootstrapEmail == "" {
		cfg.Auth.BootstrapEmail = "admin@localhost"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. A
// missing config file is not an error: deployments that configure
// everything through the environment run without one.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		cfg = &Config{}
		applyDefaults(cfg)
	} else {
		var err error
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.AWS.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.AWS.SecretKey = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		cfg.SES.ConfigurationSet = v
	}
	if v := os.Getenv("SES_RECEIPT_RULE_SET"); v != "" {
		cfg.SES.ReceiptRuleSet = v
	}
	if v := os.Getenv("SES_EVENT_TOPIC_ARN"); v != "" {
		cfg.SES.EventTopicARN = v
	}
	if v := os.Getenv("SES_RECEIPT_TOPIC_ARN"); v != "" {
		cfg.SES.ReceiptTopicARN = v
	}
	if v := os.Getenv("SES_ALARM_TOPIC_ARN"); v != "" {
		cfg.SES.AlarmTopicARN = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.Type = "aws"
	}
	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("QSTASH_TOKEN"); v != "" {
		cfg.QStash.Token = v
		cfg.QStash.Enabled = true
	}
	if v := os.Getenv("QSTASH_URL"); v != "" {
		cfg.QStash.BaseURL = v
	}
	if v := os.Getenv("QSTASH_CURRENT_SIGNING_KEY"); v != "" {
		cfg.QStash.CurrentSigningKey = v
	}
	if v := os.Getenv("QSTASH_NEXT_SIGNING_KEY"); v != "" {
		cfg.QStash.NextSigningKey = v
	}
	if v := os.Getenv("SVIX_API_KEY"); v != "" {
		cfg.Svix.APIKey = v
		cfg.Svix.Enabled = true
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Slack.WebhookURL = v
		cfg.Slack.Enabled = true
	}
	if v := os.Getenv("FORWARD_FROM_ADDRESS"); v != "" {
		cfg.Delivery.ForwardFrom = v
	}
	if v := os.Getenv("INBOUND_BOOTSTRAP_KEY"); v != "" {
		cfg.Auth.BootstrapKey = v
	}
	if v := os.Getenv("INBOUND_BOOTSTRAP_EMAIL"); v != "" {
		cfg.Auth.BootstrapEmail = v
	}

	return cfg, nil
}
