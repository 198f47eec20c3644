// Package ses wraps the AWS SES v2 API for sending, identity management
// and tenant isolation, plus the classic SES API for inbound receipt rules.
package ses

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv1 "github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	appconfig "github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/pkg/redact"
)

// API is the subset of the SES v2 client used here, extracted so tests can
// substitute a mock.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	CreateEmailIdentity(ctx context.Context, params *sesv2.CreateEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailIdentityOutput, error)
	GetEmailIdentity(ctx context.Context, params *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
	DeleteEmailIdentity(ctx context.Context, params *sesv2.DeleteEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteEmailIdentityOutput, error)
	PutEmailIdentityMailFromAttributes(ctx context.Context, params *sesv2.PutEmailIdentityMailFromAttributesInput, optFns ...func(*sesv2.Options)) (*sesv2.PutEmailIdentityMailFromAttributesOutput, error)
	PutEmailIdentityConfigurationSetAttributes(ctx context.Context, params *sesv2.PutEmailIdentityConfigurationSetAttributesInput, optFns ...func(*sesv2.Options)) (*sesv2.PutEmailIdentityConfigurationSetAttributesOutput, error)
	CreateConfigurationSet(ctx context.Context, params *sesv2.CreateConfigurationSetInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateConfigurationSetOutput, error)
	CreateConfigurationSetEventDestination(ctx context.Context, params *sesv2.CreateConfigurationSetEventDestinationInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateConfigurationSetEventDestinationOutput, error)
	PutConfigurationSetSendingOptions(ctx context.Context, params *sesv2.PutConfigurationSetSendingOptionsInput, optFns ...func(*sesv2.Options)) (*sesv2.PutConfigurationSetSendingOptionsOutput, error)
	DeleteConfigurationSet(ctx context.Context, params *sesv2.DeleteConfigurationSetInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteConfigurationSetOutput, error)
	CreateTenant(ctx context.Context, params *sesv2.CreateTenantInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateTenantOutput, error)
	CreateTenantResourceAssociation(ctx context.Context, params *sesv2.CreateTenantResourceAssociationInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateTenantResourceAssociationOutput, error)
	DeleteTenant(ctx context.Context, params *sesv2.DeleteTenantInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteTenantOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	PutAccountSendingAttributes(ctx context.Context, params *sesv2.PutAccountSendingAttributesInput, optFns ...func(*sesv2.Options)) (*sesv2.PutAccountSendingAttributesOutput, error)
}

// ReceiptAPI is the subset of the classic SES API used for receipt rules
// (receiving has no v2 equivalent).
type ReceiptAPI interface {
	DescribeReceiptRuleSet(ctx context.Context, params *sesv1.DescribeReceiptRuleSetInput, optFns ...func(*sesv1.Options)) (*sesv1.DescribeReceiptRuleSetOutput, error)
	CreateReceiptRuleSet(ctx context.Context, params *sesv1.CreateReceiptRuleSetInput, optFns ...func(*sesv1.Options)) (*sesv1.CreateReceiptRuleSetOutput, error)
	SetActiveReceiptRuleSet(ctx context.Context, params *sesv1.SetActiveReceiptRuleSetInput, optFns ...func(*sesv1.Options)) (*sesv1.SetActiveReceiptRuleSetOutput, error)
	CreateReceiptRule(ctx context.Context, params *sesv1.CreateReceiptRuleInput, optFns ...func(*sesv1.Options)) (*sesv1.CreateReceiptRuleOutput, error)
	DeleteReceiptRule(ctx context.Context, params *sesv1.DeleteReceiptRuleInput, optFns ...func(*sesv1.Options)) (*sesv1.DeleteReceiptRuleOutput, error)
}

// Client wraps SES operations behind the configured region and credentials.
type Client struct {
	api       API
	receipt   ReceiptAPI
	sts       STSAPI
	region    string
	accountMu sync.Mutex
	accountID string
	cfg       appconfig.SESConfig
}

// NewClient creates an SES client. Static credentials are used when
// configured; otherwise the default chain (IAM role on ECS) applies.
func NewClient(ctx context.Context, awsCfg appconfig.AWSConfig, sesCfg appconfig.SESConfig) (*Client, error) {
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

	return &Client{
		api:     sesv2.NewFromConfig(cfg),
		receipt: sesv1.NewFromConfig(cfg),
		sts:     sts.NewFromConfig(cfg),
		region:  awsCfg.Region,
		cfg:     sesCfg,
	}, nil
}

// NewClientWithAPI wires explicit API implementations, for tests.
func NewClientWithAPI(api API, receipt ReceiptAPI, region string, sesCfg appconfig.SESConfig) *Client {
	return &Client{api: api, receipt: receipt, region: region, cfg: sesCfg}
}

// Region returns the configured AWS region
func (c *Client) Region() string {
	return c.region
}

// OutboundMessage is a fully resolved email ready for SES
type OutboundMessage struct {
	From             string
	To               []string
	Cc               []string
	Bcc              []string
	ReplyTo          []string
	Subject          string
	Text             string
	HTML             string
	Headers          map[string]string
	InReplyTo        string
	References       []string
	Attachments      []Attachment
	ConfigurationSet string
	TenantName       string
	Tags             map[string]string
}

// Attachment is a decoded outbound attachment
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	ContentID   string
}

// needsRaw reports whether the message requires raw MIME assembly. Simple
// content cannot carry attachments, custom headers or threading headers.
func (m *OutboundMessage) needsRaw() bool {
	return len(m.Attachments) > 0 || len(m.Headers) > 0 || m.InReplyTo != "" || len(m.References) > 0
}

// SendResult carries the SES message id of an accepted send
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Send delivers a message through SES, choosing simple or raw content as
// the message requires.
func (c *Client) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
	}
	if len(msg.ReplyTo) > 0 {
		input.ReplyToAddresses = msg.ReplyTo
	}
	if msg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(msg.ConfigurationSet)
	}
	if c.cfg.TenantsEnabled && msg.TenantName != "" {
		input.TenantName = aws.String(msg.TenantName)
	}
	for name, value := range msg.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	if msg.needsRaw() {
		raw, err := BuildRawMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("building raw message: %w", err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		body := &types.Body{}
		if msg.HTML != "" {
			body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
		}
		if msg.Text != "" {
			body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
		}
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		}
	}

	result, err := c.api.SendEmail(ctx, input)
	if err != nil {
		return nil, err
	}

	messageID := aws.ToString(result.MessageId)
	if len(msg.To) > 0 {
		log.Printf("[SES] Sent to %s (id: %s)", redact.Email(msg.To[0]), messageID)
	}
	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// AccountHealth summarizes account-level sending state
type AccountHealth struct {
	SendingEnabled bool    `json:"sending_enabled"`
	Max24HourSend  float64 `json:"max_24_hour_send"`
	SentLast24h    float64 `json:"sent_last_24_hours"`
	MaxSendRate    float64 `json:"max_send_rate"`
	InSandbox      bool    `json:"in_sandbox"`
}

// GetAccountHealth fetches account sending status and quota
func (c *Client) GetAccountHealth(ctx context.Context) (*AccountHealth, error) {
	out, err := c.api.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, fmt.Errorf("getting account info: %w", err)
	}

	health := &AccountHealth{
		SendingEnabled: out.SendingEnabled,
		InSandbox:      !out.ProductionAccessEnabled,
	}
	if out.SendQuota != nil {
		health.Max24HourSend = out.SendQuota.Max24HourSend
		health.SentLast24h = out.SendQuota.SentLast24Hours
		health.MaxSendRate = out.SendQuota.MaxSendRate
	}
	return health, nil
}

// SetAccountSending toggles sending for the whole account. Used as the
// pause lever when tenant isolation is disabled.
func (c *Client) SetAccountSending(ctx context.Context, enabled bool) error {
	_, err := c.api.PutAccountSendingAttributes(ctx, &sesv2.PutAccountSendingAttributesInput{
		SendingEnabled: enabled,
	})
	return err
}
