package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Domain status constants
const (
	DomainPending  = "pending"
	DomainVerified = "verified"
	DomainFailed   = "failed"
)

// Endpoint type constants
const (
	EndpointWebhook    = "webhook"
	EndpointEmail      = "email"
	EndpointEmailGroup = "email_group"
)

// Delivery status constants
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Sent email status constants. delivered/bounced/complained are applied
// after the fact from SES event notifications.
const (
	SentQueued     = "queued"
	SentScheduled  = "scheduled"
	SentSent       = "sent"
	SentDelivered  = "delivered"
	SentBounced    = "bounced"
	SentComplained = "complained"
	SentFailed     = "failed"
	SentCanceled   = "canceled"
)

// Tenant status constants
const (
	TenantActive = "active"
	TenantPaused = "paused"
)

// Suppression reason constants
const (
	SuppressionBounce    = "bounce"
	SuppressionComplaint = "complaint"
	SuppressionManual    = "manual"
)

// JSON helper type for JSONB fields
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// StringList is a []string stored as a JSONB array
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, l)
}

// AttachmentList is []Attachment stored as a JSONB array
type AttachmentList []Attachment

func (l AttachmentList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *AttachmentList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, l)
}

// User represents an account holder
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// APIKey represents an API credential. KeyHash is the SHA-256 of the
// plaintext key; the plaintext is only ever returned at creation time.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyHint    string     `json:"key_hint" db:"key_hint"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Domain represents a sending/receiving domain
type Domain struct {
	ID                 string     `json:"id" db:"id"`
	UserID             string     `json:"user_id" db:"user_id"`
	Domain             string     `json:"domain" db:"domain"`
	Status             string     `json:"status" db:"status"`
	DKIMTokens         []string   `json:"dkim_tokens" db:"dkim_tokens"`
	MailFromDomain     string     `json:"mail_from_domain,omitempty" db:"mail_from_domain"`
	CatchAllEndpointID string     `json:"catch_all_endpoint_id,omitempty" db:"catch_all_endpoint_id"`
	DNSProvisioned     bool       `json:"dns_provisioned" db:"dns_provisioned"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty" db:"last_checked_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// EmailAddress represents an inbound address routed to an endpoint
type EmailAddress struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	DomainID   string    `json:"domain_id" db:"domain_id"`
	Address    string    `json:"address" db:"address"`
	EndpointID string    `json:"endpoint_id,omitempty" db:"endpoint_id"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Endpoint represents a delivery destination for inbound mail
type Endpoint struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Type      string    `json:"type" db:"type"`
	Config    JSON      `json:"config" db:"config"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WebhookConfig is the parsed config of a webhook endpoint
type WebhookConfig struct {
	URL            string            `json:"url"`
	Secret         string            `json:"secret,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// EmailForwardConfig is the parsed config of an email endpoint
type EmailForwardConfig struct {
	ForwardTo string `json:"forward_to"`
}

// EmailGroupConfig is the parsed config of an email_group endpoint
type EmailGroupConfig struct {
	Emails []string `json:"emails"`
}

// Attachment is parsed attachment data stored alongside a received email.
// Content is base64 and may be empty when the attachment was too large to
// inline; the raw message in blob storage always has it.
type Attachment struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type"`
	SizeBytes      int    `json:"size_bytes"`
	ContentID      string `json:"content_id,omitempty"`
	Content        string `json:"content,omitempty"`
	ContentOmitted bool   `json:"content_omitted,omitempty"`
}

// ReceivedEmail is a parsed inbound email
type ReceivedEmail struct {
	ID           string       `json:"id" db:"id"`
	UserID       string       `json:"user_id" db:"user_id"`
	DomainID     string       `json:"domain_id,omitempty" db:"domain_id"`
	Recipient    string       `json:"recipient" db:"recipient"`
	MessageID    string       `json:"message_id" db:"message_id"`
	FromText     string       `json:"from" db:"from_text"`
	FromAddress  string       `json:"from_address" db:"from_address"`
	ToAddresses  StringList   `json:"to" db:"to_addresses"`
	CcAddresses  StringList   `json:"cc,omitempty" db:"cc_addresses"`
	Subject      string       `json:"subject" db:"subject"`
	Date         *time.Time   `json:"date,omitempty" db:"date"`
	TextBody     string       `json:"text_body,omitempty" db:"text_body"`
	HTMLBody     string       `json:"html_body,omitempty" db:"html_body"`
	Headers      JSON           `json:"headers,omitempty" db:"headers"`
	Attachments  AttachmentList `json:"attachments" db:"attachments"`
	RawKey       string       `json:"-" db:"raw_key"`
	SizeBytes    int64        `json:"size_bytes" db:"size_bytes"`
	SpamVerdict  string       `json:"spam_verdict,omitempty" db:"spam_verdict"`
	VirusVerdict string       `json:"virus_verdict,omitempty" db:"virus_verdict"`
	SPFVerdict   string       `json:"spf_verdict,omitempty" db:"spf_verdict"`
	DKIMVerdict  string       `json:"dkim_verdict,omitempty" db:"dkim_verdict"`
	IsRead       bool         `json:"is_read" db:"is_read"`
	IsArchived   bool         `json:"is_archived" db:"is_archived"`
	ReceivedAt   time.Time    `json:"received_at" db:"received_at"`
}

// Delivery is one attempt to hand a received email to an endpoint
type Delivery struct {
	ID            string     `json:"id" db:"id"`
	EmailID       string     `json:"email_id" db:"email_id"`
	EndpointID    string     `json:"endpoint_id,omitempty" db:"endpoint_id"`
	DeliveryType  string     `json:"delivery_type" db:"delivery_type"`
	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	ResponseCode  int        `json:"response_code,omitempty" db:"response_code"`
	ResponseMs    int64      `json:"response_ms,omitempty" db:"response_ms"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	PayloadBytes  int64      `json:"payload_bytes,omitempty" db:"payload_bytes"`
	Truncated     bool       `json:"truncated" db:"truncated"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
}

// AttachmentInput is an attachment supplied on an outbound send
type AttachmentInput struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"` // base64
}

// SentEmail is an outbound email sent or scheduled through SES
type SentEmail struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	TenantID        string     `json:"tenant_id,omitempty" db:"tenant_id"`
	FromAddress     string     `json:"from" db:"from_address"`
	ToAddresses     StringList `json:"to" db:"to_addresses"`
	CcAddresses     StringList `json:"cc,omitempty" db:"cc_addresses"`
	BccAddresses    StringList `json:"bcc,omitempty" db:"bcc_addresses"`
	ReplyTo         StringList `json:"reply_to,omitempty" db:"reply_to"`
	Subject         string     `json:"subject" db:"subject"`
	TextBody        string     `json:"text,omitempty" db:"text_body"`
	HTMLBody        string     `json:"html,omitempty" db:"html_body"`
	Headers         JSON       `json:"headers,omitempty" db:"headers"`
	AttachmentMeta  JSON       `json:"-" db:"attachment_meta"`
	Status          string     `json:"status" db:"status"`
	SESMessageID    string     `json:"ses_message_id,omitempty" db:"ses_message_id"`
	IdempotencyKey  string     `json:"-" db:"idempotency_key"`
	QStashMessageID string     `json:"-" db:"qstash_message_id"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt          *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	Attempts        int        `json:"attempts" db:"attempts"`
	FailureReason   string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Tenant is a per-user SES tenant with its own reputation surface
type Tenant struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Name             string     `json:"name" db:"name"`
	SESTenantName    string     `json:"ses_tenant_name" db:"ses_tenant_name"`
	ConfigurationSet string     `json:"configuration_set" db:"configuration_set"`
	Status           string     `json:"status" db:"status"`
	PauseReason      string     `json:"pause_reason,omitempty" db:"pause_reason"`
	PausedAt         *time.Time `json:"paused_at,omitempty" db:"paused_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Suppression blocks sends to an address that bounced or complained
type Suppression struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Email     string    `json:"email" db:"email"`
	Reason    string    `json:"reason" db:"reason"`
	Source    string    `json:"source,omitempty" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EmailEvent is an account-level event recorded and relayed to Svix
type EmailEvent struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	EventType     string    `json:"event_type" db:"event_type"`
	Payload       JSON      `json:"payload" db:"payload"`
	SvixMessageID string    `json:"svix_message_id,omitempty" db:"svix_message_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
