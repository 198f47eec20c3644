// Package inbound turns SES receipt notifications into stored, parsed
// emails and hands them to the configured endpoints.
package inbound

import (
	"encoding/json"
	"fmt"
	"time"
)

// SNSEnvelope is the outer SNS message wrapper. Message carries the SES
// notification as a JSON string.
type SNSEnvelope struct {
	Type             string `json:"Type"`
	MessageId        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SubscribeURL     string `json:"SubscribeURL"`
	UnsubscribeURL   string `json:"UnsubscribeURL"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SignatureVersion string `json:"SignatureVersion"`
}

// Verdict is one SES scan result; status is PASS, FAIL, GRAY or
// PROCESSING_FAILED.
type Verdict struct {
	Status string `json:"status"`
}

// ReceiptAction describes where SES put the message
type ReceiptAction struct {
	Type            string `json:"type"`
	TopicArn        string `json:"topicArn,omitempty"`
	BucketName      string `json:"bucketName,omitempty"`
	ObjectKeyPrefix string `json:"objectKeyPrefix,omitempty"`
	ObjectKey       string `json:"objectKey,omitempty"`
	Encoding        string `json:"encoding,omitempty"`
}

// Receipt carries SES's processing result for one inbound message
type Receipt struct {
	Timestamp            time.Time     `json:"timestamp"`
	ProcessingTimeMillis int64         `json:"processingTimeMillis"`
	Recipients           []string      `json:"recipients"`
	SpamVerdict          Verdict       `json:"spamVerdict"`
	VirusVerdict         Verdict       `json:"virusVerdict"`
	SPFVerdict           Verdict       `json:"spfVerdict"`
	DKIMVerdict          Verdict       `json:"dkimVerdict"`
	DMARCVerdict         Verdict       `json:"dmarcVerdict"`
	Action               ReceiptAction `json:"action"`
}

// MailHeader is one raw header from the notification
type MailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CommonHeaders are the headers SES pre-parses
type CommonHeaders struct {
	ReturnPath string   `json:"returnPath"`
	From       []string `json:"from"`
	Date       string   `json:"date"`
	To         []string `json:"to"`
	Cc         []string `json:"cc"`
	MessageID  string   `json:"messageId"`
	Subject    string   `json:"subject"`
}

// Mail describes the message as SES saw it on the wire
type Mail struct {
	Timestamp        time.Time     `json:"timestamp"`
	Source           string        `json:"source"`
	MessageID        string        `json:"messageId"`
	Destination      []string      `json:"destination"`
	HeadersTruncated bool          `json:"headersTruncated"`
	Headers          []MailHeader  `json:"headers"`
	CommonHeaders    CommonHeaders `json:"commonHeaders"`
}

// ReceiptNotification is the SES "Received" notification published to the
// receipt topic. Content is only set for SNS-action rules, which inline the
// raw message (base64 when encoding says so).
type ReceiptNotification struct {
	NotificationType string  `json:"notificationType"`
	Mail             Mail    `json:"mail"`
	Receipt          Receipt `json:"receipt"`
	Content          string  `json:"content,omitempty"`
}

// ParseReceiptNotification decodes the inner SNS message and rejects
// non-receipt notification types.
func ParseReceiptNotification(message string) (*ReceiptNotification, error) {
	var n ReceiptNotification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		return nil, fmt.Errorf("parsing receipt notification: %w", err)
	}
	if n.NotificationType != "Received" {
		return nil, fmt.Errorf("unexpected notification type %q", n.NotificationType)
	}
	return &n, nil
}
