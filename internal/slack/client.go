package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/pkg/httpretry"
)

// Client posts admin alerts to a Slack incoming webhook. When alerting
// is disabled the client logs instead of posting, so callers never have
// to branch on configuration.
type Client struct {
	enabled    bool
	webhookURL string
	channel    string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new Slack webhook client
func NewClient(cfg config.SlackConfig) *Client {
	return &Client{
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: 10 * time.Second,
		}, 3),
	}
}

// Alert is a tenant health notification
type Alert struct {
	Severity  string
	Tenant    string
	Metric    string
	Value     float64
	Threshold float64
	Reason    string
}

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Color  string  `json:"color,omitempty"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text,omitempty"`
	Fields []field `json:"fields,omitempty"`
	Ts     int64   `json:"ts,omitempty"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// Post sends a plain text message
func (c *Client) Post(ctx context.Context, text string) error {
	return c.send(ctx, message{Channel: c.channel, Text: text})
}

// PostAlarm sends a formatted tenant alert with severity color coding
func (c *Client) PostAlarm(ctx context.Context, a Alert) error {
	msg := message{
		Channel: c.channel,
		Text:    fmt.Sprintf("%s: tenant %s", strings.ToUpper(a.Severity), a.Tenant),
		Attachments: []attachment{
			{
				Color: severityColor(a.Severity),
				Title: a.Metric,
				Text:  a.Reason,
				Fields: []field{
					{Title: "Tenant", Value: a.Tenant, Short: true},
					{Title: "Metric", Value: a.Metric, Short: true},
					{Title: "Value", Value: fmt.Sprintf("%.4g", a.Value), Short: true},
					{Title: "Threshold", Value: fmt.Sprintf("%.4g", a.Threshold), Short: true},
				},
				Ts: time.Now().Unix(),
			},
		},
	}
	return c.send(ctx, msg)
}

func (c *Client) send(ctx context.Context, msg message) error {
	if !c.enabled {
		log.Printf("[Slack] Alerting disabled, skipping: %s", msg.Text)
		return nil
	}

	jsonBody, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func severityColor(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	case "ok", "recovered", "healthy":
		return "good"
	default:
		return ""
	}
}
