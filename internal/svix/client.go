package svix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/pkg/httpretry"
)

// Client is a Svix API client. Account-level events (email.sent,
// email.bounced, tenant.paused, ...) are fanned out to user-registered
// webhooks through Svix rather than our own delivery pipeline.
type Client struct {
	enabled    bool
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new Svix API client
func NewClient(cfg config.SvixConfig) *Client {
	return &Client{
		enabled: cfg.Enabled && cfg.APIKey != "",
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// Enabled reports whether event dispatch is configured
func (c *Client) Enabled() bool {
	return c.enabled
}

// Application is a Svix application, one per user account
type Application struct {
	ID   string `json:"id"`
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Message is a dispatched Svix message
type Message struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
}

// EnsureApplication creates the per-user application, or returns the
// existing one when the uid is already registered.
func (c *Client) EnsureApplication(ctx context.Context, uid, name string) (*Application, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v1/app/?get_if_exists=true", map[string]string{
		"uid":  uid,
		"name": name,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring application for %s: %w", uid, err)
	}

	var app Application
	if err := json.Unmarshal(body, &app); err != nil {
		return nil, fmt.Errorf("parsing application response: %w", err)
	}

	return &app, nil
}

// CreateMessage dispatches an event to every endpoint subscribed to the
// application.
func (c *Client) CreateMessage(ctx context.Context, appID, eventType string, payload interface{}) (*Message, error) {
	path := fmt.Sprintf("/api/v1/app/%s/msg/", appID)
	body, err := c.doRequest(ctx, http.MethodPost, path, map[string]interface{}{
		"eventType": eventType,
		"payload":   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s message: %w", eventType, err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("parsing message response: %w", err)
	}

	return &msg, nil
}

// doRequest makes an HTTP request to the Svix API with Bearer auth
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	fullURL := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
