package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/pkg/httpretry"
)

// Client is an Upstash QStash API client. Scheduled sends are published
// as delayed messages whose delivery calls back into our own API.
type Client struct {
	baseURL    string
	token      string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new QStash API client
func NewClient(cfg config.QStashConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// PublishJSON schedules a JSON message for delivery to destinationURL.
// notBefore, when non-zero, defers delivery until that instant; dedupID
// keeps a re-published schedule from producing a second message. Returns
// the QStash message ID.
func (c *Client) PublishJSON(ctx context.Context, destinationURL string, body interface{}, notBefore time.Time, dedupID string) (string, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request body: %w", err)
	}

	// QStash takes the destination verbatim after /v2/publish/
	fullURL := fmt.Sprintf("%s/v2/publish/%s", c.baseURL, destinationURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if !notBefore.IsZero() {
		req.Header.Set("Upstash-Not-Before", strconv.FormatInt(notBefore.Unix(), 10))
	}
	if dedupID != "" {
		req.Header.Set("Upstash-Deduplication-Id", dedupID)
	}

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp publishResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parsing publish response: %w", err)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("publish response missing messageId")
	}

	return resp.MessageID, nil
}

// DeleteMessage cancels a pending scheduled message. A message that has
// already been delivered or expired is gone on the QStash side, so a 404
// counts as success.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	fullURL := fmt.Sprintf("%s/v2/messages/%s", c.baseURL, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// do executes a prepared request and returns the response body
func (c *Client) do(req *http.Request) ([]byte, error) {
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
