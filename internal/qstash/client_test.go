package qstash

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/config"
)

func newTestClient(server *httptest.Server) *Client {
	return &Client{
		baseURL: server.URL,
		token:   "test-token",
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func TestNewClient(t *testing.T) {
	cfg := config.QStashConfig{
		BaseURL:        "https://qstash.upstash.io",
		Token:          "tok",
		TimeoutSeconds: 30,
	}

	client := NewClient(cfg)

	assert.NotNil(t, client)
	assert.Equal(t, "https://qstash.upstash.io", client.baseURL)
	assert.Equal(t, "tok", client.token)
}

func TestPublishJSONScheduled(t *testing.T) {
	notBefore := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/publish/https://app.example.com/api/v2/webhooks/qstash/send-email", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "1788264000", r.Header.Get("Upstash-Not-Before"))
		assert.Equal(t, "em_abc123", r.Header.Get("Upstash-Deduplication-Id"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "em_abc123", payload["emailId"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(publishResponse{MessageID: "msg_42"})
	}))
	defer server.Close()

	client := newTestClient(server)

	id, err := client.PublishJSON(context.Background(),
		"https://app.example.com/api/v2/webhooks/qstash/send-email",
		map[string]string{"emailId": "em_abc123"},
		notBefore, "em_abc123")
	require.NoError(t, err)
	assert.Equal(t, "msg_42", id)
}

func TestPublishJSONImmediate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no delay requested, header must be absent
		_, present := r.Header["Upstash-Not-Before"]
		assert.False(t, present)

		json.NewEncoder(w).Encode(publishResponse{MessageID: "msg_now"})
	}))
	defer server.Close()

	client := newTestClient(server)

	id, err := client.PublishJSON(context.Background(),
		"https://app.example.com/callback",
		map[string]string{"emailId": "em_1"},
		time.Time{}, "")
	require.NoError(t, err)
	assert.Equal(t, "msg_now", id)
}

func TestPublishJSONAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid token"}`))
	}))
	defer server.Close()

	client := newTestClient(server)

	_, err := client.PublishJSON(context.Background(),
		"https://app.example.com/callback", map[string]string{}, time.Time{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (status 401)")
}

func TestPublishJSONMissingMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server)

	_, err := client.PublishJSON(context.Background(),
		"https://app.example.com/callback", map[string]string{}, time.Time{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing messageId")
}

func TestDeleteMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v2/messages/msg_42", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server)

	require.NoError(t, client.DeleteMessage(context.Background(), "msg_42"))
}

func TestDeleteMessageAlreadyGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server)

	// delivered or expired messages are already deleted upstream
	require.NoError(t, client.DeleteMessage(context.Background(), "msg_gone"))
}

func TestDeleteMessageAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server)

	err := client.DeleteMessage(context.Background(), "msg_42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (status 500)")
}
