package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
)

// QStashSendEmail is the receiver QStash calls when a scheduled email
// comes due. The response drives QStash's retry machinery: 2xx settles
// the message, 5xx schedules another attempt. Anything that should not
// be retried must answer 2xx even when nothing was sent.
func (h *Handlers) QStashSendEmail(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.BadRequest(w, "reading request body")
		return
	}

	if h.verifier == nil {
		httputil.Unauthorized(w, "scheduled sending is not configured")
		return
	}
	receiver := h.cfg.Server.PublicURL + outbound.SendCallbackPath
	if err := h.verifier.Verify(r.Header.Get("Upstash-Signature"), body, receiver); err != nil {
		log.Printf("[API] Rejected QStash callback: %v", err)
		httputil.Unauthorized(w, "invalid signature")
		return
	}

	var payload outbound.DispatchPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.EmailID == "" {
		httputil.BadRequest(w, "emailId is required")
		return
	}

	sent, err := h.sender.SendScheduled(r.Context(), payload.EmailID)
	if err != nil {
		// 5xx makes QStash retry with backoff
		httputil.InternalError(w, fmt.Errorf("sending scheduled email %s: %w", payload.EmailID, err))
		return
	}
	if !sent {
		// Canceled, already sent, or unknown: settle the message
		httputil.OK(w, map[string]interface{}{"skipped": true})
		return
	}
	httputil.OK(w, map[string]interface{}{"status": "sent", "id": payload.EmailID})
}
