package outbound

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Post-send risk evaluation thresholds. Sends below riskMinSends are
// too few for the ratios to mean anything.
const (
	riskWindow             = 24 * time.Hour
	riskMinSends           = 20
	riskBounceThreshold    = 0.05
	riskComplaintThreshold = 0.001
	riskAlertCooldown      = time.Hour
)

// evaluateRiskAsync recomputes a user's recent bounce and complaint
// ratios off the request path after every successful send.
func (s *Sender) evaluateRiskAsync(userID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.evaluateRisk(ctx, userID)
	}()
}

func (s *Sender) evaluateRisk(ctx context.Context, userID string) {
	since := time.Now().Add(-riskWindow)

	sent, err := s.store.CountSentSince(ctx, userID, since)
	if err != nil {
		log.Printf("[Outbound] Warning: risk evaluation send count for %s: %v", userID, err)
		return
	}
	if sent < riskMinSends {
		return
	}

	bounces, complaints, err := s.store.CountSentOutcomesSince(ctx, userID, since)
	if err != nil {
		log.Printf("[Outbound] Warning: risk evaluation outcomes for %s: %v", userID, err)
		return
	}

	bounceRate := float64(bounces) / float64(sent)
	complaintRate := float64(complaints) / float64(sent)
	if bounceRate < riskBounceThreshold && complaintRate < riskComplaintThreshold {
		return
	}

	msg := fmt.Sprintf("Sending risk for user %s: bounce rate %.2f%%, complaint rate %.3f%% over %d sends in the last 24h",
		userID, bounceRate*100, complaintRate*100, sent)
	log.Printf("[Outbound] Warning: %s", msg)

	if !s.shouldAlert(userID) {
		return
	}
	if err := s.slack.Post(ctx, msg); err != nil {
		log.Printf("[Outbound] Warning: posting risk alert: %v", err)
	}
}

// shouldAlert rate-limits Slack noise to one alert per user per cooldown
func (s *Sender) shouldAlert(userID string) bool {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	if time.Since(s.lastAlert[userID]) < riskAlertCooldown {
		return false
	}
	s.lastAlert[userID] = time.Now()
	return true
}
