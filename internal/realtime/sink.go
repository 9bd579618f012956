package realtime

import (
	"time"

	"github.com/fintrack/sentinel/internal/challenge"
	"github.com/fintrack/sentinel/internal/trust"
)

// Sink adapts the hub to the evaluator's event callbacks. Publishes are
// non-blocking; a full broadcast channel drops the event.
type Sink struct {
	hub *Hub
}

// NewSink wraps a hub in an event sink.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

// TierChanged publishes a tier transition for a session.
func (s *Sink) TierChanged(ts *trust.TrustScore, tr trust.TierTransition) {
	s.hub.Broadcast(&Event{
		Type:      EventTierChanged,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sessionId": ts.SessionID,
			"userId":    ts.UserID,
			"from":      string(tr.From),
			"to":        string(tr.To),
			"score":     tr.Score,
			"reason":    tr.Reason,
		},
	})
}

// ChallengeIssued publishes a newly issued challenge.
func (s *Sink) ChallengeIssued(c *challenge.Challenge) {
	s.hub.Broadcast(&Event{
		Type:      EventChallengeIssued,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"challengeId": c.ID,
			"sessionId":   c.SessionID,
			"userId":      c.UserID,
			"type":        string(c.Type),
			"trigger":     string(c.Trigger),
			"expiresAt":   c.ExpiresAt,
		},
	})
}

// SessionTerminated publishes a termination.
func (s *Sink) SessionTerminated(sessionID, reason string) {
	s.hub.Broadcast(&Event{
		Type:      EventSessionTerminated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sessionId": sessionID,
			"reason":    reason,
		},
	})
}
