package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the MCP tool handlers backed by the trust engine API.
type Handlers struct {
	client *SentinelClient
}

// NewHandlers creates tool handlers using the given client.
func NewHandlers(client *SentinelClient) *Handlers {
	return &Handlers{client: client}
}

func (h *Handlers) HandleGetSessionTrust(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSessionTrust(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session trust: %v", err)), nil
	}

	var resp struct {
		Trust struct {
			SessionID  string             `json:"sessionId"`
			UserID     string             `json:"userId"`
			Composite  float64            `json:"composite"`
			Tier       string             `json:"tier"`
			Confidence string             `json:"confidence"`
			Components map[string]float64 `json:"components"`
			Transitions []struct {
				From      string    `json:"from"`
				To        string    `json:"to"`
				Reason    string    `json:"reason"`
				Score     float64   `json:"score"`
				Timestamp time.Time `json:"timestamp"`
			} `json:"tierTransitions"`
			ActiveChallengeID string    `json:"activeChallengeId"`
			SignalsEvaluated  int       `json:"signalsEvaluated"`
			NextScoringAt     time.Time `json:"nextScoringAt"`
			TerminationReason string    `json:"terminationReason"`
		} `json:"trust"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	t := resp.Trust
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s (user %s)\n", t.SessionID, t.UserID)
	fmt.Fprintf(&sb, "Composite: %.1f  Tier: %s  Confidence: %s\n", t.Composite, t.Tier, t.Confidence)
	if t.ActiveChallengeID != "" {
		fmt.Fprintf(&sb, "Active challenge: %s\n", t.ActiveChallengeID)
	}
	if t.TerminationReason != "" {
		fmt.Fprintf(&sb, "Terminated: %s\n", t.TerminationReason)
	}
	fmt.Fprintf(&sb, "Signals evaluated: %d  Next scoring: %s\n", t.SignalsEvaluated, t.NextScoringAt.Format(time.RFC3339))
	sb.WriteString("Components:\n")
	for _, name := range []string{"endpointSensitivity", "requestCadence", "geoContext", "userAgent", "tokenAge", "privilege", "reauthHistory", "threat"} {
		if v, ok := t.Components[name]; ok {
			fmt.Fprintf(&sb, "  %-20s %.1f\n", name, v)
		}
	}
	if len(t.Transitions) > 0 {
		sb.WriteString("Recent tier transitions:\n")
		start := 0
		if len(t.Transitions) > 5 {
			start = len(t.Transitions) - 5
		}
		for _, tr := range t.Transitions[start:] {
			fmt.Fprintf(&sb, "  %s  %s -> %s (%.1f, %s)\n",
				tr.Timestamp.Format(time.RFC3339), tr.From, tr.To, tr.Score, tr.Reason)
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleListSessionSignals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSessionSignals(ctx, sessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list signals: %v", err)), nil
	}

	var resp struct {
		Signals []struct {
			ID            string    `json:"id"`
			Type          string    `json:"type"`
			Severity      string    `json:"severity"`
			TrustImpact   float64   `json:"trustImpact"`
			Confidence    float64   `json:"confidence"`
			FalsePositive bool      `json:"falsePositive"`
			CreatedAt     time.Time `json:"createdAt"`
		} `json:"signals"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	if resp.Count == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No signals recorded for session %s.", sessionID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d signal(s) for session %s:\n", resp.Count, sessionID)
	for _, s := range resp.Signals {
		fp := ""
		if s.FalsePositive {
			fp = "  [false positive]"
		}
		fmt.Fprintf(&sb, "  %s  %s/%s  impact=%.1f conf=%.2f  %s%s\n",
			s.ID, s.Type, s.Severity, s.TrustImpact, s.Confidence,
			s.CreatedAt.Format(time.RFC3339), fp)
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleListSessionChallenges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.ListSessionChallenges(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list challenges: %v", err)), nil
	}

	var resp struct {
		Challenges []struct {
			ID        string    `json:"id"`
			Type      string    `json:"type"`
			Strength  string    `json:"strength"`
			Status    string    `json:"status"`
			Trigger   string    `json:"trigger"`
			Reason    string    `json:"reason"`
			IssuedAt  time.Time `json:"issuedAt"`
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"challenges"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	if resp.Count == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No challenges issued for session %s.", sessionID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d challenge(s) for session %s:\n", resp.Count, sessionID)
	for _, c := range resp.Challenges {
		fmt.Fprintf(&sb, "  %s  %s (%s)  status=%s  trigger=%s  issued=%s\n",
			c.ID, c.Type, c.Strength, c.Status, c.Trigger, c.IssuedAt.Format(time.RFC3339))
		if c.Reason != "" {
			fmt.Fprintf(&sb, "    reason: %s\n", c.Reason)
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleMarkFalsePositive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signalID := req.GetString("signal_id", "")
	if signalID == "" {
		return mcp.NewToolResultError("signal_id is required"), nil
	}

	if _, err := h.client.MarkFalsePositive(ctx, signalID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to mark false positive: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Signal %s marked as a false positive. It is excluded from future scoring passes.", signalID)), nil
}

func (h *Handlers) HandleGetUserPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetUserPolicy(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get policy: %v", err)), nil
	}

	var resp struct {
		Policy struct {
			UserID     string `json:"userId"`
			Boundaries struct {
				Normal     float64 `json:"normal"`
				Monitored  float64 `json:"monitored"`
				Challenged float64 `json:"challenged"`
			} `json:"boundaries"`
			Baseline struct {
				TypicalCountries     []string `json:"typicalCountries"`
				AvgRequestsPerMinute float64  `json:"avgRequestsPerMinute"`
				SampleCount          int      `json:"sampleCount"`
			} `json:"baseline"`
			FalsePositives struct {
				Count        int `json:"count"`
				SignalsTotal int `json:"signalsTotal"`
			} `json:"falsePositives"`
			AutoAdjust struct {
				Enabled    bool   `json:"enabled"`
				LastAction string `json:"lastAction"`
			} `json:"autoAdjust"`
			Exceptions []struct {
				ID         string    `json:"id"`
				Component  string    `json:"component"`
				Factor     float64   `json:"factor"`
				Reason     string    `json:"reason"`
				ValidUntil time.Time `json:"validUntil"`
			} `json:"exceptions"`
			UpdatedAt time.Time `json:"updatedAt"`
		} `json:"policy"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	p := resp.Policy
	var sb strings.Builder
	fmt.Fprintf(&sb, "Policy for user %s (updated %s)\n", p.UserID, p.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Tier boundaries: normal>=%.0f monitored>=%.0f challenged>=%.0f\n",
		p.Boundaries.Normal, p.Boundaries.Monitored, p.Boundaries.Challenged)
	fmt.Fprintf(&sb, "Baseline: %.1f req/min, countries %v, %d samples\n",
		p.Baseline.AvgRequestsPerMinute, p.Baseline.TypicalCountries, p.Baseline.SampleCount)
	fmt.Fprintf(&sb, "False positives: %d of %d signals\n", p.FalsePositives.Count, p.FalsePositives.SignalsTotal)
	fmt.Fprintf(&sb, "Auto-adjust: enabled=%t", p.AutoAdjust.Enabled)
	if p.AutoAdjust.LastAction != "" {
		fmt.Fprintf(&sb, " last_action=%s", p.AutoAdjust.LastAction)
	}
	sb.WriteString("\n")
	if len(p.Exceptions) > 0 {
		sb.WriteString("Exceptions:\n")
		for _, e := range p.Exceptions {
			comp := e.Component
			if comp == "" {
				comp = "global"
			}
			fmt.Fprintf(&sb, "  %s  %s factor=%.1f until %s (%s)\n",
				e.ID, comp, e.Factor, e.ValidUntil.Format(time.RFC3339), e.Reason)
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleIngestThreatIndicator(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	indicatorType := req.GetString("type", "")
	value := req.GetString("value", "")
	if indicatorType == "" || value == "" {
		return mcp.NewToolResultError("type and value are required"), nil
	}
	source := req.GetString("source", "mcp")

	raw, err := h.client.IngestIndicator(ctx, indicatorType, value, source)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to ingest indicator: %v", err)), nil
	}

	var resp struct {
		SessionsRescored int `json:"sessionsRescored"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Indicator %s=%s ingested. %d matching session(s) queued for immediate re-scoring.",
		indicatorType, value, resp.SessionsRescored)), nil
}

func (h *Handlers) HandleRescoreSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.RescoreSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to rescore session: %v", err)), nil
	}

	var resp struct {
		Trust struct {
			Composite float64 `json:"composite"`
			Tier      string  `json:"tier"`
		} `json:"trust"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s rescored: composite %.1f, tier %s.",
		sessionID, resp.Trust.Composite, resp.Trust.Tier)), nil
}

func (h *Handlers) HandleTerminateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	reason := req.GetString("reason", "operator request")

	if _, err := h.client.TerminateSession(ctx, sessionID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to terminate session: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s terminated (%s).", sessionID, reason)), nil
}
