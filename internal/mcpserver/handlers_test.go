package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:      ts.URL,
		AdminSecret: "topsecret",
	}
	client := NewSentinelClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AdminSecretHeader(t *testing.T) {
	var gotSecret string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Admin-Secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewSentinelClient(Config{APIURL: ts.URL, AdminSecret: "hunter2"})
	_, err := client.GetSessionTrust(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", gotSecret)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "session_not_found",
			"message": "No session with that ID",
		})
	}))
	defer ts.Close()

	client := NewSentinelClient(Config{APIURL: ts.URL})
	_, err := client.GetSessionTrust(context.Background(), "sess_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "No session with that ID")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewSentinelClient(Config{APIURL: ts.URL})
	_, err := client.GetSessionTrust(context.Background(), "sess_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewSentinelClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetSessionTrust(context.Background(), "sess_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListSessionSignals_LimitQuery(t *testing.T) {
	var gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"signals":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewSentinelClient(Config{APIURL: ts.URL})
	_, err := client.ListSessionSignals(context.Background(), "sess_1", 5)
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetSessionTrust(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/sess_1/trust", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trust": map[string]any{
				"sessionId":  "sess_1",
				"userId":     "user_1",
				"composite":  72.5,
				"tier":       "monitored",
				"confidence": "high",
				"components": map[string]float64{
					"endpointSensitivity": 80,
					"requestCadence":      65.5,
					"threat":              90,
				},
				"tierTransitions": []map[string]any{
					{
						"from":      "normal",
						"to":        "monitored",
						"reason":    "composite_drop",
						"score":     72.5,
						"timestamp": time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
					},
				},
				"signalsEvaluated": 14,
				"nextScoringAt":    time.Date(2026, 8, 30, 10, 1, 0, 0, time.UTC),
			},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSessionTrust(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Session sess_1 (user user_1)")
	assert.Contains(t, text, "Composite: 72.5")
	assert.Contains(t, text, "Tier: monitored")
	assert.Contains(t, text, "requestCadence")
	assert.Contains(t, text, "normal -> monitored")
}

func TestHandleGetSessionTrust_MissingSessionID(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.HandleGetSessionTrust(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_id is required")
}

func TestHandleListSessionSignals(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/sess_1/signals", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"signals": []map[string]any{
				{
					"id":          "sig_2",
					"type":        "impossible_travel",
					"severity":    "critical",
					"trustImpact": 40,
					"confidence":  0.9,
					"createdAt":   time.Date(2026, 8, 30, 9, 59, 0, 0, time.UTC),
				},
				{
					"id":            "sig_1",
					"type":          "cadence_anomaly",
					"severity":      "low",
					"trustImpact":   5,
					"confidence":    0.4,
					"falsePositive": true,
					"createdAt":     time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC),
				},
			},
			"count": 2,
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListSessionSignals(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 signal(s) for session sess_1")
	assert.Contains(t, text, "impossible_travel/critical")
	assert.Contains(t, text, "[false positive]")
}

func TestHandleListSessionSignals_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/sess_1/signals", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"signals":[],"count":0}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListSessionSignals(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No signals recorded")
}

func TestHandleListSessionChallenges(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/sess_1/challenges", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"challenges": []map[string]any{
				{
					"id":        "chl_1",
					"type":      "otp",
					"strength":  "medium",
					"status":    "pending",
					"trigger":   "tier_drop",
					"reason":    "tier dropped to challenged",
					"issuedAt":  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
					"expiresAt": time.Date(2026, 8, 30, 10, 5, 0, 0, time.UTC),
				},
			},
			"count": 1,
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListSessionChallenges(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "chl_1")
	assert.Contains(t, text, "otp (medium)")
	assert.Contains(t, text, "status=pending")
	assert.Contains(t, text, "reason: tier dropped to challenged")
}

func TestHandleMarkFalsePositive(t *testing.T) {
	var called bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signals/sig_1/false-positive", func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = w.Write([]byte(`{"updated":true}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleMarkFalsePositive(context.Background(), makeRequest(map[string]any{
		"signal_id": "sig_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.True(t, called)
	assert.Contains(t, resultText(t, result), "Signal sig_1 marked as a false positive")
}

func TestHandleGetUserPolicy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/policies/user_1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policy": map[string]any{
				"userId": "user_1",
				"boundaries": map[string]float64{
					"normal": 90, "monitored": 70, "challenged": 40,
				},
				"baseline": map[string]any{
					"typicalCountries":     []string{"US"},
					"avgRequestsPerMinute": 4.2,
					"sampleCount":          120,
				},
				"falsePositives": map[string]any{"count": 2, "signalsTotal": 40},
				"autoAdjust":     map[string]any{"enabled": true, "lastAction": "relaxed"},
				"exceptions": []map[string]any{
					{
						"id":         "exc_1",
						"component":  "geoContext",
						"factor":     2.0,
						"reason":     "business travel",
						"validUntil": time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC),
					},
				},
				"updatedAt": time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
			},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetUserPolicy(context.Background(), makeRequest(map[string]any{
		"user_id": "user_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Policy for user user_1")
	assert.Contains(t, text, "normal>=90 monitored>=70 challenged>=40")
	assert.Contains(t, text, "4.2 req/min")
	assert.Contains(t, text, "business travel")
	assert.Contains(t, text, "last_action=relaxed")
}

func TestHandleIngestThreatIndicator(t *testing.T) {
	var gotBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threat/indicators", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"sessionsRescored":3}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleIngestThreatIndicator(context.Background(), makeRequest(map[string]any{
		"type":  "ip",
		"value": "203.0.113.66",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "ip", gotBody["type"])
	assert.Equal(t, "203.0.113.66", gotBody["value"])
	assert.Equal(t, "mcp", gotBody["source"])
	assert.Contains(t, resultText(t, result), "3 matching session(s)")
}

func TestHandleIngestThreatIndicator_TypesMatchAPI(t *testing.T) {
	// The API only accepts ip, callback, and checksum; every type the
	// tool advertises must pass its validation.
	accepted := map[string]bool{"ip": true, "callback": true, "checksum": true}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threat/indicators", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !accepted[body["type"]] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_indicator_type","message":"Indicator type must be ip, callback, or checksum"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"sessionsRescored":0}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	for _, typ := range []string{"ip", "callback", "checksum"} {
		result, err := h.HandleIngestThreatIndicator(context.Background(), makeRequest(map[string]any{
			"type":  typ,
			"value": "203.0.113.66",
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError, "type %q rejected by the API", typ)
	}
}

func TestHandleIngestThreatIndicator_MissingValue(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.HandleIngestThreatIndicator(context.Background(), makeRequest(map[string]any{
		"type": "ip",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "type and value are required")
}

func TestHandleRescoreSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/sess_1/rescore", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trust": map[string]any{"composite": 55.0, "tier": "challenged"},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRescoreSession(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "composite 55.0, tier challenged")
}

func TestHandleTerminateSession(t *testing.T) {
	var gotBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/sessions/sess_1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"trust": map[string]any{"tier": "terminated"}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleTerminateSession(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
		"reason":     "credential stuffing confirmed",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "credential stuffing confirmed", gotBody["reason"])
	assert.Contains(t, resultText(t, result), "Session sess_1 terminated")
}

func TestHandleTerminateSession_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/sessions/sess_1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "already_terminated",
			"message": "Session is already terminated",
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleTerminateSession(context.Background(), makeRequest(map[string]any{
		"session_id": "sess_1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already terminated")
}
