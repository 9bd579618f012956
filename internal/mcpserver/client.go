package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the trust engine.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Secret for operator-only routes (optional)
}

// SentinelClient is a pure HTTP client for the trust engine API.
type SentinelClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSentinelClient creates a new client for the trust engine.
func NewSentinelClient(cfg Config) *SentinelClient {
	return &SentinelClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the engine.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the engine and returns the response body.
func (c *SentinelClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetSessionTrust returns the trust document for a session.
func (c *SentinelClient) GetSessionTrust(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/trust", nil, nil)
}

// ListSessionSignals returns recorded behavior signals for a session.
func (c *SentinelClient) ListSessionSignals(ctx context.Context, sessionID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/signals", q, nil)
}

// ListSessionChallenges returns the challenge history for a session.
func (c *SentinelClient) ListSessionChallenges(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/challenges", nil, nil)
}

// MarkFalsePositive flags a signal as a false positive.
func (c *SentinelClient) MarkFalsePositive(ctx context.Context, signalID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/signals/"+signalID+"/false-positive", nil, nil)
}

// GetUserPolicy returns the adaptive policy for a user.
func (c *SentinelClient) GetUserPolicy(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/policies/"+userID, nil, nil)
}

// IngestIndicator submits a threat indicator for propagation.
func (c *SentinelClient) IngestIndicator(ctx context.Context, indicatorType, value, source string) (json.RawMessage, error) {
	body := map[string]string{
		"type":   indicatorType,
		"value":  value,
		"source": source,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/threat/indicators", nil, body)
}

// RescoreSession forces an immediate scoring pass.
func (c *SentinelClient) RescoreSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/rescore", nil, nil)
}

// TerminateSession forcibly kills a session.
func (c *SentinelClient) TerminateSession(ctx context.Context, sessionID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, body)
}
