package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fintrack/sentinel/internal/circuitbreaker"
	"github.com/fintrack/sentinel/internal/retry"
)

// ErrNoIndicator is returned when Assess is called with nothing to assess.
var ErrNoIndicator = errors.New("threatintel: no indicator provided")

// ErrProviderUnavailable is returned while the provider circuit is open.
var ErrProviderUnavailable = errors.New("threatintel: provider circuit open")

const breakerKey = "provider"

// Client calls the external threat-intelligence HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Compile-time check.
var _ Provider = (*Client)(nil)

// NewClient creates a provider client. The timeout bounds each lookup; the
// evaluator degrades on expiry rather than waiting. Repeated provider
// failures trip a circuit so lookups fail fast until the provider recovers.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
	c.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("threat provider circuit transition", "from", from.String(), "to", to.String())
	})
	return c
}

type assessRequest struct {
	IPAddress    string `json:"ipAddress,omitempty"`
	FileChecksum string `json:"fileChecksum,omitempty"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

func (c *Client) Assess(ctx context.Context, ipAddress, fileChecksum, callbackURL string) (*Assessment, error) {
	if ipAddress == "" && fileChecksum == "" && callbackURL == "" {
		return nil, ErrNoIndicator
	}
	if !c.breaker.Allow(breakerKey) {
		return nil, ErrProviderUnavailable
	}

	body, err := json.Marshal(assessRequest{
		IPAddress:    ipAddress,
		FileChecksum: fileChecksum,
		CallbackURL:  callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("threatintel: marshal request: %w", err)
	}

	var a *Assessment
	err = retry.Do(ctx, 2, 200*time.Millisecond, func() error {
		res, err := c.assessOnce(ctx, body)
		if err != nil {
			return err
		}
		a = res
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, err
	}
	c.breaker.RecordSuccess(breakerKey)
	return a, nil
}

func (c *Client) assessOnce(ctx context.Context, body []byte) (*Assessment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/assess", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("threatintel: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("threatintel: lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("threatintel: provider returned status %d", resp.StatusCode)
	default:
		// Client-side errors will not succeed on retry.
		return nil, retry.Permanent(fmt.Errorf("threatintel: provider returned status %d", resp.StatusCode))
	}

	var a Assessment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("threatintel: decode response: %w", err)
	}
	return &a, nil
}

// NullProvider is used when no provider is configured: every lookup reports
// no intelligence. Evaluation proceeds on local indicators only.
type NullProvider struct{}

// Compile-time check.
var _ Provider = NullProvider{}

func (NullProvider) Assess(context.Context, string, string, string) (*Assessment, error) {
	return nil, nil
}
