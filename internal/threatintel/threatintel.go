// Package threatintel integrates the external threat-intelligence provider
// and the locally ingested indicator set.
//
// Lookups are advisory: a provider timeout or error degrades to a nil
// assessment and must never block or fail a trust evaluation.
package threatintel

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Assessment is the provider's verdict on a single indicator.
type Assessment struct {
	RiskScore  float64  `json:"riskScore"`  // 0-100
	Confidence float64  `json:"confidence"` // 0-100
	Indicators []string `json:"indicators,omitempty"`
}

// Provider assesses indicators of compromise. Any argument may be empty;
// at least one must be set.
type Provider interface {
	Assess(ctx context.Context, ipAddress, fileChecksum, callbackURL string) (*Assessment, error)
}

// IndicatorType classifies an ingested indicator.
type IndicatorType string

const (
	IndicatorIP       IndicatorType = "ip"
	IndicatorCallback IndicatorType = "callback"
	IndicatorChecksum IndicatorType = "checksum"
)

// Indicator is one locally ingested threat marker.
type Indicator struct {
	Type       IndicatorType `json:"type"`
	Value      string        `json:"value"`
	Source     string        `json:"source,omitempty"`
	IngestedAt time.Time     `json:"ingestedAt"`
}

// IndicatorSet is the in-memory set of ingested indicators plus the static
// blacklist. One instance is constructed at process start and shared by
// reference; the internal map is not package-level state.
type IndicatorSet struct {
	mu         sync.RWMutex
	indicators map[string]Indicator // "<type>:<value>" → indicator
}

// NewIndicatorSet creates an indicator set seeded with the static blacklist.
func NewIndicatorSet(staticBlacklist []string) *IndicatorSet {
	s := &IndicatorSet{indicators: make(map[string]Indicator)}
	now := time.Now().UTC()
	for _, ip := range staticBlacklist {
		s.indicators[key(IndicatorIP, ip)] = Indicator{
			Type: IndicatorIP, Value: ip, Source: "static_blacklist", IngestedAt: now,
		}
	}
	return s
}

func key(t IndicatorType, v string) string {
	return string(t) + ":" + strings.ToLower(strings.TrimSpace(v))
}

// Ingest adds an indicator, returning false if it was already present.
func (s *IndicatorSet) Ingest(ind Indicator) bool {
	if ind.Value == "" {
		return false
	}
	if ind.IngestedAt.IsZero() {
		ind.IngestedAt = time.Now().UTC()
	}
	k := key(ind.Type, ind.Value)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.indicators[k]; exists {
		return false
	}
	s.indicators[k] = ind
	return true
}

// MatchIP reports whether the address is a known indicator.
func (s *IndicatorSet) MatchIP(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indicators[key(IndicatorIP, ip)]
	return ok
}

// Len returns the number of known indicators.
func (s *IndicatorSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indicators)
}
