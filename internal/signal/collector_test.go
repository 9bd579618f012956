package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/threatintel"
)

type stubProvider struct {
	assessment *threatintel.Assessment
	err        error
}

func (s stubProvider) Assess(_ context.Context, _, _, _ string) (*threatintel.Assessment, error) {
	return s.assessment, s.err
}

func testPolicy() *policy.Policy {
	return policy.Default("pol_test", "user_1")
}

func collect(t *testing.T, c *Collector, req *RequestContext, pol *policy.Policy) []*BehaviorSignal {
	t.Helper()
	return c.Collect(context.Background(), "sess_1", "user_1", req, pol)
}

func signalOfType(signals []*BehaviorSignal, typ Type) *BehaviorSignal {
	for _, s := range signals {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

func TestCollectImpossibleTravel(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// New York.
	collect(t, c, &RequestContext{
		IPAddress: "198.51.100.1",
		Location:  &Location{Latitude: 40.7128, Longitude: -74.0060, City: "New York", Country: "US"},
		Timestamp: start,
	}, testPolicy())

	// Tokyo ten minutes later.
	signals := collect(t, c, &RequestContext{
		IPAddress: "198.51.100.1",
		Location:  &Location{Latitude: 35.6762, Longitude: 139.6503, City: "Tokyo", Country: "JP"},
		Timestamp: start.Add(10 * time.Minute),
	}, testPolicy())

	geo := signalOfType(signals, TypeGeoDrift)
	if geo == nil {
		t.Fatal("expected a geo drift signal")
	}
	if geo.Severity != SeverityCritical {
		t.Errorf("severity = %v, want %v", geo.Severity, SeverityCritical)
	}
	d := geo.Details.(*GeoDetails)
	if d.SpeedKMH <= ImpossibleSpeedKMH {
		t.Errorf("speed = %v, want > %v", d.SpeedKMH, ImpossibleSpeedKMH)
	}
	if d.DistanceKM < 10000 || d.DistanceKM > 11500 {
		t.Errorf("distance = %v, want roughly 10850", d.DistanceKM)
	}
}

func TestCollectSlowTravelNotFlagged(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	collect(t, c, &RequestContext{
		Location:  &Location{Latitude: 40.7128, Longitude: -74.0060},
		Timestamp: start,
	}, testPolicy())

	// Boston four hours later, well under the speed ceiling.
	signals := collect(t, c, &RequestContext{
		Location:  &Location{Latitude: 42.3601, Longitude: -71.0589},
		Timestamp: start.Add(4 * time.Hour),
	}, testPolicy())

	if s := signalOfType(signals, TypeGeoDrift); s != nil {
		t.Errorf("unexpected geo signal: %+v", s)
	}
}

func TestCollectCriticalEndpoint(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	signals := collect(t, c, &RequestContext{
		Endpoint: "/v1/transfers/initiate",
		Method:   "POST",
	}, testPolicy())

	s := signalOfType(signals, TypeEndpointAccess)
	if s == nil {
		t.Fatal("expected an endpoint signal")
	}
	if s.Severity != SeverityHigh {
		t.Errorf("severity = %v, want %v", s.Severity, SeverityHigh)
	}
	if !s.Details.(*EndpointDetails).Critical {
		t.Error("expected critical endpoint flag")
	}
}

func TestCollectBaselineEndpointNotFlagged(t *testing.T) {
	pol := testPolicy()
	pol.Baseline.BaselineEndpoints = []string{"/v1/accounts/summary"}

	c := NewCollector(nil, nil, nil)
	signals := collect(t, c, &RequestContext{Endpoint: "/v1/accounts/summary"}, pol)

	if s := signalOfType(signals, TypeEndpointAccess); s != nil {
		t.Errorf("unexpected endpoint signal: %+v", s)
	}
}

func TestCollectCadenceDeviation(t *testing.T) {
	pol := testPolicy()
	pol.Baseline.AvgRequestsPerMinute = 5

	c := NewCollector(nil, nil, nil)
	signals := collect(t, c, &RequestContext{RequestsPerMinute: 40}, pol)

	s := signalOfType(signals, TypeCadenceAnomaly)
	if s == nil {
		t.Fatal("expected a cadence signal")
	}
	if s.Severity != SeverityHigh {
		t.Errorf("severity = %v, want %v", s.Severity, SeverityHigh)
	}
	d := s.Details.(*CadenceDetails)
	if d.DeviationPct != 700 {
		t.Errorf("deviation = %v, want 700", d.DeviationPct)
	}
}

func TestCollectIPChange(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	collect(t, c, &RequestContext{IPAddress: "198.51.100.1"}, testPolicy())
	signals := collect(t, c, &RequestContext{IPAddress: "203.0.113.9"}, testPolicy())

	s := signalOfType(signals, TypeIPChange)
	if s == nil {
		t.Fatal("expected an ip change signal")
	}
	d := s.Details.(*IPChangeDetails)
	if d.PreviousIP != "198.51.100.1" || d.CurrentIP != "203.0.113.9" {
		t.Errorf("details = %+v", d)
	}
}

func TestCollectPrivilegeEscalation(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	collect(t, c, &RequestContext{Role: "member"}, testPolicy())
	signals := collect(t, c, &RequestContext{Role: "admin"}, testPolicy())

	s := signalOfType(signals, TypePrivilegeEscalation)
	if s == nil {
		t.Fatal("expected a privilege escalation signal")
	}
	if s.Severity != SeverityHigh {
		t.Errorf("severity = %v, want %v", s.Severity, SeverityHigh)
	}
	d := s.Details.(*PrivilegeDetails)
	if d.EscalationDepth != 3 {
		t.Errorf("depth = %d, want 3", d.EscalationDepth)
	}
}

func TestCollectPrivilegeRevocation(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	collect(t, c, &RequestContext{Role: "admin"}, testPolicy())
	signals := collect(t, c, &RequestContext{Role: "member"}, testPolicy())

	s := signalOfType(signals, TypePrivilegeRevocation)
	if s == nil {
		t.Fatal("expected a privilege revocation signal")
	}
	if s.TrustImpact <= 0 {
		t.Errorf("impact = %v, want positive", s.TrustImpact)
	}
}

func TestCollectBlacklistedIP(t *testing.T) {
	indicators := threatintel.NewIndicatorSet(nil)
	indicators.Ingest(threatintel.Indicator{Type: threatintel.IndicatorIP, Value: "203.0.113.66"})

	c := NewCollector(nil, indicators, nil)
	signals := collect(t, c, &RequestContext{IPAddress: "203.0.113.66"}, testPolicy())

	s := signalOfType(signals, TypeKnownThreat)
	if s == nil {
		t.Fatal("expected a known threat signal")
	}
	if s.Severity != SeverityCritical {
		t.Errorf("severity = %v, want %v", s.Severity, SeverityCritical)
	}
	if !s.Details.(*ThreatDetails).Blacklisted {
		t.Error("expected blacklist flag")
	}
}

func TestCollectProviderVerdict(t *testing.T) {
	c := NewCollector(stubProvider{assessment: &threatintel.Assessment{
		RiskScore: 92, Confidence: 80, Indicators: []string{"botnet"},
	}}, nil, nil)
	signals := collect(t, c, &RequestContext{IPAddress: "203.0.113.9"}, testPolicy())

	s := signalOfType(signals, TypeKnownThreat)
	if s == nil {
		t.Fatal("expected a known threat signal")
	}
	if s.Severity != SeverityCritical {
		t.Errorf("severity = %v, want %v", s.Severity, SeverityCritical)
	}
}

func TestCollectProviderErrorDegrades(t *testing.T) {
	// A dead threat feed must not block the other rules.
	c := NewCollector(stubProvider{err: errors.New("connection refused")}, nil, nil)
	pol := testPolicy()
	pol.Baseline.AvgRequestsPerMinute = 5

	signals := collect(t, c, &RequestContext{
		IPAddress:         "203.0.113.9",
		RequestsPerMinute: 40,
	}, pol)

	if s := signalOfType(signals, TypeKnownThreat); s != nil {
		t.Errorf("unexpected threat signal: %+v", s)
	}
	if s := signalOfType(signals, TypeCadenceAnomaly); s == nil {
		t.Error("cadence rule should still run")
	}
}

func TestCollectAssignsIdentity(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	signals := collect(t, c, &RequestContext{Endpoint: "/admin/users"}, testPolicy())

	if len(signals) == 0 {
		t.Fatal("expected signals")
	}
	for _, s := range signals {
		if s.ID == "" || s.SessionID != "sess_1" || s.UserID != "user_1" {
			t.Errorf("identity not assigned: %+v", s)
		}
		if err := s.Validate(); err != nil {
			t.Errorf("invalid signal: %v", err)
		}
	}
}

func TestForgetDropsObservationState(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	collect(t, c, &RequestContext{IPAddress: "198.51.100.1"}, testPolicy())
	c.Forget("sess_1")
	signals := collect(t, c, &RequestContext{IPAddress: "203.0.113.9"}, testPolicy())

	if s := signalOfType(signals, TypeIPChange); s != nil {
		t.Errorf("unexpected ip change after forget: %+v", s)
	}
}
