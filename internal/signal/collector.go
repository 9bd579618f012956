package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fintrack/sentinel/internal/idgen"
	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/threatintel"
)

// RequestContext is everything the collector inspects about one request.
type RequestContext struct {
	Endpoint          string    `json:"endpoint"`
	Method            string    `json:"method"`
	IPAddress         string    `json:"ipAddress"`
	UserAgent         string    `json:"userAgent"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	Role              string    `json:"role"`
	Location          *Location `json:"location,omitempty"`
	RequestsPerMinute float64   `json:"requestsPerMinute"`
	SessionStartedAt  time.Time `json:"sessionStartedAt"`
	Timestamp         time.Time `json:"timestamp"`
}

// observation is the per-session last-seen state used for change detection.
type observation struct {
	IP        string
	UserAgent string
	Role      string
	Location  *Location
	At        time.Time
}

// Endpoint patterns treated as sensitive. Critical patterns always flag at
// HIGH severity; the rest at MEDIUM unless baseline-normal for the user.
var (
	criticalEndpointPatterns = []string{
		"/admin", "/transfers", "/payouts", "/api-keys",
		"/settings/security", "/exports",
	}
	sensitiveEndpointPatterns = []string{
		"/accounts", "/billing", "/invoices/pay", "/budgets/share",
		"/bills/autopay", "/profile",
	}
)

// Role ladder used to measure privilege escalation depth.
var roleDepth = map[string]int{
	"viewer":  0,
	"member":  1,
	"analyst": 2,
	"manager": 3,
	"admin":   4,
	"owner":   5,
}

// Threat-intelligence scores above this bar produce a known-threat signal.
const defaultThreatScoreBar = 60.0

// Collector derives behavior signals from request context. Each rule is
// independent and side-effect-free; a rule error drops only that rule's
// signal. The collector owns its per-session observation cache explicitly
// rather than hiding it in package state.
type Collector struct {
	threat         threatintel.Provider
	indicators     *threatintel.IndicatorSet
	threatScoreBar float64
	logger         *slog.Logger

	mu       sync.RWMutex
	lastSeen map[string]*observation // sessionID → last observation
}

// CollectorOption configures the Collector.
type CollectorOption func(*Collector)

// WithThreatScoreBar overrides the provider score bar.
func WithThreatScoreBar(bar float64) CollectorOption {
	return func(c *Collector) { c.threatScoreBar = bar }
}

// NewCollector creates a signal collector.
func NewCollector(threat threatintel.Provider, indicators *threatintel.IndicatorSet, logger *slog.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if threat == nil {
		threat = threatintel.NullProvider{}
	}
	c := &Collector{
		threat:         threat,
		indicators:     indicators,
		threatScoreBar: defaultThreatScoreBar,
		logger:         logger,
		lastSeen:       make(map[string]*observation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rule struct {
	name string
	eval func(ctx context.Context, req *RequestContext, prev *observation, pol *policy.Policy) ([]*BehaviorSignal, error)
}

// Collect inspects one request and returns zero or more signals, none of
// them persisted. A failing rule is skipped, never aborting the batch.
func (c *Collector) Collect(ctx context.Context, sessionID, userID string, req *RequestContext, pol *policy.Policy) []*BehaviorSignal {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	prev := c.snapshot(sessionID)

	rules := []rule{
		{"endpoint_sensitivity", c.endpointRule},
		{"request_cadence", c.cadenceRule},
		{"geo_drift", c.geoRule},
		{"user_agent", c.userAgentRule},
		{"device", c.deviceRule},
		{"ip_change", c.ipChangeRule},
		{"privilege", c.privilegeRule},
		{"token_age", c.tokenAgeRule},
		{"threat_intel", c.threatRule},
	}

	var out []*BehaviorSignal
	for _, r := range rules {
		signals, err := c.safeEval(ctx, r, req, prev, pol)
		if err != nil {
			c.logger.Warn("signal rule failed, skipping",
				"rule", r.name, "session", sessionID, "error", err)
			continue
		}
		out = append(out, signals...)
	}

	for _, s := range out {
		s.ID = idgen.WithPrefix("sig_")
		s.SessionID = sessionID
		s.UserID = userID
		s.CreatedAt = req.Timestamp
	}

	c.remember(sessionID, req)
	return out
}

// safeEval isolates a rule: panics and errors degrade to a skipped rule.
func (c *Collector) safeEval(ctx context.Context, r rule, req *RequestContext, prev *observation, pol *policy.Policy) (signals []*BehaviorSignal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			signals, err = nil, fmt.Errorf("rule panic: %v", rec)
		}
	}()
	return r.eval(ctx, req, prev, pol)
}

func (c *Collector) snapshot(sessionID string) *observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if prev, ok := c.lastSeen[sessionID]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (c *Collector) remember(sessionID string, req *RequestContext) {
	obs := &observation{
		IP:        req.IPAddress,
		UserAgent: req.UserAgent,
		Role:      req.Role,
		At:        req.Timestamp,
	}
	if req.Location != nil {
		loc := *req.Location
		obs.Location = &loc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.lastSeen[sessionID]; ok {
		// Carry forward fields the current request didn't report.
		if obs.IP == "" {
			obs.IP = prev.IP
		}
		if obs.UserAgent == "" {
			obs.UserAgent = prev.UserAgent
		}
		if obs.Role == "" {
			obs.Role = prev.Role
		}
		if obs.Location == nil {
			obs.Location = prev.Location
		}
	}
	c.lastSeen[sessionID] = obs
}

// Forget drops the per-session observation state (session terminated).
func (c *Collector) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastSeen, sessionID)
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

func (c *Collector) endpointRule(_ context.Context, req *RequestContext, _ *observation, pol *policy.Policy) ([]*BehaviorSignal, error) {
	if req.Endpoint == "" {
		return nil, nil
	}
	critical := matchPattern(req.Endpoint, criticalEndpointPatterns)
	sensitive := critical != "" || matchPattern(req.Endpoint, sensitiveEndpointPatterns) != ""
	if !sensitive {
		return nil, nil
	}
	// Baseline-normal access to a non-critical sensitive endpoint is fine.
	if critical == "" && pol.Baseline.KnowsEndpoint(req.Endpoint) {
		return nil, nil
	}

	sev, impact, anomaly := SeverityMedium, -10.0, 40.0
	if critical != "" {
		sev, impact, anomaly = SeverityHigh, -20.0, 60.0
	}
	return []*BehaviorSignal{{
		Type:         TypeEndpointAccess,
		Severity:     sev,
		TrustImpact:  impact,
		Confidence:   90,
		AnomalyScore: anomaly,
		Details: &EndpointDetails{
			Endpoint: req.Endpoint,
			Method:   req.Method,
			Critical: critical != "",
			Pattern:  firstNonEmpty(critical, matchPattern(req.Endpoint, sensitiveEndpointPatterns)),
		},
	}}, nil
}

func (c *Collector) cadenceRule(_ context.Context, req *RequestContext, _ *observation, pol *policy.Policy) ([]*BehaviorSignal, error) {
	base := pol.Baseline.AvgRequestsPerMinute
	if base <= 0 || req.RequestsPerMinute <= 0 {
		return nil, nil
	}
	deviation := (req.RequestsPerMinute - base) / base
	threshold := pol.Threshold("request_cadence").DeviationThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	if deviation <= threshold {
		return nil, nil
	}

	// Impact scales with deviation, capped at -50.
	impact := -deviation * 10
	if impact < -50 {
		impact = -50
	}
	sev := SeverityLow
	switch {
	case deviation >= 5:
		sev = SeverityHigh
	case deviation >= 2:
		sev = SeverityMedium
	}
	return []*BehaviorSignal{{
		Type:         TypeCadenceAnomaly,
		Severity:     sev,
		TrustImpact:  impact,
		Confidence:   80,
		AnomalyScore: minF(100, deviation*15),
		Details: &CadenceDetails{
			CurrentPerMinute:  req.RequestsPerMinute,
			BaselinePerMinute: base,
			DeviationPct:      deviation * 100,
		},
	}}, nil
}

// geoDistanceThresholdKM is the distance below which sub-ceiling moves are
// not signaled at all.
const geoDistanceThresholdKM = 500.0

func (c *Collector) geoRule(_ context.Context, req *RequestContext, prev *observation, pol *policy.Policy) ([]*BehaviorSignal, error) {
	if req.Location == nil || req.Location.Zero() {
		return nil, nil
	}
	if prev == nil || prev.Location == nil || prev.Location.Zero() {
		// First sighting: only flag a city outside a trained baseline.
		if pol.Baseline.Trained() && req.Location.City != "" && !pol.Baseline.KnowsCity(req.Location.City) {
			return []*BehaviorSignal{geoSignal(prev, req, 0, 0, 0, SeverityLow, -5)}, nil
		}
		return nil, nil
	}

	distance := DistanceKM(*prev.Location, *req.Location)
	elapsed := req.Timestamp.Sub(prev.At).Seconds()
	speed := ImpliedSpeedKMH(distance, elapsed)

	if speed > ImpossibleSpeedKMH {
		return []*BehaviorSignal{geoSignal(prev, req, distance, elapsed, speed, SeverityCritical, -80)}, nil
	}
	if distance > geoDistanceThresholdKM {
		return []*BehaviorSignal{geoSignal(prev, req, distance, elapsed, speed, SeverityMedium, -20)}, nil
	}
	return nil, nil
}

func geoSignal(prev *observation, req *RequestContext, distance, elapsed, speed float64, sev Severity, impact float64) *BehaviorSignal {
	d := &GeoDetails{
		Latitude:   req.Location.Latitude,
		Longitude:  req.Location.Longitude,
		DistanceKM: distance,
		ElapsedSec: elapsed,
		SpeedKMH:   speed,
		City:       req.Location.City,
		Country:    req.Location.Country,
	}
	if prev != nil && prev.Location != nil {
		d.PrevLatitude = prev.Location.Latitude
		d.PrevLongitude = prev.Location.Longitude
	}
	anomaly := 30.0
	if sev == SeverityCritical {
		anomaly = 95
	}
	return &BehaviorSignal{
		Type:         TypeGeoDrift,
		Severity:     sev,
		TrustImpact:  impact,
		Confidence:   85,
		AnomalyScore: anomaly,
		Details:      d,
	}
}

func (c *Collector) userAgentRule(_ context.Context, req *RequestContext, prev *observation, pol *policy.Policy) ([]*BehaviorSignal, error) {
	if req.UserAgent == "" {
		return nil, nil
	}
	if prev != nil && prev.UserAgent != "" && prev.UserAgent != req.UserAgent {
		familyChanged := uaFamily(prev.UserAgent) != uaFamily(req.UserAgent)
		sev, impact := SeverityLow, -5.0
		if familyChanged {
			sev, impact = SeverityMedium, -15.0
		}
		return []*BehaviorSignal{{
			Type:         TypeUserAgentChange,
			Severity:     sev,
			TrustImpact:  impact,
			Confidence:   75,
			AnomalyScore: 35,
			Details: &UserAgentDetails{
				Previous:       prev.UserAgent,
				Current:        req.UserAgent,
				FamilyChanged:  familyChanged,
				VersionChanged: !familyChanged,
			},
		}}, nil
	}
	if pol.Baseline.Trained() && !pol.Baseline.TrustsUserAgent(req.UserAgent) {
		return []*BehaviorSignal{{
			Type:         TypeUserAgentChange,
			Severity:     SeverityLow,
			TrustImpact:  -5,
			Confidence:   60,
			AnomalyScore: 25,
			Details: &UserAgentDetails{
				Current:       req.UserAgent,
				FamilyChanged: false,
			},
		}}, nil
	}
	return nil, nil
}

func (c *Collector) deviceRule(_ context.Context, req *RequestContext, _ *observation, pol *policy.Policy) ([]*BehaviorSignal, error) {
	if req.DeviceFingerprint == "" {
		return nil, nil
	}
	if pol.Baseline.TrustsDevice(req.DeviceFingerprint) {
		return nil, nil
	}
	sev, impact := SeverityLow, -5.0
	if pol.Baseline.Trained() {
		// Unknown device against a trained baseline is a real mismatch.
		sev, impact = SeverityMedium, -15.0
	}
	return []*BehaviorSignal{{
		Type:         TypeDeviceMismatch,
		Severity:     sev,
		TrustImpact:  impact,
		Confidence:   70,
		AnomalyScore: 40,
		Details: &DeviceDetails{
			Fingerprint: req.DeviceFingerprint,
			Trusted:     false,
		},
	}}, nil
}

func (c *Collector) ipChangeRule(_ context.Context, req *RequestContext, prev *observation, _ *policy.Policy) ([]*BehaviorSignal, error) {
	if req.IPAddress == "" || prev == nil || prev.IP == "" || prev.IP == req.IPAddress {
		return nil, nil
	}
	return []*BehaviorSignal{{
		Type:         TypeIPChange,
		Severity:     SeverityLow,
		TrustImpact:  -8,
		Confidence:   80,
		AnomalyScore: 30,
		Details: &IPChangeDetails{
			PreviousIP: prev.IP,
			CurrentIP:  req.IPAddress,
		},
	}}, nil
}

func (c *Collector) privilegeRule(_ context.Context, req *RequestContext, prev *observation, pol *policy.Policy) ([]*BehaviorSignal, error) {
	if req.Role == "" || prev == nil || prev.Role == "" || prev.Role == req.Role {
		return nil, nil
	}
	fromDepth, fromOK := roleDepth[strings.ToLower(prev.Role)]
	toDepth, toOK := roleDepth[strings.ToLower(req.Role)]
	if !fromOK || !toOK {
		return nil, fmt.Errorf("unknown role transition %q -> %q", prev.Role, req.Role)
	}
	depth := toDepth - fromDepth
	details := &PrivilegeDetails{
		FromRole:        prev.Role,
		ToRole:          req.Role,
		EscalationDepth: depth,
	}
	if depth <= 0 {
		return []*BehaviorSignal{{
			Type:         TypePrivilegeRevocation,
			Severity:     SeverityLow,
			TrustImpact:  5,
			Confidence:   90,
			AnomalyScore: 5,
			Details:      details,
		}}, nil
	}

	// Escalation into a role outside the user's norm is the suspicious case.
	sev, impact := SeverityMedium, -15.0
	if !pol.Baseline.NormalRole(req.Role) {
		sev, impact = SeverityHigh, -25.0
	}
	return []*BehaviorSignal{{
		Type:         TypePrivilegeEscalation,
		Severity:     sev,
		TrustImpact:  impact - float64(depth-1)*5,
		Confidence:   90,
		AnomalyScore: minF(100, float64(depth)*25),
		Details:      details,
	}}, nil
}

// tokenAgeSignalThreshold is the session age past which an informational
// token-age signal is emitted. The token-age component score itself is a
// step function computed by the scoring engine, independent of signals.
const tokenAgeSignalThreshold = 8 * time.Hour

func (c *Collector) tokenAgeRule(_ context.Context, req *RequestContext, _ *observation, _ *policy.Policy) ([]*BehaviorSignal, error) {
	if req.SessionStartedAt.IsZero() {
		return nil, nil
	}
	age := req.Timestamp.Sub(req.SessionStartedAt)
	if age < tokenAgeSignalThreshold {
		return nil, nil
	}
	sev := SeverityLow
	if age >= 24*time.Hour {
		sev = SeverityMedium
	}
	return []*BehaviorSignal{{
		Type:         TypeTokenAge,
		Severity:     sev,
		TrustImpact:  -5,
		Confidence:   100,
		AnomalyScore: 10,
		Details:      &TokenAgeDetails{SessionAgeSec: age.Seconds()},
	}}, nil
}

func (c *Collector) threatRule(ctx context.Context, req *RequestContext, _ *observation, _ *policy.Policy) ([]*BehaviorSignal, error) {
	if req.IPAddress == "" {
		return nil, nil
	}
	if c.indicators != nil && c.indicators.MatchIP(req.IPAddress) {
		return []*BehaviorSignal{{
			Type:         TypeKnownThreat,
			Severity:     SeverityCritical,
			TrustImpact:  -90,
			Confidence:   95,
			AnomalyScore: 100,
			Details: &ThreatDetails{
				IPAddress:   req.IPAddress,
				RiskScore:   100,
				Blacklisted: true,
			},
		}}, nil
	}

	assessment, err := c.threat.Assess(ctx, req.IPAddress, "", "")
	if err != nil {
		// Provider unavailability degrades to no threat signal.
		return nil, fmt.Errorf("threat lookup: %w", err)
	}
	if assessment == nil || assessment.RiskScore < c.threatScoreBar {
		return nil, nil
	}

	sev := SeverityMedium
	switch {
	case assessment.RiskScore >= 90:
		sev = SeverityCritical
	case assessment.RiskScore >= 75:
		sev = SeverityHigh
	}
	return []*BehaviorSignal{{
		Type:         TypeKnownThreat,
		Severity:     sev,
		TrustImpact:  -assessment.RiskScore * 0.8,
		Confidence:   assessment.Confidence,
		AnomalyScore: assessment.RiskScore,
		Details: &ThreatDetails{
			IPAddress:  req.IPAddress,
			RiskScore:  assessment.RiskScore,
			Indicators: assessment.Indicators,
		},
	}}, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func matchPattern(endpoint string, patterns []string) string {
	lower := strings.ToLower(endpoint)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

func uaFamily(ua string) string {
	ua = strings.TrimSpace(ua)
	if i := strings.IndexAny(ua, "/ "); i > 0 {
		return ua[:i]
	}
	return ua
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
