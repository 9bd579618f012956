// Package policy owns per-user trust calibration: learned behavior baselines,
// per-category sensitivity thresholds, tier boundaries, challenge strategy,
// false-positive tracking with auto-adjustment, and time-bounded exceptions.
//
// Policies are long-lived documents with last-writer-wins semantics;
// calibration is inherently approximate, so concurrent policy writes from
// sessions of the same user are acceptable without a version guard.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fintrack/sentinel/internal/trust"
)

// Tolerance sets how aggressively a component's signals are penalized.
type Tolerance string

const (
	ToleranceStrict  Tolerance = "strict"
	ToleranceNormal  Tolerance = "normal"
	ToleranceRelaxed Tolerance = "relaxed"
)

// ComponentThreshold is the per-category sensitivity configuration.
type ComponentThreshold struct {
	Tolerance Tolerance `json:"tolerance"`
	// PenaltyPerSignal is the base penalty constant for this category's
	// score formula. Auto-adjustment scales it multiplicatively.
	PenaltyPerSignal float64 `json:"penaltyPerSignal"`
	// MinScoreBeforeChallenge is the component floor below which a
	// challenge is considered regardless of the composite.
	MinScoreBeforeChallenge float64 `json:"minScoreBeforeChallenge"`
	// DeviationThreshold is the relative deviation (1.0 = 100%) a
	// baseline comparison must exceed before a signal is emitted.
	DeviationThreshold float64 `json:"deviationThreshold"`
}

// BaselineProfile holds the learned behavior norms for a user.
type BaselineProfile struct {
	TypicalCities     []string `json:"typicalCities"`
	TypicalCountries  []string `json:"typicalCountries"`
	TrustedUserAgents []string `json:"trustedUserAgents"`
	TrustedDevices    []string `json:"trustedDevices"`
	TypicalRoles      []string `json:"typicalRoles"`
	// ActiveHoursUTC are hours of day (0-23) the user is normally active.
	ActiveHoursUTC []int `json:"activeHoursUtc"`
	// AvgRequestsPerMinute is the learned request cadence.
	AvgRequestsPerMinute float64 `json:"avgRequestsPerMinute"`
	// BaselineEndpoints are sensitive endpoints this user routinely uses.
	BaselineEndpoints []string `json:"baselineEndpoints"`

	SampleCount        int       `json:"sampleCount"`
	LearningWindowDays int       `json:"learningWindowDays"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// MinBaselineSamples is the sample count below which the baseline is not
// trusted and the policy defaults to a stricter posture.
const MinBaselineSamples = 50

// Trained reports whether the baseline has enough samples to be trusted.
func (b BaselineProfile) Trained() bool {
	return b.SampleCount >= MinBaselineSamples
}

// KnowsCity reports whether the city is part of the learned geo norm.
func (b BaselineProfile) KnowsCity(city string) bool {
	return containsFold(b.TypicalCities, city)
}

// KnowsCountry reports whether the country is part of the learned geo norm.
func (b BaselineProfile) KnowsCountry(country string) bool {
	return containsFold(b.TypicalCountries, country)
}

// TrustsUserAgent reports whether the user agent is a learned norm.
func (b BaselineProfile) TrustsUserAgent(ua string) bool {
	return containsFold(b.TrustedUserAgents, ua)
}

// TrustsDevice reports whether the fingerprint is in the trusted device set.
func (b BaselineProfile) TrustsDevice(fingerprint string) bool {
	return containsFold(b.TrustedDevices, fingerprint)
}

// NormalRole reports whether the role is part of the user's learned norm.
func (b BaselineProfile) NormalRole(role string) bool {
	return containsFold(b.TypicalRoles, role)
}

// KnowsEndpoint reports whether a sensitive endpoint is baseline-normal
// for this user.
func (b BaselineProfile) KnowsEndpoint(endpoint string) bool {
	return containsFold(b.BaselineEndpoints, endpoint)
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// ChallengeStrategy configures step-up verification selection and throttling.
type ChallengeStrategy struct {
	// Preference is the ordered list of challenge types, most preferred
	// first (values match challenge.Type strings).
	Preference []string `json:"preference"`
	// CooldownSec is the minimum gap between issued challenges.
	CooldownSec int `json:"cooldownSec"`
	// MaxPerHour caps challenge issuance per session per hour.
	MaxPerHour int `json:"maxPerHour"`
	// FastResponseCutoffMs is the response time under which the re-auth
	// restoration bonus is amplified.
	FastResponseCutoffMs int64 `json:"fastResponseCutoffMs"`
}

// FalsePositiveTracking follows analyst-flagged signals over a rolling window.
type FalsePositiveTracking struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"windowStart"`
	WindowDays   int       `json:"windowDays"`
	SignalsTotal int       `json:"signalsTotal"`
	LastMarkedAt time.Time `json:"lastMarkedAt"`
}

// Rate returns the false-positive fraction over the current window.
func (f FalsePositiveTracking) Rate() float64 {
	if f.SignalsTotal == 0 {
		return 0
	}
	return float64(f.Count) / float64(f.SignalsTotal)
}

// AutoAdjustment holds the slow feedback-loop configuration.
type AutoAdjustment struct {
	Enabled bool `json:"enabled"`
	// FalsePositiveRateBar triggers relaxation when the rolling FP rate
	// exceeds it.
	FalsePositiveRateBar float64 `json:"falsePositiveRateBar"`
	// CriticalThreatBar triggers tightening when recent CRITICAL
	// non-false-positive signals reach it.
	CriticalThreatBar int `json:"criticalThreatBar"`
	// RelaxFactor (< 1) multiplies penalty constants when relaxing;
	// tightening applies the inverse.
	RelaxFactor float64 `json:"relaxFactor"`
	// CheckIntervalHours is the auto-adjustment cadence.
	CheckIntervalHours int       `json:"checkIntervalHours"`
	LastCheckedAt      time.Time `json:"lastCheckedAt"`
	LastAction         string    `json:"lastAction,omitempty"`
}

// Exception is a time-bounded relaxation override, optionally scoped to a
// single component. Active over [ValidFrom, ValidUntil).
type Exception struct {
	ID string `json:"id"`
	// Component is empty for a global exception.
	Component trust.Component `json:"component,omitempty"`
	// Factor >= 1 divides the component penalty while active.
	Factor     float64   `json:"factor"`
	Reason     string    `json:"reason"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ActiveAt reports whether the exception covers the given instant and
// component.
func (e Exception) ActiveAt(comp trust.Component, now time.Time) bool {
	if e.Component != "" && e.Component != comp {
		return false
	}
	return !now.Before(e.ValidFrom) && now.Before(e.ValidUntil)
}

// Policy is the per-user adaptive threshold document.
type Policy struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	Baseline   BaselineProfile                        `json:"baseline"`
	Thresholds map[trust.Component]ComponentThreshold `json:"thresholds"`
	Boundaries trust.TierBoundaries                   `json:"boundaries"`
	Weights    trust.Weights                          `json:"weights"`

	Challenge      ChallengeStrategy     `json:"challenge"`
	FalsePositives FalsePositiveTracking `json:"falsePositives"`
	AutoAdjust     AutoAdjustment        `json:"autoAdjust"`
	Exceptions     []Exception           `json:"exceptions"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Default returns the bootstrap policy for a user with no stored document.
func Default(id, userID string) *Policy {
	now := time.Now().UTC()
	thresholds := make(map[trust.Component]ComponentThreshold, len(trust.Components))
	for _, comp := range trust.Components {
		thresholds[comp] = defaultThreshold(comp)
	}
	return &Policy{
		ID:         id,
		UserID:     userID,
		Thresholds: thresholds,
		Boundaries: trust.DefaultBoundaries,
		Weights:    trust.DefaultWeights,
		Baseline: BaselineProfile{
			LearningWindowDays: 30,
		},
		Challenge: ChallengeStrategy{
			Preference:           []string{"device_check", "email_verify", "otp", "password_2fa", "biometric", "security_questions"},
			CooldownSec:          300,
			MaxPerHour:           3,
			FastResponseCutoffMs: 15000,
		},
		FalsePositives: FalsePositiveTracking{
			WindowStart: now,
			WindowDays:  7,
		},
		AutoAdjust: AutoAdjustment{
			Enabled:              true,
			FalsePositiveRateBar: 0.30,
			CriticalThreatBar:    3,
			RelaxFactor:          0.85,
			CheckIntervalHours:   24,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func defaultThreshold(comp trust.Component) ComponentThreshold {
	t := ComponentThreshold{
		Tolerance:               ToleranceNormal,
		PenaltyPerSignal:        15,
		MinScoreBeforeChallenge: 40,
		DeviationThreshold:      0.5,
	}
	switch comp {
	case trust.ComponentThreat:
		t.Tolerance = ToleranceStrict
		t.PenaltyPerSignal = 40
		t.MinScoreBeforeChallenge = 60
	case trust.ComponentGeo:
		t.PenaltyPerSignal = 25
	case trust.ComponentPrivilege:
		t.PenaltyPerSignal = 20
		t.MinScoreBeforeChallenge = 50
	}
	return t
}

// Validate rejects structurally invalid policies before use.
func (p *Policy) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidPolicy)
	}
	if err := p.Weights.Validate(); err != nil {
		return err
	}
	if err := p.Boundaries.Validate(); err != nil {
		return err
	}
	for _, comp := range trust.Components {
		if _, ok := p.Thresholds[comp]; !ok {
			return fmt.Errorf("%w: missing threshold for component %s", ErrInvalidPolicy, comp)
		}
	}
	for _, ex := range p.Exceptions {
		if ex.Factor < 1 {
			return fmt.Errorf("%w: exception %s factor %.2f must be >= 1", ErrInvalidPolicy, ex.ID, ex.Factor)
		}
		if !ex.ValidUntil.After(ex.ValidFrom) {
			return fmt.Errorf("%w: exception %s window is empty", ErrInvalidPolicy, ex.ID)
		}
	}
	return nil
}

// RelaxationFactor returns the divisor applied to the component's penalty:
// the first matching active exception's factor, else 1.0.
func (p *Policy) RelaxationFactor(comp trust.Component, now time.Time) float64 {
	for _, ex := range p.Exceptions {
		if ex.ActiveAt(comp, now) {
			return ex.Factor
		}
	}
	return 1.0
}

// Threshold returns the component's threshold config, hardened when the
// baseline is not yet trained.
func (p *Policy) Threshold(comp trust.Component) ComponentThreshold {
	t, ok := p.Thresholds[comp]
	if !ok {
		t = defaultThreshold(comp)
	}
	if !p.Baseline.Trained() && t.Tolerance == ToleranceRelaxed {
		t.Tolerance = ToleranceNormal
	}
	return t
}

// RecordFalsePositive bumps the rolling tracker, resetting the window when
// it has lapsed.
func (p *Policy) RecordFalsePositive(now time.Time) {
	p.rollWindow(now)
	p.FalsePositives.Count++
	p.FalsePositives.LastMarkedAt = now
}

// RecordSignals counts scored signals into the tracking window denominator.
func (p *Policy) RecordSignals(n int, now time.Time) {
	p.rollWindow(now)
	p.FalsePositives.SignalsTotal += n
}

func (p *Policy) rollWindow(now time.Time) {
	days := p.FalsePositives.WindowDays
	if days <= 0 {
		days = 7
	}
	if now.Sub(p.FalsePositives.WindowStart) > time.Duration(days)*24*time.Hour {
		p.FalsePositives = FalsePositiveTracking{
			WindowStart: now,
			WindowDays:  days,
		}
	}
}

// Sentinel errors for the policy package.
var (
	ErrNotFound      = errors.New("policy: not found")
	ErrInvalidPolicy = errors.New("policy: invalid policy")
)
