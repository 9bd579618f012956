// Package trust defines the per-session trust score document and the
// enforcement tiers derived from it.
//
// A TrustScore is owned by the evaluation orchestrator: it is created on the
// first evaluation of a session (composite 100, tier normal) and mutated only
// through the orchestrator/scoring pipeline. Once TerminatedAt is set the
// document is immutable and the tier is forced to terminated.
package trust

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Tier is the access-control consequence of the current composite score.
type Tier string

const (
	TierNormal     Tier = "normal"     // >= 90: full access
	TierMonitored  Tier = "monitored"  // >= 70: access with elevated logging
	TierChallenged Tier = "challenged" // >= 40: step-up verification required
	TierTerminated Tier = "terminated" // < 40: session killed, absorbing
)

// Confidence reflects how many signals fed the current score.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"    // < 3 signals
	ConfidenceMedium Confidence = "medium" // 3-9 signals
	ConfidenceHigh   Confidence = "high"   // >= 10 signals
)

// Component identifies one of the eight scored behavior categories.
type Component string

const (
	ComponentEndpoint  Component = "endpoint_sensitivity"
	ComponentCadence   Component = "request_cadence"
	ComponentGeo       Component = "geo_context"
	ComponentUserAgent Component = "user_agent"
	ComponentTokenAge  Component = "token_age"
	ComponentPrivilege Component = "privilege"
	ComponentReauth    Component = "reauth_history"
	ComponentThreat    Component = "threat"
)

// Components lists all eight categories in canonical order.
var Components = []Component{
	ComponentEndpoint, ComponentCadence, ComponentGeo, ComponentUserAgent,
	ComponentTokenAge, ComponentPrivilege, ComponentReauth, ComponentThreat,
}

// ComponentScores holds the per-category scores, each in [0, 100].
type ComponentScores struct {
	Endpoint  float64 `json:"endpointSensitivity"`
	Cadence   float64 `json:"requestCadence"`
	Geo       float64 `json:"geoContext"`
	UserAgent float64 `json:"userAgent"`
	TokenAge  float64 `json:"tokenAge"`
	Privilege float64 `json:"privilege"`
	Reauth    float64 `json:"reauthHistory"`
	Threat    float64 `json:"threat"`
}

// Get returns the score for a single component.
func (c ComponentScores) Get(comp Component) float64 {
	switch comp {
	case ComponentEndpoint:
		return c.Endpoint
	case ComponentCadence:
		return c.Cadence
	case ComponentGeo:
		return c.Geo
	case ComponentUserAgent:
		return c.UserAgent
	case ComponentTokenAge:
		return c.TokenAge
	case ComponentPrivilege:
		return c.Privilege
	case ComponentReauth:
		return c.Reauth
	case ComponentThreat:
		return c.Threat
	}
	return 0
}

// Set assigns the score for a single component.
func (c *ComponentScores) Set(comp Component, v float64) {
	switch comp {
	case ComponentEndpoint:
		c.Endpoint = v
	case ComponentCadence:
		c.Cadence = v
	case ComponentGeo:
		c.Geo = v
	case ComponentUserAgent:
		c.UserAgent = v
	case ComponentTokenAge:
		c.TokenAge = v
	case ComponentPrivilege:
		c.Privilege = v
	case ComponentReauth:
		c.Reauth = v
	case ComponentThreat:
		c.Threat = v
	}
}

// PerfectScores returns all components at 100.
func PerfectScores() ComponentScores {
	return ComponentScores{
		Endpoint: 100, Cadence: 100, Geo: 100, UserAgent: 100,
		TokenAge: 100, Privilege: 100, Reauth: 100, Threat: 100,
	}
}

// Weights assigns each component's share of the composite score.
// A valid weight set sums to exactly 100.
type Weights struct {
	Endpoint  float64 `json:"endpointSensitivity"`
	Cadence   float64 `json:"requestCadence"`
	Geo       float64 `json:"geoContext"`
	UserAgent float64 `json:"userAgent"`
	TokenAge  float64 `json:"tokenAge"`
	Privilege float64 `json:"privilege"`
	Reauth    float64 `json:"reauthHistory"`
	Threat    float64 `json:"threat"`
}

// DefaultWeights reflects the relative importance of each category.
var DefaultWeights = Weights{
	Endpoint:  15,
	Cadence:   10,
	Geo:       15,
	UserAgent: 10,
	TokenAge:  10,
	Privilege: 15,
	Reauth:    10,
	Threat:    25,
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Endpoint + w.Cadence + w.Geo + w.UserAgent +
		w.TokenAge + w.Privilege + w.Reauth + w.Threat
}

// Validate rejects weight sets that do not sum to 100.
func (w Weights) Validate() error {
	if math.Abs(w.Sum()-100) > 1e-9 {
		return fmt.Errorf("%w: weights sum to %.4f, want 100", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// Composite returns the weight-normalized sum of the component scores,
// clamped to [0, 100].
func (w Weights) Composite(c ComponentScores) float64 {
	total := c.Endpoint*w.Endpoint + c.Cadence*w.Cadence + c.Geo*w.Geo +
		c.UserAgent*w.UserAgent + c.TokenAge*w.TokenAge +
		c.Privilege*w.Privilege + c.Reauth*w.Reauth + c.Threat*w.Threat
	score := total / 100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return math.Round(score*100) / 100
}

// TierBoundaries are the three cut points separating the four tiers.
type TierBoundaries struct {
	Normal     float64 `json:"normal"`     // composite >= Normal → normal
	Monitored  float64 `json:"monitored"`  // composite >= Monitored → monitored
	Challenged float64 `json:"challenged"` // composite >= Challenged → challenged, else terminated
}

// DefaultBoundaries are the 90/70/40 cut points.
var DefaultBoundaries = TierBoundaries{Normal: 90, Monitored: 70, Challenged: 40}

// Validate rejects boundary sets that are not strictly descending in (0, 100].
func (b TierBoundaries) Validate() error {
	if b.Normal <= b.Monitored || b.Monitored <= b.Challenged || b.Challenged <= 0 || b.Normal > 100 {
		return fmt.Errorf("%w: boundaries %v/%v/%v must be descending within (0,100]",
			ErrInvalidBoundaries, b.Normal, b.Monitored, b.Challenged)
	}
	return nil
}

// TierForScore derives the enforcement tier from a composite score.
// Pure and deterministic: identical inputs always yield the same tier.
func TierForScore(score float64, b TierBoundaries) Tier {
	switch {
	case score >= b.Normal:
		return TierNormal
	case score >= b.Monitored:
		return TierMonitored
	case score >= b.Challenged:
		return TierChallenged
	default:
		return TierTerminated
	}
}

// ConfidenceForSignalCount derives confidence from the number of signals
// that fed the current score.
func ConfidenceForSignalCount(n int) Confidence {
	switch {
	case n >= 10:
		return ConfidenceHigh
	case n >= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// TierTransition is one append-only entry in a session's enforcement history.
type TierTransition struct {
	From      Tier      `json:"from"`
	To        Tier      `json:"to"`
	Reason    string    `json:"reason"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// TrustScore is the per-session trust document.
type TrustScore struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`

	Composite  float64         `json:"composite"`
	Tier       Tier            `json:"tier"`
	Components ComponentScores `json:"components"`
	Weights    Weights         `json:"weights"`
	Confidence Confidence      `json:"confidence"`

	TierTransitions []TierTransition `json:"tierTransitions"`

	// ActiveChallengeID weakly references a pending challenge owned by the
	// challenge orchestrator. Empty when no challenge is outstanding.
	ActiveChallengeID string `json:"activeChallengeId,omitempty"`

	ReauthSuccesses  int `json:"reauthSuccesses"`
	ReauthFailures   int `json:"reauthFailures"`
	SignalsEvaluated int `json:"signalsEvaluated"`

	NextScoringAt time.Time `json:"nextScoringAt"`

	TerminatedAt      *time.Time `json:"terminatedAt,omitempty"`
	TerminationReason string     `json:"terminationReason,omitempty"`

	// Version guards concurrent read-modify-write cycles; every successful
	// store update increments it.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates the initial trust document for a session: full score, normal
// tier, default weights.
func New(id, sessionID, userID string) *TrustScore {
	now := time.Now().UTC()
	return &TrustScore{
		ID:         id,
		SessionID:  sessionID,
		UserID:     userID,
		Composite:  100,
		Tier:       TierNormal,
		Components: PerfectScores(),
		Weights:    DefaultWeights,
		Confidence: ConfidenceLow,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Terminated reports whether the document has reached its absorbing state.
func (t *TrustScore) Terminated() bool {
	return t.TerminatedAt != nil || t.Tier == TierTerminated
}

// Transition appends a tier transition and moves the document to the new
// tier. No-op when the tier is unchanged. Returns ErrTerminated when the
// document is already terminal.
func (t *TrustScore) Transition(to Tier, reason string, at time.Time) error {
	if t.TerminatedAt != nil {
		return ErrTerminated
	}
	if to == t.Tier {
		return nil
	}
	t.TierTransitions = append(t.TierTransitions, TierTransition{
		From:      t.Tier,
		To:        to,
		Reason:    reason,
		Score:     t.Composite,
		Timestamp: at,
	})
	t.Tier = to
	if to == TierTerminated {
		t.TerminatedAt = &at
		t.TerminationReason = reason
	}
	return nil
}

// Sentinel errors for the trust package.
var (
	ErrNotFound          = errors.New("trust: score not found")
	ErrVersionConflict   = errors.New("trust: version conflict on concurrent update")
	ErrTerminated        = errors.New("trust: session trust is terminated")
	ErrInvalidWeights    = errors.New("trust: invalid weights")
	ErrInvalidBoundaries = errors.New("trust: invalid tier boundaries")
)
