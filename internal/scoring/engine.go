// Package scoring turns a batch of behavior signals into component scores,
// a composite trust score, and a recommended tier.
package scoring

import (
	"log/slog"
	"math"
	"time"

	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/signal"
	"github.com/fintrack/sentinel/internal/trust"
)

// Per-component penalty caps. A single category can never erase more than
// its cap from that category's score, except geo and threat which may floor.
const (
	endpointPenaltyCap  = 80.0
	cadencePenaltyCap   = 70.0
	userAgentPenaltyCap = 80.0
	privilegePenaltyCap = 90.0
)

// severityMultiplier scales a category's base penalty constant.
func severityMultiplier(s signal.Severity) float64 {
	switch s {
	case signal.SeverityLow:
		return 0.5
	case signal.SeverityMedium:
		return 1.0
	case signal.SeverityHigh:
		return 1.5
	case signal.SeverityCritical:
		return 2.0
	default:
		return 1.0
	}
}

// Input is one scoring pass over a session.
type Input struct {
	Signals []*signal.BehaviorSignal
	Policy  *policy.Policy
	// SessionAge is the elapsed time since session establishment. The
	// token-age score is a step function of this value alone.
	SessionAge time.Duration
	// PriorSignals is how many signals were already evaluated for the
	// session before this batch. Confidence derives from the running
	// total.
	PriorSignals int
	// Prior carries the component state from the session's last scoring
	// pass. Fresh window scores are merged into it so a degradation
	// sticks across passes instead of vanishing once its signals age out
	// of the window. PriorUpdatedAt is when Prior was computed; zero
	// disables merging.
	Prior          trust.ComponentScores
	PriorUpdatedAt time.Time
	Now            time.Time
}

// Result is the outcome of one scoring pass.
type Result struct {
	Components trust.ComponentScores
	Composite  float64
	Tier       trust.Tier
	Confidence trust.Confidence
	// Breached lists components that fell below their policy floor.
	Breached []trust.Component
	// CriticalSignal is true when the batch contains a non-dismissed
	// CRITICAL signal with confidence above 70.
	CriticalSignal bool
	// Fallback is true when scoring failed and the defensive defaults
	// (composite 50, MONITORED) were substituted.
	Fallback bool
	// SignalsScored is how many non-dismissed signals contributed.
	SignalsScored int
}

// Engine computes trust scores. It is stateless and safe for concurrent
// use.
type Engine struct {
	weights    trust.Weights
	boundaries trust.TierBoundaries
	logger     *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithWeights overrides the default component weights.
func WithWeights(w trust.Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithBoundaries overrides the default tier boundaries.
func WithBoundaries(b trust.TierBoundaries) Option {
	return func(e *Engine) { e.boundaries = b }
}

// NewEngine creates a scoring engine.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		weights:    trust.DefaultWeights,
		boundaries: trust.DefaultBoundaries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Weights returns the engine's active weights.
func (e *Engine) Weights() trust.Weights { return e.weights }

// Boundaries returns the engine's active tier boundaries.
func (e *Engine) Boundaries() trust.TierBoundaries { return e.boundaries }

// Score runs one scoring pass. Any internal fault degrades to the
// defensive fallback rather than leaving the session unscored.
func (e *Engine) Score(in Input) (out Result) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("scoring fault, using fallback", "panic", rec)
			out = e.fallback(in)
		}
	}()
	return e.score(in)
}

func (e *Engine) fallback(in Input) Result {
	return Result{
		Components: trust.ComponentScores{
			Endpoint: 50, Cadence: 50, Geo: 50, UserAgent: 50,
			TokenAge: 50, Privilege: 50, Reauth: 50, Threat: 50,
		},
		Composite:     50,
		Tier:          trust.TierMonitored,
		Confidence:    trust.ConfidenceForSignalCount(in.PriorSignals),
		Fallback:      true,
		SignalsScored: 0,
	}
}

func (e *Engine) score(in Input) Result {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	pol := in.Policy
	if pol == nil {
		panic("scoring requires a policy")
	}

	scored := partition(in.Signals)

	var components trust.ComponentScores
	components.Endpoint = e.endpointScore(scored, pol, in.Now)
	components.Cadence = e.cadenceScore(scored, pol, in.Now)
	components.Geo = e.geoScore(scored, pol, in.Now)
	components.UserAgent = e.userAgentScore(scored, pol, in.Now)
	components.TokenAge = tokenAgeScore(in.SessionAge)
	components.Privilege = e.privilegeScore(scored, pol, in.Now)
	components.Reauth = e.reauthScore(scored, pol, in.Now)
	components.Threat = e.threatScore(scored, pol, in.Now)

	if !in.PriorUpdatedAt.IsZero() {
		components = mergeWithPrior(components, in.Prior, in.Now.Sub(in.PriorUpdatedAt), scored.reauthRestore)
	}

	composite := e.weights.Composite(components)
	tier := e.decideTier(composite, components, pol, scored)

	return Result{
		Components:     components,
		Composite:      composite,
		Tier:           tier,
		Confidence:     trust.ConfidenceForSignalCount(in.PriorSignals + scored.count),
		Breached:       e.breachedComponents(components, pol),
		CriticalSignal: scored.hasCritical,
		SignalsScored:  scored.count,
	}
}

// batch groups the non-dismissed signals of one pass by scoring category.
type batch struct {
	endpoint    []*signal.BehaviorSignal
	cadence     []*signal.BehaviorSignal
	geo         []*signal.BehaviorSignal
	ipChanges   []*signal.BehaviorSignal
	userAgent   []*signal.BehaviorSignal
	privilege   []*signal.BehaviorSignal
	reauth      []*signal.BehaviorSignal
	threat      []*signal.BehaviorSignal
	count       int
	hasCritical bool
	// reauthRestore is the total trust restore carried by successful
	// re-auth signals in the window.
	reauthRestore float64
}

func partition(signals []*signal.BehaviorSignal) *batch {
	b := &batch{}
	for _, s := range signals {
		if s.FalsePositive {
			continue
		}
		b.count++
		if s.Severity == signal.SeverityCritical && s.Confidence > 70 {
			b.hasCritical = true
		}
		switch s.Type {
		case signal.TypeEndpointAccess:
			b.endpoint = append(b.endpoint, s)
		case signal.TypeCadenceAnomaly:
			b.cadence = append(b.cadence, s)
		case signal.TypeGeoDrift:
			b.geo = append(b.geo, s)
		case signal.TypeIPChange:
			b.ipChanges = append(b.ipChanges, s)
		case signal.TypeUserAgentChange, signal.TypeDeviceMismatch:
			b.userAgent = append(b.userAgent, s)
		case signal.TypePrivilegeEscalation, signal.TypePrivilegeRevocation:
			b.privilege = append(b.privilege, s)
		case signal.TypeReauthFailed, signal.TypeReauthSuccess:
			b.reauth = append(b.reauth, s)
			if s.Type == signal.TypeReauthSuccess && s.TrustImpact > 0 {
				b.reauthRestore += s.TrustImpact
			}
		case signal.TypeKnownThreat, signal.TypeVPNDetected, signal.TypeBotDetected, signal.TypeAnomaly:
			b.threat = append(b.threat, s)
		case signal.TypeTokenAge:
			// Informational only; the score derives from session age.
		}
	}
	return b
}

// recoveryPerMinute is the passive rate at which a degraded component
// climbs back toward 100 between scoring passes. A floored component
// takes over three hours of quiet behavior to fully recover.
const recoveryPerMinute = 0.5

// mergeWithPrior folds fresh window scores into the component state
// carried on the trust document. A component only moves up through slow
// passive recovery or an explicit re-auth restore; a fresh degradation
// always sticks. Token age is a pure function of session age and is
// never merged.
func mergeWithPrior(fresh, prior trust.ComponentScores, elapsed time.Duration, reauthRestore float64) trust.ComponentScores {
	recovery := recoveryPerMinute * elapsed.Minutes()
	if recovery < 0 {
		recovery = 0
	}
	var out trust.ComponentScores
	for _, comp := range trust.Components {
		f := fresh.Get(comp)
		if comp == trust.ComponentTokenAge {
			out.Set(comp, f)
			continue
		}
		m := math.Min(f, prior.Get(comp)+recovery)
		if comp == trust.ComponentReauth {
			m += reauthRestore
		}
		out.Set(comp, clampScore(m))
	}
	return out
}

// applyRelaxation divides the accumulated penalty by the first active
// exception's factor. Factors are always >= 1, so an exception can only
// soften.
func applyRelaxation(penalty float64, pol *policy.Policy, comp trust.Component, now time.Time) float64 {
	factor := pol.RelaxationFactor(comp, now)
	if factor > 1 {
		penalty /= factor
	}
	return penalty
}

func (e *Engine) endpointScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	base := pol.Threshold(trust.ComponentEndpoint).PenaltyPerSignal
	var penalty float64
	for _, s := range b.endpoint {
		penalty += base * severityMultiplier(s.Severity)
	}
	penalty = capF(penalty, endpointPenaltyCap)
	penalty = applyRelaxation(penalty, pol, trust.ComponentEndpoint, now)
	return clampScore(100 - penalty)
}

// cadenceScore takes the worst deviation in the batch and penalizes
// proportionally. A 100% deviation costs one base penalty.
func (e *Engine) cadenceScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	if len(b.cadence) == 0 {
		return 100
	}
	base := pol.Threshold(trust.ComponentCadence).PenaltyPerSignal
	var worst float64
	for _, s := range b.cadence {
		p := base * severityMultiplier(s.Severity)
		if d, ok := s.Details.(*signal.CadenceDetails); ok && d.DeviationPct > 0 {
			p = base * d.DeviationPct / 100
		}
		if p > worst {
			worst = p
		}
	}
	penalty := capF(worst, cadencePenaltyCap)
	penalty = applyRelaxation(penalty, pol, trust.ComponentCadence, now)
	return clampScore(100 - penalty)
}

// geoScore applies severity-tiered flat penalties. A CRITICAL geo signal
// (impossible travel) floors the score regardless of exceptions.
func (e *Engine) geoScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	base := pol.Threshold(trust.ComponentGeo).PenaltyPerSignal
	var penalty float64
	for _, s := range b.geo {
		switch s.Severity {
		case signal.SeverityCritical:
			return 0
		case signal.SeverityHigh:
			penalty += base * 1.6
		case signal.SeverityMedium:
			penalty += base
		default:
			penalty += base * 0.4
		}
	}
	for range b.ipChanges {
		penalty += base * 0.3
	}
	penalty = applyRelaxation(penalty, pol, trust.ComponentGeo, now)
	return clampScore(100 - penalty)
}

func (e *Engine) userAgentScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	base := pol.Threshold(trust.ComponentUserAgent).PenaltyPerSignal
	var penalty float64
	for _, s := range b.userAgent {
		penalty += base * severityMultiplier(s.Severity)
	}
	penalty = capF(penalty, userAgentPenaltyCap)
	penalty = applyRelaxation(penalty, pol, trust.ComponentUserAgent, now)
	return clampScore(100 - penalty)
}

// tokenAgeScore decays in steps as the session ages. It never reads
// signals.
func tokenAgeScore(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 100
	case age < 4*time.Hour:
		return 95
	case age < 8*time.Hour:
		return 85
	case age < 12*time.Hour:
		return 70
	case age < 24*time.Hour:
		return 50
	default:
		return 30
	}
}

// privilegeScore penalizes escalations proportionally to how many rungs of
// the role ladder were jumped. Revocations claw back half a base penalty.
func (e *Engine) privilegeScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	base := pol.Threshold(trust.ComponentPrivilege).PenaltyPerSignal
	var penalty float64
	for _, s := range b.privilege {
		if s.Type == signal.TypePrivilegeRevocation {
			penalty -= base * 0.5
			continue
		}
		depthFactor := 1.0
		if d, ok := s.Details.(*signal.PrivilegeDetails); ok && d.EscalationDepth > 1 {
			depthFactor = 1 + 0.25*float64(d.EscalationDepth-1)
		}
		penalty += base * severityMultiplier(s.Severity) * depthFactor
	}
	if penalty < 0 {
		penalty = 0
	}
	penalty = capF(penalty, privilegePenaltyCap)
	penalty = applyRelaxation(penalty, pol, trust.ComponentPrivilege, now)
	return clampScore(100 - penalty)
}

// reauthScore accumulates failure penalties and lets successes repair the
// component back toward 100.
func (e *Engine) reauthScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	base := pol.Threshold(trust.ComponentReauth).PenaltyPerSignal
	var penalty float64
	for _, s := range b.reauth {
		if s.Type == signal.TypeReauthFailed {
			penalty += base * severityMultiplier(s.Severity)
			continue
		}
		repair := base
		if s.TrustImpact > 0 {
			repair = s.TrustImpact
		}
		penalty -= repair
	}
	if penalty < 0 {
		penalty = 0
	}
	penalty = applyRelaxation(penalty, pol, trust.ComponentReauth, now)
	return clampScore(100 - penalty)
}

// threatScore takes the single worst threat-class signal rather than
// summing, so repeated lookups of the same bad address do not stack.
func (e *Engine) threatScore(b *batch, pol *policy.Policy, now time.Time) float64 {
	base := pol.Threshold(trust.ComponentThreat).PenaltyPerSignal
	var worst float64
	for _, s := range b.threat {
		var p float64
		switch s.Severity {
		case signal.SeverityCritical:
			p = 100
		case signal.SeverityHigh:
			p = base * 1.5
		case signal.SeverityMedium:
			p = base
		default:
			p = base * 0.5
		}
		if p > worst {
			worst = p
		}
	}
	if worst >= 100 {
		// A confirmed critical threat is never softened by exceptions.
		return 0
	}
	penalty := applyRelaxation(worst, pol, trust.ComponentThreat, now)
	return clampScore(100 - penalty)
}

// decideTier derives the tier from the composite and then applies two
// escalations: a component falling below its policy floor worsens NORMAL
// to MONITORED, and a high-confidence CRITICAL signal forces at least
// CHALLENGED. TERMINATED is only ever reached through the composite.
func (e *Engine) decideTier(composite float64, c trust.ComponentScores, pol *policy.Policy, b *batch) trust.Tier {
	tier := trust.TierForScore(composite, e.boundaries)
	if tier == trust.TierTerminated {
		return tier
	}
	if b.hasCritical && tier != trust.TierChallenged {
		return trust.TierChallenged
	}
	if tier == trust.TierNormal && len(e.breachedComponents(c, pol)) > 0 {
		return trust.TierMonitored
	}
	return tier
}

func (e *Engine) breachedComponents(c trust.ComponentScores, pol *policy.Policy) []trust.Component {
	var out []trust.Component
	for _, comp := range trust.Components {
		floor := pol.Threshold(comp).MinScoreBeforeChallenge
		if floor > 0 && c.Get(comp) < floor {
			out = append(out, comp)
		}
	}
	return out
}

func capF(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}

func clampScore(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return math.Round(v*100) / 100
}
