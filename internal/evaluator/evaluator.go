// Package evaluator wires signal collection, scoring, policy, and
// challenge orchestration into the per-request evaluation pipeline.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fintrack/sentinel/internal/challenge"
	"github.com/fintrack/sentinel/internal/idgen"
	"github.com/fintrack/sentinel/internal/metrics"
	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/scoring"
	"github.com/fintrack/sentinel/internal/session"
	"github.com/fintrack/sentinel/internal/signal"
	"github.com/fintrack/sentinel/internal/syncutil"
	"github.com/fintrack/sentinel/internal/threatintel"
	"github.com/fintrack/sentinel/internal/traces"
	"github.com/fintrack/sentinel/internal/trust"
	"go.opentelemetry.io/otel/attribute"
)

// Re-score intervals by tier. Lower tiers are watched more closely; a
// low-confidence score is re-checked sooner regardless of tier.
const (
	rescoreChallenged    = 30 * time.Second
	rescoreLowConfidence = 60 * time.Second
	rescoreMonitored     = 120 * time.Second
	rescoreNormal        = 300 * time.Second
)

// defaultPropagationCap bounds how many co-located sessions one ingested
// indicator can force-rescore.
const defaultPropagationCap = 50

// Action is the enforcement verdict returned to the caller.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionMonitor   Action = "monitor"
	ActionChallenge Action = "challenge"
	ActionTerminate Action = "terminate"
)

func actionForTier(t trust.Tier) Action {
	switch t {
	case trust.TierNormal:
		return ActionAllow
	case trust.TierMonitored:
		return ActionMonitor
	case trust.TierChallenged:
		return ActionChallenge
	default:
		return ActionTerminate
	}
}

// Evaluation is the outcome of one pipeline pass.
type Evaluation struct {
	Score     *trust.TrustScore    `json:"score"`
	Action    Action               `json:"action"`
	Signals   []*signal.BehaviorSignal `json:"signals,omitempty"`
	Challenge *challenge.Challenge `json:"challenge,omitempty"`
	// Scored is false when the pass only recorded signals because the
	// session was not yet due for re-scoring.
	Scored bool `json:"scored"`
}

// EventSink receives trust lifecycle events for realtime fan-out. All
// methods must be non-blocking.
type EventSink interface {
	TierChanged(ts *trust.TrustScore, tr trust.TierTransition)
	ChallengeIssued(c *challenge.Challenge)
	SessionTerminated(sessionID, reason string)
}

// nopSink drops all events.
type nopSink struct{}

func (nopSink) TierChanged(*trust.TrustScore, trust.TierTransition) {}
func (nopSink) ChallengeIssued(*challenge.Challenge)                {}
func (nopSink) SessionTerminated(string, string)                    {}

// Evaluator runs the evaluation pipeline.
type Evaluator struct {
	trustStore  trust.Store
	signalStore signal.Store
	sessions    session.Store
	collector   *signal.Collector
	engine      *scoring.Engine
	policies    *policy.Manager
	challenges  *challenge.Orchestrator
	indicators  *threatintel.IndicatorSet
	events      EventSink
	logger      *slog.Logger

	// propagationCap bounds sessions touched per ingested indicator.
	propagationCap int

	// locks serializes scoring per session so concurrent requests for the
	// same session do not race each other into CAS conflicts.
	locks *syncutil.ContextShardedMutex
}

// Option configures the Evaluator.
type Option func(*Evaluator)

// WithEventSink sets the realtime event sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Evaluator) { e.events = sink }
}

// WithPropagationCap overrides how many active sessions a single threat
// indicator may force-rescore.
func WithPropagationCap(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.propagationCap = n
		}
	}
}

// New creates an evaluator.
func New(
	trustStore trust.Store,
	signalStore signal.Store,
	sessions session.Store,
	collector *signal.Collector,
	engine *scoring.Engine,
	policies *policy.Manager,
	challenges *challenge.Orchestrator,
	indicators *threatintel.IndicatorSet,
	logger *slog.Logger,
	opts ...Option,
) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		trustStore:     trustStore,
		signalStore:    signalStore,
		sessions:       sessions,
		collector:      collector,
		engine:         engine,
		policies:       policies,
		challenges:     challenges,
		indicators:     indicators,
		events:         nopSink{},
		logger:         logger,
		propagationCap: defaultPropagationCap,
		locks:          syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the pipeline for one observed request: collect signals,
// persist them, and re-score if the session is due or the batch warrants
// it. Signals are always recorded even when scoring is skipped.
func (e *Evaluator) Evaluate(ctx context.Context, sessionID string, req *signal.RequestContext) (*Evaluation, error) {
	ctx, span := traces.StartSpan(ctx, "evaluator.Evaluate", traces.SessionID(sessionID))
	defer span.End()

	now := time.Now().UTC()
	if req == nil {
		req = &signal.RequestContext{}
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, session.ErrTerminated
	}
	if req.SessionStartedAt.IsZero() {
		req.SessionStartedAt = sess.EstablishedAt
	}

	ts, err := e.loadOrCreateScore(ctx, sessionID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if ts.Terminated() {
		return &Evaluation{Score: ts, Action: ActionTerminate}, nil
	}

	pol, err := e.policies.GetOrCreate(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	signals := e.collector.Collect(ctx, sessionID, sess.UserID, req, pol)
	e.recordBatch(ctx, sess, req, signals, pol, now)
	span.SetAttributes(traces.UserID(sess.UserID), attribute.Int("signals.collected", len(signals)))

	forced := false
	for _, s := range signals {
		if s.Severity == signal.SeverityCritical {
			forced = true
			span.SetAttributes(traces.SignalType(string(s.Type)))
			break
		}
	}
	if !forced && now.Before(ts.NextScoringAt) {
		return &Evaluation{Score: ts, Action: actionForTier(ts.Tier), Signals: signals}, nil
	}

	eval, err := e.rescore(ctx, sess, ts, pol, now)
	if err != nil {
		return nil, err
	}
	eval.Signals = signals
	span.SetAttributes(traces.Tier(string(eval.Score.Tier)))
	return eval, nil
}

// Rescore forces a scoring pass outside the request path (scheduler,
// challenge resolution, threat propagation).
func (e *Evaluator) Rescore(ctx context.Context, sessionID string) (*Evaluation, error) {
	now := time.Now().UTC()
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ts, err := e.trustStore.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ts.Terminated() {
		return &Evaluation{Score: ts, Action: ActionTerminate}, nil
	}
	pol, err := e.policies.GetOrCreate(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return e.rescore(ctx, sess, ts, pol, now)
}

func (e *Evaluator) loadOrCreateScore(ctx context.Context, sessionID, userID string) (*trust.TrustScore, error) {
	ts, err := e.trustStore.GetBySession(ctx, sessionID)
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, trust.ErrNotFound) {
		return nil, err
	}
	ts = trust.New(idgen.WithPrefix("trs_"), sessionID, userID)
	if err := e.trustStore.Create(ctx, ts); err != nil {
		// A concurrent first evaluation may have won the insert.
		if existing, gerr := e.trustStore.GetBySession(ctx, sessionID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return ts, nil
}

// recordBatch persists the signal batch and the raw observation, neither
// of which may fail the evaluation.
func (e *Evaluator) recordBatch(ctx context.Context, sess *session.Session, req *signal.RequestContext, signals []*signal.BehaviorSignal, pol *policy.Policy, now time.Time) {
	if len(signals) > 0 {
		if err := e.signalStore.CreateBatch(ctx, signals); err != nil {
			e.logger.Warn("failed to persist signal batch", "session", sess.ID, "error", err)
		} else {
			for _, s := range signals {
				metrics.SignalsRecordedTotal.WithLabelValues(string(s.Type), string(s.Severity)).Inc()
			}
			pol.RecordSignals(len(signals), now)
		}
	}

	obs := policy.Observation{
		UserAgent:         req.UserAgent,
		Device:            req.DeviceFingerprint,
		Role:              req.Role,
		Endpoint:          req.Endpoint,
		RequestsPerMinute: req.RequestsPerMinute,
		HourUTC:           req.Timestamp.UTC().Hour(),
		CreatedAt:         req.Timestamp,
	}
	if req.Location != nil {
		obs.City = req.Location.City
		obs.Country = req.Location.Country
	}
	if err := e.signalStore.RecordObservation(ctx, sess.UserID, obs); err != nil {
		e.logger.Warn("failed to record observation", "session", sess.ID, "error", err)
	}
	if err := e.sessions.Touch(ctx, sess.ID, req.IPAddress, req.UserAgent, req.DeviceFingerprint, now); err != nil {
		e.logger.Warn("failed to touch session", "session", sess.ID, "error", err)
	}
}

// rescore runs the scoring engine over the recent signal window and
// applies the result with one optimistic retry.
func (e *Evaluator) rescore(ctx context.Context, sess *session.Session, ts *trust.TrustScore, pol *policy.Policy, now time.Time) (*Evaluation, error) {
	ctx, span := traces.StartSpan(ctx, "evaluator.rescore",
		traces.SessionID(sess.ID), traces.UserID(sess.UserID))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	window, err := e.signalStore.ListRecentBySession(ctx, sess.ID, ts.UpdatedAt)
	if err != nil {
		e.logger.Warn("failed to load signal window", "session", sess.ID, "error", err)
		window = nil
	}

	result := e.engine.Score(scoring.Input{
		Signals:        window,
		Policy:         pol,
		SessionAge:     sess.Age(now),
		PriorSignals:   ts.SignalsEvaluated,
		Prior:          ts.Components,
		PriorUpdatedAt: ts.UpdatedAt,
		Now:            now,
	})
	if result.Fallback {
		metrics.EvaluationsTotal.WithLabelValues("fallback").Inc()
	} else {
		metrics.EvaluationsTotal.WithLabelValues("scored").Inc()
	}

	// An unanswered pending challenge pins the tier at CHALLENGED. A
	// session cannot climb out by waiting out rescore passes; only
	// resolving the challenge, or letting it expire, releases the pin.
	reason := ""
	if result.Tier == trust.TierNormal || result.Tier == trust.TierMonitored {
		if c, cerr := e.challenges.Store().GetPendingBySession(ctx, sess.ID); cerr == nil && !c.Expired(now) {
			result.Tier = trust.TierChallenged
			reason = "pending challenge unresolved"
		} else if cerr != nil && !errors.Is(cerr, challenge.ErrNotFound) {
			e.logger.Warn("pending challenge lookup failed", "session", sess.ID, "error", cerr)
		}
	}

	updated, transition, err := e.applyResult(ctx, sess.ID, result, reason, now)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(traces.Tier(string(updated.Tier)),
		attribute.Float64("trust.composite", updated.Composite))

	eval := &Evaluation{Score: updated, Action: actionForTier(updated.Tier), Scored: true}
	if err := e.applySideEffects(ctx, eval, updated, transition, pol, result, now); err != nil {
		e.logger.Error("tier side effects failed", "session", sess.ID, "error", err)
	}
	return eval, nil
}

// applyResult merges the scoring result into the stored document under
// optimistic concurrency, reloading and re-applying once on conflict.
func (e *Evaluator) applyResult(ctx context.Context, sessionID string, result scoring.Result, reason string, now time.Time) (*trust.TrustScore, *trust.TierTransition, error) {
	for attempt := 0; ; attempt++ {
		ts, err := e.trustStore.GetBySession(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		if ts.Terminated() {
			return ts, nil, nil
		}

		ts.Components = result.Components
		ts.Composite = result.Composite
		ts.Confidence = result.Confidence
		ts.SignalsEvaluated += result.SignalsScored
		ts.UpdatedAt = now

		var transition *trust.TierTransition
		if result.Tier != ts.Tier {
			if reason == "" {
				reason = transitionReason(result)
			}
			if err := ts.Transition(result.Tier, reason, now); err != nil {
				return nil, nil, err
			}
			tr := ts.TierTransitions[len(ts.TierTransitions)-1]
			transition = &tr
		}
		ts.NextScoringAt = now.Add(rescoreInterval(ts.Tier, ts.Confidence))

		err = e.trustStore.UpdateCAS(ctx, ts)
		if err == nil {
			return ts, transition, nil
		}
		if errors.Is(err, trust.ErrVersionConflict) && attempt == 0 {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		return nil, nil, fmt.Errorf("apply scoring result: %w", err)
	}
}

func transitionReason(result scoring.Result) string {
	switch {
	case result.CriticalSignal:
		return "critical signal"
	case result.Fallback:
		return "scoring fallback"
	case len(result.Breached) > 0:
		return fmt.Sprintf("component %s below floor", result.Breached[0])
	default:
		return fmt.Sprintf("composite %.1f", result.Composite)
	}
}

func rescoreInterval(tier trust.Tier, confidence trust.Confidence) time.Duration {
	if tier == trust.TierChallenged {
		return rescoreChallenged
	}
	if confidence == trust.ConfidenceLow {
		return rescoreLowConfidence
	}
	if tier == trust.TierMonitored {
		return rescoreMonitored
	}
	return rescoreNormal
}

// applySideEffects enforces the tier decision: termination, challenge
// issuance, and cancellation of stale challenges on recovery.
func (e *Evaluator) applySideEffects(ctx context.Context, eval *Evaluation, ts *trust.TrustScore, transition *trust.TierTransition, pol *policy.Policy, result scoring.Result, now time.Time) error {
	if transition != nil {
		metrics.TierTransitionsTotal.WithLabelValues(string(transition.From), string(transition.To)).Inc()
		e.events.TierChanged(ts, *transition)
		e.logger.Info("tier transition",
			"session", ts.SessionID, "from", transition.From, "to", transition.To,
			"composite", ts.Composite, "reason", transition.Reason)
	}

	switch ts.Tier {
	case trust.TierTerminated:
		return e.terminate(ctx, ts, ts.TerminationReason, now)

	case trust.TierChallenged:
		trig, reason := challengeTrigger(result)
		c, err := e.challenges.Trigger(ctx, challenge.TriggerRequest{
			Score:    ts,
			Policy:   pol,
			Trigger:  trig,
			Reason:   reason,
			Critical: result.CriticalSignal,
			Now:      now,
		})
		if errors.Is(err, challenge.ErrSuppressed) {
			e.logger.Debug("challenge suppressed", "session", ts.SessionID, "reason", err)
			return nil
		}
		if err != nil {
			return err
		}
		eval.Challenge = c
		if ts.ActiveChallengeID != c.ID {
			ts.ActiveChallengeID = c.ID
			if err := e.trustStore.UpdateCAS(ctx, ts); err != nil && !errors.Is(err, trust.ErrVersionConflict) {
				return err
			}
			metrics.ChallengesIssuedTotal.WithLabelValues(string(c.Type), string(c.Trigger)).Inc()
			e.events.ChallengeIssued(c)
		}

	case trust.TierNormal:
		// Recovery cancels any stale pending challenge.
		if transition != nil {
			if _, err := e.challenges.CancelPending(ctx, ts.SessionID, "tier recovered to normal", now); err != nil {
				return err
			}
			if ts.ActiveChallengeID != "" {
				ts.ActiveChallengeID = ""
				if err := e.trustStore.UpdateCAS(ctx, ts); err != nil && !errors.Is(err, trust.ErrVersionConflict) {
					return err
				}
			}
		}
	}
	return nil
}

func challengeTrigger(result scoring.Result) (challenge.Trigger, string) {
	switch {
	case result.CriticalSignal:
		return challenge.TriggerCriticalSignal, "critical behavior signal"
	case len(result.Breached) > 0:
		return challenge.TriggerComponentFloor, fmt.Sprintf("component %s below policy floor", result.Breached[0])
	default:
		return challenge.TriggerScoreBelowThreshold, fmt.Sprintf("composite %.1f below challenge boundary", result.Composite)
	}
}

// terminate kills the session everywhere: session record, pending
// challenge, and collector state.
func (e *Evaluator) terminate(ctx context.Context, ts *trust.TrustScore, reason string, now time.Time) error {
	if reason == "" {
		reason = "trust score below termination boundary"
	}
	err := e.sessions.Terminate(ctx, ts.SessionID, reason, now)
	if err != nil && !errors.Is(err, session.ErrTerminated) {
		return err
	}
	if _, err := e.challenges.CancelPending(ctx, ts.SessionID, "session terminated", now); err != nil {
		e.logger.Warn("failed to cancel challenge on termination", "session", ts.SessionID, "error", err)
	}
	e.collector.Forget(ts.SessionID)
	metrics.SessionsTerminatedTotal.WithLabelValues(terminationClass(reason)).Inc()
	e.events.SessionTerminated(ts.SessionID, reason)
	e.logger.Warn("session terminated", "session", ts.SessionID, "reason", reason)
	return nil
}

func terminationClass(reason string) string {
	switch {
	case reason == "manual":
		return "manual"
	case len(reason) >= 8 && reason[:8] == "critical":
		return "critical_signal"
	default:
		return "score"
	}
}

// Terminate forcibly kills a session on operator request. The trust
// document transitions to its absorbing state.
func (e *Evaluator) Terminate(ctx context.Context, sessionID, reason string) (*trust.TrustScore, error) {
	now := time.Now().UTC()
	if reason == "" {
		reason = "manual"
	}
	for attempt := 0; ; attempt++ {
		ts, err := e.trustStore.GetBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if ts.Terminated() {
			return ts, trust.ErrTerminated
		}
		if err := ts.Transition(trust.TierTerminated, reason, now); err != nil {
			return nil, err
		}
		ts.UpdatedAt = now
		err = e.trustStore.UpdateCAS(ctx, ts)
		if err == nil {
			tr := ts.TierTransitions[len(ts.TierTransitions)-1]
			metrics.TierTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
			e.events.TierChanged(ts, tr)
			return ts, e.terminate(ctx, ts, reason, now)
		}
		if errors.Is(err, trust.ErrVersionConflict) && attempt == 0 {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		return nil, err
	}
}

// ResolveChallenge processes a challenge response and folds the outcome
// back into the trust document as a re-auth signal plus an immediate
// re-score. A failed challenge never terminates by itself; the score
// decides.
func (e *Evaluator) ResolveChallenge(ctx context.Context, challengeID, response string, responseTimeMs int64) (*Evaluation, *challenge.Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "evaluator.ResolveChallenge", traces.ChallengeID(challengeID))
	defer span.End()

	now := time.Now().UTC()

	c, err := e.challengeForID(ctx, challengeID)
	if err != nil {
		return nil, nil, err
	}
	pol, err := e.policies.GetOrCreate(ctx, c.UserID)
	if err != nil {
		return nil, nil, err
	}

	out, err := e.challenges.ProcessResponse(ctx, challengeID, response, responseTimeMs, pol, now)
	if err != nil {
		if errors.Is(err, challenge.ErrExpired) {
			metrics.ChallengesResolvedTotal.WithLabelValues(string(challenge.StatusExpired)).Inc()
		}
		return nil, nil, err
	}
	if out.Challenge.Status.Terminal() {
		metrics.ChallengesResolvedTotal.WithLabelValues(string(out.Challenge.Status)).Inc()
	}

	e.recordReauthSignal(ctx, out, now)
	e.updateReauthCounters(ctx, out, now)

	eval, err := e.Rescore(ctx, out.Challenge.SessionID)
	if err != nil {
		return nil, out, err
	}
	return eval, out, nil
}

func (e *Evaluator) challengeForID(ctx context.Context, challengeID string) (*challenge.Challenge, error) {
	return e.challenges.Store().Get(ctx, challengeID)
}

// recordReauthSignal emits the reauth outcome as a behavior signal so the
// next scoring window sees it.
func (e *Evaluator) recordReauthSignal(ctx context.Context, out *challenge.Outcome, now time.Time) {
	c := out.Challenge
	s := &signal.BehaviorSignal{
		ID:           idgen.WithPrefix("sig_"),
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		Confidence:   100,
		AnomalyScore: 0,
		Details: &signal.ReauthDetails{
			ChallengeID:    c.ID,
			ChallengeType:  string(c.Type),
			ResponseTimeMs: out.Challenge.ResponseMs,
		},
		CreatedAt: now,
	}
	if out.Success {
		s.Type = signal.TypeReauthSuccess
		s.Severity = signal.SeverityLow
		s.TrustImpact = out.TrustRestore
	} else {
		s.Type = signal.TypeReauthFailed
		s.Severity = signal.SeverityMedium
		s.TrustImpact = -15
		s.AnomalyScore = 50
		if out.Exhausted {
			s.Severity = signal.SeverityHigh
			s.TrustImpact = -30
			s.AnomalyScore = 70
		}
	}
	if err := e.signalStore.Create(ctx, s); err != nil {
		e.logger.Warn("failed to record reauth signal", "challenge", c.ID, "error", err)
		return
	}
	metrics.SignalsRecordedTotal.WithLabelValues(string(s.Type), string(s.Severity)).Inc()
}

func (e *Evaluator) updateReauthCounters(ctx context.Context, out *challenge.Outcome, now time.Time) {
	for attempt := 0; ; attempt++ {
		ts, err := e.trustStore.GetBySession(ctx, out.Challenge.SessionID)
		if err != nil {
			e.logger.Warn("failed to load score for reauth counters", "session", out.Challenge.SessionID, "error", err)
			return
		}
		if out.Success {
			ts.ReauthSuccesses++
		} else {
			ts.ReauthFailures++
		}
		if out.Challenge.Status.Terminal() && ts.ActiveChallengeID == out.Challenge.ID {
			ts.ActiveChallengeID = ""
		}
		ts.UpdatedAt = now
		err = e.trustStore.UpdateCAS(ctx, ts)
		if err == nil {
			return
		}
		if errors.Is(err, trust.ErrVersionConflict) && attempt == 0 {
			continue
		}
		e.logger.Warn("failed to update reauth counters", "session", out.Challenge.SessionID, "error", err)
		return
	}
}

// IngestIndicator adds a threat indicator and force-rescores sessions
// currently active from the indicated address, up to a cap.
func (e *Evaluator) IngestIndicator(ctx context.Context, ind threatintel.Indicator) (int, error) {
	ctx, span := traces.StartSpan(ctx, "evaluator.IngestIndicator",
		attribute.String("indicator.type", string(ind.Type)))
	defer span.End()

	fresh := e.indicators.Ingest(ind)
	if !fresh || ind.Type != threatintel.IndicatorIP {
		return 0, nil
	}

	sessions, err := e.sessions.ListActiveByIP(ctx, ind.Value, e.propagationCap)
	if err != nil {
		return 0, fmt.Errorf("list sessions for indicator: %w", err)
	}
	rescored := 0
	for _, sess := range sessions {
		// The threat surfaces through the next collection; here we force
		// the score forward so a blacklisted address degrades promptly.
		if _, err := e.Evaluate(ctx, sess.ID, &signal.RequestContext{
			IPAddress: ind.Value,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("indicator propagation rescore failed", "session", sess.ID, "error", err)
			continue
		}
		rescored++
	}
	metrics.ThreatLookupsTotal.WithLabelValues("hit").Inc()
	e.logger.Info("threat indicator ingested",
		"type", ind.Type, "value", ind.Value, "sessions_rescored", rescored)
	return rescored, nil
}
