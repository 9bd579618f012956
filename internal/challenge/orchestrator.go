package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fintrack/sentinel/internal/idgen"
	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/traces"
	"github.com/fintrack/sentinel/internal/trust"
	"go.opentelemetry.io/otel/attribute"
)

// Notifier delivers an issued challenge to the user's device or channel.
// Delivery is fire-and-forget; failures are logged, never propagated into
// the scoring path.
type Notifier interface {
	Notify(ctx context.Context, c *Challenge)
}

// LogNotifier logs deliveries instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, c *Challenge) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("challenge notification",
		"challenge", c.ID, "session", c.SessionID, "type", c.Type)
}

// Verifier checks a challenge response. The default implementation
// compares the response hash against the hash recorded at issuance.
type Verifier interface {
	Verify(ctx context.Context, c *Challenge, response string) (bool, error)
}

// HashVerifier accepts a response whose sha256 matches the stored answer
// hash. An empty stored hash means the mechanism verifies out of band and
// any non-empty response passes.
type HashVerifier struct{}

func (HashVerifier) Verify(_ context.Context, c *Challenge, response string) (bool, error) {
	if c.AnswerHash == "" {
		return response != "", nil
	}
	return HashResponse(response) == c.AnswerHash, nil
}

// TriggerRequest carries everything issuance needs to decide.
type TriggerRequest struct {
	Score   *trust.TrustScore
	Policy  *policy.Policy
	Trigger Trigger
	Reason  string
	// Critical bypasses anti-friction suppression, cooldown, and the
	// hourly cap, and restricts mechanism selection to medium or
	// stronger.
	Critical bool
	Now      time.Time
}

// Outcome is the result of processing a challenge response.
type Outcome struct {
	Challenge *Challenge
	Success   bool
	// FastResponse marks a success under the policy's fast-response
	// cutoff, worth a larger trust restore.
	FastResponse bool
	TrustRestore float64
	// Exhausted is true when a failure consumed the last attempt.
	Exhausted bool
}

// Orchestrator owns challenge issuance, throttling, and resolution.
type Orchestrator struct {
	store    Store
	notifier Notifier
	verifier Verifier
	logger   *slog.Logger
}

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithVerifier overrides the default hash verifier.
func WithVerifier(v Verifier) OrchestratorOption {
	return func(o *Orchestrator) { o.verifier = v }
}

// NewOrchestrator creates a challenge orchestrator.
func NewOrchestrator(store Store, notifier Notifier, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	o := &Orchestrator{
		store:    store,
		notifier: notifier,
		verifier: HashVerifier{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store exposes the underlying store for read paths.
func (o *Orchestrator) Store() Store { return o.store }

// Trigger issues a challenge for a degraded session. Issuance is
// idempotent per session: an existing pending challenge is returned
// unchanged. ErrSuppressed means throttling or anti-friction held the
// challenge back; callers treat that as a non-event.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*Challenge, error) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	score, pol := req.Score, req.Policy
	if score == nil || pol == nil {
		return nil, fmt.Errorf("challenge trigger requires score and policy")
	}

	ctx, span := traces.StartSpan(ctx, "challenge.Trigger",
		traces.SessionID(score.SessionID), attribute.String("challenge.trigger", string(req.Trigger)))
	defer span.End()

	// One pending challenge per session, regardless of trigger.
	if existing, err := o.store.GetPendingBySession(ctx, score.SessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if !req.Critical {
		if err := o.throttle(ctx, score, pol, req.Now); err != nil {
			return nil, err
		}
	}

	typ, err := o.selectType(pol.Challenge.Preference, requiredStrength(req.Critical, score.Confidence))
	if err != nil {
		return nil, err
	}

	c := New(idgen.WithPrefix("chl_"), score.SessionID, score.UserID, typ, req.Trigger, req.Reason, req.Now)
	if err := o.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	o.logger.Info("challenge issued",
		"challenge", c.ID, "session", c.SessionID, "type", c.Type,
		"trigger", c.Trigger, "critical", req.Critical)

	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.notifier.Notify(nctx, c)
	}()
	return c, nil
}

// throttle applies anti-friction suppression, the per-session cooldown,
// and the hourly cap. Each suppression fails soft with ErrSuppressed.
func (o *Orchestrator) throttle(ctx context.Context, score *trust.TrustScore, pol *policy.Policy, now time.Time) error {
	// The issuance bar scales with the score's confidence. A
	// high-confidence score must sink well below the monitored boundary
	// before friction is added; a low-confidence score is challenged more
	// readily.
	bar := pol.Boundaries.Monitored
	switch score.Confidence {
	case trust.ConfidenceHigh:
		bar -= 10
	case trust.ConfidenceLow:
		bar += 10
	}
	if score.Composite > bar {
		return fmt.Errorf("%w: composite %.1f above issuance bar %.1f", ErrSuppressed, score.Composite, bar)
	}

	cooldown := time.Duration(pol.Challenge.CooldownSec) * time.Second
	if cooldown > 0 {
		if last, ok, err := o.store.LastIssuedAt(ctx, score.SessionID); err != nil {
			return err
		} else if ok && now.Sub(last) < cooldown {
			return fmt.Errorf("%w: cooldown until %s", ErrSuppressed, last.Add(cooldown).Format(time.RFC3339))
		}
	}

	if pol.Challenge.MaxPerHour > 0 {
		n, err := o.store.CountIssuedSince(ctx, score.UserID, now.Add(-time.Hour))
		if err != nil {
			// A broken counter must not block legitimate challenges.
			o.logger.Warn("challenge rate lookup failed, allowing", "user", score.UserID, "error", err)
			return nil
		}
		if n >= pol.Challenge.MaxPerHour {
			return fmt.Errorf("%w: hourly cap %d reached", ErrSuppressed, pol.Challenge.MaxPerHour)
		}
	}
	return nil
}

// requiredStrength derives the minimum mechanism strength from the
// trigger severity and the score's confidence, independent of which type
// gets picked. A critical trigger against a thin baseline demands the
// strongest verification; a well-established score earns a softer step-up.
func requiredStrength(critical bool, conf trust.Confidence) Strength {
	if critical {
		if conf == trust.ConfidenceHigh {
			return StrengthMedium
		}
		return StrengthStrong
	}
	if conf == trust.ConfidenceLow {
		return StrengthMedium
	}
	return StrengthWeak
}

// selectType walks the user's preference order, skipping mechanisms
// weaker than the derived minimum.
func (o *Orchestrator) selectType(preference []string, min Strength) (Type, error) {
	for _, name := range preference {
		t := Type(name)
		if !t.Valid() {
			continue
		}
		if t.Strength().rank() < min.rank() {
			continue
		}
		return t, nil
	}
	if min.rank() > StrengthWeak.rank() {
		return TypePassword2FA, nil
	}
	return "", fmt.Errorf("%w: no usable mechanism in preference list", ErrInvalidType)
}

// ProcessResponse records one response attempt and resolves the challenge
// when it succeeds or runs out of attempts. An expired challenge is
// finalized lazily here.
func (o *Orchestrator) ProcessResponse(ctx context.Context, challengeID, response string, responseTimeMs int64, pol *policy.Policy, now time.Time) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "challenge.ProcessResponse", traces.ChallengeID(challengeID))
	defer span.End()

	if now.IsZero() {
		now = time.Now().UTC()
	}
	c, err := o.store.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: challenge %s is %s", ErrTerminalState, c.ID, c.Status)
	}
	if c.Expired(now) {
		if err := c.resolve(StatusExpired, now); err != nil {
			return nil, err
		}
		if err := o.store.Update(ctx, c); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	ok, err := o.verifier.Verify(ctx, c, response)
	if err != nil {
		return nil, fmt.Errorf("verify response: %w", err)
	}

	c.Attempts = append(c.Attempts, Attempt{
		At:             now,
		ResponseHash:   HashResponse(response),
		Success:        ok,
		ResponseTimeMs: responseTimeMs,
	})

	out := &Outcome{Challenge: c, Success: ok}
	if ok {
		if err := c.resolve(StatusCompleted, now); err != nil {
			return nil, err
		}
		c.ResponseMs = responseTimeMs
		restore := c.Strength.TrustRestore()
		if cutoff := pol.Challenge.FastResponseCutoffMs; cutoff > 0 && responseTimeMs > 0 && responseTimeMs <= cutoff {
			c.FastResolve = true
			out.FastResponse = true
			restore *= 1.25
		}
		out.TrustRestore = restore
	} else if len(c.Attempts) >= c.MaxAttempts {
		if err := c.resolve(StatusFailed, now); err != nil {
			return nil, err
		}
		out.Exhausted = true
	}

	if err := o.store.Update(ctx, c); err != nil {
		return nil, err
	}

	o.logger.Info("challenge response processed",
		"challenge", c.ID, "session", c.SessionID, "success", ok,
		"status", c.Status, "attempts", len(c.Attempts))
	return out, nil
}

// CancelPending cancels the session's pending challenge, if any. Used when
// a session recovers to NORMAL or is terminated.
func (o *Orchestrator) CancelPending(ctx context.Context, sessionID, reason string, now time.Time) (*Challenge, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c, err := o.store.GetPendingBySession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.resolve(StatusCancelled, now); err != nil {
		return nil, err
	}
	if err := o.store.Update(ctx, c); err != nil {
		return nil, err
	}
	o.logger.Info("challenge cancelled", "challenge", c.ID, "session", sessionID, "reason", reason)
	return c, nil
}

// ExpireOverdue finalizes pending challenges whose TTL elapsed. Returns
// how many were expired.
func (o *Orchestrator) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := o.store.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range overdue {
		if err := c.resolve(StatusExpired, now); err != nil {
			continue
		}
		if err := o.store.Update(ctx, c); err != nil {
			o.logger.Warn("failed to expire challenge", "challenge", c.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
