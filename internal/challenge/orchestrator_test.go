package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/trust"
)

func testScore() *trust.TrustScore {
	ts := trust.New("trs_1", "sess_1", "user_1")
	ts.Composite = 55
	ts.Tier = trust.TierChallenged
	ts.Confidence = trust.ConfidenceMedium
	return ts
}

func testPolicy() *policy.Policy {
	return policy.Default("pol_test", "user_1")
}

func newTestOrchestrator() (*Orchestrator, *MemoryStore) {
	store := NewMemoryStore()
	return NewOrchestrator(store, LogNotifier{}, nil), store
}

func trigger(t *testing.T, o *Orchestrator, req TriggerRequest) *Challenge {
	t.Helper()
	c, err := o.Trigger(context.Background(), req)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	return c
}

func TestTriggerIssuesPreferredType(t *testing.T) {
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})

	if c.Type != TypeDeviceCheck {
		t.Errorf("type = %v, want %v", c.Type, TypeDeviceCheck)
	}
	if c.Status != StatusPending {
		t.Errorf("status = %v, want %v", c.Status, StatusPending)
	}
	if !c.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Errorf("expires = %v, want %v", c.ExpiresAt, now.Add(DefaultTTL))
	}
}

func TestTriggerIdempotentPerSession(t *testing.T) {
	// Repeated triggers while one challenge is pending return the same
	// challenge, even across different trigger reasons.
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	second := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: testPolicy(),
		Trigger: TriggerCriticalSignal, Critical: true, Now: now.Add(time.Second),
	})

	if first.ID != second.ID {
		t.Errorf("expected same challenge, got %s and %s", first.ID, second.ID)
	}
}

func TestTriggerCooldownSuppresses(t *testing.T) {
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := testPolicy()

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	// Resolve it so the pending short-circuit does not apply.
	if _, err := o.ProcessResponse(context.Background(), c.ID, "ack", 1000, pol, now.Add(time.Minute)); err != nil {
		t.Fatalf("respond: %v", err)
	}

	_, err := o.Trigger(context.Background(), TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now.Add(2 * time.Minute),
	})
	if !errors.Is(err, ErrSuppressed) {
		t.Errorf("err = %v, want ErrSuppressed", err)
	}

	// Past the cooldown a new challenge goes out.
	c2 := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now.Add(6 * time.Minute),
	})
	if c2.ID == c.ID {
		t.Error("expected a fresh challenge after cooldown")
	}
}

func TestTriggerHourlyCap(t *testing.T) {
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := testPolicy()
	pol.Challenge.CooldownSec = 0

	for i := 0; i < pol.Challenge.MaxPerHour; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Minute)
		c := trigger(t, o, TriggerRequest{
			Score: testScore(), Policy: pol,
			Trigger: TriggerScoreBelowThreshold, Now: at,
		})
		if _, err := o.ProcessResponse(context.Background(), c.ID, "ack", 1000, pol, at.Add(time.Minute)); err != nil {
			t.Fatalf("respond: %v", err)
		}
	}

	_, err := o.Trigger(context.Background(), TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now.Add(35 * time.Minute),
	})
	if !errors.Is(err, ErrSuppressed) {
		t.Errorf("err = %v, want ErrSuppressed", err)
	}
}

func TestTriggerCriticalBypassesThrottle(t *testing.T) {
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := testPolicy()

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	if _, err := o.ProcessResponse(context.Background(), c.ID, "ack", 1000, pol, now.Add(time.Minute)); err != nil {
		t.Fatalf("respond: %v", err)
	}

	// Inside cooldown, but critical.
	c2 := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerCriticalSignal, Critical: true, Now: now.Add(2 * time.Minute),
	})
	if c2.Strength == StrengthWeak {
		t.Errorf("critical challenge strength = %v, want medium or strong", c2.Strength)
	}
	if c2.Type == TypeDeviceCheck {
		t.Error("critical trigger must skip weak mechanisms")
	}
}

func TestTriggerConfidenceScaledAntiFriction(t *testing.T) {
	// The issuance bar drops when confidence is high: a trusted baseline
	// near the boundary skips friction, while the same composite under
	// low confidence still gets challenged.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	o, _ := newTestOrchestrator()
	high := testScore()
	high.Confidence = trust.ConfidenceHigh
	high.Composite = 65

	_, err := o.Trigger(context.Background(), TriggerRequest{
		Score: high, Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	if !errors.Is(err, ErrSuppressed) {
		t.Errorf("high confidence at 65: err = %v, want ErrSuppressed", err)
	}

	o2, _ := newTestOrchestrator()
	low := testScore()
	low.Confidence = trust.ConfidenceLow
	low.Composite = 65

	c, err := o2.Trigger(context.Background(), TriggerRequest{
		Score: low, Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	if err != nil {
		t.Fatalf("low confidence at 65: %v", err)
	}
	if c == nil || c.Status != StatusPending {
		t.Errorf("low confidence at 65 should issue a pending challenge, got %+v", c)
	}
}

func TestRequiredStrength(t *testing.T) {
	cases := []struct {
		critical bool
		conf     trust.Confidence
		want     Strength
	}{
		{false, trust.ConfidenceHigh, StrengthWeak},
		{false, trust.ConfidenceMedium, StrengthWeak},
		{false, trust.ConfidenceLow, StrengthMedium},
		{true, trust.ConfidenceHigh, StrengthMedium},
		{true, trust.ConfidenceMedium, StrengthStrong},
		{true, trust.ConfidenceLow, StrengthStrong},
	}
	for _, tc := range cases {
		if got := requiredStrength(tc.critical, tc.conf); got != tc.want {
			t.Errorf("requiredStrength(%v, %v) = %v, want %v", tc.critical, tc.conf, got, tc.want)
		}
	}
}

func TestTriggerStrengthFollowsTrigger(t *testing.T) {
	// The same preference list yields different mechanisms depending on
	// trigger severity and confidence.
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	critical := testScore()
	critical.Confidence = trust.ConfidenceLow
	c := trigger(t, o, TriggerRequest{
		Score: critical, Policy: testPolicy(),
		Trigger: TriggerCriticalSignal, Critical: true, Now: now,
	})
	if c.Strength != StrengthStrong {
		t.Errorf("critical + low confidence strength = %v, want %v", c.Strength, StrengthStrong)
	}

	o2, _ := newTestOrchestrator()
	lowConf := testScore()
	lowConf.Confidence = trust.ConfidenceLow
	lowConf.Composite = 35
	c2 := trigger(t, o2, TriggerRequest{
		Score: lowConf, Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	if c2.Strength.rank() < StrengthMedium.rank() {
		t.Errorf("low confidence strength = %v, want at least %v", c2.Strength, StrengthMedium)
	}
}

func TestProcessResponseSuccess(t *testing.T) {
	o, _ := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := testPolicy()

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})
	out, err := o.ProcessResponse(context.Background(), c.ID, "ack", 5000, pol, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if !out.Success {
		t.Fatal("expected success")
	}
	if out.Challenge.Status != StatusCompleted {
		t.Errorf("status = %v, want %v", out.Challenge.Status, StatusCompleted)
	}
	if !out.FastResponse {
		t.Error("5s response under the 15s cutoff should be fast")
	}
	if want := TypeDeviceCheck.Strength().TrustRestore() * 1.25; out.TrustRestore != want {
		t.Errorf("restore = %v, want %v", out.TrustRestore, want)
	}
}

func TestProcessResponseWrongAnswerExhaustsAttempts(t *testing.T) {
	o, store := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := testPolicy()

	c := New("chl_otp", "sess_1", "user_1", TypeOTP, TriggerScoreBelowThreshold, "composite below threshold", now)
	c.AnswerHash = HashResponse("123456")
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("seed challenge: %v", err)
	}

	var out *Outcome
	var err error
	for i := 0; i < DefaultMaxAttempts; i++ {
		out, err = o.ProcessResponse(context.Background(), c.ID, "wrong", 1000, pol, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if out.Success {
			t.Fatal("wrong answer should not pass")
		}
	}

	if !out.Exhausted {
		t.Error("expected attempts exhausted")
	}
	stored, err := store.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("status = %v, want %v", stored.Status, StatusFailed)
	}

	// A failed challenge is terminal.
	if _, err := o.ProcessResponse(context.Background(), c.ID, "123456", 1000, pol, now.Add(2*time.Minute)); !errors.Is(err, ErrTerminalState) {
		t.Errorf("err = %v, want ErrTerminalState", err)
	}
}

func TestProcessResponseLazyExpiry(t *testing.T) {
	o, store := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := testPolicy()

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: pol,
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})

	_, err := o.ProcessResponse(context.Background(), c.ID, "ack", 1000, pol, now.Add(DefaultTTL+time.Minute))
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	stored, _ := store.Get(context.Background(), c.ID)
	if stored.Status != StatusExpired {
		t.Errorf("status = %v, want %v", stored.Status, StatusExpired)
	}
}

func TestCancelPending(t *testing.T) {
	o, store := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})

	cancelled, err := o.CancelPending(context.Background(), "sess_1", "tier recovered", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled == nil || cancelled.ID != c.ID {
		t.Fatalf("cancelled = %+v, want challenge %s", cancelled, c.ID)
	}
	stored, _ := store.Get(context.Background(), c.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("status = %v, want %v", stored.Status, StatusCancelled)
	}

	// No pending challenge is a no-op, not an error.
	again, err := o.CancelPending(context.Background(), "sess_1", "tier recovered", now.Add(2*time.Minute))
	if err != nil || again != nil {
		t.Errorf("cancel again = (%+v, %v), want (nil, nil)", again, err)
	}
}

func TestExpireOverdue(t *testing.T) {
	o, store := newTestOrchestrator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := trigger(t, o, TriggerRequest{
		Score: testScore(), Policy: testPolicy(),
		Trigger: TriggerScoreBelowThreshold, Now: now,
	})

	n, err := o.ExpireOverdue(context.Background(), now.Add(DefaultTTL+time.Minute), 10)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	stored, _ := store.Get(context.Background(), c.ID)
	if stored.Status != StatusExpired {
		t.Errorf("status = %v, want %v", stored.Status, StatusExpired)
	}
}
