package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fintrack/sentinel/internal/idgen"
	"github.com/fintrack/sentinel/internal/trust"
)

// SignalStats supplies aggregate signal counts for the auto-adjustment loop.
// Implemented by the signal store; declared here so policy stays decoupled
// from the signal package.
type SignalStats interface {
	// CountRecent returns totals over signals recorded since the given
	// time: all signals, analyst-flagged false positives, and CRITICAL
	// non-false-positive threat-class signals.
	CountRecent(ctx context.Context, userID string, since time.Time) (total, falsePositives, criticalThreats int, err error)
}

// Manager owns policy lookup, bootstrap, and the slow calibration loops.
type Manager struct {
	store  Store
	stats  SignalStats
	logger *slog.Logger
}

// NewManager creates a policy manager.
func NewManager(store Store, stats SignalStats, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, stats: stats, logger: logger}
}

// GetOrCreate returns the user's policy, synthesizing and persisting the
// default document when none exists. A missing policy is never an error.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*Policy, error) {
	p, err := m.store.Get(ctx, userID)
	if err == nil {
		return p, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	p = Default(idgen.WithPrefix("pol_"), userID)
	if err := m.store.Save(ctx, p); err != nil {
		// Bootstrap persistence is best-effort: evaluation proceeds on
		// the in-memory default.
		m.logger.Warn("failed to persist bootstrap policy", "user", userID, "error", err)
	}
	return p, nil
}

// Update validates and saves a replacement policy document.
func (m *Manager) Update(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return m.store.Save(ctx, p)
}

// AddException appends a time-bounded relaxation override to the user's
// policy and persists it.
func (m *Manager) AddException(ctx context.Context, userID string, ex Exception) (*Policy, error) {
	if ex.Factor < 1 {
		return nil, fmt.Errorf("%w: exception factor %.2f must be >= 1", ErrInvalidPolicy, ex.Factor)
	}
	if !ex.ValidUntil.After(ex.ValidFrom) {
		return nil, fmt.Errorf("%w: exception window is empty", ErrInvalidPolicy)
	}
	p, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ex.ID == "" {
		ex.ID = idgen.WithPrefix("exc_")
	}
	ex.CreatedAt = time.Now().UTC()
	p.Exceptions = append(p.Exceptions, ex)
	if err := m.store.Save(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("policy exception added",
		"user", userID, "component", string(ex.Component),
		"factor", ex.Factor, "until", ex.ValidUntil)
	return p, nil
}

// RecordFalsePositive feeds one analyst false-positive mark into the user's
// rolling tracker.
func (m *Manager) RecordFalsePositive(ctx context.Context, userID string) error {
	p, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	p.RecordFalsePositive(time.Now().UTC())
	return m.store.Save(ctx, p)
}

// Penalty clamps applied by auto-adjustment so repeated relax/tighten cycles
// cannot run the constants out of useful range.
const (
	minPenalty        = 2.0
	maxPenalty        = 60.0
	minChallengeFloor = 10.0
	maxChallengeFloor = 90.0
)

// CheckAndApplyAutoAdjustments runs one calibration pass for a user.
//
// If the rolling false-positive rate exceeds the configured bar, every
// component threshold is relaxed: penalties shrink by RelaxFactor and the
// challenge floor rises by its inverse. If recent CRITICAL non-false-positive
// signals reach the threat bar, the inverse tightening is applied instead.
// Relaxation wins when both fire: operator feedback outranks raw severity.
func (m *Manager) CheckAndApplyAutoAdjustments(ctx context.Context, userID string) (string, error) {
	p, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	if !p.AutoAdjust.Enabled {
		return "disabled", nil
	}

	now := time.Now().UTC()
	windowDays := p.FalsePositives.WindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	since := now.Add(-time.Duration(windowDays) * 24 * time.Hour)

	total, fps, criticalThreats := p.FalsePositives.SignalsTotal, p.FalsePositives.Count, 0
	if m.stats != nil {
		if st, sfp, sct, err := m.stats.CountRecent(ctx, userID, since); err == nil {
			total, fps, criticalThreats = st, sfp, sct
		} else {
			m.logger.Warn("auto-adjust falling back to tracked counters", "user", userID, "error", err)
		}
	}

	fpRate := 0.0
	if total > 0 {
		fpRate = float64(fps) / float64(total)
	}

	action := "none"
	switch {
	case fpRate > p.AutoAdjust.FalsePositiveRateBar && fps > 0:
		m.scaleThresholds(p, p.AutoAdjust.RelaxFactor)
		action = "relaxed"
	case criticalThreats >= p.AutoAdjust.CriticalThreatBar && p.AutoAdjust.CriticalThreatBar > 0:
		m.scaleThresholds(p, 1/p.AutoAdjust.RelaxFactor)
		action = "tightened"
	}

	p.AutoAdjust.LastCheckedAt = now
	p.AutoAdjust.LastAction = action
	if err := m.store.Save(ctx, p); err != nil {
		return action, err
	}

	if action != "none" {
		m.logger.Info("policy auto-adjustment applied",
			"user", userID, "action", action,
			"fp_rate", fpRate, "critical_threats", criticalThreats)
	}
	return action, nil
}

// scaleThresholds multiplies penalty constants by factor and moves the
// challenge floor inversely, clamping both.
func (m *Manager) scaleThresholds(p *Policy, factor float64) {
	for _, comp := range trust.Components {
		t := p.Threshold(comp)
		t.PenaltyPerSignal = clamp(t.PenaltyPerSignal*factor, minPenalty, maxPenalty)
		t.MinScoreBeforeChallenge = clamp(t.MinScoreBeforeChallenge/factor, minChallengeFloor, maxChallengeFloor)
		p.Thresholds[comp] = t
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RunAdjustmentSweep processes every policy whose check cadence has lapsed.
// Called by the background worker.
func (m *Manager) RunAdjustmentSweep(ctx context.Context, limit int) int {
	due, err := m.store.ListDueForAdjustment(ctx, limit)
	if err != nil {
		m.logger.Error("auto-adjust sweep: failed to list due policies", "error", err)
		return 0
	}
	adjusted := 0
	for _, p := range due {
		action, err := m.CheckAndApplyAutoAdjustments(ctx, p.UserID)
		if err != nil {
			m.logger.Warn("auto-adjust failed", "user", p.UserID, "error", err)
			continue
		}
		if action == "relaxed" || action == "tightened" {
			adjusted++
		}
	}
	return adjusted
}
