package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// Observation is one behavioral sample used for baseline training. Sourced
// from recorded signals and request observations; false positives are
// excluded by the source.
type Observation struct {
	City              string
	Country           string
	UserAgent         string
	Device            string
	Role              string
	Endpoint          string
	RequestsPerMinute float64
	HourUTC           int
	CreatedAt         time.Time
}

// ObservationSource supplies recent non-false-positive behavior history.
// Implemented by the signal store.
type ObservationSource interface {
	RecentObservations(ctx context.Context, userID string, since time.Time) ([]Observation, error)
	// UsersWithRecentActivity lists users with observations since the
	// given time.
	UsersWithRecentActivity(ctx context.Context, since time.Time) ([]string, error)
}

// Trainer periodically re-derives each active user's baseline profile from
// recent behavior history.
type Trainer struct {
	manager  *Manager
	source   ObservationSource
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTrainer creates a baseline training worker. interval is typically one
// hour in production.
func NewTrainer(manager *Manager, source ObservationSource, interval time.Duration, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		manager:  manager,
		source:   source,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the training loop is active.
func (t *Trainer) Running() bool {
	return t.running.Load()
}

// Start runs the training loop. Call in a goroutine.
func (t *Trainer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTrainAll(ctx)
		}
	}
}

// Stop signals the trainer to stop.
func (t *Trainer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Trainer) safeTrainAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in baseline trainer", "panic", fmt.Sprint(r))
		}
	}()
	t.trainAll(ctx)
}

func (t *Trainer) trainAll(ctx context.Context) {
	since := time.Now().Add(-24 * time.Hour)
	users, err := t.source.UsersWithRecentActivity(ctx, since)
	if err != nil {
		t.logger.Error("baseline training: failed to list active users", "error", err)
		return
	}

	trained := 0
	for _, userID := range users {
		if err := t.TrainUser(ctx, userID); err != nil {
			t.logger.Warn("baseline training failed", "user", userID, "error", err)
			continue
		}
		trained++
	}
	if trained > 0 {
		t.logger.Info("baselines retrained", "users", trained)
	}
}

// TrainUser rebuilds one user's baseline from their recent history. The
// profile only replaces the stored one when the sample count clears the
// learning minimum; below that the stored (possibly empty) baseline keeps
// the policy in its strict bootstrap posture.
func (t *Trainer) TrainUser(ctx context.Context, userID string) error {
	p, err := t.manager.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	windowDays := p.Baseline.LearningWindowDays
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().Add(-time.Duration(windowDays) * 24 * time.Hour)

	obs, err := t.source.RecentObservations(ctx, userID, since)
	if err != nil {
		return err
	}
	if len(obs) < MinBaselineSamples {
		return nil
	}

	p.Baseline = deriveBaseline(obs, windowDays)
	return t.manager.store.Save(ctx, p)
}

// deriveBaseline computes the learned norms from raw observations. Values
// seen in at least 5% of samples (minimum 2) count as typical.
func deriveBaseline(obs []Observation, windowDays int) BaselineProfile {
	minCount := len(obs) / 20
	if minCount < 2 {
		minCount = 2
	}

	cities := map[string]int{}
	countries := map[string]int{}
	agents := map[string]int{}
	devices := map[string]int{}
	roles := map[string]int{}
	endpoints := map[string]int{}
	hours := map[int]int{}

	var rpmSum float64
	var rpmSamples int
	for _, o := range obs {
		bump(cities, o.City)
		bump(countries, o.Country)
		bump(agents, o.UserAgent)
		bump(devices, o.Device)
		bump(roles, o.Role)
		bump(endpoints, o.Endpoint)
		hours[o.HourUTC]++
		if o.RequestsPerMinute > 0 {
			rpmSum += o.RequestsPerMinute
			rpmSamples++
		}
	}

	var avgRPM float64
	if rpmSamples > 0 {
		avgRPM = rpmSum / float64(rpmSamples)
	}

	var activeHours []int
	for h, n := range hours {
		if n >= minCount {
			activeHours = append(activeHours, h)
		}
	}
	sort.Ints(activeHours)

	return BaselineProfile{
		TypicalCities:        frequent(cities, minCount),
		TypicalCountries:     frequent(countries, minCount),
		TrustedUserAgents:    frequent(agents, minCount),
		TrustedDevices:       frequent(devices, minCount),
		TypicalRoles:         frequent(roles, minCount),
		BaselineEndpoints:    frequent(endpoints, minCount),
		ActiveHoursUTC:       activeHours,
		AvgRequestsPerMinute: avgRPM,
		SampleCount:          len(obs),
		LearningWindowDays:   windowDays,
		UpdatedAt:            time.Now().UTC(),
	}
}

func bump(m map[string]int, k string) {
	if k != "" {
		m[k]++
	}
}

func frequent(m map[string]int, minCount int) []string {
	var out []string
	for k, n := range m {
		if n >= minCount {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
