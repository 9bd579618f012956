package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintrack/sentinel/internal/trust"
)

func TestDefault_IsValid(t *testing.T) {
	p := Default("pol_1", "user_1")
	require.NoError(t, p.Validate())

	assert.Equal(t, trust.DefaultBoundaries, p.Boundaries)
	assert.Equal(t, trust.DefaultWeights, p.Weights)
	assert.Len(t, p.Thresholds, len(trust.Components))

	// The threat component starts strict with the heaviest penalty.
	threat := p.Thresholds[trust.ComponentThreat]
	assert.Equal(t, ToleranceStrict, threat.Tolerance)
	assert.Equal(t, 40.0, threat.PenaltyPerSignal)
}

func TestPolicy_Validate_Rejections(t *testing.T) {
	base := func() *Policy { return Default("pol_1", "user_1") }

	noUser := base()
	noUser.UserID = ""
	assert.ErrorIs(t, noUser.Validate(), ErrInvalidPolicy)

	badWeights := base()
	badWeights.Weights.Threat = 99
	assert.ErrorIs(t, badWeights.Validate(), trust.ErrInvalidWeights)

	badBoundaries := base()
	badBoundaries.Boundaries = trust.TierBoundaries{Normal: 50, Monitored: 60, Challenged: 70}
	assert.ErrorIs(t, badBoundaries.Validate(), trust.ErrInvalidBoundaries)

	missingThreshold := base()
	delete(missingThreshold.Thresholds, trust.ComponentGeo)
	assert.ErrorIs(t, missingThreshold.Validate(), ErrInvalidPolicy)

	badException := base()
	badException.Exceptions = []Exception{{ID: "exc_1", Factor: 0.5, ValidFrom: time.Now(), ValidUntil: time.Now().Add(time.Hour)}}
	assert.ErrorIs(t, badException.Validate(), ErrInvalidPolicy)
}

func TestRelaxationFactor_FirstMatchWins(t *testing.T) {
	now := time.Now().UTC()
	p := Default("pol_1", "user_1")
	p.Exceptions = []Exception{
		{ID: "exc_expired", Component: trust.ComponentGeo, Factor: 5,
			ValidFrom: now.Add(-2 * time.Hour), ValidUntil: now.Add(-time.Hour)},
		{ID: "exc_geo", Component: trust.ComponentGeo, Factor: 2,
			ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour)},
		{ID: "exc_global", Factor: 3,
			ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour)},
	}

	// Expired entries are skipped; the first active match wins over the
	// global one that follows it.
	assert.Equal(t, 2.0, p.RelaxationFactor(trust.ComponentGeo, now))
	// Other components fall through to the global exception.
	assert.Equal(t, 3.0, p.RelaxationFactor(trust.ComponentCadence, now))

	p.Exceptions = nil
	assert.Equal(t, 1.0, p.RelaxationFactor(trust.ComponentGeo, now))
}

func TestThreshold_HardenedUntilTrained(t *testing.T) {
	p := Default("pol_1", "user_1")
	th := p.Thresholds[trust.ComponentCadence]
	th.Tolerance = ToleranceRelaxed
	p.Thresholds[trust.ComponentCadence] = th

	// Untrained baseline forces relaxed back to normal.
	assert.Equal(t, ToleranceNormal, p.Threshold(trust.ComponentCadence).Tolerance)

	p.Baseline.SampleCount = MinBaselineSamples
	assert.Equal(t, ToleranceRelaxed, p.Threshold(trust.ComponentCadence).Tolerance)
}

func TestRecordFalsePositive_WindowRoll(t *testing.T) {
	now := time.Now().UTC()
	p := Default("pol_1", "user_1")
	p.FalsePositives.WindowStart = now.Add(-8 * 24 * time.Hour)
	p.FalsePositives.Count = 9
	p.FalsePositives.SignalsTotal = 20

	p.RecordFalsePositive(now)
	assert.Equal(t, 1, p.FalsePositives.Count)
	assert.Equal(t, 0, p.FalsePositives.SignalsTotal)
	assert.Equal(t, now, p.FalsePositives.WindowStart)
}

// --- Manager ---

type fakeStats struct {
	total, fps, critical int
}

func (f *fakeStats) CountRecent(context.Context, string, time.Time) (int, int, int, error) {
	return f.total, f.fps, f.critical, nil
}

func TestManager_GetOrCreate_Bootstraps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, nil, nil)

	p, err := m.GetOrCreate(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", p.UserID)

	// Second call returns the persisted document, not a fresh default.
	again, err := m.GetOrCreate(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
}

func TestManager_AddException_Validation(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), nil, nil)
	now := time.Now().UTC()

	_, err := m.AddException(ctx, "user_1", Exception{Factor: 0.9, ValidFrom: now, ValidUntil: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = m.AddException(ctx, "user_1", Exception{Factor: 2, ValidFrom: now, ValidUntil: now})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	p, err := m.AddException(ctx, "user_1", Exception{
		Component: trust.ComponentGeo, Factor: 2, Reason: "travel",
		ValidFrom: now, ValidUntil: now.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, p.Exceptions, 1)
	assert.NotEmpty(t, p.Exceptions[0].ID)
}

func TestAutoAdjust_RelaxesOnFalsePositiveRate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	stats := &fakeStats{total: 10, fps: 4}
	m := NewManager(store, stats, nil)

	action, err := m.CheckAndApplyAutoAdjustments(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "relaxed", action)

	p, err := store.Get(ctx, "user_1")
	require.NoError(t, err)
	def := defaultThreshold(trust.ComponentGeo)
	got := p.Thresholds[trust.ComponentGeo]
	assert.Less(t, got.PenaltyPerSignal, def.PenaltyPerSignal)
	assert.Greater(t, got.MinScoreBeforeChallenge, def.MinScoreBeforeChallenge)
	assert.Equal(t, "relaxed", p.AutoAdjust.LastAction)
}

func TestAutoAdjust_TightensOnCriticalThreats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	stats := &fakeStats{total: 100, fps: 1, critical: 5}
	m := NewManager(store, stats, nil)

	action, err := m.CheckAndApplyAutoAdjustments(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "tightened", action)

	p, err := store.Get(ctx, "user_1")
	require.NoError(t, err)
	def := defaultThreshold(trust.ComponentGeo)
	got := p.Thresholds[trust.ComponentGeo]
	assert.Greater(t, got.PenaltyPerSignal, def.PenaltyPerSignal)
}

func TestAutoAdjust_RelaxationOutranksTightening(t *testing.T) {
	ctx := context.Background()
	stats := &fakeStats{total: 10, fps: 5, critical: 10}
	m := NewManager(NewMemoryStore(), stats, nil)

	action, err := m.CheckAndApplyAutoAdjustments(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "relaxed", action)
}

func TestAutoAdjust_Disabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, &fakeStats{total: 10, fps: 10}, nil)

	p, err := m.GetOrCreate(ctx, "user_1")
	require.NoError(t, err)
	p.AutoAdjust.Enabled = false
	require.NoError(t, store.Save(ctx, p))

	action, err := m.CheckAndApplyAutoAdjustments(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "disabled", action)
}

// --- Trainer ---

type fakeSource struct {
	obs   []Observation
	users []string
}

func (f *fakeSource) RecentObservations(context.Context, string, time.Time) ([]Observation, error) {
	return f.obs, nil
}

func (f *fakeSource) UsersWithRecentActivity(context.Context, time.Time) ([]string, error) {
	return f.users, nil
}

func makeObservations(n int) []Observation {
	obs := make([]Observation, 0, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		o := Observation{
			City:              "Boston",
			Country:           "US",
			UserAgent:         "Mozilla/5.0",
			Role:              "member",
			Endpoint:          "/v1/accounts",
			RequestsPerMinute: 4,
			HourUTC:           14,
			CreatedAt:         now.Add(-time.Duration(i) * time.Minute),
		}
		// One stray sample must not pollute the learned norm.
		if i == 0 {
			o.City = "Lagos"
			o.Country = "NG"
		}
		obs = append(obs, o)
	}
	return obs
}

func TestTrainUser_DerivesBaseline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, nil, nil)
	source := &fakeSource{obs: makeObservations(60)}
	trainer := NewTrainer(m, source, time.Hour, nil)

	require.NoError(t, trainer.TrainUser(ctx, "user_1"))

	p, err := store.Get(ctx, "user_1")
	require.NoError(t, err)
	b := p.Baseline
	assert.True(t, b.Trained())
	assert.Equal(t, 60, b.SampleCount)
	assert.Equal(t, []string{"Boston"}, b.TypicalCities)
	assert.Equal(t, []string{"US"}, b.TypicalCountries)
	assert.Equal(t, []int{14}, b.ActiveHoursUTC)
	assert.InDelta(t, 4.0, b.AvgRequestsPerMinute, 0.01)
}

func TestTrainUser_KeepsBootstrapBelowMinimum(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, nil, nil)
	source := &fakeSource{obs: makeObservations(MinBaselineSamples - 1)}
	trainer := NewTrainer(m, source, time.Hour, nil)

	require.NoError(t, trainer.TrainUser(ctx, "user_1"))

	p, err := store.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.False(t, p.Baseline.Trained())
	assert.Zero(t, p.Baseline.SampleCount)
}

func TestPolicyJSONRoundTrip(t *testing.T) {
	// The full policy document, exceptions and learned baseline included,
	// must survive storage serialization without loss.
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	p := Default("pol_rt", "user_1")
	p.CreatedAt = now
	p.UpdatedAt = now
	p.FalsePositives = FalsePositiveTracking{
		Count: 3, WindowStart: now.AddDate(0, 0, -2), WindowDays: 7,
		SignalsTotal: 12, LastMarkedAt: now,
	}
	p.Baseline = BaselineProfile{
		TypicalCities:        []string{"Boston", "Cambridge"},
		TypicalCountries:     []string{"US"},
		TrustedUserAgents:    []string{"Mozilla/5.0 (Macintosh)"},
		TrustedDevices:       []string{"fp_9c2d"},
		TypicalRoles:         []string{"viewer", "editor"},
		ActiveHoursUTC:       []int{13, 14, 15, 21},
		AvgRequestsPerMinute: 4.5,
		BaselineEndpoints:    []string{"/accounts", "/budgets/share"},
		SampleCount:          80,
		LearningWindowDays:   30,
		UpdatedAt:            now,
	}
	p.Exceptions = []Exception{
		{
			ID: "exc_1", Component: trust.ComponentGeo, Factor: 2,
			Reason: "sales trip", ValidFrom: now, ValidUntil: now.AddDate(0, 0, 14),
			CreatedAt: now,
		},
		{
			ID: "exc_2", Factor: 1.5, Reason: "migration week",
			ValidFrom: now, ValidUntil: now.AddDate(0, 0, 7), CreatedAt: now,
		},
	}
	require.NoError(t, p.Validate())

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var out Policy
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, *p, out)
	require.NoError(t, out.Validate())

	// Decoded thresholds must keep every component's tuning.
	for _, comp := range trust.Components {
		assert.Equal(t, p.Thresholds[comp], out.Thresholds[comp], "threshold for %s", comp)
	}
}
