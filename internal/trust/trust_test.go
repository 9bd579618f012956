package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultWeights.Validate())

	bad := DefaultWeights
	bad.Threat = 30
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestWeights_Composite(t *testing.T) {
	assert.Equal(t, 100.0, DefaultWeights.Composite(PerfectScores()))
	assert.Equal(t, 0.0, DefaultWeights.Composite(ComponentScores{}))

	// Zeroing only the heaviest component costs its full weight.
	c := PerfectScores()
	c.Threat = 0
	assert.Equal(t, 75.0, DefaultWeights.Composite(c))

	c = PerfectScores()
	c.Cadence = 50
	assert.Equal(t, 95.0, DefaultWeights.Composite(c))
}

func TestTierBoundaries_Validate(t *testing.T) {
	assert.NoError(t, DefaultBoundaries.Validate())

	cases := []struct {
		name string
		b    TierBoundaries
	}{
		{"not descending", TierBoundaries{Normal: 70, Monitored: 70, Challenged: 40}},
		{"inverted", TierBoundaries{Normal: 40, Monitored: 70, Challenged: 90}},
		{"zero challenged", TierBoundaries{Normal: 90, Monitored: 70, Challenged: 0}},
		{"normal above 100", TierBoundaries{Normal: 101, Monitored: 70, Challenged: 40}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.b.Validate(), ErrInvalidBoundaries)
		})
	}
}

func TestTierForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  Tier
	}{
		{100, TierNormal},
		{90, TierNormal},
		{89.99, TierMonitored},
		{70, TierMonitored},
		{69.99, TierChallenged},
		{40, TierChallenged},
		{39.99, TierTerminated},
		{0, TierTerminated},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierForScore(tc.score, DefaultBoundaries), "score %.2f", tc.score)
	}
}

func TestConfidenceForSignalCount(t *testing.T) {
	assert.Equal(t, ConfidenceLow, ConfidenceForSignalCount(0))
	assert.Equal(t, ConfidenceLow, ConfidenceForSignalCount(2))
	assert.Equal(t, ConfidenceMedium, ConfidenceForSignalCount(3))
	assert.Equal(t, ConfidenceMedium, ConfidenceForSignalCount(9))
	assert.Equal(t, ConfidenceHigh, ConfidenceForSignalCount(10))
}

func TestNew_InitialDocument(t *testing.T) {
	ts := New("trs_1", "sess_1", "user_1")
	assert.Equal(t, 100.0, ts.Composite)
	assert.Equal(t, TierNormal, ts.Tier)
	assert.Equal(t, ConfidenceLow, ts.Confidence)
	assert.Equal(t, PerfectScores(), ts.Components)
	assert.Equal(t, int64(1), ts.Version)
	assert.False(t, ts.Terminated())
	assert.Empty(t, ts.TierTransitions)
}

func TestTransition_AppendsHistory(t *testing.T) {
	ts := New("trs_1", "sess_1", "user_1")
	at := time.Now().UTC()

	ts.Composite = 75
	require.NoError(t, ts.Transition(TierMonitored, "composite 75.0", at))
	assert.Equal(t, TierMonitored, ts.Tier)
	require.Len(t, ts.TierTransitions, 1)
	assert.Equal(t, TierNormal, ts.TierTransitions[0].From)
	assert.Equal(t, TierMonitored, ts.TierTransitions[0].To)
	assert.Equal(t, 75.0, ts.TierTransitions[0].Score)

	// Same-tier transition is a no-op.
	require.NoError(t, ts.Transition(TierMonitored, "still monitored", at))
	assert.Len(t, ts.TierTransitions, 1)
}

func TestTransition_TerminatedIsAbsorbing(t *testing.T) {
	ts := New("trs_1", "sess_1", "user_1")
	at := time.Now().UTC()

	require.NoError(t, ts.Transition(TierTerminated, "manual", at))
	assert.True(t, ts.Terminated())
	require.NotNil(t, ts.TerminatedAt)
	assert.Equal(t, "manual", ts.TerminationReason)

	err := ts.Transition(TierNormal, "revive attempt", at.Add(time.Second))
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, TierTerminated, ts.Tier)
	assert.Len(t, ts.TierTransitions, 1)
}

func TestComponentScores_GetSet(t *testing.T) {
	var c ComponentScores
	for i, comp := range Components {
		c.Set(comp, float64(i*10))
	}
	for i, comp := range Components {
		assert.Equal(t, float64(i*10), c.Get(comp))
	}
}

func TestMemoryStore_CAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ts := New("trs_1", "sess_1", "user_1")
	require.NoError(t, store.Create(ctx, ts))

	a, err := store.GetBySession(ctx, "sess_1")
	require.NoError(t, err)
	b, err := store.GetBySession(ctx, "sess_1")
	require.NoError(t, err)

	a.Composite = 80
	require.NoError(t, store.UpdateCAS(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// The stale copy loses.
	b.Composite = 60
	assert.ErrorIs(t, store.UpdateCAS(ctx, b), ErrVersionConflict)

	cur, err := store.GetBySession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, cur.Composite)
}

func TestMemoryStore_GetBySession_NotFound(t *testing.T) {
	_, err := NewMemoryStore().GetBySession(context.Background(), "sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, New("trs_1", "sess_1", "user_1")))

	got, err := store.GetBySession(ctx, "sess_1")
	require.NoError(t, err)
	got.Composite = 1

	again, err := store.GetBySession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, again.Composite)
}

func TestMemoryStore_ListScoringDue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	due := New("trs_1", "sess_due", "user_1")
	due.NextScoringAt = now.Add(-time.Minute)
	require.NoError(t, store.Create(ctx, due))

	notDue := New("trs_2", "sess_later", "user_1")
	notDue.NextScoringAt = now.Add(time.Hour)
	require.NoError(t, store.Create(ctx, notDue))

	dead := New("trs_3", "sess_dead", "user_1")
	dead.NextScoringAt = now.Add(-time.Hour)
	require.NoError(t, dead.Transition(TierTerminated, "manual", now))
	require.NoError(t, store.Create(ctx, dead))

	got, err := store.ListScoringDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sess_due", got[0].SessionID)
}
