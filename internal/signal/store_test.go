package signal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintrack/sentinel/internal/pagination"
)

func seedSignals(t *testing.T, store *MemoryStore, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		s := &BehaviorSignal{
			ID:         fmt.Sprintf("sig_%03d", i),
			SessionID:  "sess_1",
			UserID:     "user_1",
			Type:       TypeCadenceAnomaly,
			Severity:   SeverityLow,
			Confidence: 50,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Create(context.Background(), s))
	}
}

func TestMemoryStore_ListBySession_NewestFirst(t *testing.T) {
	store := NewMemoryStore()
	seedSignals(t, store, 5)

	got, err := store.ListBySession(context.Background(), "sess_1", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "sig_004", got[0].ID)
	assert.Equal(t, "sig_000", got[4].ID)
}

func TestMemoryStore_ListBySession_CursorWalk(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSignals(t, store, 7)

	const limit = 3
	var (
		cursor *pagination.Cursor
		seen   []string
	)
	for {
		page, err := store.ListBySession(ctx, "sess_1", cursor, limit+1)
		require.NoError(t, err)
		items, next, hasMore := pagination.ComputePage(page, limit, func(s *BehaviorSignal) (time.Time, string) {
			return s.CreatedAt, s.ID
		})
		for _, s := range items {
			seen = append(seen, s.ID)
		}
		if !hasMore {
			break
		}
		cursor, err = pagination.Decode(next)
		require.NoError(t, err)
	}

	// Every signal appears exactly once, newest first across pages.
	require.Len(t, seen, 7)
	assert.Equal(t, "sig_006", seen[0])
	assert.Equal(t, "sig_000", seen[6])
	unique := map[string]bool{}
	for _, id := range seen {
		assert.False(t, unique[id], "duplicate %s across pages", id)
		unique[id] = true
	}
}

func TestMemoryStore_ListBySession_EmptySession(t *testing.T) {
	got, err := NewMemoryStore().ListBySession(context.Background(), "sess_none", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
