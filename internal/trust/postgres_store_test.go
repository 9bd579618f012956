//go:build integration

package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fintrack/sentinel/internal/testutil"
)

func TestPostgresTrust_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	ts := New("trs_pg1", "sess_pg1", "user_pg1")
	if err := store.Create(ctx, ts); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetBySession(ctx, "sess_pg1")
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if got.Composite != 100 || got.Tier != TierNormal {
		t.Errorf("got composite=%.1f tier=%s, want 100/normal", got.Composite, got.Tier)
	}
	if got.Version != 1 {
		t.Errorf("got version %d, want 1", got.Version)
	}

	if _, err := store.GetBySession(ctx, "sess_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresTrust_UpdateCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, New("trs_pg2", "sess_pg2", "user_pg2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := store.GetBySession(ctx, "sess_pg2")
	b, _ := store.GetBySession(ctx, "sess_pg2")

	a.Composite = 85
	a.Components.Geo = 60
	if err := store.UpdateCAS(ctx, a); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}

	b.Composite = 55
	if err := store.UpdateCAS(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on stale write, got %v", err)
	}

	cur, err := store.GetBySession(ctx, "sess_pg2")
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if cur.Composite != 85 || cur.Components.Geo != 60 {
		t.Errorf("stale write overwrote the document: composite=%.1f geo=%.1f", cur.Composite, cur.Components.Geo)
	}
}

func TestPostgresTrust_ListScoringDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := New("trs_pg3", "sess_pg3", "user_pg3")
	due.NextScoringAt = now.Add(-time.Minute)
	if err := store.Create(ctx, due); err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := New("trs_pg4", "sess_pg4", "user_pg3")
	later.NextScoringAt = now.Add(time.Hour)
	if err := store.Create(ctx, later); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.ListScoringDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListScoringDue: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess_pg3" {
		t.Errorf("expected only sess_pg3 due, got %d rows", len(got))
	}
}
