package trust

import (
	"context"
	"time"
)

// Store persists per-session trust documents.
//
// UpdateCAS is the authoritative write path: it compares the document's
// Version against the stored one and fails with ErrVersionConflict when a
// concurrent re-score won the race. Callers reload and re-apply.
type Store interface {
	Create(ctx context.Context, ts *TrustScore) error
	GetBySession(ctx context.Context, sessionID string) (*TrustScore, error)
	// UpdateCAS writes ts if the stored version still equals ts.Version,
	// then increments ts.Version. Returns ErrVersionConflict otherwise.
	UpdateCAS(ctx context.Context, ts *TrustScore) error
	// ListScoringDue returns non-terminated documents whose NextScoringAt
	// is at or before the given time, oldest first, capped at limit.
	ListScoringDue(ctx context.Context, before time.Time, limit int) ([]*TrustScore, error)
	// ListActiveByUser returns non-terminated documents for a user.
	ListActiveByUser(ctx context.Context, userID string) ([]*TrustScore, error)
}
