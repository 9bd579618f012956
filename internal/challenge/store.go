package challenge

import (
	"context"
	"time"
)

// Store persists challenges.
type Store interface {
	Create(ctx context.Context, c *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	Update(ctx context.Context, c *Challenge) error

	// GetPendingBySession returns the session's pending challenge, or
	// ErrNotFound. At most one challenge is pending per session.
	GetPendingBySession(ctx context.Context, sessionID string) (*Challenge, error)

	// ListBySession returns all challenges for a session, newest first.
	ListBySession(ctx context.Context, sessionID string) ([]*Challenge, error)

	// CountIssuedSince counts challenges issued to a user at or after
	// the given time, any status.
	CountIssuedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// LastIssuedAt returns the most recent issuance time for a session
	// and false when the session has never been challenged.
	LastIssuedAt(ctx context.Context, sessionID string) (time.Time, bool, error)

	// ListExpiredPending returns pending challenges whose TTL elapsed
	// before the given time, up to limit.
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Challenge, error)
}
