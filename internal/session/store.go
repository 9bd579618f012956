package session

import (
	"context"
	"time"
)

// Store persists session records.
type Store interface {
	Upsert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)

	// Touch advances LastSeenAt and refreshes the identity fields the
	// request carried.
	Touch(ctx context.Context, id, ip, userAgent, device string, at time.Time) error

	// Terminate marks the session dead with a reason. Idempotent: a
	// second call returns ErrTerminated and leaves the original reason.
	Terminate(ctx context.Context, id, reason string, at time.Time) error

	// ListActiveByIP returns live sessions last seen from the address,
	// for threat propagation.
	ListActiveByIP(ctx context.Context, ip string, limit int) ([]*Session, error)

	// ListActiveByUser returns the user's live sessions.
	ListActiveByUser(ctx context.Context, userID string) ([]*Session, error)
}
