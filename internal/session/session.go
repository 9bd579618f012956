// Package session is the boundary to the platform's session records. The
// trust subsystem reads session identity and issues terminations; it never
// owns authentication itself.
package session

import (
	"errors"
	"time"
)

// Session is the platform session as this subsystem sees it.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	IPAddress         string `json:"ipAddress,omitempty"`
	UserAgent         string `json:"userAgent,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	EstablishedAt time.Time  `json:"establishedAt"`
	LastSeenAt    time.Time  `json:"lastSeenAt"`
	TerminatedAt  *time.Time `json:"terminatedAt,omitempty"`
	// TerminationReason is set once at termination and never rewritten.
	TerminationReason string `json:"terminationReason,omitempty"`
}

// Active reports whether the session is still live.
func (s *Session) Active() bool {
	return s.TerminatedAt == nil
}

// Age is the elapsed time since establishment.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.EstablishedAt)
}

// Sentinel errors for the session package.
var (
	ErrNotFound   = errors.New("session: not found")
	ErrTerminated = errors.New("session: already terminated")
)
