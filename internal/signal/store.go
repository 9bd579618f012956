package signal

import (
	"context"
	"time"

	"github.com/fintrack/sentinel/internal/pagination"
	"github.com/fintrack/sentinel/internal/policy"
)

// Store persists behavior signals and the raw observation history the
// baseline trainer learns from. It also serves the aggregate queries the
// policy package consumes through its own interfaces.
type Store interface {
	Create(ctx context.Context, s *BehaviorSignal) error
	CreateBatch(ctx context.Context, signals []*BehaviorSignal) error
	Get(ctx context.Context, id string) (*BehaviorSignal, error)

	// ListBySession returns the newest signals for a session, newest
	// first, up to limit (0 means a server-side default). A non-nil
	// cursor resumes after the (created_at, id) position it encodes.
	ListBySession(ctx context.Context, sessionID string, before *pagination.Cursor, limit int) ([]*BehaviorSignal, error)

	// ListRecentBySession returns signals recorded at or after since,
	// oldest first, for re-scoring.
	ListRecentBySession(ctx context.Context, sessionID string, since time.Time) ([]*BehaviorSignal, error)

	// MarkFalsePositive flags a signal as analyst-dismissed and returns
	// the updated record. Idempotent.
	MarkFalsePositive(ctx context.Context, id string) (*BehaviorSignal, error)

	// RefineAnomalyScore overwrites a signal's anomaly score after
	// offline review.
	RefineAnomalyScore(ctx context.Context, id string, score float64) error

	// RecordObservation appends one request observation to the user's
	// behavior history.
	RecordObservation(ctx context.Context, userID string, obs policy.Observation) error

	// CountRecent implements policy.SignalStats.
	CountRecent(ctx context.Context, userID string, since time.Time) (total, falsePositives, criticalThreats int, err error)

	// RecentObservations and UsersWithRecentActivity implement
	// policy.ObservationSource.
	RecentObservations(ctx context.Context, userID string, since time.Time) ([]policy.Observation, error)
	UsersWithRecentActivity(ctx context.Context, since time.Time) ([]string, error)
}

// threatClassTypes are the signal types counted toward the critical-threat
// tally that can tighten a policy.
var threatClassTypes = map[Type]bool{
	TypeKnownThreat: true,
	TypeVPNDetected: true,
	TypeBotDetected: true,
	TypeAnomaly:     true,
}

// DefaultListLimit bounds ListBySession when the caller passes 0.
const DefaultListLimit = 100
