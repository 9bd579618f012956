package policy

import "context"

// Store persists per-user policy documents. Writes are last-writer-wins:
// the rare concurrent writers (auto-adjustment, exception additions) only
// touch approximate calibration state.
type Store interface {
	Get(ctx context.Context, userID string) (*Policy, error)
	Save(ctx context.Context, p *Policy) error
	// ListDueForAdjustment returns policies whose auto-adjustment check
	// cadence has lapsed.
	ListDueForAdjustment(ctx context.Context, limit int) ([]*Policy, error)
}
