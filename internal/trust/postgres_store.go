package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists trust documents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed trust store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the trust_scores table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trust_scores (
			session_id          VARCHAR(64) PRIMARY KEY,
			id                  VARCHAR(64) NOT NULL,
			user_id             VARCHAR(64) NOT NULL,
			composite           NUMERIC(5,2) NOT NULL CHECK (composite >= 0 AND composite <= 100),
			tier                VARCHAR(12) NOT NULL CHECK (tier IN ('normal', 'monitored', 'challenged', 'terminated')),
			components          JSONB NOT NULL,
			weights             JSONB NOT NULL,
			confidence          VARCHAR(8) NOT NULL,
			transitions         JSONB NOT NULL DEFAULT '[]',
			active_challenge_id VARCHAR(64) NOT NULL DEFAULT '',
			reauth_successes    INT NOT NULL DEFAULT 0,
			reauth_failures     INT NOT NULL DEFAULT 0,
			signals_evaluated   INT NOT NULL DEFAULT 0,
			next_scoring_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			terminated_at       TIMESTAMPTZ,
			termination_reason  TEXT NOT NULL DEFAULT '',
			version             BIGINT NOT NULL DEFAULT 1,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_trust_scores_due
			ON trust_scores (next_scoring_at) WHERE terminated_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_trust_scores_user
			ON trust_scores (user_id) WHERE terminated_at IS NULL;
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, ts *TrustScore) error {
	components, weights, transitions, err := marshalDoc(ts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_scores (
			session_id, id, user_id, composite, tier, components, weights,
			confidence, transitions, active_challenge_id, reauth_successes,
			reauth_failures, signals_evaluated, next_scoring_at, terminated_at,
			termination_reason, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		ts.SessionID, ts.ID, ts.UserID, ts.Composite, string(ts.Tier),
		components, weights, string(ts.Confidence), transitions,
		ts.ActiveChallengeID, ts.ReauthSuccesses, ts.ReauthFailures,
		ts.SignalsEvaluated, ts.NextScoringAt, ts.TerminatedAt,
		ts.TerminationReason, ts.Version, ts.CreatedAt, ts.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create trust score: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*TrustScore, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		FROM trust_scores WHERE session_id = $1
	`, sessionID)
	return scanTrustScore(row)
}

func (s *PostgresStore) UpdateCAS(ctx context.Context, ts *TrustScore) error {
	components, weights, transitions, err := marshalDoc(ts)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE trust_scores SET
			composite = $1, tier = $2, components = $3, weights = $4,
			confidence = $5, transitions = $6, active_challenge_id = $7,
			reauth_successes = $8, reauth_failures = $9, signals_evaluated = $10,
			next_scoring_at = $11, terminated_at = $12, termination_reason = $13,
			version = version + 1, updated_at = $14
		WHERE session_id = $15 AND version = $16
	`,
		ts.Composite, string(ts.Tier), components, weights,
		string(ts.Confidence), transitions, ts.ActiveChallengeID,
		ts.ReauthSuccesses, ts.ReauthFailures, ts.SignalsEvaluated,
		ts.NextScoringAt, ts.TerminatedAt, ts.TerminationReason,
		now, ts.SessionID, ts.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update trust score: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		// Either the row vanished or a concurrent writer bumped the version.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trust_scores WHERE session_id = $1)`,
			ts.SessionID).Scan(&exists); err == nil && !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	ts.Version++
	ts.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListScoringDue(ctx context.Context, before time.Time, limit int) ([]*TrustScore, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM trust_scores
		WHERE terminated_at IS NULL AND next_scoring_at <= $1
		ORDER BY next_scoring_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due trust scores: %w", err)
	}
	return scanTrustScores(rows)
}

func (s *PostgresStore) ListActiveByUser(ctx context.Context, userID string) ([]*TrustScore, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM trust_scores
		WHERE terminated_at IS NULL AND user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust scores by user: %w", err)
	}
	return scanTrustScores(rows)
}

const selectColumns = `
	SELECT session_id, id, user_id, composite, tier, components, weights,
	       confidence, transitions, active_challenge_id, reauth_successes,
	       reauth_failures, signals_evaluated, next_scoring_at, terminated_at,
	       termination_reason, version, created_at, updated_at
`

func marshalDoc(ts *TrustScore) (components, weights, transitions []byte, err error) {
	if components, err = json.Marshal(ts.Components); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal components: %w", err)
	}
	if weights, err = json.Marshal(ts.Weights); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal weights: %w", err)
	}
	trs := ts.TierTransitions
	if trs == nil {
		trs = []TierTransition{}
	}
	if transitions, err = json.Marshal(trs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal transitions: %w", err)
	}
	return components, weights, transitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrustScore(row rowScanner) (*TrustScore, error) {
	var ts TrustScore
	var tier, confidence string
	var components, weights, transitions []byte
	var terminatedAt sql.NullTime

	err := row.Scan(
		&ts.SessionID, &ts.ID, &ts.UserID, &ts.Composite, &tier,
		&components, &weights, &confidence, &transitions,
		&ts.ActiveChallengeID, &ts.ReauthSuccesses, &ts.ReauthFailures,
		&ts.SignalsEvaluated, &ts.NextScoringAt, &terminatedAt,
		&ts.TerminationReason, &ts.Version, &ts.CreatedAt, &ts.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trust score: %w", err)
	}

	ts.Tier = Tier(tier)
	ts.Confidence = Confidence(confidence)
	if terminatedAt.Valid {
		t := terminatedAt.Time
		ts.TerminatedAt = &t
	}
	if err := json.Unmarshal(components, &ts.Components); err != nil {
		return nil, fmt.Errorf("failed to unmarshal components: %w", err)
	}
	if err := json.Unmarshal(weights, &ts.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if err := json.Unmarshal(transitions, &ts.TierTransitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}
	return &ts, nil
}

func scanTrustScores(rows *sql.Rows) ([]*TrustScore, error) {
	defer func() { _ = rows.Close() }()
	var out []*TrustScore
	for rows.Next() {
		ts, err := scanTrustScore(rows)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
