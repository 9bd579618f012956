package challenge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists challenges in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed challenge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the table if it does not exist. Production deployments
// use the versioned migrations instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS challenges (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			strength TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			answer_hash TEXT NOT NULL DEFAULT '',
			max_attempts INT NOT NULL,
			attempts JSONB NOT NULL DEFAULT '[]',
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			response_ms BIGINT NOT NULL DEFAULT 0,
			fast_resolve BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_challenges_session ON challenges(session_id, issued_at);
		CREATE INDEX IF NOT EXISTS idx_challenges_user_issued ON challenges(user_id, issued_at);
		CREATE INDEX IF NOT EXISTS idx_challenges_pending_expiry ON challenges(expires_at) WHERE status = 'pending';
	`)
	return err
}

const challengeColumns = `id, session_id, user_id, type, strength, status, trigger_reason, reason, answer_hash, max_attempts, attempts, issued_at, expires_at, resolved_at, response_ms, fast_resolve`

func (p *PostgresStore) Create(ctx context.Context, c *Challenge) error {
	attempts, err := json.Marshal(c.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.SessionID, c.UserID, string(c.Type), string(c.Strength),
		string(c.Status), string(c.Trigger), c.Reason, c.AnswerHash,
		c.MaxAttempts, attempts, c.IssuedAt, c.ExpiresAt, c.ResolvedAt,
		c.ResponseMs, c.FastResolve)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

func (p *PostgresStore) Update(ctx context.Context, c *Challenge) error {
	attempts, err := json.Marshal(c.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE challenges SET
			status = $1, attempts = $2, resolved_at = $3,
			response_ms = $4, fast_resolve = $5
		WHERE id = $6`,
		string(c.Status), attempts, c.ResolvedAt, c.ResponseMs, c.FastResolve, c.ID)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetPendingBySession(ctx context.Context, sessionID string) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE session_id = $1 AND status = $2
		ORDER BY issued_at DESC
		LIMIT 1`, sessionID, string(StatusPending))
	return scanChallenge(row)
}

func (p *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]*Challenge, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE session_id = $1
		ORDER BY issued_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	defer rows.Close()

	var out []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountIssuedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM challenges
		WHERE user_id = $1 AND issued_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count challenges: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) LastIssuedAt(ctx context.Context, sessionID string) (time.Time, bool, error) {
	var last time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT issued_at FROM challenges
		WHERE session_id = $1
		ORDER BY issued_at DESC
		LIMIT 1`, sessionID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last issued: %w", err)
	}
	return last, true, nil
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Challenge, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3`, string(StatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var out []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*Challenge, error) {
	var (
		c          Challenge
		typ        string
		strength   string
		status     string
		trigger    string
		attempts   []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.UserID, &typ, &strength, &status,
		&trigger, &c.Reason, &c.AnswerHash, &c.MaxAttempts, &attempts,
		&c.IssuedAt, &c.ExpiresAt, &resolvedAt, &c.ResponseMs, &c.FastResolve)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	c.Type = Type(typ)
	c.Strength = Strength(strength)
	c.Status = Status(status)
	c.Trigger = Trigger(trigger)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &c.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts for %s: %w", c.ID, err)
		}
	}
	return &c, nil
}
