package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists sessions in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the table if it does not exist. Production deployments
// use the versioned migrations instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			device_fingerprint TEXT NOT NULL DEFAULT '',
			established_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			terminated_at TIMESTAMPTZ,
			termination_reason TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id) WHERE terminated_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_sessions_ip ON sessions(ip_address) WHERE terminated_at IS NULL;
	`)
	return err
}

const sessionColumns = `id, user_id, ip_address, user_agent, device_fingerprint, established_at, last_seen_at, terminated_at, termination_reason`

func (p *PostgresStore) Upsert(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			device_fingerprint = EXCLUDED.device_fingerprint,
			last_seen_at = EXCLUDED.last_seen_at`,
		s.ID, s.UserID, s.IPAddress, s.UserAgent, s.DeviceFingerprint,
		s.EstablishedAt, s.LastSeenAt, s.TerminatedAt, s.TerminationReason)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) Touch(ctx context.Context, id, ip, userAgent, device string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			last_seen_at = $1,
			ip_address = COALESCE(NULLIF($2, ''), ip_address),
			user_agent = COALESCE(NULLIF($3, ''), user_agent),
			device_fingerprint = COALESCE(NULLIF($4, ''), device_fingerprint)
		WHERE id = $5`, at, ip, userAgent, device, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
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

func (p *PostgresStore) Terminate(ctx context.Context, id, reason string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET terminated_at = $1, termination_reason = $2
		WHERE id = $3 AND terminated_at IS NULL`, at, reason, id)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("terminate probe: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrTerminated
	}
	return nil
}

func (p *PostgresStore) ListActiveByIP(ctx context.Context, ip string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE ip_address = $1 AND terminated_at IS NULL
		ORDER BY id
		LIMIT $2`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by ip: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *PostgresStore) ListActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND terminated_at IS NULL
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by user: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s            Session
		terminatedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.IPAddress, &s.UserAgent,
		&s.DeviceFingerprint, &s.EstablishedAt, &s.LastSeenAt,
		&terminatedAt, &s.TerminationReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		s.TerminatedAt = &t
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
