package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists policy documents in PostgreSQL. The whole document
// is stored as JSONB for the same reason writes are last-writer-wins:
// calibration state is one logical unit, not a relational model.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the trust_policies table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trust_policies (
			user_id          VARCHAR(64) PRIMARY KEY,
			doc              JSONB NOT NULL,
			adjust_check_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_trust_policies_adjust
			ON trust_policies (adjust_check_at);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Policy, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM trust_policies WHERE user_id = $1`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *Policy) error {
	p.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	interval := time.Duration(p.AutoAdjust.CheckIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	nextCheck := p.AutoAdjust.LastCheckedAt.Add(interval)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_policies (user_id, doc, adjust_check_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			doc = EXCLUDED.doc,
			adjust_check_at = EXCLUDED.adjust_check_at,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, doc, nextCheck, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueForAdjustment(ctx context.Context, limit int) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM trust_policies
		WHERE adjust_check_at <= NOW()
		ORDER BY adjust_check_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var p Policy
		if err := json.Unmarshal(doc, &p); err != nil {
			continue
		}
		if p.AutoAdjust.Enabled {
			out = append(out, &p)
		}
	}
	return out, rows.Err()
}
