package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fintrack/sentinel/internal/pagination"
	"github.com/fintrack/sentinel/internal/policy"
)

// PostgresStore persists signals and observation history in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)
var _ policy.SignalStats = (*PostgresStore)(nil)
var _ policy.ObservationSource = (*PostgresStore)(nil)

// Migrate creates the tables if they do not exist. Production deployments
// use the versioned migrations instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS behavior_signals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			trust_impact DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			anomaly_score DOUBLE PRECISION NOT NULL,
			false_positive BOOLEAN NOT NULL DEFAULT FALSE,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_behavior_signals_session ON behavior_signals(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_behavior_signals_user ON behavior_signals(user_id, created_at);

		CREATE TABLE IF NOT EXISTS behavior_observations (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			device TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			requests_per_minute DOUBLE PRECISION NOT NULL DEFAULT 0,
			hour_utc INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_behavior_observations_user ON behavior_observations(user_id, created_at);
	`)
	return err
}

const signalColumns = `id, session_id, user_id, type, severity, trust_impact, confidence, anomaly_score, false_positive, details, created_at`

func (p *PostgresStore) Create(ctx context.Context, s *BehaviorSignal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	details, err := marshalDetails(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO behavior_signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.SessionID, s.UserID, string(s.Type), string(s.Severity),
		s.TrustImpact, s.Confidence, s.AnomalyScore, s.FalsePositive,
		details, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateBatch(ctx context.Context, signals []*BehaviorSignal) error {
	if len(signals) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO behavior_signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, s := range signals {
		if err := s.Validate(); err != nil {
			return err
		}
		details, err := marshalDetails(s)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.SessionID, s.UserID, string(s.Type), string(s.Severity),
			s.TrustImpact, s.Confidence, s.AnomalyScore, s.FalsePositive,
			details, s.CreatedAt); err != nil {
			return fmt.Errorf("insert signal %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*BehaviorSignal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+` FROM behavior_signals WHERE id = $1`, id)
	return scanSignal(row)
}

func (p *PostgresStore) ListBySession(ctx context.Context, sessionID string, before *pagination.Cursor, limit int) ([]*BehaviorSignal, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+signalColumns+` FROM behavior_signals
			WHERE session_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, sessionID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+signalColumns+` FROM behavior_signals
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

func (p *PostgresStore) ListRecentBySession(ctx context.Context, sessionID string, since time.Time) ([]*BehaviorSignal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM behavior_signals
		WHERE session_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

func (p *PostgresStore) MarkFalsePositive(ctx context.Context, id string) (*BehaviorSignal, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE behavior_signals SET false_positive = TRUE
		WHERE id = $1
		RETURNING `+signalColumns, id)
	return scanSignal(row)
}

func (p *PostgresStore) RefineAnomalyScore(ctx context.Context, id string, score float64) error {
	if score < 0 || score > 100 {
		return ErrInvalidSignal
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE behavior_signals SET anomaly_score = $1 WHERE id = $2`, score, id)
	if err != nil {
		return fmt.Errorf("refine anomaly score: %w", err)
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

func (p *PostgresStore) RecordObservation(ctx context.Context, userID string, obs policy.Observation) error {
	created := obs.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO behavior_observations
			(user_id, city, country, user_agent, device, role, endpoint, requests_per_minute, hour_utc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		userID, obs.City, obs.Country, obs.UserAgent, obs.Device, obs.Role,
		obs.Endpoint, obs.RequestsPerMinute, obs.HourUTC, created)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountRecent(ctx context.Context, userID string, since time.Time) (total, falsePositives, criticalThreats int, err error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE false_positive),
			COUNT(*) FILTER (WHERE NOT false_positive
				AND severity = $1
				AND type = ANY($2::text[]))
		FROM behavior_signals
		WHERE user_id = $3 AND created_at >= $4`,
		string(SeverityCritical), threatClassArray(), userID, since)
	if err := row.Scan(&total, &falsePositives, &criticalThreats); err != nil {
		return 0, 0, 0, fmt.Errorf("count signals: %w", err)
	}
	return total, falsePositives, criticalThreats, nil
}

func (p *PostgresStore) RecentObservations(ctx context.Context, userID string, since time.Time) ([]policy.Observation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT city, country, user_agent, device, role, endpoint, requests_per_minute, hour_utc, created_at
		FROM behavior_observations
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []policy.Observation
	for rows.Next() {
		var obs policy.Observation
		if err := rows.Scan(&obs.City, &obs.Country, &obs.UserAgent, &obs.Device,
			&obs.Role, &obs.Endpoint, &obs.RequestsPerMinute, &obs.HourUTC, &obs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UsersWithRecentActivity(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM behavior_observations
		WHERE created_at >= $1
		ORDER BY user_id`, since)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// threatClassArray renders the threat-class types as a Postgres text array.
func threatClassArray() string {
	out := "{"
	first := true
	for t := range threatClassTypes {
		if !first {
			out += ","
		}
		out += string(t)
		first = false
	}
	return out + "}"
}

func marshalDetails(s *BehaviorSignal) ([]byte, error) {
	if s.Details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return raw, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*BehaviorSignal, error) {
	var (
		s       BehaviorSignal
		typ     string
		sev     string
		details []byte
	)
	err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &typ, &sev,
		&s.TrustImpact, &s.Confidence, &s.AnomalyScore, &s.FalsePositive,
		&details, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	s.Type = Type(typ)
	s.Severity = Severity(sev)
	if len(details) > 0 {
		decoded, err := DecodeDetails(s.Type, details)
		if err != nil {
			return nil, fmt.Errorf("decode details for %s: %w", s.ID, err)
		}
		s.Details = decoded
	}
	return &s, nil
}

func scanSignals(rows *sql.Rows) ([]*BehaviorSignal, error) {
	var out []*BehaviorSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
