package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"profile_ledger/models"
)

// PostgresStore mirrors committed changes and run reports into Postgres. The
// spreadsheet stays the source of truth; this is an append-only audit trail.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS sync_runs (
		run_id UUID PRIMARY KEY,
		source TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		counters JSONB NOT NULL,
		failures JSONB,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS profile_changes (
		id BIGSERIAL PRIMARY KEY,
		run_id UUID NOT NULL,
		profile_key TEXT NOT NULL,
		outcome TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		changed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profile_changes_key ON profile_changes(profile_key, changed_at);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`)
	return err
}

// ProfileChange is one changed column of one committed reconciliation.
type ProfileChange struct {
	RunID   string
	Key     string
	Outcome models.Outcome
	Field   string
	Old     string
	New     string
	At      time.Time
}

// =============================================================================
// Audit trail
// =============================================================================

func (s *PostgresStore) RecordChanges(ctx context.Context, changes []ProfileChange) error {
	if len(changes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range changes {
		runID, err := uuid.Parse(c.RunID)
		if err != nil {
			return fmt.Errorf("parse run id: %w", err)
		}
		batch.Queue(`
			INSERT INTO profile_changes (run_id, profile_key, outcome, field, old_value, new_value, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			runID, c.Key, string(c.Outcome), c.Field, c.Old, c.New, c.At)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// =============================================================================
// Runs
// =============================================================================

func (s *PostgresStore) SaveRun(ctx context.Context, report *models.RunReport) error {
	runID, err := uuid.Parse(report.RunID)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	counters, err := json.Marshal(report.Counters)
	if err != nil {
		return err
	}
	failures, err := json.Marshal(report.Failures)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_runs (run_id, source, started_at, finished_at, status, counters, failures, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			counters = EXCLUDED.counters,
			failures = EXCLUDED.failures,
			error_message = EXCLUDED.error_message`,
		runID, report.Source, report.StartedAt, report.FinishedAt, string(report.Status),
		counters, failures, report.Error)
	return err
}
