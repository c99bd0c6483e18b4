// Package audit persists terminal task outcomes to Postgres for durable
// history beyond the broker's own TTL-bound result cache. It is optional:
// when no DSN is configured, callers simply don't construct a Store.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inferplane/inferplane/internal/task"
)

// Store records terminal task envelopes in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies reachability. Pool sizing mirrors the
// coordination store's tuning for the same workload shape: bursty,
// short-lived connections from gateway and worker processes.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the audit table if it doesn't already exist. Called once
// at startup; there is no migration tool wired in, matching the scope of
// the teacher's own schema management.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_audit (
			task_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			client_request_id TEXT,
			timing JSONB,
			result JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Record upserts the terminal outcome for a task.
func (s *Store) Record(ctx context.Context, t task.Task, env task.ResultEnvelope) error {
	timing, err := json.Marshal(env.Timing)
	if err != nil {
		return err
	}
	result, err := json.Marshal(env.Result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_audit (task_id, model, priority, status, client_request_id, timing, result, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			timing = EXCLUDED.timing,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			completed_at = NOW()
	`, t.ID, t.Model, string(t.Priority), string(env.Status), t.ClientRequestID, timing, result, env.Error, t.CreatedAt)
	return err
}

// Get returns the recorded envelope for taskID, if any.
func (s *Store) Get(ctx context.Context, taskID string) (*task.ResultEnvelope, bool, error) {
	var env task.ResultEnvelope
	var timing, result []byte
	var errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, status, timing, result, error FROM task_audit WHERE task_id = $1
	`, taskID).Scan(&env.TaskID, &env.Status, &timing, &result, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if errMsg != nil {
		env.Error = *errMsg
	}
	if len(timing) > 0 {
		if err := json.Unmarshal(timing, &env.Timing); err != nil {
			return nil, false, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &env.Result); err != nil {
			return nil, false, err
		}
	}
	return &env, true, nil
}
