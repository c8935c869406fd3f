package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/storage"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    event_id UUID UNIQUE NOT NULL,
    action TEXT NOT NULL,
    category TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    value DOUBLE PRECISION,
    params JSONB,
    experiment TEXT NOT NULL DEFAULT '',
    variant TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment, variant, action);

CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is the collector store for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordEvents sends all inserts in one pgx batch inside a transaction.
func (s *PostgresStore) RecordEvents(ctx context.Context, events []analytics.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	batch := &pgx.Batch{}
	for _, e := range events {
		row := fromAnalytics(e, uuid.NewString(), now)

		var params []byte
		if len(row.Params) > 0 {
			params, err = json.Marshal(row.Params)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal params: %w", err)
			}
		}

		batch.Queue(
			`INSERT INTO events
			 (event_id, action, category, label, value, params, experiment, variant, session_id, user_id, created_at, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (event_id) DO NOTHING`,
			row.EventID, row.Action, row.Category, row.Label, row.Value, params,
			row.Experiment, row.Variant, row.SessionID, row.UserID, row.CreatedAt, row.ReceivedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range events {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, experiment string) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id::text, action, category, label, value, params, experiment, variant, session_id, user_id, created_at, received_at
		 FROM events WHERE experiment = $1 ORDER BY created_at, id`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var params []byte
		if err := rows.Scan(&e.ID, &e.EventID, &e.Action, &e.Category, &e.Label, &e.Value, &params,
			&e.Experiment, &e.Variant, &e.SessionID, &e.UserID, &e.CreatedAt, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &e.Params); err != nil {
				return nil, fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

func (s *PostgresStore) VariantStats(ctx context.Context, experiment string) ([]VariantStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			variant,
			COUNT(*) FILTER (WHERE action = $1) AS views,
			COUNT(*) FILTER (WHERE action = $2) AS conversions
		FROM events
		WHERE experiment = $3 AND variant <> ''
		GROUP BY variant
		ORDER BY variant
	`, viewAction, conversionAction, experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to get variant stats: %w", err)
	}
	defer rows.Close()

	var stats []VariantStats
	for rows.Next() {
		var vs VariantStats
		var views, conversions int64
		if err := rows.Scan(&vs.Variant, &views, &conversions); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		vs.Views = int(views)
		vs.Conversions = int(conversions)
		stats = append(stats, vs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(stats) == 0 {
		return nil, ErrNotFound
	}
	return stats, nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context) ([]ExperimentSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			experiment,
			COALESCE(array_agg(DISTINCT variant) FILTER (WHERE variant <> ''), '{}') AS variants,
			COUNT(DISTINCT COALESCE(NULLIF(user_id, ''), session_id)) FILTER (WHERE action = $1) AS participants,
			COUNT(*) FILTER (WHERE action = $2) AS views,
			COUNT(*) FILTER (WHERE action = $3) AS conversions,
			MIN(created_at),
			MAX(created_at)
		FROM events
		WHERE experiment <> ''
		GROUP BY experiment
		ORDER BY experiment
	`, participationAction, viewAction, conversionAction)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var summaries []ExperimentSummary
	for rows.Next() {
		var es ExperimentSummary
		var participants, views, conversions int64
		if err := rows.Scan(&es.Name, &es.Variants, &participants, &views, &conversions, &es.FirstSeen, &es.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		es.Participants = int(participants)
		es.Views = int(views)
		es.Conversions = int(conversions)
		summaries = append(summaries, es)
	}

	return summaries, rows.Err()
}

// Get implements storage.KV.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set implements storage.KV.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
