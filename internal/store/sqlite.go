package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/storage"
)

type SQLiteStore struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT UNIQUE NOT NULL,
    action TEXT NOT NULL,
    category TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    value REAL,
    params TEXT,
    experiment TEXT NOT NULL DEFAULT '',
    variant TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    received_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment, variant, action);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SizeBytes reports the database size from SQLite's page accounting.
func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to get database size: %w", err)
	}
	return size, nil
}

// RecordEvents inserts events in one transaction and returns how many were
// written.
func (s *SQLiteStore) RecordEvents(ctx context.Context, events []analytics.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events
		 (event_id, action, category, label, value, params, experiment, variant, session_id, user_id, created_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	inserted := 0
	for _, e := range events {
		row := fromAnalytics(e, uuid.NewString(), now)

		params, err := marshalParams(row.Params)
		if err != nil {
			return 0, err
		}

		result, err := stmt.ExecContext(ctx,
			row.EventID, row.Action, row.Category, row.Label, nullableFloat(row.Value), params,
			row.Experiment, row.Variant, row.SessionID, row.UserID,
			row.CreatedAt.UnixMilli(), row.ReceivedAt.UnixMilli(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}

	return inserted, nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, experiment string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, action, category, label, value, params, experiment, variant, session_id, user_id, created_at, received_at
		 FROM events WHERE experiment = ? ORDER BY created_at, id`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var value sql.NullFloat64
		var params sql.NullString
		var createdAt, receivedAt int64

		if err := rows.Scan(&e.ID, &e.EventID, &e.Action, &e.Category, &e.Label, &value, &params,
			&e.Experiment, &e.Variant, &e.SessionID, &e.UserID, &createdAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &e.Params); err != nil {
				return nil, fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.ReceivedAt = time.UnixMilli(receivedAt)

		events = append(events, &e)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) VariantStats(ctx context.Context, experiment string) ([]VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			variant,
			SUM(CASE WHEN action = ? THEN 1 ELSE 0 END) AS views,
			SUM(CASE WHEN action = ? THEN 1 ELSE 0 END) AS conversions
		FROM events
		WHERE experiment = ? AND variant != ''
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
		if err := rows.Scan(&vs.Variant, &vs.Views, &vs.Conversions); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
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

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]ExperimentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			experiment,
			COUNT(DISTINCT CASE WHEN action = ? THEN CASE WHEN user_id != '' THEN user_id ELSE session_id END END) AS participants,
			SUM(CASE WHEN action = ? THEN 1 ELSE 0 END) AS views,
			SUM(CASE WHEN action = ? THEN 1 ELSE 0 END) AS conversions,
			MIN(created_at),
			MAX(created_at)
		FROM events
		WHERE experiment != ''
		GROUP BY experiment
		ORDER BY experiment
	`, participationAction, viewAction, conversionAction)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	var summaries []ExperimentSummary
	for rows.Next() {
		var es ExperimentSummary
		var first, last int64
		if err := rows.Scan(&es.Name, &es.Participants, &es.Views, &es.Conversions, &first, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		es.FirstSeen = time.UnixMilli(first)
		es.LastSeen = time.UnixMilli(last)
		summaries = append(summaries, es)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		variants, err := s.variantNames(ctx, summaries[i].Name)
		if err != nil {
			return nil, err
		}
		summaries[i].Variants = variants
	}

	return summaries, nil
}

func (s *SQLiteStore) variantNames(ctx context.Context, experiment string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT variant FROM events WHERE experiment = ? AND variant != '' ORDER BY variant`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Get implements storage.KV.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set implements storage.KV.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func marshalParams(params map[string]any) (sql.NullString, error) {
	if len(params) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
