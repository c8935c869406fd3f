package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/storage"
)

// ErrNotFound is returned when an experiment has no recorded events.
var ErrNotFound = errors.New("not found")

// Store defines collector persistence.
type Store interface {
	// Event operations
	RecordEvents(ctx context.Context, events []analytics.Event) (int, error)
	GetEvents(ctx context.Context, experiment string) ([]*Event, error)

	// Experiment aggregates
	VariantStats(ctx context.Context, experiment string) ([]VariantStats, error)
	ListExperiments(ctx context.Context) ([]ExperimentSummary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Backend is a Store that also persists assignments, so the CLI can
// assign visitors against the same database the collector writes to.
type Backend interface {
	Store
	storage.KV
}

// Connect opens the backend for driver "sqlite" (dsn is a file path) or
// "postgres" (dsn is a connection URL).
func Connect(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", "sqlite":
		return Open(dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
