package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/config"
	"github.com/headline-goat/abkit/internal/storage"
	"github.com/headline-goat/abkit/internal/store"
	"github.com/headline-goat/abkit/internal/tracker"
	"github.com/headline-goat/abkit/internal/transport"
)

// commandContext returns the command's context, which is nil when the
// command was not run through ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withStore opens the configured backend, executes the function, and
// handles cleanup.
func withStore(ctx context.Context, fn func(store.Backend) error) error {
	s, err := store.Connect(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// newTransport builds the delivery target for tracked events. With no
// transport configured, events go straight into the local backend.
func newTransport(c *config.Config, backend store.Store) (analytics.Transport, func() error, error) {
	noop := func() error { return nil }

	switch c.Transport.Type {
	case config.TransportHTTP:
		h := transport.NewHTTP(c.Transport.BatchURL, c.Transport.EventURL, nil)
		h.Token = c.Transport.Token
		return h, noop, nil
	case config.TransportKafka:
		k := transport.NewKafka(c.Transport.Brokers, c.Transport.Topic)
		return k, k.Close, nil
	case config.TransportNone:
		return analytics.TransportFunc(func(ctx context.Context, events []analytics.Event) error {
			_, err := backend.RecordEvents(ctx, events)
			return err
		}), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", c.Transport.Type)
	}
}

// directSender returns the single-event poster for conversions, or nil when
// the transport has no event endpoint.
func directSender(tr analytics.Transport) tracker.Sender {
	if h, ok := tr.(*transport.HTTP); ok && h.EventURL != "" {
		return h
	}
	return nil
}

// assignmentStore returns where visitor assignments live: Redis when
// configured, otherwise the backend's kv table.
func assignmentStore(ctx context.Context, c *config.Config, backend storage.KV) (storage.KV, func() error, error) {
	if c.Redis.Addr == "" {
		return backend, func() error { return nil }, nil
	}

	r, err := storage.NewRedis(ctx, storage.RedisOptions{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Prefix:   c.Redis.Prefix,
		TTL:      c.Redis.TTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}

func batchConfig(c *config.Config) analytics.Config {
	bc := analytics.Config{
		FlushInterval: c.Batch.FlushInterval,
		FlushTimeout:  c.Batch.FlushTimeout,
	}
	if c.Batch.MaxAttempts != nil {
		bc.MaxAttempts = *c.Batch.MaxAttempts
	}
	return bc
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseWeights(s string) ([]float64, error) {
	parts := parseList(s)
	if parts == nil {
		return nil, nil
	}
	weights := make([]float64, len(parts))
	for i, p := range parts {
		w, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", p, err)
		}
		weights[i] = w
	}
	return weights, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
