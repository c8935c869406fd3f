// Package transport delivers analytics batches to a collector.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/headline-goat/abkit/internal/analytics"
)

// StatusError is returned when the collector answers with a non-2xx code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector %s returned status %d", e.URL, e.Code)
}

// HTTP posts batches as {"metrics": [...]} to BatchURL and single events
// to EventURL.
type HTTP struct {
	BatchURL string
	EventURL string
	Token    string
	client   *http.Client
}

// NewHTTP creates an HTTP transport. A nil client gets a 10 second timeout.
func NewHTTP(batchURL, eventURL string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{BatchURL: batchURL, EventURL: eventURL, client: client}
}

// Deliver implements analytics.Transport.
func (h *HTTP) Deliver(ctx context.Context, events []analytics.Event) error {
	return h.post(ctx, h.BatchURL, analytics.Batch{Metrics: events})
}

// Send posts one event on its own, bypassing any buffer.
func (h *HTTP) Send(ctx context.Context, e analytics.Event) error {
	if h.EventURL == "" {
		return fmt.Errorf("no event URL configured")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h.post(ctx, h.EventURL, e)
}

func (h *HTTP) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return nil
}
