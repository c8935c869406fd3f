package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/stats"
	"github.com/headline-goat/abkit/internal/store"
)

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBSizeBytes      int64  `json:"db_size_bytes,omitempty"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// sizer is implemented by stores that can report their on-disk size.
type sizer interface {
	SizeBytes(ctx context.Context) (int64, error)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	experiments, err := s.store.ListExperiments(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list experiments")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	response := HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(experiments),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	}
	if sz, ok := s.store.(sizer); ok {
		if size, err := sz.SizeBytes(ctx); err == nil {
			response.DBSizeBytes = size
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// IngestResponse reports how many events of a request were stored.
type IngestResponse struct {
	Success       bool     `json:"success"`
	AcceptedCount int      `json:"accepted_count"`
	RejectedCount int      `json:"rejected_count"`
	Errors        []string `json:"errors,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var batch analytics.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeDecodeError(w, err)
		return
	}

	var valid []analytics.Event
	var errs []string
	for i, e := range batch.Metrics {
		if err := validateEvent(e); err != nil {
			errs = append(errs, fmt.Sprintf("metrics[%d]: %v", i, err))
			continue
		}
		valid = append(valid, e)
	}

	if _, err := s.store.RecordEvents(r.Context(), valid); err != nil {
		s.log.Error().Err(err).Int("events", len(valid)).Msg("Failed to record events")
		writeError(w, http.StatusInternalServerError, "Failed to record events")
		return
	}

	if len(errs) > 0 {
		s.log.Warn().Int("rejected", len(errs)).Int("accepted", len(valid)).Msg("Rejected invalid events")
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		Success:       len(errs) == 0,
		AcceptedCount: len(valid),
		RejectedCount: len(errs),
		Errors:        errs,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var e analytics.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := validateEvent(e); err != nil {
		writeJSON(w, http.StatusBadRequest, IngestResponse{RejectedCount: 1, Errors: []string{err.Error()}})
		return
	}

	if _, err := s.store.RecordEvents(r.Context(), []analytics.Event{e}); err != nil {
		s.log.Error().Err(err).Str("action", e.Action).Msg("Failed to record event")
		writeError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{Success: true, AcceptedCount: 1})
}

func validateEvent(e analytics.Event) error {
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.Category) == "" {
		return errors.New("category is required")
	}
	return nil
}

type ExperimentResponse struct {
	Name           string    `json:"name"`
	Variants       []string  `json:"variants"`
	Participants   int       `json:"participants"`
	Views          int       `json:"views"`
	Conversions    int       `json:"conversions"`
	ConversionRate float64   `json:"conversion_rate"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListExperiments(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list experiments")
		writeError(w, http.StatusInternalServerError, "Failed to fetch experiments")
		return
	}

	response := make([]ExperimentResponse, 0, len(summaries))
	for _, es := range summaries {
		response = append(response, ExperimentResponse{
			Name:           es.Name,
			Variants:       es.Variants,
			Participants:   es.Participants,
			Views:          es.Views,
			Conversions:    es.Conversions,
			ConversionRate: es.ConversionRate(),
			FirstSeen:      es.FirstSeen,
			LastSeen:       es.LastSeen,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

type ResultsResponse struct {
	Experiment    string `json:"experiment"`
	LeaderVariant string `json:"leader_variant"`
	*stats.Result
}

// handleResults analyzes one experiment. ?variants=A,B fixes the order, so
// the first listed variant is the control.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	counts, err := s.store.VariantStats(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Experiment not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("experiment", key).Msg("Failed to get variant stats")
		writeError(w, http.StatusInternalServerError, "Failed to fetch results")
		return
	}

	var order []string
	if v := r.URL.Query().Get("variants"); v != "" {
		order = strings.Split(v, ",")
	}

	result := stats.Analyze(stats.Align(order, store.Counts(counts)))
	writeJSON(w, http.StatusOK, ResultsResponse{
		Experiment:    key,
		LeaderVariant: result.LeaderName(),
		Result:        result,
	})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid JSON")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
