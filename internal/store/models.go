package store

import (
	"time"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/experiment"
	"github.com/headline-goat/abkit/internal/stats"
)

// Event is a stored analytics event.
type Event struct {
	ID         int64
	EventID    string
	Action     string
	Category   string
	Label      string
	Value      *float64
	Params     map[string]any
	Experiment string // from customParameters.experiment
	Variant    string // from customParameters.variant
	SessionID  string
	UserID     string
	CreatedAt  time.Time // client timestamp
	ReceivedAt time.Time
}

// VariantStats counts view and conversion events for one variant.
type VariantStats struct {
	Variant     string
	Views       int
	Conversions int
}

// ExperimentSummary aggregates all events of one experiment.
type ExperimentSummary struct {
	Name         string
	Variants     []string
	Participants int
	Views        int
	Conversions  int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// ConversionRate returns conversions per view as a percentage.
func (s ExperimentSummary) ConversionRate() float64 {
	if s.Views == 0 {
		return 0
	}
	return float64(s.Conversions) / float64(s.Views) * 100
}

// Counts converts stored tallies to analysis input.
func Counts(vs []VariantStats) []stats.VariantCounts {
	out := make([]stats.VariantCounts, len(vs))
	for i, v := range vs {
		out[i] = stats.VariantCounts{Variant: v.Variant, Views: v.Views, Conversions: v.Conversions}
	}
	return out
}

func fromAnalytics(e analytics.Event, eventID string, received time.Time) Event {
	created := e.Timestamp
	if created.IsZero() {
		created = received
	}
	return Event{
		EventID:    eventID,
		Action:     e.Action,
		Category:   e.Category,
		Label:      e.Label,
		Value:      e.Value,
		Params:     e.CustomParameters,
		Experiment: e.Param("experiment"),
		Variant:    e.Param("variant"),
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		CreatedAt:  created,
		ReceivedAt: received,
	}
}

// action names counted by the aggregate queries
var (
	participationAction = experiment.ActionParticipation
	viewAction          = experiment.ActionView
	conversionAction    = experiment.ActionConversion
)
