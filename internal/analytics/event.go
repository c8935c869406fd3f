package analytics

import (
	"maps"
	"time"
)

// CategoryConversion marks high-priority events that are flushed immediately.
const CategoryConversion = "conversion"

// Event is a single analytics event. Timestamp is assigned by the batcher
// when the event is enqueued.
type Event struct {
	Action           string         `json:"action"`
	Category         string         `json:"category"`
	Label            string         `json:"label,omitempty"`
	Value            *float64       `json:"value,omitempty"`
	CustomParameters map[string]any `json:"customParameters,omitempty"`
	SessionID        string         `json:"sessionId,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Param returns the custom parameter stored under key as a string.
func (e Event) Param(key string) string {
	v, ok := e.CustomParameters[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Float returns a pointer to v, for building events with a Value.
func Float(v float64) *float64 {
	return &v
}

// clone copies the mutable parts of e so the buffered copy is not shared
// with the caller.
func (e Event) clone() Event {
	e.CustomParameters = maps.Clone(e.CustomParameters)
	if e.Value != nil {
		v := *e.Value
		e.Value = &v
	}
	return e
}

// Batch is the JSON body posted to the collector's batch endpoint.
type Batch struct {
	Metrics []Event `json:"metrics"`
}
