// Package experiment assigns visitors to A/B test variants and reports
// participation, views and conversions as analytics events.
package experiment

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/storage"
)

// KeyPrefix is prepended to the experiment key to form the storage key.
const KeyPrefix = "ab_test_"

// Event actions emitted by the assigner.
const (
	ActionParticipation = "ab_test_participation"
	ActionView          = "ab_test_view"
	ActionConversion    = "ab_test_conversion"

	CategoryExperiment = "ab_test"
)

// Sink receives emitted events. *analytics.Batcher and *tracker.Tracker
// both satisfy it.
type Sink interface {
	Enqueue(e analytics.Event)
}

// Result is the locally observed performance of one variant.
type Result struct {
	Variant        string  `json:"variant"`
	Views          int     `json:"views"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

type counter struct {
	views       int
	conversions int
}

// Assigner hands out sticky variants. Assignments live in a storage.KV;
// view and conversion counts are kept in memory for this process only.
type Assigner struct {
	kv   storage.KV
	sink Sink
	rand func() float64
	log  zerolog.Logger

	mu       sync.Mutex
	variants map[string][]string
	counts   map[string]map[string]*counter

	// keys serializes read-pick-write per storage key.
	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

// Option customizes an Assigner.
type Option func(*Assigner)

// WithRand replaces the uniform [0, 1) random source.
func WithRand(fn func() float64) Option {
	return func(a *Assigner) { a.rand = fn }
}

// WithLogger sets the logger used for storage warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Assigner) { a.log = l }
}

func NewAssigner(kv storage.KV, sink Sink, opts ...Option) *Assigner {
	a := &Assigner{
		kv:       kv,
		sink:     sink,
		rand:     rand.Float64,
		log:      zerolog.Nop(),
		variants: make(map[string][]string),
		counts:   make(map[string]map[string]*counter),
		keys:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetVariant returns the visitor's variant for the experiment, assigning
// and persisting one on first use. A stored variant is returned unchanged
// as long as it is still among variants.
//
// An invalid definition returns an error wrapping ErrInvalidConfiguration.
// Storage failures never return an error: the variant is picked for this
// call only and is not persisted.
func (a *Assigner) GetVariant(ctx context.Context, key string, variants []string, weights []float64) (string, error) {
	if err := Validate(key, variants, weights); err != nil {
		return "", err
	}
	a.remember(key, variants)

	unlock := a.lockKey(KeyPrefix + key)
	defer unlock()

	stored, err := a.kv.Get(ctx, KeyPrefix+key)
	switch {
	case err == nil:
		if slices.Contains(variants, stored) {
			return stored, nil
		}
		a.log.Debug().Str("experiment", key).Str("stored", stored).Msg("Stored variant is no longer a candidate, reassigning")
	case errors.Is(err, storage.ErrNotFound):
	default:
		variant := Pick(variants, weights, a.rand())
		a.log.Warn().Err(err).Str("experiment", key).Str("variant", variant).Msg("Assignment storage unavailable, variant not persisted")
		a.emit(ActionParticipation, CategoryExperiment, key+"_"+variant, nil, key, variant, false)
		return variant, nil
	}

	variant := Pick(variants, weights, a.rand())
	persisted := true
	if err := a.kv.Set(ctx, KeyPrefix+key, variant); err != nil {
		a.log.Warn().Err(err).Str("experiment", key).Str("variant", variant).Msg("Failed to persist assignment")
		persisted = false
	}

	a.emit(ActionParticipation, CategoryExperiment, key+"_"+variant, nil, key, variant, persisted)
	return variant, nil
}

// lockKey holds the per-key lock so that concurrent first calls observe a
// single assignment.
func (a *Assigner) lockKey(k string) func() {
	a.keysMu.Lock()
	m, ok := a.keys[k]
	if !ok {
		m = &sync.Mutex{}
		a.keys[k] = m
	}
	a.keysMu.Unlock()

	m.Lock()
	return m.Unlock
}

// TrackView reports that the visitor saw their assigned variant. It does
// nothing if the visitor has no assignment.
func (a *Assigner) TrackView(ctx context.Context, key string) {
	variant, ok := a.assigned(ctx, key)
	if !ok {
		return
	}

	a.mu.Lock()
	a.counter(key, variant).views++
	a.mu.Unlock()

	a.emit(ActionView, CategoryExperiment, key+"_"+variant, nil, key, variant, true)
}

// TrackConversion reports a conversion with value 1.
func (a *Assigner) TrackConversion(ctx context.Context, key, conversionType string) {
	a.TrackConversionValue(ctx, key, conversionType, 1)
}

// TrackConversionValue reports a conversion of the given type and value.
// It does nothing if the visitor has no assignment.
func (a *Assigner) TrackConversionValue(ctx context.Context, key, conversionType string, value float64) {
	variant, ok := a.assigned(ctx, key)
	if !ok {
		return
	}

	a.mu.Lock()
	a.counter(key, variant).conversions++
	a.mu.Unlock()

	a.emit(ActionConversion, analytics.CategoryConversion, conversionType, analytics.Float(value), key, variant, true)
}

// GetResults returns view and conversion counts observed by this process,
// in candidate order followed by any other counted variants by name.
func (a *Assigner) GetResults(key string) []Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := a.counts[key]
	order := slices.Clone(a.variants[key])

	var extra []string
	for v := range counts {
		if !slices.Contains(order, v) {
			extra = append(extra, v)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	results := make([]Result, 0, len(order))
	for _, v := range order {
		r := Result{Variant: v}
		if c, ok := counts[v]; ok {
			r.Views = c.views
			r.Conversions = c.conversions
		}
		if r.Views > 0 {
			r.ConversionRate = float64(r.Conversions) / float64(r.Views) * 100
		}
		results = append(results, r)
	}

	return results
}

// Reset clears the in-memory counters and known experiment definitions.
// Persisted assignments are untouched.
func (a *Assigner) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variants = make(map[string][]string)
	a.counts = make(map[string]map[string]*counter)
}

func (a *Assigner) assigned(ctx context.Context, key string) (string, bool) {
	v, err := a.kv.Get(ctx, KeyPrefix+key)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (a *Assigner) remember(key string, variants []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variants[key] = slices.Clone(variants)
}

// counter returns the counter for key/variant. Caller must hold a.mu.
func (a *Assigner) counter(key, variant string) *counter {
	byVariant, ok := a.counts[key]
	if !ok {
		byVariant = make(map[string]*counter)
		a.counts[key] = byVariant
	}
	c, ok := byVariant[variant]
	if !ok {
		c = &counter{}
		byVariant[variant] = c
	}
	return c
}

func (a *Assigner) emit(action, category, label string, value *float64, key, variant string, persisted bool) {
	if a.sink == nil {
		return
	}
	params := map[string]any{
		"experiment": key,
		"variant":    variant,
	}
	if !persisted {
		params["persisted"] = false
	}
	a.sink.Enqueue(analytics.Event{
		Action:           action,
		Category:         category,
		Label:            label,
		Value:            value,
		CustomParameters: params,
	})
}
