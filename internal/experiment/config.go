package experiment

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfiguration is wrapped by every validation failure.
var ErrInvalidConfiguration = errors.New("invalid experiment configuration")

// ConfigError describes why an experiment definition was rejected.
type ConfigError struct {
	Experiment string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid experiment %q: %s", e.Experiment, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Validate checks an experiment definition. Weights may be nil for equal
// weighting; otherwise they must match variants in length, be finite and
// non-negative, and sum to more than zero.
func Validate(key string, variants []string, weights []float64) error {
	if key == "" {
		return &ConfigError{Experiment: key, Reason: "experiment key is empty"}
	}
	if len(variants) == 0 {
		return &ConfigError{Experiment: key, Reason: "no variants"}
	}
	for i, v := range variants {
		if v == "" {
			return &ConfigError{Experiment: key, Reason: fmt.Sprintf("variant %d has an empty name", i)}
		}
	}

	if weights == nil {
		return nil
	}
	if len(weights) != len(variants) {
		return &ConfigError{
			Experiment: key,
			Reason:     fmt.Sprintf("got %d weights for %d variants", len(weights), len(variants)),
		}
	}

	total := 0.0
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return &ConfigError{Experiment: key, Reason: fmt.Sprintf("weight %d is not a finite number", i)}
		}
		if w < 0 {
			return &ConfigError{Experiment: key, Reason: fmt.Sprintf("weight %d is negative", i)}
		}
		total += w
	}
	if total <= 0 {
		return &ConfigError{Experiment: key, Reason: "weights sum to zero"}
	}

	return nil
}

// Pick selects a variant for a uniform draw r in [0, 1). The draw is scaled
// by the total weight and each weight is subtracted in order; the first
// variant that brings the remainder to zero or below wins. If rounding
// leaves a positive remainder, the last variant is returned.
//
// Variants must be non-empty and weights valid (see Validate).
func Pick(variants []string, weights []float64, r float64) string {
	if weights == nil {
		weights = make([]float64, len(variants))
		for i := range weights {
			weights[i] = 1
		}
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}

	remaining := r * total
	for i, v := range variants {
		remaining -= weights[i]
		if remaining <= 0 {
			return v
		}
	}

	return variants[len(variants)-1]
}
