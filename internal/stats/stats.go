// Package stats computes conversion rates, confidence intervals and
// significance for experiment variants.
package stats

import "math"

// VariantCounts is the raw tally for one variant.
type VariantCounts struct {
	Variant     string
	Views       int
	Conversions int
}

// VariantResult is a variant's tally with derived statistics. Rates are
// fractions in [0, 1].
type VariantResult struct {
	Variant     string  `json:"variant"`
	Views       int     `json:"views"`
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"rate"`
	CILower     float64 `json:"ci_lower"`
	CIUpper     float64 `json:"ci_upper"`
}

// Result is the analysis of a whole experiment. The first variant is the
// control.
type Result struct {
	Variants        []VariantResult `json:"variants"`
	Leader          int             `json:"leader"`
	ConfidenceLevel float64         `json:"confidence_level"`
	Confident       bool            `json:"confident"`
}

// LeaderName returns the leading variant's name, or "" without variants.
func (r *Result) LeaderName() string {
	if len(r.Variants) == 0 {
		return ""
	}
	return r.Variants[r.Leader].Variant
}

// Analyze derives rates and 95% Wilson intervals for each variant, picks
// the leader by rate, and measures confidence that the leader differs from
// the control (or, when the control leads, from the best challenger).
func Analyze(counts []VariantCounts) *Result {
	res := &Result{Variants: make([]VariantResult, len(counts))}

	z := ZScore(0.95)
	best := -1.0
	for i, c := range counts {
		rate := 0.0
		if c.Views > 0 {
			rate = float64(c.Conversions) / float64(c.Views)
		}
		lo, hi := WilsonInterval(c.Conversions, c.Views, z)

		res.Variants[i] = VariantResult{
			Variant:     c.Variant,
			Views:       c.Views,
			Conversions: c.Conversions,
			Rate:        rate,
			CILower:     lo,
			CIUpper:     hi,
		}
		if rate > best {
			best = rate
			res.Leader = i
		}
	}

	if len(counts) < 2 {
		return res
	}

	challenger := res.Leader
	if challenger == 0 {
		challenger = 1
		for i := 2; i < len(res.Variants); i++ {
			if res.Variants[i].Rate > res.Variants[challenger].Rate {
				challenger = i
			}
		}
	}

	lead, other := res.Variants[res.Leader], res.Variants[challenger]
	if res.Leader == challenger {
		other = res.Variants[0]
	}
	res.ConfidenceLevel = Significance(lead.Conversions, lead.Views, other.Conversions, other.Views)
	res.Confident = res.ConfidenceLevel >= 0.95

	return res
}

// Significance runs a one-sided two-proportion z-test and returns the
// probability that A's true rate exceeds B's. It returns 0.5 when either
// side has no views.
func Significance(aConv, aViews, bConv, bViews int) float64 {
	if aViews == 0 || bViews == 0 {
		return 0.5
	}

	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)
	pooled := float64(aConv+bConv) / float64(aViews+bViews)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aViews) + 1/float64(bViews)))
	if se == 0 {
		switch {
		case pA > pB:
			return 1
		case pA < pB:
			return 0
		default:
			return 0.5
		}
	}

	return normalCDF((pA - pB) / se)
}

// WilsonInterval returns the Wilson score interval for successes out of
// trials at the given z, clamped to [0, 1]. Zero trials yield (0, 0).
func WilsonInterval(successes, trials int, z float64) (lower, upper float64) {
	if trials == 0 {
		return 0, 0
	}

	n := float64(trials)
	p := float64(successes) / n
	z2 := z * z

	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	margin := z / denom * math.Sqrt(p*(1-p)/n+z2/(4*n*n))

	return math.Max(0, center-margin), math.Min(1, center+margin)
}

// ZScore returns the two-sided critical value for a confidence level in
// (0, 1), e.g. 1.96 for 0.95.
func ZScore(confidence float64) float64 {
	return normalQuantile((1 + confidence) / 2)
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normalQuantile is the inverse standard normal CDF.
func normalQuantile(p float64) float64 {
	switch {
	case p <= 0:
		return math.Inf(-1)
	case p >= 1:
		return math.Inf(1)
	}
	return -math.Sqrt2 * math.Erfcinv(2*p)
}

// Align orders counts by the candidate list, filling zero tallies for
// variants without events and appending unknown variants at the end.
func Align(variants []string, counts []VariantCounts) []VariantCounts {
	byName := make(map[string]VariantCounts, len(counts))
	for _, c := range counts {
		byName[c.Variant] = c
	}

	out := make([]VariantCounts, 0, len(variants)+len(counts))
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		c, ok := byName[v]
		if !ok {
			c = VariantCounts{Variant: v}
		}
		out = append(out, c)
		seen[v] = true
	}
	for _, c := range counts {
		if !seen[c.Variant] {
			out = append(out, c)
		}
	}
	return out
}
