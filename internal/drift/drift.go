// Package drift detects query-distribution drift for propbot.
//
// Each query metric record is projected to a scalar feature, histogrammed
// over the bin edges of a stored reference distribution, and compared to the
// reference with Jensen-Shannon divergence. A score above the configured
// threshold marks the window as drifted and feeds the retraining trigger.
package drift

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/propbot/propbot/internal/metrics"
)

// ErrInsufficientData indicates a window too small to build a reference
// distribution from. Detection cycles never surface it to callers; they
// report a Score with ReasonInsufficientData instead.
var ErrInsufficientData = errors.New("insufficient data for drift detection")

// ErrNoReference indicates no active reference distribution exists yet.
// Detection requires an initial recalibration over a trusted window.
var ErrNoReference = errors.New("no active drift reference")

// Score reasons, persisted with every detection cycle.
const (
	// ReasonWithinThreshold marks a computed divergence at or below threshold.
	ReasonWithinThreshold = "within-threshold"

	// ReasonExceeded marks a computed divergence above threshold.
	ReasonExceeded = "divergence-exceeded"

	// ReasonInsufficientData marks a window below the sample minimum.
	// The divergence on such a score is always zero and Exceeded false.
	ReasonInsufficientData = "insufficient-data"
)

// FeatureQueryShape names the scalar projection used by Featurize. Stored on
// references so a reference built for one featurization is never compared
// against another.
const FeatureQueryShape = "query-shape-v1"

// Featurization normalization ceilings and blend weights. Values at or above
// a ceiling saturate to 1. The weights sum to 1 so the feature itself stays
// in [0,1].
const (
	maxQueryChars = 1000.0
	maxRetrieved  = 20.0
	maxLatencyMS  = 10000.0

	weightQueryChars = 0.5
	weightRetrieved  = 0.2
	weightLatency    = 0.3
)

// Reference is a frozen histogram of the feature over a trusted window.
// Exactly one reference is active at a time; recalibration replaces it
// wholesale.
type Reference struct {
	ID      int64
	Feature string

	// Edges holds len(Counts)+1 ascending bin boundaries. Values outside
	// [Edges[0], Edges[len-1]] are clamped into the edge bins.
	Edges  []float64
	Counts []int64

	SampleCount int64
	WindowStart time.Time
	WindowEnd   time.Time
	BuiltAt     time.Time
}

// Bins returns the number of histogram bins.
func (r *Reference) Bins() int {
	return len(r.Counts)
}

// Score is the outcome of one detection cycle.
type Score struct {
	ID         int64     `json:"id,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
	Divergence float64   `json:"divergence"`
	WindowSize int       `json:"window_size"`
	Threshold  float64   `json:"threshold"`
	Exceeded   bool      `json:"exceeded"`
	Reason     string    `json:"reason"`
}

// Featurize projects one record to the scalar drift feature: a weighted
// blend of normalized query length, retrieval count, and latency. The result
// is always in [0,1].
func Featurize(rec metrics.Record) float64 {
	q := clamp01(float64(rec.QueryChars) / maxQueryChars)
	r := clamp01(float64(rec.RetrievedCount) / maxRetrieved)
	l := clamp01(float64(rec.LatencyMS) / maxLatencyMS)
	return weightQueryChars*q + weightRetrieved*r + weightLatency*l
}

// BuildReference freezes the feature distribution of a window into a
// reference histogram with the given number of equal-width bins. The window
// must hold at least minSamples records.
func BuildReference(window []metrics.Record, bins, minSamples int, start, end time.Time) (*Reference, error) {
	if bins < 2 {
		return nil, fmt.Errorf("histogram needs at least 2 bins, got %d", bins)
	}
	if len(window) < minSamples {
		return nil, fmt.Errorf("%w: %d records, need %d", ErrInsufficientData, len(window), minSamples)
	}

	features := make([]float64, len(window))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, rec := range window {
		f := Featurize(rec)
		features[i] = f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if lo == hi {
		// Degenerate window, every record identical. Widen so the histogram
		// still has a nonzero bin width.
		lo -= 0.5
		hi += 0.5
	}

	edges := make([]float64, bins+1)
	width := (hi - lo) / float64(bins)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[bins] = hi

	return &Reference{
		Feature:     FeatureQueryShape,
		Edges:       edges,
		Counts:      histogram(edges, features),
		SampleCount: int64(len(window)),
		WindowStart: start,
		WindowEnd:   end,
		BuiltAt:     time.Now(),
	}, nil
}

// ComputeDrift scores a window of records against the reference. A window
// below minSamples yields Score{Exceeded: false, Reason: insufficient-data}
// without computing a divergence.
func ComputeDrift(ref *Reference, window []metrics.Record, threshold float64, minSamples int) Score {
	score := Score{
		ComputedAt: time.Now(),
		WindowSize: len(window),
		Threshold:  threshold,
	}

	if len(window) < minSamples {
		score.Reason = ReasonInsufficientData
		return score
	}

	features := make([]float64, len(window))
	for i, rec := range window {
		features[i] = Featurize(rec)
	}
	counts := histogram(ref.Edges, features)

	score.Divergence = jensenShannon(normalize(ref.Counts), normalize(counts))
	if score.Divergence > threshold {
		score.Exceeded = true
		score.Reason = ReasonExceeded
	} else {
		score.Reason = ReasonWithinThreshold
	}
	return score
}

// histogram counts values into the bins defined by edges. Values outside
// the edge range are clamped into the first or last bin so every record is
// counted.
func histogram(edges []float64, values []float64) []int64 {
	bins := len(edges) - 1
	counts := make([]int64, bins)
	lo, hi := edges[0], edges[bins]
	width := (hi - lo) / float64(bins)

	for _, v := range values {
		var idx int
		switch {
		case v <= lo:
			idx = 0
		case v >= hi:
			idx = bins - 1
		default:
			idx = int((v - lo) / width)
			if idx >= bins {
				idx = bins - 1
			}
		}
		counts[idx]++
	}
	return counts
}

// normalize converts counts to a probability vector. An all-zero vector is
// returned unchanged; jensenShannon treats zero mass as zero contribution.
func normalize(counts []int64) []float64 {
	var total int64
	for _, c := range counts {
		total += c
	}
	probs := make([]float64, len(counts))
	if total == 0 {
		return probs
	}
	for i, c := range counts {
		probs[i] = float64(c) / float64(total)
	}
	return probs
}

// jensenShannon computes the Jensen-Shannon divergence between two
// probability vectors using base-2 logarithms, so the result is bounded to
// [0,1]. No smoothing: distributions with disjoint support score exactly 1.
func jensenShannon(p, q []float64) float64 {
	var js float64
	for i := range p {
		m := (p[i] + q[i]) / 2
		js += klTerm(p[i], m) / 2
		js += klTerm(q[i], m) / 2
	}
	return clamp01(js)
}

// klTerm is one summand of the KL divergence, with the 0*log(0) = 0
// convention.
func klTerm(p, m float64) float64 {
	if p == 0 || m == 0 {
		return 0
	}
	return p * math.Log2(p/m)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
