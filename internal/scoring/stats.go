// Package scoring converts phone-level GOP evidence into utterance-level
// pronunciation scores.
//
// Two interchangeable strategies are supported: deterministic statistical
// aggregation over the raw GOP values (always available) and evaluation of a
// pretrained regression model over per-phone feature vectors (opt-in,
// requires both a model artifact and a feature archive). Strategy selection
// and fallback live in [Engine]; the scale conversion from either strategy's
// native units to the bounded 0–100 presentation score lives in scale.go.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/spokenlab/phonoscore/internal/gop"
)

// Strategy names the scoring path that produced an [UtteranceScore].
type Strategy string

const (
	// StrategyStatistical aggregates raw GOP values.
	StrategyStatistical Strategy = "statistical"

	// StrategyRegression evaluates a pretrained regression model over
	// per-phone feature vectors.
	StrategyRegression Strategy = "regression"
)

// AggMethod selects how per-phone values are collapsed into one utterance
// value.
type AggMethod string

const (
	AggMean     AggMethod = "mean"
	AggMedian   AggMethod = "median"
	AggMin      AggMethod = "min"
	AggMax      AggMethod = "max"
	AggWeighted AggMethod = "weighted"
)

// IsValid reports whether m is a recognised aggregation method.
func (m AggMethod) IsValid() bool {
	switch m {
	case AggMean, AggMedian, AggMin, AggMax, AggWeighted:
		return true
	}
	return false
}

// ErrNoScorablePhones is returned when an utterance has no phones left after
// silence filtering.
var ErrNoScorablePhones = errors.New("scoring: no scorable phones in utterance")

// DefaultSilencePhones are the phone ids excluded from aggregation. In the
// standard phone table ids 0–2 are the silence and noise models; scoring
// them would reward long pauses.
var DefaultSilencePhones = map[int]bool{0: true, 1: true, 2: true}

// UtteranceScore is the utterance-level result of one scoring strategy.
// Exactly one is produced per request. For the statistical strategy Value is
// the aggregated GOP; Min, Max, and Stddev describe the phone distribution.
// For the regression strategy Value is the aggregated model score on the 0–2
// human-expert scale and the distribution fields describe the per-phone
// model scores.
type UtteranceScore struct {
	UtteranceID string
	Strategy    Strategy
	Value       float64
	PhoneCount  int
	Min         float64
	Max         float64
	Stddev      float64
}

// Statistical aggregates the GOP values of rec using method, skipping phones
// listed in silence. Pass nil to use [DefaultSilencePhones].
func Statistical(rec gop.Record, silence map[int]bool, method AggMethod) (UtteranceScore, error) {
	if silence == nil {
		silence = DefaultSilencePhones
	}
	values := make([]float64, 0, len(rec.Phones))
	for _, p := range rec.Phones {
		if silence[p.Phone] {
			continue
		}
		values = append(values, p.GOP)
	}
	if len(values) == 0 {
		return UtteranceScore{}, fmt.Errorf("%w: %s", ErrNoScorablePhones, rec.UtteranceID)
	}

	agg, err := aggregate(values, method)
	if err != nil {
		return UtteranceScore{}, err
	}
	min, max, stddev := distribution(values)
	return UtteranceScore{
		UtteranceID: rec.UtteranceID,
		Strategy:    StrategyStatistical,
		Value:       agg,
		PhoneCount:  len(values),
		Min:         min,
		Max:         max,
		Stddev:      stddev,
	}, nil
}

func aggregate(values []float64, method AggMethod) (float64, error) {
	switch method {
	case AggMean, "":
		return mean(values), nil
	case AggMedian:
		return median(values), nil
	case AggMin:
		min, _, _ := distribution(values)
		return min, nil
	case AggMax:
		_, max, _ := distribution(values)
		return max, nil
	case AggWeighted:
		// Weight by |gop| so that strongly mispronounced phones dominate.
		var sum, wsum float64
		for _, v := range values {
			w := math.Abs(v)
			sum += w * v
			wsum += w
		}
		if wsum == 0 {
			return mean(values), nil
		}
		return sum / wsum, nil
	default:
		return 0, fmt.Errorf("scoring: unknown aggregation method %q", method)
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func distribution(values []float64) (min, max, stddev float64) {
	min, max = values[0], values[0]
	m := mean(values)
	var sq float64
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		d := v - m
		sq += d * d
	}
	// Population standard deviation, matching the reference aggregation.
	stddev = math.Sqrt(sq / float64(len(values)))
	return min, max, stddev
}
