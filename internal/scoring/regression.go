package scoring

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spokenlab/phonoscore/internal/gop"
)

// Model is a pretrained regression model mapping a per-phone feature vector
// to a score on the 0–2 human-expert scale. The artifact is a JSON file:
//
//	{"dim": 4, "weights": [0.1, -0.2, 0.05, 0.3], "bias": 1.2}
//
// The model is opaque beyond "features in, score out": predictions are
// clipped to [0, 2] and the orchestrator never mutates a loaded model.
type Model struct {
	Dim     int       `json:"dim"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// LoadModel reads and validates a regression model artifact from path.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: read regression model %q: %w", path, err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("scoring: parse regression model %q: %w", path, err)
	}
	if m.Dim <= 0 || len(m.Weights) != m.Dim {
		return nil, fmt.Errorf("scoring: regression model %q: dim %d does not match %d weights",
			path, m.Dim, len(m.Weights))
	}
	return &m, nil
}

// Predict evaluates the model on one feature vector, clipped to [0, 2].
func (m *Model) Predict(features []float64) (float64, error) {
	if len(features) != m.Dim {
		return 0, fmt.Errorf("scoring: feature vector has %d dims, model expects %d",
			len(features), m.Dim)
	}
	score := m.Bias
	for i, w := range m.Weights {
		score += w * features[i]
	}
	if score < 0 {
		score = 0
	}
	if score > 2 {
		score = 2
	}
	return score, nil
}

// Regression scores rec by evaluating model on each phone's feature vector
// and aggregating the per-phone scores with method. The features must align
// positionally with rec.Phones; a count mismatch is an error so the caller
// can fall back to the statistical strategy.
func Regression(rec gop.Record, features [][]float64, model *Model, method AggMethod) (UtteranceScore, error) {
	if len(features) == 0 {
		return UtteranceScore{}, fmt.Errorf("scoring: no feature vectors for %s", rec.UtteranceID)
	}
	if len(features) != len(rec.Phones) {
		return UtteranceScore{}, fmt.Errorf("scoring: %s has %d phones but %d feature vectors",
			rec.UtteranceID, len(rec.Phones), len(features))
	}

	phoneScores := make([]float64, 0, len(features))
	for i, vec := range features {
		s, err := model.Predict(vec)
		if err != nil {
			return UtteranceScore{}, fmt.Errorf("scoring: phone %d of %s: %w", i, rec.UtteranceID, err)
		}
		phoneScores = append(phoneScores, s)
	}

	// The regression path supports mean/median/min/max aggregation; weighted
	// makes no sense on the bounded expert scale, so map it to mean.
	m := method
	if m == AggWeighted || m == "" {
		m = AggMean
	}
	agg, err := aggregate(phoneScores, m)
	if err != nil {
		return UtteranceScore{}, err
	}
	min, max, stddev := distribution(phoneScores)
	return UtteranceScore{
		UtteranceID: rec.UtteranceID,
		Strategy:    StrategyRegression,
		Value:       agg,
		PhoneCount:  len(phoneScores),
		Min:         min,
		Max:         max,
		Stddev:      stddev,
	}, nil
}
