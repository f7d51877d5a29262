package scoring

import (
	"fmt"
	"sync"

	"github.com/spokenlab/phonoscore/internal/fallback"
	"github.com/spokenlab/phonoscore/internal/gop"
)

// Engine selects and runs a scoring strategy for each utterance.
//
// Regression scoring is attempted first iff a model path was configured and
// the caller supplies a feature archive. Any failure on that path (model
// load error, missing or mismatched feature rows, prediction error) falls
// back to statistical aggregation, which is always computable from the GOP
// values already produced — a degraded score is preferred over no score.
// The strategy that actually produced the result is recorded in
// [UtteranceScore.Strategy].
//
// Engine is safe for concurrent use.
type Engine struct {
	modelPath string
	method    AggMethod
	silence   map[int]bool

	loadOnce sync.Once
	model    *Model
	loadErr  error
}

// Option configures an [Engine].
type Option func(*Engine)

// WithRegressionModel sets the regression model artifact path. An empty path
// disables the regression strategy.
func WithRegressionModel(path string) Option {
	return func(e *Engine) { e.modelPath = path }
}

// WithAggMethod sets the phone-to-utterance aggregation method.
// Default: [AggMean].
func WithAggMethod(m AggMethod) Option {
	return func(e *Engine) { e.method = m }
}

// WithSilencePhones overrides the phone ids excluded from statistical
// aggregation. Default: [DefaultSilencePhones].
func WithSilencePhones(ids []int) Option {
	return func(e *Engine) {
		e.silence = make(map[int]bool, len(ids))
		for _, id := range ids {
			e.silence[id] = true
		}
	}
}

// NewEngine returns an [Engine] configured with the supplied options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{method: AggMean}
	for _, o := range opts {
		o(e)
	}
	return e
}

// loadModel loads the regression model once per Engine. The load error is
// cached too: a missing or corrupt model keeps every request on the
// statistical path instead of being retried per utterance.
func (e *Engine) loadModel() (*Model, error) {
	e.loadOnce.Do(func() {
		e.model, e.loadErr = LoadModel(e.modelPath)
	})
	return e.model, e.loadErr
}

// Score produces the utterance score for rec. features may be nil, which
// disables the regression strategy for this call.
//
// Score only fails when the statistical fallback itself cannot run, i.e.
// when rec has no scorable phones.
func (e *Engine) Score(rec gop.Record, features *gop.FeatureArchive) (UtteranceScore, error) {
	var providers []fallback.Provider[UtteranceScore]

	if e.modelPath != "" && features != nil {
		providers = append(providers, fallback.Provider[UtteranceScore]{
			Name: string(StrategyRegression),
			Run: func() (UtteranceScore, error) {
				model, err := e.loadModel()
				if err != nil {
					return UtteranceScore{}, err
				}
				vecs := features.Vectors(rec.UtteranceID)
				return Regression(rec, vecs, model, e.method)
			},
		})
	}
	providers = append(providers, fallback.Provider[UtteranceScore]{
		Name: string(StrategyStatistical),
		Run: func() (UtteranceScore, error) {
			return Statistical(rec, e.silence, e.method)
		},
	})

	res, err := fallback.NewChain(providers...).Execute()
	if err != nil {
		return UtteranceScore{}, fmt.Errorf("score %s: %w", rec.UtteranceID, err)
	}
	return res.Value, nil
}
