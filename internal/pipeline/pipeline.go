// Package pipeline sequences the scoring stages for one request: input
// preparation, feature extraction, decoding-graph acquisition, alignment,
// phone extraction, GOP computation, score aggregation, and scale
// conversion.
//
// Each stage is gated by an idempotency check: when its declared output
// artifact already exists and is non-empty the stage is skipped, which lets
// repeated invocations over the same working directory reuse everything the
// external engine already produced. The shared language bundle and graph
// cache survive across requests; per-request artifacts live in the request's
// working directory.
//
// Stage failures are terminal for the request. The only documented fallbacks
// are inside collaborators: language-resource tier resolution (langres) and
// scoring strategy selection (scoring). A failed request never leaves the
// shared caches in a partial state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spokenlab/phonoscore/internal/engine"
	"github.com/spokenlab/phonoscore/internal/gop"
	"github.com/spokenlab/phonoscore/internal/graphcache"
	"github.com/spokenlab/phonoscore/internal/langres"
	"github.com/spokenlab/phonoscore/internal/observe"
	"github.com/spokenlab/phonoscore/internal/report"
	"github.com/spokenlab/phonoscore/internal/scoring"
)

// Stage identifies one step of the fixed pipeline sequence.
type Stage string

const (
	StageInputPrep      Stage = "input_prep"
	StageFeatures       Stage = "features"
	StageIvectors       Stage = "ivectors"
	StageAcousticScores Stage = "acoustic_scores"
	StageGraphReady     Stage = "graph_ready"
	StageAlign          Stage = "align"
	StagePhoneExtract   Stage = "phone_extract"
	StagePhoneMapReady  Stage = "phone_map_ready"
	StageGOP            Stage = "gop"
	StageScoreAggregate Stage = "score_aggregate"
	StageScoreConvert   Stage = "score_convert"
	StageReport         Stage = "report"
)

// Per-request artifact names inside the working directory.
const (
	canonicalAudio   = "audio.wav"
	utteranceScores  = "score.txt"
	pronunciationOut = "pronunciation.txt"
	reportOut        = "report.txt"
)

// Config wires the pipeline's collaborators.
type Config struct {
	// Engine is the external acoustic/decoding engine adapter. Required.
	Engine engine.Engine

	// Transcoder converts non-canonical audio. Required.
	Transcoder engine.Transcoder

	// Lang materializes the shared language bundle. Required.
	Lang *langres.Manager

	// Graphs is the shared decoding-graph cache. Required.
	Graphs *graphcache.Cache

	// ModelDir is the acoustic model root. Must exist before the acoustic
	// stages run.
	ModelDir string

	// RegressionModel is the optional regression model artifact path.
	// Empty disables the regression scoring strategy.
	RegressionModel string

	// AggMethod selects the phone-to-utterance aggregation.
	// Default: mean.
	AggMethod scoring.AggMethod

	// SilencePhones overrides the phone ids skipped during aggregation.
	SilencePhones []int

	// Baseline, when non-nil, normalizes statistical scores against a
	// native-speaker baseline GOP.
	Baseline *float64

	// Metrics receives pipeline instrumentation. Default: [observe.Default].
	Metrics *observe.Metrics
}

// Request is one (audio, transcript) scoring job.
type Request struct {
	// AudioPath is the input audio file. Any common container; non-wav
	// inputs are transcoded to canonical PCM first.
	AudioPath string

	// Transcript is the known text the speaker read.
	Transcript string

	// WorkDir is the per-request working directory. Created on demand;
	// reusing a previous run's directory skips completed stages.
	WorkDir string

	// UseUniversalGraph selects the shared vocabulary-loop graph instead of
	// compiling a phrase-specific one.
	UseUniversalGraph bool

	// UtteranceID overrides the generated utterance id. Runs that should
	// reuse a working directory must pass a stable id.
	UtteranceID string

	// SpeakerID overrides the synthesized speaker id.
	SpeakerID string
}

// StageStatus records one executed (or skipped) stage.
type StageStatus struct {
	Stage    Stage
	Skipped  bool
	Duration time.Duration
}

// Result is the complete outcome of a scoring request.
type Result struct {
	UtteranceID string

	// Transcript is the normalized form used for caching and alignment.
	Transcript string

	// BundleSource is the language-resource tier that served this request.
	BundleSource string

	// GraphKey and GraphCacheHit describe the decoding-graph acquisition.
	GraphKey      graphcache.Key
	GraphCacheHit bool

	// Mismatches lists transcript words missing from the vocabulary.
	// Non-fatal; alignment quality may degrade.
	Mismatches []langres.Mismatch

	// Record is the per-phone GOP evidence.
	Record gop.Record

	// Utterance is the chosen strategy's aggregate; its Strategy field
	// records whether regression or the statistical fallback produced it.
	Utterance scoring.UtteranceScore

	// Pronunciation is the final 0–100 score with grade.
	Pronunciation scoring.PronunciationScore

	// Report is the rendered phone-level report text.
	Report string

	// Stages records execution order, skips, and durations.
	Stages []StageStatus
}

// Pipeline orchestrates scoring requests. Safe for concurrent use: all
// mutable state is per-request, and the shared caches synchronise
// themselves.
type Pipeline struct {
	cfg     Config
	scorer  *scoring.Engine
	metrics *observe.Metrics
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("pipeline: engine is required")
	}
	if cfg.Transcoder == nil {
		return nil, fmt.Errorf("pipeline: transcoder is required")
	}
	if cfg.Lang == nil {
		return nil, fmt.Errorf("pipeline: language-resource manager is required")
	}
	if cfg.Graphs == nil {
		return nil, fmt.Errorf("pipeline: graph cache is required")
	}
	if cfg.AggMethod != "" && !cfg.AggMethod.IsValid() {
		return nil, fmt.Errorf("pipeline: invalid aggregation method %q", cfg.AggMethod)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.Default()
	}

	opts := []scoring.Option{scoring.WithAggMethod(cfg.AggMethod)}
	if cfg.RegressionModel != "" {
		opts = append(opts, scoring.WithRegressionModel(cfg.RegressionModel))
	}
	if cfg.SilencePhones != nil {
		opts = append(opts, scoring.WithSilencePhones(cfg.SilencePhones))
	}
	return &Pipeline{
		cfg:     cfg,
		scorer:  scoring.NewEngine(opts...),
		metrics: metrics,
	}, nil
}

// Run executes the full stage sequence for req.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		p.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}()

	// Preconditions come before anything touches the working directory, so
	// a rejected request leaves nothing behind.
	normalized, err := p.validate(&req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create workdir %q: %w", req.WorkDir, err)
	}

	res := &Result{UtteranceID: req.UtteranceID, Transcript: normalized}
	words := strings.Fields(normalized)

	dataDir := filepath.Join(req.WorkDir, "data")
	featsDir := filepath.Join(req.WorkDir, "feats")
	ivecDir := filepath.Join(req.WorkDir, "ivectors")
	scoresDir := filepath.Join(req.WorkDir, "scores")
	alignDir := filepath.Join(req.WorkDir, "align")
	gopDir := filepath.Join(req.WorkDir, "gop")

	// ── INPUT_PREP ───────────────────────────────────────────────────────
	err = p.runStage(ctx, res, StageInputPrep, filepath.Join(dataDir, "text"), func(ctx context.Context) error {
		return p.prepareInput(ctx, req, normalized, dataDir)
	})
	if err != nil {
		return res, err
	}

	// Language resources are shared state, not a per-request stage, but the
	// vocabulary check must happen before any expensive engine call.
	bundle, err := p.cfg.Lang.Ensure(ctx, words)
	if err != nil {
		return res, &StageError{Stage: StageInputPrep, Err: err}
	}
	res.BundleSource = bundle.Source
	p.metrics.BundleBuilds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", bundle.Source)))

	res.Mismatches = bundle.CheckVocabulary(words)
	if len(res.Mismatches) > 0 {
		p.metrics.VocabularyMisses.Add(ctx, int64(len(res.Mismatches)))
		for _, mm := range res.Mismatches {
			if mm.Suggestion != "" {
				slog.Warn("transcript word not in vocabulary",
					"word", mm.Word, "closest", mm.Suggestion)
			} else {
				slog.Warn("transcript word not in vocabulary", "word", mm.Word)
			}
		}
		// Mismatches are deduplicated, so compare against distinct words.
		if len(res.Mismatches) == len(uniqueWords(words)) {
			return res, fmt.Errorf("%w: no transcript word is in the active vocabulary", ErrUnsupportedInput)
		}
	}

	// ── FEATURES → ACOUSTIC_SCORES ───────────────────────────────────────
	err = p.runStage(ctx, res, StageFeatures, filepath.Join(featsDir, engine.FeatsArtifact), func(ctx context.Context) error {
		return p.cfg.Engine.ExtractFeatures(ctx, dataDir, featsDir)
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StageIvectors, filepath.Join(ivecDir, engine.IvectorArtifact), func(ctx context.Context) error {
		return p.cfg.Engine.ComputeIvectors(ctx, dataDir, featsDir, p.cfg.ModelDir, ivecDir)
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StageAcousticScores, filepath.Join(scoresDir, engine.ScoresArtifact), func(ctx context.Context) error {
		return p.cfg.Engine.ComputeAcousticScores(ctx, featsDir, ivecDir, p.cfg.ModelDir, scoresDir)
	})
	if err != nil {
		return res, err
	}

	// ── GRAPH_READY ──────────────────────────────────────────────────────
	key := graphcache.KeyFor(normalized)
	if req.UseUniversalGraph {
		key = graphcache.Universal
	}
	res.GraphKey = key
	var graph graphcache.Handle
	err = p.runStage(ctx, res, StageGraphReady, "", func(ctx context.Context) error {
		var hit bool
		var err error
		graph, hit, err = p.cfg.Graphs.GetOrBuild(ctx, key, func(ctx context.Context, dir string) error {
			return p.cfg.Engine.CompileGraph(ctx, bundle.Dir, p.cfg.ModelDir, dir)
		})
		if err != nil {
			return err
		}
		res.GraphCacheHit = hit
		result := "miss"
		if hit {
			result = "hit"
		}
		p.metrics.GraphCacheLookups.Add(ctx, 1,
			metric.WithAttributes(attribute.String("result", result)))
		return nil
	})
	if err != nil {
		return res, err
	}

	// ── ALIGN → GOP ──────────────────────────────────────────────────────
	err = p.runStage(ctx, res, StageAlign, filepath.Join(alignDir, engine.AlignArtifact), func(ctx context.Context) error {
		return p.cfg.Engine.Align(ctx, dataDir, graph.Dir, scoresDir, p.cfg.ModelDir, alignDir)
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StagePhoneExtract, filepath.Join(alignDir, engine.PhonesArtifact), func(ctx context.Context) error {
		return p.cfg.Engine.ExtractPhones(ctx, alignDir, p.cfg.ModelDir, alignDir)
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StagePhoneMapReady, filepath.Join(bundle.Dir, langres.PhoneMapFile), func(ctx context.Context) error {
		// The bundle build always produces the phone map; reaching this
		// stage without one means the shared cache was tampered with.
		return &MissingResourceError{Resource: "phone map", Path: filepath.Join(bundle.Dir, langres.PhoneMapFile)}
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StageGOP, filepath.Join(gopDir, engine.GOPArtifact), func(ctx context.Context) error {
		return p.cfg.Engine.ComputeGOP(ctx, alignDir, scoresDir, bundle.Dir, p.cfg.ModelDir, gopDir)
	})
	if err != nil {
		return res, err
	}

	// ── SCORE_AGGREGATE → REPORT ─────────────────────────────────────────
	// The scoring stages are pure recomputation over the GOP artifacts, so
	// they run unconditionally; their outputs are deterministic.
	err = p.runStage(ctx, res, StageScoreAggregate, "", func(ctx context.Context) error {
		return p.aggregate(ctx, res, req, gopDir)
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StageScoreConvert, "", func(context.Context) error {
		res.Pronunciation = scoring.Convert(res.Utterance, p.cfg.Baseline)
		return writeFile(filepath.Join(req.WorkDir, pronunciationOut), report.ScoreLine(res.Pronunciation))
	})
	if err != nil {
		return res, err
	}
	err = p.runStage(ctx, res, StageReport, "", func(context.Context) error {
		res.Report = report.Render(res.Record, bundle.PurePhones, res.Utterance, res.Pronunciation)
		return writeFile(filepath.Join(req.WorkDir, reportOut), res.Report)
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// validate enforces request preconditions and fills defaults. Returns the
// normalized transcript.
func (p *Pipeline) validate(req *Request) (string, error) {
	info, err := os.Stat(req.AudioPath)
	if err != nil || !info.Mode().IsRegular() {
		return "", &MissingResourceError{Resource: "audio file", Path: req.AudioPath}
	}
	if p.cfg.ModelDir != "" {
		if info, err := os.Stat(p.cfg.ModelDir); err != nil || !info.IsDir() {
			return "", &MissingResourceError{Resource: "acoustic model", Path: p.cfg.ModelDir}
		}
	}
	normalized := graphcache.Normalize(req.Transcript)
	if normalized == "" {
		return "", fmt.Errorf("%w: transcript is empty", ErrUnsupportedInput)
	}
	if req.WorkDir == "" {
		return "", fmt.Errorf("pipeline: workdir is required")
	}
	if req.UtteranceID == "" {
		req.UtteranceID = "utt-" + uuid.NewString()
	}
	if req.SpeakerID == "" {
		req.SpeakerID = "spk-" + req.UtteranceID
	}
	return normalized, nil
}

// prepareInput probes (and if needed transcodes) the audio and writes the
// per-request data directory tables.
func (p *Pipeline) prepareInput(ctx context.Context, req Request, normalized, dataDir string) error {
	if err := p.cfg.Transcoder.Probe(ctx, req.AudioPath); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}

	audioPath := req.AudioPath
	if !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		canonical := filepath.Join(req.WorkDir, canonicalAudio)
		if !nonEmptyFile(canonical) {
			if err := p.cfg.Transcoder.Transcode(ctx, audioPath, canonical); err != nil {
				return fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
			}
		}
		audioPath = canonical
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	abs, err := filepath.Abs(audioPath)
	if err != nil {
		return err
	}
	tables := map[string]string{
		"wav.scp": fmt.Sprintf("%s %s\n", req.UtteranceID, abs),
		"text":    fmt.Sprintf("%s %s\n", req.UtteranceID, normalized),
		"utt2spk": fmt.Sprintf("%s %s\n", req.UtteranceID, req.SpeakerID),
		"spk2utt": fmt.Sprintf("%s %s\n", req.SpeakerID, req.UtteranceID),
	}
	for name, content := range tables {
		if err := writeFile(filepath.Join(dataDir, name), content); err != nil {
			return err
		}
	}
	return nil
}

// aggregate parses the GOP artifacts and runs strategy selection.
func (p *Pipeline) aggregate(ctx context.Context, res *Result, req Request, gopDir string) error {
	records, err := readRecords(filepath.Join(gopDir, engine.GOPArtifact))
	if err != nil {
		return err
	}
	var rec *gop.Record
	for i := range records {
		if records[i].UtteranceID == req.UtteranceID {
			rec = &records[i]
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("no GOP record for utterance %s", req.UtteranceID)
	}
	res.Record = *rec

	var features *gop.FeatureArchive
	if featPath := filepath.Join(gopDir, engine.PhoneFeatsArtifact); nonEmptyFile(featPath) {
		f, err := os.Open(featPath)
		if err == nil {
			features, err = gop.ParseFeatureArchive(f)
			f.Close()
			if err != nil {
				slog.Warn("ignoring unreadable feature archive", "path", featPath, "err", err)
				features = nil
			}
		}
	}

	us, err := p.scorer.Score(*rec, features)
	if err != nil {
		return err
	}
	res.Utterance = us

	p.metrics.ScoringStrategy.Add(ctx, 1,
		metric.WithAttributes(attribute.String("strategy", string(us.Strategy))))
	if p.cfg.RegressionModel != "" && us.Strategy == scoring.StrategyStatistical {
		p.metrics.ScoringFallbacks.Add(ctx, 1)
		slog.Warn("regression scoring unavailable, used statistical fallback",
			"utterance", req.UtteranceID, "model", p.cfg.RegressionModel)
	}
	return writeFile(filepath.Join(req.WorkDir, utteranceScores), report.UtteranceLine(us))
}

// runStage executes one stage with its idempotency gate and metrics.
// artifact is the stage's declared output; empty means the stage always
// runs. A nil return from fn publishes the stage as ok.
func (p *Pipeline) runStage(ctx context.Context, res *Result, stage Stage, artifact string, fn func(context.Context) error) error {
	if artifact != "" && nonEmptyFile(artifact) {
		slog.Debug("stage satisfied by existing artifact", "stage", stage, "artifact", artifact)
		res.Stages = append(res.Stages, StageStatus{Stage: stage, Skipped: true})
		p.metrics.StageDuration.Record(ctx, 0,
			metric.WithAttributes(attribute.String("stage", string(stage)), attribute.String("status", "skipped")))
		return nil
	}

	// Stages that write into a fresh directory create it here so engine
	// adapters can assume it exists.
	if artifact != "" {
		if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
			return &StageError{Stage: stage, Err: err}
		}
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.StageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("stage", string(stage)), attribute.String("status", status)))
	res.Stages = append(res.Stages, StageStatus{Stage: stage, Duration: elapsed})

	if err != nil {
		if _, ok := err.(*StageError); ok {
			return err
		}
		return &StageError{Stage: stage, Err: err}
	}
	slog.Debug("stage complete", "stage", stage, "duration", elapsed)
	return nil
}

func readRecords(path string) ([]gop.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return gop.ParseRecords(f)
}

func uniqueWords(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := words[:0:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
