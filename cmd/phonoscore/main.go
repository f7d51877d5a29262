// Command phonoscore scores the pronunciation of a spoken utterance against
// its transcript and prints a phone-level report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spokenlab/phonoscore/internal/config"
	"github.com/spokenlab/phonoscore/internal/engine"
	"github.com/spokenlab/phonoscore/internal/engine/ffmpeg"
	"github.com/spokenlab/phonoscore/internal/engine/kaldi"
	"github.com/spokenlab/phonoscore/internal/engine/mock"
	"github.com/spokenlab/phonoscore/internal/graphcache"
	"github.com/spokenlab/phonoscore/internal/health"
	"github.com/spokenlab/phonoscore/internal/langres"
	"github.com/spokenlab/phonoscore/internal/observe"
	"github.com/spokenlab/phonoscore/internal/pipeline"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: built-in defaults with the mock engine)")
	dataDir := flag.String("data", "data", "data directory for caches when no config file is given")
	audioPath := flag.String("audio", "", "path to the audio file to score")
	transcript := flag.String("text", "", "transcript the speaker read")
	workDir := flag.String("workdir", "", "per-request working directory (default: a fresh temp directory)")
	uttID := flag.String("utt", "", "utterance id (default: generated)")
	universal := flag.Bool("universal", false, "align against the shared vocabulary-loop graph instead of a phrase graph")
	clearCache := flag.Bool("clear-cache", false, "remove all cached decoding graphs and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "phonoscore: %v\n", err)
			return 1
		}
	} else {
		cfg = config.Default(*dataDir)
		config.ApplyEnv(cfg)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("phonoscore starting", "version", version, "engine", cfg.Engine.Kind)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graphs := graphcache.New(cfg.Resources.GraphCacheRoot)
	if *clearCache {
		if err := graphs.Clear(); err != nil {
			slog.Error("clear graph cache", "err", err)
			return 1
		}
		slog.Info("graph cache cleared", "root", graphs.Root())
		return 0
	}

	if *audioPath == "" || *transcript == "" {
		fmt.Fprintln(os.Stderr, "phonoscore: -audio and -text are required")
		flag.Usage()
		return 2
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("init metrics provider", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}()
	if cfg.Server.MetricsAddr != "" {
		observe.ServeMetrics(ctx, cfg.Server.MetricsAddr, readinessProbes(cfg))
		slog.Info("metrics endpoint up", "addr", cfg.Server.MetricsAddr)
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	eng, transcoder, err := buildEngine(cfg)
	if err != nil {
		slog.Error("build engine", "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	p, err := pipeline.New(pipeline.Config{
		Engine:          eng,
		Transcoder:      transcoder,
		Lang:            langres.NewManager(cfg.Resources.Root, cfg.Resources.Upstreams, eng),
		Graphs:          graphs,
		ModelDir:        cfg.Model.Dir,
		RegressionModel: cfg.Model.RegressionModel,
		AggMethod:       cfg.Scoring.Aggregation,
		SilencePhones:   cfg.Scoring.SilencePhones,
		Baseline:        cfg.Scoring.BaselineGOP,
	})
	if err != nil {
		slog.Error("configure pipeline", "err", err)
		return 1
	}

	wd := *workDir
	if wd == "" {
		wd, err = os.MkdirTemp("", "phonoscore-*")
		if err != nil {
			slog.Error("create workdir", "err", err)
			return 1
		}
		slog.Info("working directory", "path", wd)
	}

	res, err := p.Run(ctx, pipeline.Request{
		AudioPath:         *audioPath,
		Transcript:        *transcript,
		WorkDir:           wd,
		UseUniversalGraph: *universal,
		UtteranceID:       *uttID,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrUnsupportedInput) {
			fmt.Fprintf(os.Stderr, "phonoscore: %v\n", err)
			return 2
		}
		slog.Error("scoring failed", "err", err)
		return 1
	}

	for _, mm := range res.Mismatches {
		if mm.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "warning: %q is not in the vocabulary (did you mean %q?)\n", mm.Word, mm.Suggestion)
		} else {
			fmt.Fprintf(os.Stderr, "warning: %q is not in the vocabulary\n", mm.Word)
		}
	}
	fmt.Print(res.Report)

	slog.Info("scoring complete",
		"utterance", res.UtteranceID,
		"strategy", res.Utterance.Strategy,
		"score", res.Pronunciation.Score100,
		"grade", res.Pronunciation.Grade,
		"graph_cache_hit", res.GraphCacheHit,
		"artifacts", filepath.Join(wd, "report.txt"),
	)
	return 0
}

// readinessProbes assembles the /readyz checks for the configured engine.
func readinessProbes(cfg *config.Config) *health.Handler {
	checks := []health.Checker{
		health.Writable("graph-cache", cfg.Resources.GraphCacheRoot),
		health.Writable("resources", cfg.Resources.Root),
	}
	if cfg.Engine.Kind == config.EngineKaldi {
		checks = append(checks,
			health.DirExists("kaldi", cfg.Engine.KaldiRoot),
			health.DirExists("model", cfg.Model.Dir),
			health.Binary("ffmpeg", orDefault(cfg.Audio.FFmpegPath, "ffmpeg")),
			health.Binary("ffprobe", orDefault(cfg.Audio.FFprobePath, "ffprobe")),
		)
	}
	return health.New(checks...)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// buildEngine constructs the configured engine and transcoder pair. The mock
// pair keeps the whole pipeline runnable without a Kaldi installation.
func buildEngine(cfg *config.Config) (engine.Engine, engine.Transcoder, error) {
	switch cfg.Engine.Kind {
	case config.EngineMock:
		return &mock.Engine{}, mock.Transcoder{}, nil
	case config.EngineKaldi:
		k, err := kaldi.New(kaldi.Config{
			Root:      cfg.Engine.KaldiRoot,
			ScriptDir: cfg.Engine.ScriptDir,
			Jobs:      cfg.Engine.Jobs,
		})
		if err != nil {
			return nil, nil, err
		}
		return k, &ffmpeg.Transcoder{
			FFmpegPath:  cfg.Audio.FFmpegPath,
			FFprobePath: cfg.Audio.FFprobePath,
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
