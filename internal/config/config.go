// Package config provides the configuration schema and loader for the
// phonoscore pronunciation scoring service.
package config

import "github.com/spokenlab/phonoscore/internal/scoring"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EngineKind selects the acoustic/decoding engine implementation.
type EngineKind string

const (
	// EngineKaldi shells out to a Kaldi installation.
	EngineKaldi EngineKind = "kaldi"

	// EngineMock is the hermetic in-process fake, for development and CI.
	EngineMock EngineKind = "mock"
)

// IsValid reports whether e is a recognised engine kind.
func (e EngineKind) IsValid() bool {
	return e == EngineKaldi || e == EngineMock
}

// Config is the root configuration structure for phonoscore.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Audio     AudioConfig     `yaml:"audio"`
	Resources ResourcesConfig `yaml:"resources"`
	Model     ModelConfig     `yaml:"model"`
	Scoring   ScoringConfig   `yaml:"scoring"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address for the Prometheus /metrics endpoint
	// (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// EngineConfig selects and configures the external engine.
type EngineConfig struct {
	// Kind selects the implementation.
	Kind EngineKind `yaml:"kind"`

	// KaldiRoot is the Kaldi installation root (KALDI_ROOT). Required when
	// Kind is "kaldi".
	KaldiRoot string `yaml:"kaldi_root"`

	// ScriptDir is the recipe script directory containing the wrapper
	// scripts the engine invokes. Defaults to <kaldi_root>/egs/gop/s5.
	ScriptDir string `yaml:"script_dir"`

	// Jobs is the parallel job count passed to engine scripts. Default 1.
	Jobs int `yaml:"jobs"`
}

// AudioConfig configures the input transcoder.
type AudioConfig struct {
	// FFmpegPath and FFprobePath override the binaries found on PATH.
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

// ResourcesConfig locates language resources and derived caches.
type ResourcesConfig struct {
	// Root is the directory holding the materialized language bundle.
	Root string `yaml:"root"`

	// Upstreams lists pre-built language directories searched in order when
	// assembling the bundle. May be empty; the bundle is then synthesized
	// from request transcripts.
	Upstreams []string `yaml:"upstreams"`

	// GraphCacheRoot is the directory for compiled decoding graphs.
	GraphCacheRoot string `yaml:"graph_cache_root"`
}

// ModelConfig locates the acoustic and scoring model artifacts.
type ModelConfig struct {
	// Dir is the acoustic model directory.
	Dir string `yaml:"dir"`

	// RegressionModel is the optional regression scoring model artifact.
	// Empty keeps scoring on the statistical strategy.
	RegressionModel string `yaml:"regression_model"`
}

// ScoringConfig tunes score aggregation and conversion.
type ScoringConfig struct {
	// Aggregation selects the phone-to-utterance aggregation method.
	Aggregation scoring.AggMethod `yaml:"aggregation"`

	// SilencePhones lists phone ids excluded from statistical aggregation.
	// Nil keeps the built-in default.
	SilencePhones []int `yaml:"silence_phones"`

	// BaselineGOP, when set, normalizes scores against a native-speaker
	// baseline instead of the absolute scale.
	BaselineGOP *float64 `yaml:"baseline_gop"`
}
