package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by [ApplyEnv]. They override the file
// values so deployments can relocate the data directories without editing
// the config.
const (
	EnvGraphCacheRoot  = "PHONOSCORE_GRAPH_CACHE_ROOT"
	EnvResourcesRoot   = "PHONOSCORE_RESOURCES_ROOT"
	EnvModelDir        = "PHONOSCORE_MODEL_DIR"
	EnvRegressionModel = "PHONOSCORE_REGRESSION_MODEL"
)

// Default returns the configuration used when no config file is given:
// mock engine, statistical scoring, caches under dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Engine: EngineConfig{Kind: EngineMock, Jobs: 1},
		Resources: ResourcesConfig{
			Root:           filepath.Join(dataDir, "resources"),
			GraphCacheRoot: filepath.Join(dataDir, "graphs"),
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides applied. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv], and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, fills defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides path settings in cfg from the PHONOSCORE_*
// environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvGraphCacheRoot); v != "" {
		cfg.Resources.GraphCacheRoot = v
	}
	if v := os.Getenv(EnvResourcesRoot); v != "" {
		cfg.Resources.Root = v
	}
	if v := os.Getenv(EnvModelDir); v != "" {
		cfg.Model.Dir = v
	}
	if v := os.Getenv(EnvRegressionModel); v != "" {
		cfg.Model.RegressionModel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = EngineKaldi
	}
	if cfg.Engine.Jobs == 0 {
		cfg.Engine.Jobs = 1
	}
	if cfg.Resources.Root == "" {
		cfg.Resources.Root = "data/resources"
	}
	if cfg.Resources.GraphCacheRoot == "" {
		cfg.Resources.GraphCacheRoot = "data/graphs"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.Engine.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("engine.kind %q is invalid; valid values: kaldi, mock", cfg.Engine.Kind))
	}
	if cfg.Engine.Kind == EngineKaldi && cfg.Engine.KaldiRoot == "" {
		errs = append(errs, errors.New("engine.kaldi_root is required when engine.kind is kaldi"))
	}
	if cfg.Engine.Jobs < 0 {
		errs = append(errs, fmt.Errorf("engine.jobs %d is invalid; must be positive", cfg.Engine.Jobs))
	}

	for i, up := range cfg.Resources.Upstreams {
		if up == "" {
			errs = append(errs, fmt.Errorf("resources.upstreams[%d] is empty", i))
		}
	}

	if cfg.Engine.Kind == EngineKaldi && cfg.Model.Dir == "" {
		errs = append(errs, errors.New("model.dir is required when engine.kind is kaldi"))
	}
	if cfg.Model.RegressionModel == "" {
		slog.Debug("model.regression_model not set; scoring stays on the statistical strategy")
	}

	if cfg.Scoring.Aggregation != "" && !cfg.Scoring.Aggregation.IsValid() {
		errs = append(errs, fmt.Errorf("scoring.aggregation %q is invalid; valid values: mean, median, min, max, weighted", cfg.Scoring.Aggregation))
	}
	for i, id := range cfg.Scoring.SilencePhones {
		if id < 0 {
			errs = append(errs, fmt.Errorf("scoring.silence_phones[%d] %d is invalid; phone ids are non-negative", i, id))
		}
	}

	return errors.Join(errs...)
}
