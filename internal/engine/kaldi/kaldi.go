// Package kaldi implements the engine interfaces on top of an external Kaldi
// installation. Every capability call shells out to the corresponding Kaldi
// tool or wrapper script; artifacts move across the boundary as files only.
package kaldi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spokenlab/phonoscore/internal/engine"
)

// Config locates the Kaldi installation and its wrapper scripts.
type Config struct {
	// Root is the Kaldi installation root. Binaries are resolved under
	// Root/src and Root/tools/openfst/bin, scripts under ScriptDir.
	Root string

	// ScriptDir holds the recipe wrapper scripts (make_mfcc.sh and
	// friends). Defaults to Root/egs/wsj/s5 conventions when empty.
	ScriptDir string

	// Jobs is the parallelism passed to scripts that accept --nj. Any
	// internal parallelism is the engine's own business; the orchestrator
	// still sees one blocking call. Defaults to 1.
	Jobs int
}

// Kaldi is the production [engine.Engine]. Safe for concurrent use; every
// call spawns independent processes.
type Kaldi struct {
	cfg Config
}

var _ engine.Engine = (*Kaldi)(nil)

// New validates that the Kaldi root exists and returns the adapter.
func New(cfg Config) (*Kaldi, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("kaldi: root not configured")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("kaldi: root %q is not a directory", cfg.Root)
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = filepath.Join(cfg.Root, "egs", "wsj", "s5")
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = 1
	}
	return &Kaldi{cfg: cfg}, nil
}

// run executes a Kaldi tool, logging its duration and folding stderr into
// the returned error. Kaldi tools write their diagnostics to stderr even on
// success, so stderr is only surfaced on failure.
func (k *Kaldi) run(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Env = append(os.Environ(),
		"KALDI_ROOT="+k.cfg.Root,
		"PATH="+toolPath(k.cfg.Root)+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	slog.Debug("kaldi tool finished",
		"tool", filepath.Base(name),
		"duration", time.Since(start),
		"err", err != nil,
	)
	if err != nil {
		return fmt.Errorf("kaldi: %s: %w: %s", filepath.Base(name), err, tail(stderr.String(), 512))
	}
	return nil
}

func (k *Kaldi) script(name string) string {
	return filepath.Join(k.cfg.ScriptDir, name)
}

// toolPath assembles the binary search path of a standard Kaldi build.
func toolPath(root string) string {
	dirs := []string{
		filepath.Join(root, "src", "bin"),
		filepath.Join(root, "src", "fstbin"),
		filepath.Join(root, "src", "featbin"),
		filepath.Join(root, "src", "nnet3bin"),
		filepath.Join(root, "src", "ivectorbin"),
		filepath.Join(root, "tools", "openfst", "bin"),
	}
	return strings.Join(dirs, string(os.PathListSeparator))
}

// tail returns at most n trailing bytes of s, for compact error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func (k *Kaldi) CompileGraph(ctx context.Context, langDir, modelDir, graphDir string) error {
	return k.run(ctx, nil, k.script("utils/mkgraph.sh"),
		"--self-loop-scale", "1.0", langDir, modelDir, graphDir)
}

func (k *Kaldi) CompileGrammar(ctx context.Context, fstText io.Reader, outPath string) error {
	compiled := outPath + ".unsorted"
	if err := k.run(ctx, fstText, "fstcompile", "--acceptor=true", "/dev/stdin", compiled); err != nil {
		return err
	}
	defer os.Remove(compiled)
	return k.run(ctx, nil, "fstarcsort", "--sort_type=ilabel", compiled, outPath)
}

func (k *Kaldi) ExtractFeatures(ctx context.Context, dataDir, outDir string) error {
	return k.run(ctx, nil, k.script("steps/make_mfcc.sh"),
		"--nj", fmt.Sprint(k.cfg.Jobs), "--mfcc-config", k.script("conf/mfcc_hires.conf"),
		dataDir, filepath.Join(outDir, "log"), outDir)
}

func (k *Kaldi) ComputeIvectors(ctx context.Context, dataDir, featsDir, modelDir, outDir string) error {
	return k.run(ctx, nil, k.script("steps/online/nnet2/extract_ivectors_online.sh"),
		"--nj", fmt.Sprint(k.cfg.Jobs),
		dataDir, filepath.Join(modelDir, "ivector_extractor"), outDir)
}

func (k *Kaldi) ComputeAcousticScores(ctx context.Context, featsDir, ivectorDir, modelDir, outDir string) error {
	return k.run(ctx, nil, "nnet3-compute",
		"--use-gpu=no",
		"--online-ivectors=scp:"+filepath.Join(ivectorDir, engine.IvectorArtifact),
		filepath.Join(modelDir, "final.mdl"),
		"scp:"+filepath.Join(featsDir, engine.FeatsArtifact),
		"ark,scp:"+filepath.Join(outDir, "output.ark")+","+filepath.Join(outDir, engine.ScoresArtifact))
}

func (k *Kaldi) Align(ctx context.Context, dataDir, graphDir, scoresDir, modelDir, outDir string) error {
	return k.run(ctx, nil, "align-compiled-mapped",
		filepath.Join(modelDir, "final.mdl"),
		"ark:"+filepath.Join(graphDir, "HCLG.fst"),
		"scp:"+filepath.Join(scoresDir, engine.ScoresArtifact),
		"ark,scp:"+filepath.Join(outDir, "ali.ark")+","+filepath.Join(outDir, engine.AlignArtifact))
}

func (k *Kaldi) ExtractPhones(ctx context.Context, alignDir, modelDir, outDir string) error {
	return k.run(ctx, nil, "ali-to-phones",
		"--per-frame=false",
		filepath.Join(modelDir, "final.mdl"),
		"scp:"+filepath.Join(alignDir, engine.AlignArtifact),
		"ark,t:"+filepath.Join(outDir, engine.PhonesArtifact))
}

func (k *Kaldi) ComputeGOP(ctx context.Context, alignDir, scoresDir, langDir, modelDir, outDir string) error {
	return k.run(ctx, nil, "compute-gop",
		"--phone-map="+filepath.Join(langDir, "phone-map.txt"),
		filepath.Join(modelDir, "final.mdl"),
		"scp:"+filepath.Join(alignDir, engine.AlignArtifact),
		"scp:"+filepath.Join(scoresDir, engine.ScoresArtifact),
		"ark,t:"+filepath.Join(outDir, engine.GOPArtifact),
		"ark,t:"+filepath.Join(outDir, engine.PhoneFeatsArtifact))
}
