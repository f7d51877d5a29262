// Package engine defines the capability interface over the external
// acoustic/decoding engine.
//
// The scoring core never assumes anything about the engine's internals; every
// interaction goes through a file-based contract: stages read and write
// well-known artifacts inside directories passed across the boundary. The
// interface is intentionally narrow — graph compilation, feature extraction,
// alignment, and GOP computation — so that the orchestrator stays
// engine-agnostic and tests can substitute a deterministic mock.
//
// Implementations are provided by subpackages: kaldi wraps a Kaldi
// installation, mock is a hermetic in-process fake for tests.
package engine

import (
	"context"
	"io"
)

// Artifact names the engine contract guarantees inside stage output
// directories.
const (
	// FeatsArtifact indexes the extracted acoustic features.
	FeatsArtifact = "feats.scp"

	// IvectorArtifact indexes the speaker adaptation vectors.
	IvectorArtifact = "ivector.scp"

	// ScoresArtifact indexes the frame-level acoustic scores.
	ScoresArtifact = "output.scp"

	// AlignArtifact indexes the frame-level alignments.
	AlignArtifact = "ali.scp"

	// PhonesArtifact is the per-utterance phone sequence extracted from the
	// alignment.
	PhonesArtifact = "phones.txt"

	// GOPArtifact is the phone-level GOP archive (bracketed pair format).
	GOPArtifact = "gop.txt"

	// PhoneFeatsArtifact is the per-phone feature archive consumed by
	// regression scoring, keyed "<utt>.<phoneIndex>".
	PhoneFeatsArtifact = "feat.txt"
)

// Engine is the capability surface of the external decoding/acoustic engine.
//
// Every method blocks until the engine call completes and respects context
// cancellation by killing the underlying call. Output directories are created
// by the caller; an error means the stage's artifacts must not be trusted.
type Engine interface {
	// CompileGraph composes the language resources in langDir with the
	// acoustic model in modelDir into a decoding graph, leaving HCLG.fst in
	// graphDir.
	CompileGraph(ctx context.Context, langDir, modelDir, graphDir string) error

	// CompileGrammar compiles a textual FST acceptor (openfst text format,
	// integer labels) into an arc-sorted binary automaton at outPath.
	CompileGrammar(ctx context.Context, fstText io.Reader, outPath string) error

	// ExtractFeatures computes acoustic features for the utterances listed
	// in dataDir, leaving feats.scp in outDir.
	ExtractFeatures(ctx context.Context, dataDir, outDir string) error

	// ComputeIvectors computes speaker adaptation vectors from the features,
	// leaving ivector.scp in outDir.
	ComputeIvectors(ctx context.Context, dataDir, featsDir, modelDir, outDir string) error

	// ComputeAcousticScores runs the acoustic model over features and
	// i-vectors, leaving output.scp in outDir.
	ComputeAcousticScores(ctx context.Context, featsDir, ivectorDir, modelDir, outDir string) error

	// Align force-aligns the utterances against the decoding graph in
	// graphDir using the precomputed acoustic scores, leaving ali.scp in
	// outDir.
	Align(ctx context.Context, dataDir, graphDir, scoresDir, modelDir, outDir string) error

	// ExtractPhones converts the frame alignment into a per-utterance phone
	// sequence, leaving phones.txt in outDir.
	ExtractPhones(ctx context.Context, alignDir, modelDir, outDir string) error

	// ComputeGOP contrasts the aligned phones against competing phones,
	// leaving gop.txt and feat.txt in outDir.
	ComputeGOP(ctx context.Context, alignDir, scoresDir, langDir, modelDir, outDir string) error
}

// Transcoder converts arbitrary audio containers into the canonical input
// format (single channel, fixed sample rate PCM). It runs before any
// expensive stage so that unsupported input fails fast.
type Transcoder interface {
	// Probe reports whether the file at path is decodable audio.
	Probe(ctx context.Context, path string) error

	// Transcode decodes src and writes canonical PCM to dst.
	Transcode(ctx context.Context, src, dst string) error
}
