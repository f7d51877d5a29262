package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spokenlab/phonoscore/internal/engine/mock"
	"github.com/spokenlab/phonoscore/internal/graphcache"
	"github.com/spokenlab/phonoscore/internal/langres"
	"github.com/spokenlab/phonoscore/internal/scoring"
)

// harness bundles a pipeline with the mock engine behind it so tests can
// inject failures and count graph builds.
type harness struct {
	p   *Pipeline
	eng *mock.Engine
	dir string
}

func newHarness(t *testing.T, upstreams []string, mutate func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	eng := &mock.Engine{}
	modelDir := filepath.Join(dir, "model")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Engine:     eng,
		Transcoder: mock.Transcoder{},
		Lang:       langres.NewManager(filepath.Join(dir, "resources"), upstreams, eng),
		Graphs:     graphcache.New(filepath.Join(dir, "graphs")),
		ModelDir:   modelDir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{p: p, eng: eng, dir: dir}
}

func writeAudio(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("RIFF-mock-audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fixedUpstream writes a language directory with a fixed vocabulary and no
// trained grammar, so the lexicon-only tier serves requests.
func fixedUpstream(t *testing.T, dir string) string {
	t.Helper()
	up := filepath.Join(dir, "upstream")
	if err := os.MkdirAll(up, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		langres.WordsFile:   "<eps> 0\n<unk> 1\nDAY 2\nGOOD 3\nHELLO 4\nWORLD 5\n",
		langres.PhonesFile:  "<eps> 0\nSIL 1\nSPN 2\nD 3\nG 4\nHH 5\nAH 6\nL 7\nOW 8\nW 9\nER 10\nEY 11\nUH 12\n",
		langres.LexiconFile: "DAY D EY\nGOOD G UH D\nHELLO HH AH L OW\nWORLD W ER L D\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(up, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return up
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil)
	audio := writeAudio(t, h.dir, "hello.wav")

	res, err := h.p.Run(context.Background(), Request{
		AudioPath:  audio,
		Transcript: "hello   world",
		WorkDir:    filepath.Join(h.dir, "work"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Transcript != "HELLO WORLD" {
		t.Errorf("normalized transcript = %q", res.Transcript)
	}
	if res.BundleSource != langres.SourceRequestMinimal {
		t.Errorf("bundle source = %q, want %q", res.BundleSource, langres.SourceRequestMinimal)
	}
	if res.Utterance.PhoneCount <= 0 {
		t.Errorf("phone count = %d, want > 0", res.Utterance.PhoneCount)
	}
	if res.Pronunciation.Score100 < 0 || res.Pronunciation.Score100 > 100 {
		t.Errorf("score = %v, want within [0, 100]", res.Pronunciation.Score100)
	}
	if res.Pronunciation.Grade == "" {
		t.Error("grade is empty")
	}
	if res.Report == "" || res.Pronunciation.UtteranceID != res.UtteranceID {
		t.Errorf("report/id mismatch: report len %d, id %q vs %q",
			len(res.Report), res.Pronunciation.UtteranceID, res.UtteranceID)
	}
	for _, name := range []string{utteranceScores, pronunciationOut, reportOut} {
		info, err := os.Stat(filepath.Join(h.dir, "work", name))
		if err != nil || info.Size() == 0 {
			t.Errorf("output artifact %s missing or empty (err=%v)", name, err)
		}
	}
	if len(res.Stages) != 12 {
		t.Errorf("got %d stage records, want 12: %+v", len(res.Stages), res.Stages)
	}
}

func TestRun_TranscodesNonCanonicalAudio(t *testing.T) {
	h := newHarness(t, nil, nil)
	audio := writeAudio(t, h.dir, "hello.mp3")
	work := filepath.Join(h.dir, "work")

	if _, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "HELLO", WorkDir: work,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info, err := os.Stat(filepath.Join(work, canonicalAudio)); err != nil || info.Size() == 0 {
		t.Fatalf("canonical audio not produced: %v", err)
	}
}

func TestRun_RepeatRunReusesGraphAndScoresIdentically(t *testing.T) {
	h := newHarness(t, nil, nil)
	audio := writeAudio(t, h.dir, "hello.wav")
	req := Request{
		AudioPath:   audio,
		Transcript:  "HELLO WORLD",
		UtteranceID: "utt-1",
	}

	req.WorkDir = filepath.Join(h.dir, "work1")
	first, err := h.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.GraphCacheHit {
		t.Error("first run reported a cache hit")
	}

	req.WorkDir = filepath.Join(h.dir, "work2")
	second, err := h.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.GraphCacheHit {
		t.Error("second run missed the graph cache")
	}
	if n := h.eng.GraphBuilds.Load(); n != 1 {
		t.Errorf("graph built %d times, want 1", n)
	}
	if second.BundleSource != langres.SourceCached {
		t.Errorf("second bundle source = %q, want %q", second.BundleSource, langres.SourceCached)
	}
	if first.Pronunciation != second.Pronunciation {
		t.Errorf("scores differ across identical runs:\n%+v\n%+v", first.Pronunciation, second.Pronunciation)
	}

	a, err := os.ReadFile(filepath.Join(h.dir, "work1", pronunciationOut))
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(h.dir, "work2", pronunciationOut))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("score artifacts differ: %q vs %q", a, b)
	}
}

func TestRun_ResumeSkipsCompletedStages(t *testing.T) {
	h := newHarness(t, nil, nil)
	audio := writeAudio(t, h.dir, "hello.wav")
	req := Request{
		AudioPath:   audio,
		Transcript:  "HELLO",
		WorkDir:     filepath.Join(h.dir, "work"),
		UtteranceID: "utt-1",
	}

	if _, err := h.p.Run(context.Background(), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := h.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	skipped := make(map[Stage]bool)
	for _, st := range res.Stages {
		if st.Skipped {
			skipped[st.Stage] = true
		}
	}
	for _, want := range []Stage{
		StageInputPrep, StageFeatures, StageIvectors, StageAcousticScores,
		StageAlign, StagePhoneExtract, StagePhoneMapReady, StageGOP,
	} {
		if !skipped[want] {
			t.Errorf("stage %s was re-executed on resume", want)
		}
	}
	if skipped[StageScoreAggregate] || skipped[StageReport] {
		t.Error("scoring stages must always recompute")
	}
}

func TestRun_MissingAudioLeavesNoWorkDir(t *testing.T) {
	h := newHarness(t, nil, nil)
	work := filepath.Join(h.dir, "work")

	_, err := h.p.Run(context.Background(), Request{
		AudioPath:  filepath.Join(h.dir, "no-such.wav"),
		Transcript: "HELLO",
		WorkDir:    work,
	})
	var mre *MissingResourceError
	if !errors.As(err, &mre) {
		t.Fatalf("err = %v, want MissingResourceError", err)
	}
	if mre.Resource != "audio file" {
		t.Errorf("resource = %q", mre.Resource)
	}
	if _, statErr := os.Stat(work); !os.IsNotExist(statErr) {
		t.Error("rejected request created the working directory")
	}
}

func TestRun_MissingModelDirRejected(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.ModelDir = filepath.Join(t.TempDir(), "absent")
	})
	audio := writeAudio(t, h.dir, "hello.wav")

	_, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "HELLO", WorkDir: filepath.Join(h.dir, "work"),
	})
	var mre *MissingResourceError
	if !errors.As(err, &mre) || mre.Resource != "acoustic model" {
		t.Fatalf("err = %v, want missing acoustic model", err)
	}
}

func TestRun_EmptyTranscriptRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	audio := writeAudio(t, h.dir, "hello.wav")

	_, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "   ", WorkDir: filepath.Join(h.dir, "work"),
	})
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("err = %v, want ErrUnsupportedInput", err)
	}
}

func TestRun_UndecodableAudioRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	audio := writeAudio(t, h.dir, "hello.bad")

	_, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "HELLO", WorkDir: filepath.Join(h.dir, "work"),
	})
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("err = %v, want ErrUnsupportedInput", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageInputPrep {
		t.Fatalf("err = %v, want input_prep stage error", err)
	}
}

func TestRun_AllWordsOutOfVocabularyRejected(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, []string{fixedUpstream(t, dir)}, nil)
	audio := writeAudio(t, h.dir, "hello.wav")

	_, err := h.p.Run(context.Background(), Request{
		AudioPath:  audio,
		Transcript: "ZZZZ ZZZZ QQQQ",
		WorkDir:    filepath.Join(h.dir, "work"),
	})
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("err = %v, want ErrUnsupportedInput", err)
	}
}

func TestRun_UniversalGraphServesDifferentTranscripts(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, []string{fixedUpstream(t, dir)}, nil)
	audio := writeAudio(t, h.dir, "hello.wav")

	for i, transcript := range []string{"HELLO WORLD", "GOOD DAY"} {
		res, err := h.p.Run(context.Background(), Request{
			AudioPath:         audio,
			Transcript:        transcript,
			WorkDir:           filepath.Join(h.dir, "work", transcript),
			UseUniversalGraph: true,
		})
		if err != nil {
			t.Fatalf("run %q: %v", transcript, err)
		}
		if res.GraphKey != graphcache.Universal {
			t.Errorf("graph key = %q, want universal", res.GraphKey)
		}
		if hit := res.GraphCacheHit; hit != (i == 1) {
			t.Errorf("run %d: cache hit = %v", i, hit)
		}
	}
	if n := h.eng.GraphBuilds.Load(); n != 1 {
		t.Errorf("universal graph built %d times, want 1", n)
	}
}

func TestRun_RegressionStrategyPreferred(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		// Mock phone features are 2-dimensional.
		model := filepath.Join(t.TempDir(), "model.json")
		if err := os.WriteFile(model, []byte(`{"dim": 2, "weights": [0.1, 0.01], "bias": 1.0}`), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.RegressionModel = model
	})
	audio := writeAudio(t, h.dir, "hello.wav")

	res, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "HELLO", WorkDir: filepath.Join(h.dir, "work"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Utterance.Strategy != scoring.StrategyRegression {
		t.Fatalf("strategy = %q, want regression", res.Utterance.Strategy)
	}
	if res.Utterance.Value < 0 || res.Utterance.Value > 2 {
		t.Errorf("regression value = %v, want within [0, 2]", res.Utterance.Value)
	}
}

func TestRun_CorruptRegressionModelFallsBack(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		model := filepath.Join(t.TempDir(), "model.json")
		if err := os.WriteFile(model, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.RegressionModel = model
	})
	audio := writeAudio(t, h.dir, "hello.wav")

	res, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "HELLO", WorkDir: filepath.Join(h.dir, "work"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Utterance.Strategy != scoring.StrategyStatistical {
		t.Fatalf("strategy = %q, want statistical fallback", res.Utterance.Strategy)
	}
}

func TestRun_AlignFailureNamesStage(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.eng.FailAlign = errors.New("alignment did not reach a final state")
	audio := writeAudio(t, h.dir, "hello.wav")

	_, err := h.p.Run(context.Background(), Request{
		AudioPath: audio, Transcript: "HELLO", WorkDir: filepath.Join(h.dir, "work"),
	})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageAlign {
		t.Fatalf("err = %v, want align stage error", err)
	}
}

func TestRun_FailedGraphBuildLeavesNoCacheEntry(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.eng.FailCompileGraph = errors.New("mkgraph exploded")
	audio := writeAudio(t, h.dir, "hello.wav")
	req := Request{
		AudioPath: audio, Transcript: "HELLO",
		WorkDir: filepath.Join(h.dir, "work"), UtteranceID: "utt-1",
	}

	if _, err := h.p.Run(context.Background(), req); err == nil {
		t.Fatal("expected graph build failure")
	}

	// Once the engine recovers, the same request succeeds end to end.
	h.eng.FailCompileGraph = nil
	res, err := h.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.GraphCacheHit {
		t.Error("failed build left a cache entry behind")
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty config accepted")
	}
	dir := t.TempDir()
	eng := &mock.Engine{}
	cfg := Config{
		Engine:     eng,
		Transcoder: mock.Transcoder{},
		Lang:       langres.NewManager(filepath.Join(dir, "r"), nil, eng),
		Graphs:     graphcache.New(filepath.Join(dir, "g")),
		AggMethod:  "harmonic",
	}
	if _, err := New(cfg); err == nil {
		t.Error("invalid aggregation method accepted")
	}
}
