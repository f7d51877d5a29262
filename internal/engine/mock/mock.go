// Package mock provides a deterministic in-process [engine.Engine] and
// [engine.Transcoder] for tests. Artifacts are tiny text files derived only
// from the request inputs, so repeated runs over the same data produce
// byte-identical outputs.
package mock

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/spokenlab/phonoscore/internal/engine"
)

// graphHeader is the first line of a mock HCLG.fst; the rest of the file is
// the vocabulary the graph accepts, one word per line.
const graphHeader = "MOCK-HCLG"

// Engine is a fake acoustic/decoding engine. The zero value is usable.
// Inject errors through the Fail* fields to exercise failure paths.
type Engine struct {
	FailCompileGraph   error
	FailCompileGrammar error
	FailAlign          error
	FailGOP            error

	// GraphBuilds counts CompileGraph invocations, for cache-hit assertions.
	GraphBuilds atomic.Int32
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) CompileGraph(_ context.Context, langDir, _, graphDir string) error {
	if e.FailCompileGraph != nil {
		return e.FailCompileGraph
	}
	e.GraphBuilds.Add(1)

	words, err := readColumn(filepath.Join(langDir, "words.txt"), 0)
	if err != nil {
		return fmt.Errorf("mock: compile graph: %w", err)
	}
	var b strings.Builder
	b.WriteString(graphHeader + "\n")
	for _, w := range words {
		b.WriteString(w + "\n")
	}
	return os.WriteFile(filepath.Join(graphDir, "HCLG.fst"), []byte(b.String()), 0o644)
}

func (e *Engine) CompileGrammar(_ context.Context, fstText io.Reader, outPath string) error {
	if e.FailCompileGrammar != nil {
		return e.FailCompileGrammar
	}
	text, err := io.ReadAll(fstText)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append([]byte("MOCK-FST\n"), text...), 0o644)
}

func (e *Engine) ExtractFeatures(_ context.Context, dataDir, outDir string) error {
	return indexFromScp(dataDir, outDir, engine.FeatsArtifact, "feats")
}

func (e *Engine) ComputeIvectors(_ context.Context, dataDir, _, _, outDir string) error {
	return indexFromScp(dataDir, outDir, engine.IvectorArtifact, "ivector")
}

func (e *Engine) ComputeAcousticScores(_ context.Context, featsDir, _, _, outDir string) error {
	utts, err := readColumn(filepath.Join(featsDir, engine.FeatsArtifact), 0)
	if err != nil {
		return fmt.Errorf("mock: acoustic scores: %w", err)
	}
	return writeIndex(filepath.Join(outDir, engine.ScoresArtifact), utts, "scores")
}

// Align succeeds only when every transcript word is in the graph's
// vocabulary, mirroring the grammar constraint of a real decoder. The mock
// alignment carries the word sequence forward so later stages can derive
// phones from it.
func (e *Engine) Align(_ context.Context, dataDir, graphDir, _, _, outDir string) error {
	if e.FailAlign != nil {
		return e.FailAlign
	}
	vocab, err := readGraphVocabulary(filepath.Join(graphDir, "HCLG.fst"))
	if err != nil {
		return fmt.Errorf("mock: align: %w", err)
	}
	text, err := readTable(filepath.Join(dataDir, "text"))
	if err != nil {
		return fmt.Errorf("mock: align: %w", err)
	}

	var b strings.Builder
	for _, row := range text {
		for _, w := range row.values {
			if !vocab[w] {
				return fmt.Errorf("mock: align %s: word %q not accepted by graph", row.key, w)
			}
		}
		b.WriteString(row.key + " " + strings.Join(row.values, " ") + "\n")
	}
	return os.WriteFile(filepath.Join(outDir, engine.AlignArtifact), []byte(b.String()), 0o644)
}

// ExtractPhones expands each aligned word into one phone per letter. Phone
// ids start at 3 (0–2 are reserved for silence), derived from the letter so
// the sequence is a pure function of the transcript.
func (e *Engine) ExtractPhones(_ context.Context, alignDir, _, outDir string) error {
	rows, err := readTable(filepath.Join(alignDir, engine.AlignArtifact))
	if err != nil {
		return fmt.Errorf("mock: extract phones: %w", err)
	}
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(row.key)
		for _, w := range row.values {
			for _, id := range wordPhones(w) {
				fmt.Fprintf(&b, " %d", id)
			}
		}
		b.WriteString("\n")
	}
	return os.WriteFile(filepath.Join(outDir, engine.PhonesArtifact), []byte(b.String()), 0o644)
}

func (e *Engine) ComputeGOP(_ context.Context, alignDir, _, _, _, outDir string) error {
	if e.FailGOP != nil {
		return e.FailGOP
	}
	rows, err := readTable(filepath.Join(alignDir, engine.PhonesArtifact))
	if err != nil {
		return fmt.Errorf("mock: compute gop: %w", err)
	}

	var gopOut, featOut strings.Builder
	for _, row := range rows {
		gopOut.WriteString(row.key)
		for i, field := range row.values {
			var id int
			fmt.Sscanf(field, "%d", &id)
			g := mockGOP(row.key, i, id)
			fmt.Fprintf(&gopOut, "  [ %d %.3f ]", id, g)
			fmt.Fprintf(&featOut, "%s.%d  [ %.3f %.3f ]\n", row.key, i, g, float64(id))
		}
		gopOut.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(outDir, engine.GOPArtifact), []byte(gopOut.String()), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, engine.PhoneFeatsArtifact), []byte(featOut.String()), 0o644)
}

// wordPhones maps a word to its deterministic phone id sequence.
func wordPhones(word string) []int {
	ids := make([]int, 0, len(word))
	for _, r := range strings.ToUpper(word) {
		if r < 'A' || r > 'Z' {
			continue
		}
		ids = append(ids, 3+int(r-'A'))
	}
	if len(ids) == 0 {
		ids = append(ids, 3)
	}
	return ids
}

// mockGOP produces a stable signed score in [-3.0, 1.0] from the phone's
// position and id.
func mockGOP(utt string, index, phone int) float64 {
	h := 0
	for _, r := range utt {
		h = h*31 + int(r)
	}
	h = h*31 + index*7 + phone
	if h < 0 {
		h = -h
	}
	return float64(h%9)/2.0 - 3.0
}

type tableRow struct {
	key    string
	values []string
}

func readTable(path string) ([]tableRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rows []tableRow
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, tableRow{key: fields[0], values: fields[1:]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	return rows, sc.Err()
}

func readColumn(path string, col int) ([]string, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if col == 0 {
			out = append(out, r.key)
		} else if col-1 < len(r.values) {
			out = append(out, r.values[col-1])
		}
	}
	return out, nil
}

func readGraphVocabulary(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vocab := make(map[string]bool)
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != graphHeader {
				return nil, fmt.Errorf("%s is not a mock graph", path)
			}
			first = false
			continue
		}
		if line != "" {
			vocab[line] = true
		}
	}
	return vocab, sc.Err()
}

func indexFromScp(dataDir, outDir, artifact, tag string) error {
	utts, err := readColumn(filepath.Join(dataDir, "wav.scp"), 0)
	if err != nil {
		return fmt.Errorf("mock: %s: %w", tag, err)
	}
	return writeIndex(filepath.Join(outDir, artifact), utts, tag)
}

func writeIndex(path string, utts []string, tag string) error {
	var b strings.Builder
	for _, u := range utts {
		fmt.Fprintf(&b, "%s %s-of-%s\n", u, tag, u)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// Transcoder is a fake [engine.Transcoder]: Probe accepts any non-empty
// regular file not ending in ".bad", Transcode copies bytes verbatim.
type Transcoder struct{}

var _ engine.Transcoder = (*Transcoder)(nil)

func (Transcoder) Probe(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("mock: %q is not decodable audio", path)
	}
	if strings.HasSuffix(path, ".bad") {
		return fmt.Errorf("mock: %q uses an unsupported codec", path)
	}
	return nil
}

func (Transcoder) Transcode(_ context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
