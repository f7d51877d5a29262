// Package langres materializes the shared language-resource bundle: the
// pronunciation lexicon, word and phone symbol tables, grammar automaton,
// and pure-phone mapping that graph compilation and GOP computation consume.
//
// The bundle is built once per cache root and reused by every request.
// Sourcing follows a deterministic, ordered fallback: the richest upstream
// resource (one that ships a trained grammar) is preferred, then a
// lexicon-only upstream with a synthesized vocabulary-loop grammar, and as a
// last resort a minimal lexicon covering only the words of the current
// request. The tier that produced the bundle is recorded in [Bundle.Source]
// because it changes scoring fidelity.
//
// A bundle is either fully present or absent: builds happen in a temp
// directory and are renamed into place atomically, and a directory missing
// any required file is discarded and rebuilt.
package langres

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spokenlab/phonoscore/internal/engine"
	"github.com/spokenlab/phonoscore/internal/fallback"
	"github.com/spokenlab/phonoscore/internal/gop"
	"github.com/spokenlab/phonoscore/internal/graphcache"
)

// Bundle file names. A bundle directory is valid only when every one of
// requiredFiles is present and non-empty.
const (
	WordsFile      = "words.txt"
	PhonesFile     = "phones.txt"
	LexiconFile    = "lexicon.txt"
	GrammarFile    = "G.fst"
	PurePhonesFile = "phones-pure.txt"
	PhoneMapFile   = "phone-map.txt"
)

var requiredFiles = []string{
	WordsFile, PhonesFile, LexiconFile, GrammarFile, PurePhonesFile, PhoneMapFile,
}

// Source tiers recorded in [Bundle.Source].
const (
	SourceCached         = "cached"
	SourceTrainedGrammar = "trained-grammar"
	SourceLexiconOnly    = "lexicon-only"
	SourceRequestMinimal = "request-minimal"
)

// UnknownWord is the word-table entry out-of-vocabulary words map to in the
// request-minimal tier; it is pronounced as the generic noise phone.
const UnknownWord = "<unk>"

// spokenNoisePhone is the phone assigned to [UnknownWord].
const spokenNoisePhone = "SPN"

// Bundle is a loaded, complete language-resource bundle.
type Bundle struct {
	// Dir is the published bundle directory, passed across the engine
	// boundary for graph compilation and GOP computation.
	Dir string

	// Source is the resolution tier that built the bundle.
	Source string

	// GrammarSource records how the grammar automaton was obtained:
	// "upstream", "universal-loop", or "empty-loop".
	GrammarSource string

	// PureSource records how the pure-phone mapping was derived:
	// "pure-table", "derived", or "identity".
	PureSource string

	// Words is the word symbol table (the active vocabulary).
	Words *gop.SymbolTable

	// Phones is the phone symbol table with stress/position markers.
	Phones *gop.SymbolTable

	// PurePhones is the marker-stripped phone table used for reporting.
	PurePhones *gop.SymbolTable
}

// Manager builds and caches the bundle under a root directory.
// Safe for concurrent use; at most one build runs at a time.
type Manager struct {
	root      string
	upstreams []string
	eng       engine.Engine

	mu sync.Mutex
}

// NewManager creates a Manager. upstreams are candidate resource roots
// checked in order; they may be empty, in which case only the
// request-minimal tier is available.
func NewManager(root string, upstreams []string, eng engine.Engine) *Manager {
	return &Manager{root: root, upstreams: upstreams, eng: eng}
}

// Dir returns the published bundle directory.
func (m *Manager) Dir() string { return filepath.Join(m.root, "lang") }

// Ensure returns the bundle, building it first if absent. Idempotent and
// cheap when the bundle already exists. requestWords seeds the
// request-minimal tier and must be normalized (see [graphcache.Normalize]).
func (m *Manager) Ensure(ctx context.Context, requestWords []string) (*Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.Dir()
	if complete(dir) {
		b, err := load(dir)
		if err != nil {
			return nil, err
		}
		b.Source = SourceCached
		return b, nil
	}
	// A partial bundle (crashed build, manual tampering) must never be
	// treated as valid.
	if _, err := os.Stat(dir); err == nil {
		slog.Warn("discarding partial language bundle", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("langres: remove partial bundle: %w", err)
		}
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("langres: create root %q: %w", m.root, err)
	}
	tmp, err := os.MkdirTemp(m.root, "lang-build-")
	if err != nil {
		return nil, fmt.Errorf("langres: create build dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	res, err := fallback.NewChain(
		fallback.Provider[*Bundle]{Name: SourceTrainedGrammar, Run: func() (*Bundle, error) {
			return m.fromUpstream(ctx, tmp, true)
		}},
		fallback.Provider[*Bundle]{Name: SourceLexiconOnly, Run: func() (*Bundle, error) {
			return m.fromUpstream(ctx, tmp, false)
		}},
		fallback.Provider[*Bundle]{Name: SourceRequestMinimal, Run: func() (*Bundle, error) {
			return m.fromRequest(ctx, tmp, requestWords)
		}},
	).Execute()
	if err != nil {
		return nil, fmt.Errorf("langres: no usable resource tier: %w", err)
	}
	b := res.Value
	b.Source = res.Provider

	if err := os.Rename(tmp, dir); err != nil {
		return nil, fmt.Errorf("langres: publish bundle: %w", err)
	}
	b.Dir = dir
	slog.Info("language bundle built",
		"dir", dir,
		"source", b.Source,
		"grammar", b.GrammarSource,
		"pure_phones", b.PureSource,
		"vocabulary", b.Words.Len(),
	)
	return b, nil
}

// fromUpstream materializes the bundle from the first upstream root that has
// the needed files. When requireGrammar is set only upstreams shipping a
// trained G.fst qualify; otherwise the grammar is synthesized from the
// vocabulary.
func (m *Manager) fromUpstream(ctx context.Context, dst string, requireGrammar bool) (*Bundle, error) {
	base := []string{WordsFile, PhonesFile, LexiconFile}
	for _, up := range m.upstreams {
		if !hasFiles(up, base) {
			continue
		}
		if requireGrammar && !hasFiles(up, []string{GrammarFile}) {
			continue
		}

		for _, name := range base {
			if err := copyFile(filepath.Join(up, name), filepath.Join(dst, name)); err != nil {
				return nil, err
			}
		}
		b := &Bundle{Dir: dst}
		if requireGrammar {
			if err := copyFile(filepath.Join(up, GrammarFile), filepath.Join(dst, GrammarFile)); err != nil {
				return nil, err
			}
			b.GrammarSource = "upstream"
		}
		if err := m.finishBundle(ctx, b, filepath.Join(up, PurePhonesFile)); err != nil {
			return nil, err
		}
		return b, nil
	}
	if requireGrammar {
		return nil, fmt.Errorf("no upstream with a trained grammar under %v", m.upstreams)
	}
	return nil, fmt.Errorf("no upstream with a lexicon under %v", m.upstreams)
}

// fromRequest synthesizes a minimal bundle covering only the request's
// words, each pronounced by spelling; anything else maps to the noise phone.
func (m *Manager) fromRequest(ctx context.Context, dst string, requestWords []string) (*Bundle, error) {
	words := dedupe(requestWords)
	if len(words) == 0 {
		return nil, fmt.Errorf("request has no words to build a minimal lexicon from")
	}

	wordTable := map[string]int{"<eps>": 0, UnknownWord: 1}
	for i, w := range words {
		wordTable[w] = 2 + i
	}
	phoneTable := map[string]int{"<eps>": 0, "SIL": 1, spokenNoisePhone: 2}
	for i := 0; i < 26; i++ {
		phoneTable[string(rune('A'+i))] = 3 + i
	}

	if err := writeSymbols(filepath.Join(dst, WordsFile), wordTable); err != nil {
		return nil, err
	}
	if err := writeSymbols(filepath.Join(dst, PhonesFile), phoneTable); err != nil {
		return nil, err
	}

	var lex strings.Builder
	lex.WriteString(UnknownWord + " " + spokenNoisePhone + "\n")
	for _, w := range words {
		lex.WriteString(w)
		wrote := false
		for _, r := range w {
			if r >= 'A' && r <= 'Z' {
				lex.WriteString(" " + string(r))
				wrote = true
			}
		}
		if !wrote {
			lex.WriteString(" " + spokenNoisePhone)
		}
		lex.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(dst, LexiconFile), []byte(lex.String()), 0o644); err != nil {
		return nil, fmt.Errorf("langres: write lexicon: %w", err)
	}

	b := &Bundle{Dir: dst}
	if err := m.finishBundle(ctx, b, ""); err != nil {
		return nil, err
	}
	return b, nil
}

// finishBundle synthesizes whatever the chosen tier did not provide: the
// grammar automaton and the pure-phone artifacts.
func (m *Manager) finishBundle(ctx context.Context, b *Bundle, upstreamPureTable string) error {
	words, err := gop.LoadSymbolTable(filepath.Join(b.Dir, WordsFile))
	if err != nil {
		return err
	}
	phones, err := gop.LoadSymbolTable(filepath.Join(b.Dir, PhonesFile))
	if err != nil {
		return err
	}
	b.Words = words
	b.Phones = phones

	if b.GrammarSource == "" {
		src, err := m.synthesizeGrammar(ctx, words, filepath.Join(b.Dir, GrammarFile))
		if err != nil {
			return err
		}
		b.GrammarSource = src
	}

	pure, src, err := derivePurePhones(phones, upstreamPureTable, b.Dir)
	if err != nil {
		return err
	}
	b.PurePhones = pure
	b.PureSource = src
	return nil
}

// complete reports whether dir holds every required bundle file, non-empty.
func complete(dir string) bool {
	return hasFiles(dir, requiredFiles)
}

func hasFiles(dir string, names []string) bool {
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			return false
		}
	}
	return true
}

// load reads a complete bundle's symbol tables.
func load(dir string) (*Bundle, error) {
	words, err := gop.LoadSymbolTable(filepath.Join(dir, WordsFile))
	if err != nil {
		return nil, err
	}
	phones, err := gop.LoadSymbolTable(filepath.Join(dir, PhonesFile))
	if err != nil {
		return nil, err
	}
	pure, err := gop.LoadSymbolTable(filepath.Join(dir, PurePhonesFile))
	if err != nil {
		return nil, err
	}
	return &Bundle{Dir: dir, Words: words, Phones: phones, PurePhones: pure}, nil
}

func dedupe(words []string) []string {
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		w = graphcache.Normalize(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func writeSymbols(path string, entries map[string]int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("langres: create %q: %w", path, err)
	}
	defer f.Close()
	if err := gop.WriteSymbolTable(f, entries); err != nil {
		return fmt.Errorf("langres: write %q: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("langres: open %q: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("langres: create %q: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("langres: copy %q: %w", src, err)
	}
	return out.Close()
}
