package langres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spokenlab/phonoscore/internal/fallback"
	"github.com/spokenlab/phonoscore/internal/gop"
)

// grammarExcluded are the word-table symbols that never become grammar
// transitions: epsilon, sentence boundaries, and LM backoff markers.
var grammarExcluded = map[string]bool{
	"<eps>": true,
	"<s>":   true,
	"</s>":  true,
}

// synthesizeGrammar builds the grammar automaton for the active vocabulary:
// a non-final start state, a final looping state, and one self-loop per
// in-vocabulary word. The result accepts any word sequence over the
// vocabulary, which is what makes a single universal graph valid for all
// in-vocabulary phrases.
//
// A compilation failure degrades to the empty-loop automaton (accepts only
// the empty/silence sequence) instead of aborting: a bundle with a crippled
// grammar can still align silence, a missing bundle blocks everything.
func (m *Manager) synthesizeGrammar(ctx context.Context, words *gop.SymbolTable, outPath string) (string, error) {
	res, err := fallback.NewChain(
		fallback.Provider[string]{Name: "universal-loop", Run: func() (string, error) {
			text := universalLoopText(words)
			return "universal-loop", m.eng.CompileGrammar(ctx, strings.NewReader(text), outPath)
		}},
		fallback.Provider[string]{Name: "empty-loop", Run: func() (string, error) {
			return "empty-loop", m.eng.CompileGrammar(ctx, strings.NewReader(emptyLoopText()), outPath)
		}},
	).Execute()
	if err != nil {
		return "", fmt.Errorf("langres: synthesize grammar: %w", err)
	}
	return res.Provider, nil
}

// universalLoopText renders the vocabulary self-loop acceptor in openfst
// text format. State 0 is the non-final start, state 1 the final loop state;
// arcs are sorted by label so output is deterministic.
func universalLoopText(words *gop.SymbolTable) string {
	var ids []int
	for _, name := range words.Names() {
		if grammarExcluded[name] || strings.HasPrefix(name, "#") {
			continue
		}
		if id, ok := words.ID(name); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	var b strings.Builder
	b.WriteString("0 1 0\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "1 1 %d\n", id)
	}
	b.WriteString("1\n")
	return b.String()
}

// emptyLoopText renders the degenerate acceptor: epsilon into the final
// state and nothing else.
func emptyLoopText() string {
	return "0 1 0\n1\n"
}

// derivePurePhones produces the pure-phone symbol table and the phone-map
// file (one "id pureID" line per phone) inside dir, trying in order:
//
//  1. "pure-table" — an upstream phones-pure.txt, copied as-is.
//  2. "derived"    — strip stress/position markers from the phone table.
//  3. "identity"   — markers retained; a capability degradation, not an error.
func derivePurePhones(phones *gop.SymbolTable, upstreamPureTable, dir string) (*gop.SymbolTable, string, error) {
	type pureResult struct {
		table   *gop.SymbolTable
		mapping map[int]int
	}

	res, err := fallback.NewChain(
		fallback.Provider[pureResult]{Name: "pure-table", Run: func() (pureResult, error) {
			if upstreamPureTable == "" {
				return pureResult{}, fmt.Errorf("no upstream pure-phone table")
			}
			pure, err := gop.LoadSymbolTable(upstreamPureTable)
			if err != nil {
				return pureResult{}, err
			}
			return pureResult{table: pure, mapping: mapByName(phones, pure, gop.PurePhone)}, nil
		}},
		fallback.Provider[pureResult]{Name: "derived", Run: func() (pureResult, error) {
			pure, mapping := deriveByStripping(phones)
			return pureResult{table: pure, mapping: mapping}, nil
		}},
		fallback.Provider[pureResult]{Name: "identity", Run: func() (pureResult, error) {
			mapping := make(map[int]int, phones.Len())
			for _, name := range phones.Names() {
				if id, ok := phones.ID(name); ok {
					mapping[id] = id
				}
			}
			return pureResult{table: phones, mapping: mapping}, nil
		}},
	).Execute()
	if err != nil {
		return nil, "", fmt.Errorf("langres: derive pure phones: %w", err)
	}

	if err := writePureArtifacts(dir, res.Value.table, res.Value.mapping); err != nil {
		return nil, "", err
	}
	return res.Value.table, res.Provider, nil
}

// deriveByStripping builds a fresh pure-phone table by stripping markers,
// assigning pure ids in ascending marked-id order so derivation is stable.
func deriveByStripping(phones *gop.SymbolTable) (*gop.SymbolTable, map[int]int) {
	names := phones.Names()
	ids := make([]int, 0, len(names))
	for _, name := range names {
		if id, ok := phones.ID(name); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	pureEntries := make(map[string]int)
	mapping := make(map[int]int, len(ids))
	next := 0
	for _, id := range ids {
		pure := gop.PurePhone(phoneName(phones, id))
		pid, ok := pureEntries[pure]
		if !ok {
			pid = next
			next++
			pureEntries[pure] = pid
		}
		mapping[id] = pid
	}

	var sb strings.Builder
	_ = gop.WriteSymbolTable(&sb, pureEntries)
	table, _ := gop.ReadSymbolTable(strings.NewReader(sb.String()))
	return table, mapping
}

// mapByName maps each marked phone id to the pure table id of its stripped
// name, falling back to the marked id when the pure table lacks the name.
func mapByName(phones, pure *gop.SymbolTable, strip func(string) string) map[int]int {
	mapping := make(map[int]int, phones.Len())
	for _, name := range phones.Names() {
		id, ok := phones.ID(name)
		if !ok {
			continue
		}
		if pid, ok := pure.ID(strip(name)); ok {
			mapping[id] = pid
		} else {
			mapping[id] = id
		}
	}
	return mapping
}

func phoneName(st *gop.SymbolTable, id int) string {
	return st.Name(id)
}

func writePureArtifacts(dir string, pure *gop.SymbolTable, mapping map[int]int) error {
	entries := make(map[string]int, pure.Len())
	for _, name := range pure.Names() {
		if id, ok := pure.ID(name); ok {
			entries[name] = id
		}
	}
	f, err := os.Create(filepath.Join(dir, PurePhonesFile))
	if err != nil {
		return fmt.Errorf("langres: create pure-phone table: %w", err)
	}
	defer f.Close()
	if err := gop.WriteSymbolTable(f, entries); err != nil {
		return fmt.Errorf("langres: write pure-phone table: %w", err)
	}

	ids := make([]int, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d %d\n", id, mapping[id])
	}
	if err := os.WriteFile(filepath.Join(dir, PhoneMapFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("langres: write phone map: %w", err)
	}
	return nil
}
