package langres

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestionThreshold is the minimum Jaro-Winkler similarity for a
// vocabulary suggestion to be offered alongside a mismatch warning.
const suggestionThreshold = 0.80

// Mismatch reports one transcript word absent from the active vocabulary.
// Under the universal-graph strategy this is non-fatal: alignment proceeds,
// quality may degrade, and the mismatch is surfaced per word.
type Mismatch struct {
	// Word is the missing transcript word (normalized form).
	Word string

	// Suggestion is the closest in-vocabulary word, or empty when nothing
	// is similar enough to be worth suggesting.
	Suggestion string
}

// CheckVocabulary returns one [Mismatch] per transcript word that is not in
// the bundle's vocabulary, in transcript order without duplicates. Words
// must already be normalized.
func (b *Bundle) CheckVocabulary(words []string) []Mismatch {
	var (
		mismatches []Mismatch
		seen       = make(map[string]bool)
	)
	for _, w := range words {
		if w == "" || seen[w] {
			continue
		}
		if _, ok := b.Words.ID(w); ok {
			continue
		}
		seen[w] = true
		mismatches = append(mismatches, Mismatch{
			Word:       w,
			Suggestion: b.nearestWord(w),
		})
	}
	return mismatches
}

// nearestWord scans the vocabulary for the most similar real word.
// Special symbols (epsilon, boundaries, backoff markers) never qualify.
func (b *Bundle) nearestWord(word string) string {
	best := ""
	bestScore := suggestionThreshold
	for _, candidate := range b.Words.Names() {
		if grammarExcluded[candidate] || candidate == UnknownWord || strings.HasPrefix(candidate, "#") {
			continue
		}
		if score := matchr.JaroWinkler(word, candidate, false); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	return best
}
