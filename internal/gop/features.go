package gop

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// FeatureArchive holds per-phone feature vectors grouped by utterance.
// The archive keys phones as "<utteranceID>.<phoneIndex>"; vectors are
// returned in phone-index order so they line up positionally with the
// utterance's [Record].
type FeatureArchive struct {
	vectors map[string]map[int][]float64
}

// ParseFeatureArchive reads a feature archive from r. Each line is
//
//	utt_001.3  [ 0.120 -1.400 2.001 ]
//
// Lines that do not parse are skipped.
func ParseFeatureArchive(r io.Reader) (*FeatureArchive, error) {
	fa := &FeatureArchive{vectors: make(map[string]map[int][]float64)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, vec, ok := parseFeatureLine(line)
		if !ok {
			continue
		}
		utt, idx, ok := splitPhoneKey(key)
		if !ok {
			continue
		}
		if fa.vectors[utt] == nil {
			fa.vectors[utt] = make(map[int][]float64)
		}
		fa.vectors[utt][idx] = vec
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("gop: read feature archive: %w", err)
	}
	return fa, nil
}

func parseFeatureLine(line string) (key string, vec []float64, ok bool) {
	open := strings.IndexByte(line, '[')
	close := strings.LastIndexByte(line, ']')
	if open <= 0 || close < open {
		return "", nil, false
	}
	key = strings.TrimSpace(line[:open])
	if key == "" {
		return "", nil, false
	}
	for _, field := range strings.Fields(line[open+1 : close]) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return "", nil, false
		}
		vec = append(vec, v)
	}
	return key, vec, len(vec) > 0
}

// splitPhoneKey splits "utt.3" into ("utt", 3). Utterance ids may themselves
// contain dots; the index is everything after the last one.
func splitPhoneKey(key string) (utt string, idx int, ok bool) {
	dot := strings.LastIndexByte(key, '.')
	if dot <= 0 || dot == len(key)-1 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(key[dot+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:dot], idx, true
}

// Vectors returns the feature vectors for utt in phone-index order, or nil
// when the archive has no entries for utt.
func (fa *FeatureArchive) Vectors(utt string) [][]float64 {
	indexed := fa.vectors[utt]
	if len(indexed) == 0 {
		return nil
	}
	indices := make([]int, 0, len(indexed))
	for i := range indexed {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([][]float64, 0, len(indices))
	for _, i := range indices {
		out = append(out, indexed[i])
	}
	return out
}

// Utterances returns the number of utterances with at least one vector.
func (fa *FeatureArchive) Utterances() int { return len(fa.vectors) }
