// Package gop reads and writes the phone-level artifacts exchanged with the
// external alignment engine: the goodness-of-pronunciation (GOP) record
// archive, the phone symbol table, and the per-phone feature archive.
//
// All three are line-oriented text formats. The GOP archive carries one
// utterance per line as bracketed (phoneID, gop) pairs:
//
//	utt_001  [ 12 1.500 ] [ 38 -2.100 ] [ 5 0.000 ]
//
// Parsing is tolerant: anything on the line that is not a well-formed
// bracketed integer/float pair is skipped, so decoder log noise interleaved
// into the stream does not break consumers.
package gop

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// PhoneScore is one aligned phone and its GOP value. GOP is signed; values
// above zero mean the canonical phone beat all competitors.
type PhoneScore struct {
	Phone int
	GOP   float64
}

// Record is the ordered phone score sequence for one utterance, in alignment
// order matching the transcript's phone sequence.
type Record struct {
	UtteranceID string
	Phones      []PhoneScore
}

// pairPattern extracts "[ id gop ]" groups. The engine prints GOP values with
// three decimals but the pattern accepts any signed decimal.
var pairPattern = regexp.MustCompile(`\[\s*(\d+)\s+(-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?)\s*\]`)

// ParseRecords reads a GOP archive from r and returns the records in input
// order. Lines without an utterance id or without any well-formed pair are
// skipped.
func ParseRecords(r io.Reader) ([]Record, error) {
	var records []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, ok := parseLine(line)
		if ok {
			records = append(records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("gop: read archive: %w", err)
	}
	return records, nil
}

func parseLine(line string) (Record, bool) {
	bracket := strings.IndexByte(line, '[')
	if bracket <= 0 {
		return Record{}, false
	}
	id := strings.TrimSpace(line[:bracket])
	if id == "" || strings.ContainsAny(id, " \t") {
		return Record{}, false
	}

	matches := pairPattern.FindAllStringSubmatch(line[bracket:], -1)
	if len(matches) == 0 {
		return Record{}, false
	}

	rec := Record{UtteranceID: id, Phones: make([]PhoneScore, 0, len(matches))}
	for _, m := range matches {
		phone, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		rec.Phones = append(rec.Phones, PhoneScore{Phone: phone, GOP: score})
	}
	return rec, len(rec.Phones) > 0
}

// WriteRecords writes records to w in the archive format that [ParseRecords]
// accepts, one utterance per line.
func WriteRecords(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		if _, err := bw.WriteString(rec.UtteranceID); err != nil {
			return fmt.Errorf("gop: write archive: %w", err)
		}
		for _, p := range rec.Phones {
			if _, err := fmt.Fprintf(bw, "  [ %d %.3f ]", p.Phone, p.GOP); err != nil {
				return fmt.Errorf("gop: write archive: %w", err)
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("gop: write archive: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("gop: write archive: %w", err)
	}
	return nil
}
