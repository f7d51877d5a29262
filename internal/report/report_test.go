package report

import (
	"strings"
	"testing"

	"github.com/spokenlab/phonoscore/internal/gop"
	"github.com/spokenlab/phonoscore/internal/scoring"
)

func TestRender_ResolvesPhoneNames(t *testing.T) {
	phones, err := gop.ReadSymbolTable(strings.NewReader("SIL 1\nAH 4\nK 12\n"))
	if err != nil {
		t.Fatal(err)
	}
	rec := gop.Record{
		UtteranceID: "u1",
		Phones:      []gop.PhoneScore{{Phone: 12, GOP: 1.5}, {Phone: 99, GOP: -3.5}},
	}
	us := scoring.UtteranceScore{UtteranceID: "u1", Strategy: scoring.StrategyStatistical, Value: -1, PhoneCount: 2}
	ps := scoring.Convert(us, nil)

	out := Render(rec, phones, us, ps)
	if !strings.Contains(out, "Utterance: u1") {
		t.Fatalf("missing utterance header:\n%s", out)
	}
	if !strings.Contains(out, "K") {
		t.Fatalf("known phone not resolved:\n%s", out)
	}
	// Unknown id renders a placeholder, not an error.
	if !strings.Contains(out, gop.UnknownPhone) {
		t.Fatalf("unknown phone id did not render placeholder:\n%s", out)
	}
	if !strings.Contains(out, "Excellent") || !strings.Contains(out, "Poor") {
		t.Fatalf("per-phone quality labels missing:\n%s", out)
	}
}

func TestRender_NilSymbolTable(t *testing.T) {
	rec := gop.Record{UtteranceID: "u1", Phones: []gop.PhoneScore{{Phone: 1, GOP: 0}}}
	us := scoring.UtteranceScore{UtteranceID: "u1", Strategy: scoring.StrategyStatistical}
	out := Render(rec, nil, us, scoring.Convert(us, nil))
	if !strings.Contains(out, gop.UnknownPhone) {
		t.Fatalf("nil table must fall back to placeholder:\n%s", out)
	}
}

func TestScoreLine(t *testing.T) {
	ps := scoring.PronunciationScore{
		UtteranceID: "u1", Strategy: scoring.StrategyStatistical,
		Raw: -0.5, Score100: 85, Grade: scoring.GradeGood,
	}
	line := ScoreLine(ps)
	want := "u1\t-0.5000\t85.0/100\t[Good]\n"
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}
}

func TestUtteranceLine(t *testing.T) {
	us := scoring.UtteranceScore{
		UtteranceID: "u1", Value: -0.8214, PhoneCount: 12,
		Min: -4, Max: 1.2, Stddev: 1.6931,
	}
	want := "u1\t-0.8214\t12\t-4.0000\t1.2000\t1.6931\n"
	if got := UtteranceLine(us); got != want {
		t.Fatalf("line = %q, want %q", got, want)
	}
}
