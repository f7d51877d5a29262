// Package report renders phone-level and utterance-level scoring results as
// text. Rendering is pure: no state, no I/O, safe to call repeatedly.
package report

import (
	"fmt"
	"strings"

	"github.com/spokenlab/phonoscore/internal/gop"
	"github.com/spokenlab/phonoscore/internal/scoring"
)

const rule = "======================================================================"
const thinRule = "----------------------------------------------------------------------"

// Render produces the human-readable report for one utterance: a per-phone
// table with quality labels followed by the utterance summary. Phone ids
// missing from the symbol table render as the unknown label instead of
// failing.
func Render(rec gop.Record, phones *gop.SymbolTable, us scoring.UtteranceScore, ps scoring.PronunciationScore) string {
	var b strings.Builder

	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Utterance: %s\n", rec.UtteranceID)
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "%-10s %-16s %-12s %s\n", "Phone ID", "Phone", "GOP", "Quality")
	b.WriteString(thinRule + "\n")
	for _, p := range rec.Phones {
		name := gop.UnknownPhone
		if phones != nil {
			name = phones.Name(p.Phone)
		}
		fmt.Fprintf(&b, "%-10d %-16s %-12.3f %s\n",
			p.Phone, name, p.GOP, scoring.GradeForGOP(p.GOP))
	}
	b.WriteString(thinRule + "\n")

	switch us.Strategy {
	case scoring.StrategyRegression:
		fmt.Fprintf(&b, "Model score: %.4f (0-2 scale) over %d phones (strategy: %s)\n",
			us.Value, us.PhoneCount, us.Strategy)
	default:
		fmt.Fprintf(&b, "GOP mean: %.4f over %d phones (min %.4f, max %.4f, stddev %.4f, strategy: %s)\n",
			us.Value, us.PhoneCount, us.Min, us.Max, us.Stddev, us.Strategy)
	}
	fmt.Fprintf(&b, "Pronunciation: %.1f/100 [%s]\n", ps.Score100, ps.Grade)
	return b.String()
}

// ScoreLine renders the one-line final score artifact:
//
//	utt_001  -0.8214  67.9/100  [Fair]
func ScoreLine(ps scoring.PronunciationScore) string {
	return fmt.Sprintf("%s\t%.4f\t%.1f/100\t[%s]\n", ps.UtteranceID, ps.Raw, ps.Score100, ps.Grade)
}

// UtteranceLine renders the aggregate score table row written by the
// aggregation stage:
//
//	utt_001	-0.8214	12	-4.0000	1.2000	1.6931
func UtteranceLine(us scoring.UtteranceScore) string {
	return fmt.Sprintf("%s\t%.4f\t%d\t%.4f\t%.4f\t%.4f\n",
		us.UtteranceID, us.Value, us.PhoneCount, us.Min, us.Max, us.Stddev)
}
