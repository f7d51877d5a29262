package scoring

// Grade is the qualitative bucket attached to a score.
type Grade string

const (
	GradeExcellent Grade = "Excellent"
	GradeGood      Grade = "Good"
	GradeFair      Grade = "Fair"
	GradePoor      Grade = "Poor"
	GradeVeryPoor  Grade = "Very Poor"
)

// PronunciationScore is the final presentation artifact: the chosen
// strategy's native value mapped onto [0, 100] plus a discrete grade.
type PronunciationScore struct {
	UtteranceID string
	Strategy    Strategy

	// Raw is the strategy-native value: aggregated GOP for the statistical
	// path, the 0–2 model score for the regression path.
	Raw float64

	// Score100 is Raw mapped onto the bounded presentation scale.
	Score100 float64

	Grade Grade
}

// Convert maps us onto the 0–100 presentation scale.
//
// Regression path: linear, score100 = value/2*100 over the 0–2 expert scale.
//
// Statistical path: a fixed piecewise-linear map from the aggregated GOP,
// monotone non-decreasing and bounded to [0, 100]. The segments meet at the
// grade thresholds, except for a deliberate upward jump at gop = -1 that
// separates Good utterances from the rest:
//
//	gop >= 0   → 90 + min(2·gop, 10)          (90–100)
//	gop >= -1  → 80 + (gop+1)·10              (80–90)
//	gop >= -3  → 60 + (gop+1)/2·20            (40–60)
//	gop >= -5  → 40 + (gop+3)/2·20            (20–40)
//	otherwise  → 20 + (gop+5)/5·20, floor 0   (0–20)
//
// When baseline is non-nil the statistical map is computed over the
// difference to a native-speaker baseline GOP instead: matching the baseline
// scores 100, falling 5 below it scores 50, 10 or more below scores 0.
func Convert(us UtteranceScore, baseline *float64) PronunciationScore {
	ps := PronunciationScore{
		UtteranceID: us.UtteranceID,
		Strategy:    us.Strategy,
		Raw:         us.Value,
	}
	switch us.Strategy {
	case StrategyRegression:
		ps.Score100 = clamp(us.Value/2.0*100, 0, 100)
		ps.Grade = gradeForScore100(ps.Score100)
	default:
		if baseline != nil {
			ps.Score100 = baselineScore(us.Value - *baseline)
		} else {
			ps.Score100 = gopScore(us.Value)
		}
		ps.Grade = GradeForGOP(us.Value)
	}
	return ps
}

func gopScore(gop float64) float64 {
	var score float64
	switch {
	case gop >= 0:
		score = 90 + min(gop*2, 10)
	case gop >= -1:
		score = 80 + (gop+1)*10
	case gop >= -3:
		score = 60 + (gop+1)/2*20
	case gop >= -5:
		score = 40 + (gop+3)/2*20
	default:
		// Continues where the previous segment ends (20 at gop = -5) and
		// reaches 0 at gop = -10; anything worse clamps to 0.
		score = 20 + (gop+5)/5*20
	}
	return clamp(score, 0, 100)
}

func baselineScore(diff float64) float64 {
	var score float64
	switch {
	case diff >= 0:
		score = 100
	case diff >= -2:
		score = 100 + diff/2*10
	case diff >= -5:
		score = 90 + (diff+2)/3*40
	default:
		score = 50 + (diff+5)/5*50
	}
	return clamp(score, 0, 100)
}

// GradeForGOP buckets a GOP value. The thresholds are shared between
// phone-level quality labels and the utterance grade.
func GradeForGOP(gop float64) Grade {
	switch {
	case gop > 0:
		return GradeExcellent
	case gop > -1:
		return GradeGood
	case gop > -3:
		return GradeFair
	case gop > -5:
		return GradePoor
	default:
		return GradeVeryPoor
	}
}

// gradeForScore100 buckets a 0–100 score using the same breakpoints the
// statistical map places on the grade thresholds.
func gradeForScore100(score float64) Grade {
	switch {
	case score > 90:
		return GradeExcellent
	case score > 80:
		return GradeGood
	case score > 60:
		return GradeFair
	case score > 40:
		return GradePoor
	default:
		return GradeVeryPoor
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
