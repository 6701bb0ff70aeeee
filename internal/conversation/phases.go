package conversation

import "regexp"

// Known phases of the intake workflow.
const (
	PhaseInfoCollection        = "INFO_COLLECTION"
	PhaseCaseAnalysis          = "CASE_ANALYSIS"
	PhaseProductRecommendation = "PRODUCT_RECOMMENDATION"
	PhaseSalesConversion       = "SALES_CONVERSION"
)

// Sequence is the order auto-transition walks.
var Sequence = []string{
	PhaseInfoCollection,
	PhaseCaseAnalysis,
	PhaseProductRecommendation,
	PhaseSalesConversion,
}

var phaseNameRegex = regexp.MustCompile(`^[A-Z_]+$`)

// ValidPhaseName reports whether name has the shape of a phase identifier.
// Phases outside Sequence are allowed.
func ValidPhaseName(name string) bool {
	return phaseNameRegex.MatchString(name)
}

// NextInSequence returns the phase after current. The second result is false
// when current is last or not part of Sequence.
func NextInSequence(current string) (string, bool) {
	for i, p := range Sequence {
		if p == current {
			if i+1 < len(Sequence) {
				return Sequence[i+1], true
			}
			return "", false
		}
	}
	return "", false
}
