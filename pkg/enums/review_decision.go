package enums

import "slices"

type ReviewDecision string

const (
	ReviewDecisionApprove         ReviewDecision = "approve"
	ReviewDecisionRequestRevision ReviewDecision = "request_revision"
)

var validReviewDecisions = []ReviewDecision{
	ReviewDecisionApprove,
	ReviewDecisionRequestRevision,
}

// String implements fmt.Stringer.
func (r ReviewDecision) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ReviewDecision.
func (r ReviewDecision) IsValid() bool {
	return slices.Contains(validReviewDecisions, r)
}

// ParseReviewDecision converts raw input into a ReviewDecision.
func ParseReviewDecision(value string) (ReviewDecision, error) {
	return parse(validReviewDecisions, value, "review decision")
}
