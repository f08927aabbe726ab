package enums

import "slices"

// DisputeOutcome is supplied by whoever resolves a dispute.
type DisputeOutcome string

const (
	DisputeOutcomeApprove DisputeOutcome = "approve"
	DisputeOutcomeRefund  DisputeOutcome = "refund"
)

var validDisputeOutcomes = []DisputeOutcome{
	DisputeOutcomeApprove,
	DisputeOutcomeRefund,
}

// String implements fmt.Stringer.
func (d DisputeOutcome) String() string {
	return string(d)
}

// IsValid reports whether the value is a known DisputeOutcome.
func (d DisputeOutcome) IsValid() bool {
	return slices.Contains(validDisputeOutcomes, d)
}

// ParseDisputeOutcome converts raw input into a DisputeOutcome.
func ParseDisputeOutcome(value string) (DisputeOutcome, error) {
	return parse(validDisputeOutcomes, value, "dispute outcome")
}
