package enums

import "slices"

// CommissionStatus tracks a commission through bidding, funding, work and settlement.
type CommissionStatus string

const (
	CommissionStatusOpen           CommissionStatus = "open"
	CommissionStatusPendingFunding CommissionStatus = "pending_funding"
	CommissionStatusActive         CommissionStatus = "active"
	CommissionStatusInReview       CommissionStatus = "in_review"
	CommissionStatusDisputed       CommissionStatus = "disputed"
	CommissionStatusCompleted      CommissionStatus = "completed"
	CommissionStatusCancelled      CommissionStatus = "cancelled"
)

var validCommissionStatuses = []CommissionStatus{
	CommissionStatusOpen,
	CommissionStatusPendingFunding,
	CommissionStatusActive,
	CommissionStatusInReview,
	CommissionStatusDisputed,
	CommissionStatusCompleted,
	CommissionStatusCancelled,
}

// String implements fmt.Stringer.
func (c CommissionStatus) String() string {
	return string(c)
}

// IsValid reports whether the value is a known CommissionStatus.
func (c CommissionStatus) IsValid() bool {
	return slices.Contains(validCommissionStatuses, c)
}

// ParseCommissionStatus converts raw input into a CommissionStatus.
func ParseCommissionStatus(value string) (CommissionStatus, error) {
	return parse(validCommissionStatuses, value, "commission status")
}

// IsWorking reports whether work may progress (submissions, reviews, releases).
func (c CommissionStatus) IsWorking() bool {
	return c == CommissionStatusActive || c == CommissionStatusInReview
}

// IsTerminal reports whether no further transition is allowed.
func (c CommissionStatus) IsTerminal() bool {
	return c == CommissionStatusCompleted || c == CommissionStatusCancelled
}
