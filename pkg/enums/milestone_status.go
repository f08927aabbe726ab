package enums

import "slices"

// MilestoneStatus maps to milestone_status_enum.
type MilestoneStatus string

const (
	MilestoneStatusPending           MilestoneStatus = "pending"
	MilestoneStatusSubmitted         MilestoneStatus = "submitted"
	MilestoneStatusRevisionRequested MilestoneStatus = "revision_requested"
	MilestoneStatusApproved          MilestoneStatus = "approved"
	MilestoneStatusPaid              MilestoneStatus = "paid"
	MilestoneStatusCancelled         MilestoneStatus = "cancelled"
)

var validMilestoneStatuses = []MilestoneStatus{
	MilestoneStatusPending,
	MilestoneStatusSubmitted,
	MilestoneStatusRevisionRequested,
	MilestoneStatusApproved,
	MilestoneStatusPaid,
	MilestoneStatusCancelled,
}

// String implements fmt.Stringer.
func (m MilestoneStatus) String() string {
	return string(m)
}

// IsValid reports whether the value is a known MilestoneStatus.
func (m MilestoneStatus) IsValid() bool {
	return slices.Contains(validMilestoneStatuses, m)
}

// ParseMilestoneStatus converts raw input into a MilestoneStatus.
func ParseMilestoneStatus(value string) (MilestoneStatus, error) {
	return parse(validMilestoneStatuses, value, "milestone status")
}
