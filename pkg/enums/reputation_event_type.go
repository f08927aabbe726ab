package enums

import "slices"

type ReputationEventType string

const (
	ReputationEventTypeBidAccepted              ReputationEventType = "bid_accepted"
	ReputationEventTypeMilestoneApproved        ReputationEventType = "milestone_approved"
	ReputationEventTypeCommissionCompleted      ReputationEventType = "commission_completed"
	ReputationEventTypeCommissionCancelled      ReputationEventType = "commission_cancelled"
	ReputationEventTypeDisputeResolvedForClient ReputationEventType = "dispute_resolved_for_client"
	ReputationEventTypeDisputeResolvedForArtist ReputationEventType = "dispute_resolved_for_artist"
)

var validReputationEventTypes = []ReputationEventType{
	ReputationEventTypeBidAccepted,
	ReputationEventTypeMilestoneApproved,
	ReputationEventTypeCommissionCompleted,
	ReputationEventTypeCommissionCancelled,
	ReputationEventTypeDisputeResolvedForClient,
	ReputationEventTypeDisputeResolvedForArtist,
}

// String implements fmt.Stringer.
func (r ReputationEventType) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ReputationEventType.
func (r ReputationEventType) IsValid() bool {
	return slices.Contains(validReputationEventTypes, r)
}

// ParseReputationEventType converts raw input into a ReputationEventType.
func ParseReputationEventType(value string) (ReputationEventType, error) {
	return parse(validReputationEventTypes, value, "reputation event type")
}
