package enums

import "slices"

type BidStatus string

const (
	BidStatusPending   BidStatus = "pending"
	BidStatusAccepted  BidStatus = "accepted"
	BidStatusRejected  BidStatus = "rejected"
	BidStatusWithdrawn BidStatus = "withdrawn"
)

var validBidStatuses = []BidStatus{
	BidStatusPending,
	BidStatusAccepted,
	BidStatusRejected,
	BidStatusWithdrawn,
}

// String implements fmt.Stringer.
func (b BidStatus) String() string {
	return string(b)
}

// IsValid reports whether the value is a known BidStatus.
func (b BidStatus) IsValid() bool {
	return slices.Contains(validBidStatuses, b)
}

// ParseBidStatus converts raw input into a BidStatus.
func ParseBidStatus(value string) (BidStatus, error) {
	return parse(validBidStatuses, value, "bid status")
}
