package enums

import "slices"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateCommission         OutboxAggregateType = "commission"
	AggregateBid                OutboxAggregateType = "bid"
	AggregateMilestone          OutboxAggregateType = "milestone"
	AggregateLedgerTransaction  OutboxAggregateType = "ledger_transaction"
	AggregateReconciliationFlag OutboxAggregateType = "reconciliation_flag"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateCommission,
	AggregateBid,
	AggregateMilestone,
	AggregateLedgerTransaction,
	AggregateReconciliationFlag,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	return slices.Contains(validAggregateTypes, a)
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return parse(validAggregateTypes, value, "aggregate type")
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventBidAccepted           OutboxEventType = "bid_accepted"
	EventCommissionFunded      OutboxEventType = "commission_funded"
	EventMilestoneSubmitted    OutboxEventType = "milestone_submitted"
	EventMilestoneApproved     OutboxEventType = "milestone_approved"
	EventMilestonePaid         OutboxEventType = "milestone_paid"
	EventCommissionCompleted   OutboxEventType = "commission_completed"
	EventCommissionCancelled   OutboxEventType = "commission_cancelled"
	EventCommissionDisputed    OutboxEventType = "commission_disputed"
	EventDisputeResolved       OutboxEventType = "dispute_resolved"
	EventCertificateIssued     OutboxEventType = "certificate_issued"
	EventReconciliationFlagged OutboxEventType = "reconciliation_flagged"
)

var validOutboxEventTypes = []OutboxEventType{
	EventBidAccepted,
	EventCommissionFunded,
	EventMilestoneSubmitted,
	EventMilestoneApproved,
	EventMilestonePaid,
	EventCommissionCompleted,
	EventCommissionCancelled,
	EventCommissionDisputed,
	EventDisputeResolved,
	EventCertificateIssued,
	EventReconciliationFlagged,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	return slices.Contains(validOutboxEventTypes, e)
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse(validOutboxEventTypes, value, "event type")
}
