package enums

import "slices"

// ReconciliationSubject identifies what a reconciliation flag points at.
type ReconciliationSubject string

const (
	ReconciliationSubjectLedgerTransaction ReconciliationSubject = "ledger_transaction"
	ReconciliationSubjectMilestone         ReconciliationSubject = "milestone"
	ReconciliationSubjectCertificate       ReconciliationSubject = "certificate"
	ReconciliationSubjectCustody           ReconciliationSubject = "custody"
)

var validReconciliationSubjects = []ReconciliationSubject{
	ReconciliationSubjectLedgerTransaction,
	ReconciliationSubjectMilestone,
	ReconciliationSubjectCertificate,
	ReconciliationSubjectCustody,
}

// String implements fmt.Stringer.
func (r ReconciliationSubject) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ReconciliationSubject.
func (r ReconciliationSubject) IsValid() bool {
	return slices.Contains(validReconciliationSubjects, r)
}

// ParseReconciliationSubject converts raw input into a ReconciliationSubject.
func ParseReconciliationSubject(value string) (ReconciliationSubject, error) {
	return parse(validReconciliationSubjects, value, "reconciliation subject")
}

// ReconciliationReason explains why an item was escalated for manual attention.
type ReconciliationReason string

const (
	ReconciliationReasonRetryCeiling    ReconciliationReason = "retry_ceiling_reached"
	ReconciliationReasonCustodyMismatch ReconciliationReason = "custody_mismatch"
	ReconciliationReasonLookupMismatch  ReconciliationReason = "lookup_mismatch"
	// ReconciliationReasonProjectionConflict: the ledger confirmed something the
	// local projection cannot absorb without breaking its invariants.
	ReconciliationReasonProjectionConflict ReconciliationReason = "projection_conflict"
)

func (r ReconciliationReason) String() string {
	return string(r)
}
