package enums

import "slices"

type LedgerTransactionStatus string

const (
	LedgerTransactionStatusRequested LedgerTransactionStatus = "requested"
	LedgerTransactionStatusConfirmed LedgerTransactionStatus = "confirmed"
	LedgerTransactionStatusFailed    LedgerTransactionStatus = "failed"
)

var validLedgerTransactionStatuses = []LedgerTransactionStatus{
	LedgerTransactionStatusRequested,
	LedgerTransactionStatusConfirmed,
	LedgerTransactionStatusFailed,
}

// String implements fmt.Stringer.
func (l LedgerTransactionStatus) String() string {
	return string(l)
}

// IsValid reports whether the value is a known LedgerTransactionStatus.
func (l LedgerTransactionStatus) IsValid() bool {
	return slices.Contains(validLedgerTransactionStatuses, l)
}

// ParseLedgerTransactionStatus converts raw input into a LedgerTransactionStatus.
func ParseLedgerTransactionStatus(value string) (LedgerTransactionStatus, error) {
	return parse(validLedgerTransactionStatuses, value, "ledger transaction status")
}
