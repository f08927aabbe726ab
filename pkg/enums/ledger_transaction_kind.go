package enums

import "slices"

// LedgerTransactionKind names the custody operation a ledger transaction records.
type LedgerTransactionKind string

const (
	LedgerTransactionKindDeposit     LedgerTransactionKind = "deposit"
	LedgerTransactionKindRelease     LedgerTransactionKind = "release"
	LedgerTransactionKindRefund      LedgerTransactionKind = "refund"
	LedgerTransactionKindPlatformFee LedgerTransactionKind = "platform_fee"
)

var validLedgerTransactionKinds = []LedgerTransactionKind{
	LedgerTransactionKindDeposit,
	LedgerTransactionKindRelease,
	LedgerTransactionKindRefund,
	LedgerTransactionKindPlatformFee,
}

// String implements fmt.Stringer.
func (l LedgerTransactionKind) String() string {
	return string(l)
}

// IsValid reports whether the value is a known LedgerTransactionKind.
func (l LedgerTransactionKind) IsValid() bool {
	return slices.Contains(validLedgerTransactionKinds, l)
}

// ParseLedgerTransactionKind converts raw input into a LedgerTransactionKind.
func ParseLedgerTransactionKind(value string) (LedgerTransactionKind, error) {
	return parse(validLedgerTransactionKinds, value, "ledger transaction kind")
}
