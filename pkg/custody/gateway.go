// Package custody talks to the external ledger that actually holds commission funds.
package custody

import (
	"context"
	"errors"

	"github.com/filecoin-project/go-jsonrpc"
)

// TxStatus is the ledger-side view of a token.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxPending   TxStatus = "pending"
	TxNotFound  TxStatus = "not_found"
)

type DepositRequest struct {
	CommissionID string `json:"commissionId"`
	Payer        string `json:"payer"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Token        string `json:"token"`
}

type DepositReceipt struct {
	CustodyHandle string `json:"custodyHandle"`
	Confirmation  string `json:"confirmation"`
}

// ReleaseRequest moves Amount out of custody; PlatformFee of it goes to the
// platform account and the rest to Recipient.
type ReleaseRequest struct {
	CustodyHandle string `json:"custodyHandle"`
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	PlatformFee   int64  `json:"platformFee"`
	Token         string `json:"token"`
}

type RefundRequest struct {
	CustodyHandle string `json:"custodyHandle"`
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	Token         string `json:"token"`
}

type Confirmation struct {
	Handle string `json:"handle"`
}

// Status is the ledger's balance sheet for one custody handle.
type Status struct {
	CustodyHandle string `json:"custodyHandle"`
	Deposited     int64  `json:"deposited"`
	Released      int64  `json:"released"`
	Refunded      int64  `json:"refunded"`
}

// Balance is what the ledger still holds.
func (s Status) Balance() int64 {
	return s.Deposited - s.Released - s.Refunded
}

type TransactionRecord struct {
	Token         string   `json:"token"`
	Status        TxStatus `json:"status"`
	Confirmation  string   `json:"confirmation,omitempty"`
	CustodyHandle string   `json:"custodyHandle,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Gateway is the custody ledger contract. Every mutating call carries an
// idempotency token; replaying a token returns the original outcome.
type Gateway interface {
	Deposit(ctx context.Context, req DepositRequest) (DepositReceipt, error)
	Release(ctx context.Context, req ReleaseRequest) (Confirmation, error)
	Refund(ctx context.Context, req RefundRequest) (Confirmation, error)
	QueryStatus(ctx context.Context, custodyHandle string) (Status, error)
	Lookup(ctx context.Context, token string) (TransactionRecord, error)
}

const (
	ERejected = iota + jsonrpc.FirstUserCode
	EUnavailable
)

var RPCErrors = jsonrpc.NewErrors()

func init() {
	RPCErrors.Register(ERejected, new(*RejectedError))
	RPCErrors.Register(EUnavailable, new(*UnavailableError))
}

// RejectedError is a definitive refusal: the ledger did not and will not apply the request.
type RejectedError struct{}

func (RejectedError) Error() string { return "custody ledger rejected the request" }

// UnavailableError means the ledger could not take the request right now.
type UnavailableError struct{}

func (UnavailableError) Error() string { return "custody ledger unavailable" }

// Outcome buckets a gateway error by what it tells us about ledger state.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeRejected: nothing happened on the ledger.
	OutcomeRejected
	// OutcomeUnavailable: the request may or may not have reached the ledger.
	OutcomeUnavailable
	// OutcomeTimeout: no answer within the local bound; the ledger may still apply it.
	OutcomeTimeout
)

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, new(*RejectedError)):
		return OutcomeRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTimeout
	case errors.As(err, new(*UnavailableError)), errors.As(err, new(*jsonrpc.RPCConnectionError)):
		return OutcomeUnavailable
	default:
		// Anything unrecognised is treated as "may have happened".
		return OutcomeUnavailable
	}
}

// Definitive reports whether the error proves the ledger did not apply the request.
func Definitive(err error) bool {
	return Classify(err) == OutcomeRejected
}
