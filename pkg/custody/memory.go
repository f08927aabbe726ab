package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Op names a gateway operation for fault injection.
type Op string

const (
	OpDeposit     Op = "deposit"
	OpRelease     Op = "release"
	OpRefund      Op = "refund"
	OpQueryStatus Op = "query_status"
	OpLookup      Op = "lookup"
)

// Fault makes the next call of Op fail with Err. With Apply set the ledger
// applies the request before the error is returned, which is how a lost
// response looks to the caller.
type Fault struct {
	Op    Op
	Err   error
	Apply bool
	// Block, when non-nil, holds the call until closed or ctx ends.
	Block <-chan struct{}
}

type memoryAccount struct {
	deposited int64
	released  int64
	refunded  int64
}

// MemoryGateway is an in-process ledger used by local stacks and tests.
type MemoryGateway struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
	records  map[string]TransactionRecord
	faults   []Fault
	calls    map[Op]int
	fees     int64
}

var _ Gateway = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		accounts: map[string]*memoryAccount{},
		records:  map[string]TransactionRecord{},
		calls:    map[Op]int{},
	}
}

func (g *MemoryGateway) InjectFault(f Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = append(g.faults, f)
}

// Calls returns how many times op has been invoked.
func (g *MemoryGateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// PlatformFees is the running total routed to the platform account.
func (g *MemoryGateway) PlatformFees() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fees
}

// SetPending records token as accepted but not yet settled.
func (g *MemoryGateway) SetPending(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[token] = TransactionRecord{Token: token, Status: TxPending}
}

func (g *MemoryGateway) takeFault(op Op) (Fault, bool) {
	g.calls[op]++
	for i, f := range g.faults {
		if f.Op == op {
			g.faults = append(g.faults[:i], g.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

func (g *MemoryGateway) begin(ctx context.Context, op Op) (Fault, bool, error) {
	g.mu.Lock()
	f, ok := g.takeFault(op)
	g.mu.Unlock()
	if ok && f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return f, ok, ctx.Err()
		}
	}
	return f, ok, nil
}

func (g *MemoryGateway) Deposit(ctx context.Context, req DepositRequest) (DepositReceipt, error) {
	f, faulted, err := g.begin(ctx, OpDeposit)
	if err != nil {
		return DepositReceipt{}, err
	}
	if faulted && !f.Apply {
		return DepositReceipt{}, f.Err
	}
	if req.Amount <= 0 {
		return DepositReceipt{}, &RejectedError{}
	}

	g.mu.Lock()
	rec, seen := g.records[req.Token]
	if !seen || rec.Status != TxConfirmed {
		handle := "custody-" + req.CommissionID
		acct, ok := g.accounts[handle]
		if !ok {
			acct = &memoryAccount{}
			g.accounts[handle] = acct
		}
		acct.deposited += req.Amount
		rec = TransactionRecord{
			Token:         req.Token,
			Status:        TxConfirmed,
			Confirmation:  uuid.NewString(),
			CustodyHandle: handle,
		}
		g.records[req.Token] = rec
	}
	g.mu.Unlock()

	if faulted {
		return DepositReceipt{}, f.Err
	}
	return DepositReceipt{CustodyHandle: rec.CustodyHandle, Confirmation: rec.Confirmation}, nil
}

func (g *MemoryGateway) Release(ctx context.Context, req ReleaseRequest) (Confirmation, error) {
	return g.debit(ctx, OpRelease, req.CustodyHandle, req.Token, req.Amount, func(a *memoryAccount) {
		a.released += req.Amount
		g.fees += req.PlatformFee
	})
}

func (g *MemoryGateway) Refund(ctx context.Context, req RefundRequest) (Confirmation, error) {
	return g.debit(ctx, OpRefund, req.CustodyHandle, req.Token, req.Amount, func(a *memoryAccount) {
		a.refunded += req.Amount
	})
}

func (g *MemoryGateway) debit(ctx context.Context, op Op, handle, token string, amount int64, apply func(*memoryAccount)) (Confirmation, error) {
	f, faulted, err := g.begin(ctx, op)
	if err != nil {
		return Confirmation{}, err
	}
	if faulted && !f.Apply {
		return Confirmation{}, f.Err
	}

	g.mu.Lock()
	rec, seen := g.records[token]
	if !seen || rec.Status != TxConfirmed {
		acct, ok := g.accounts[handle]
		if !ok || amount <= 0 || acct.deposited-acct.released-acct.refunded < amount {
			g.records[token] = TransactionRecord{Token: token, Status: TxFailed, Reason: "insufficient custody balance"}
			g.mu.Unlock()
			return Confirmation{}, &RejectedError{}
		}
		apply(acct)
		rec = TransactionRecord{Token: token, Status: TxConfirmed, Confirmation: uuid.NewString(), CustodyHandle: handle}
		g.records[token] = rec
	}
	g.mu.Unlock()

	if faulted {
		return Confirmation{}, f.Err
	}
	return Confirmation{Handle: rec.Confirmation}, nil
}

func (g *MemoryGateway) QueryStatus(ctx context.Context, custodyHandle string) (Status, error) {
	if f, faulted, err := g.begin(ctx, OpQueryStatus); err != nil {
		return Status{}, err
	} else if faulted {
		return Status{}, f.Err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[custodyHandle]
	if !ok {
		return Status{}, fmt.Errorf("custody handle %q: %w", custodyHandle, &RejectedError{})
	}
	return Status{
		CustodyHandle: custodyHandle,
		Deposited:     acct.deposited,
		Released:      acct.released,
		Refunded:      acct.refunded,
	}, nil
}

func (g *MemoryGateway) Lookup(ctx context.Context, token string) (TransactionRecord, error) {
	if f, faulted, err := g.begin(ctx, OpLookup); err != nil {
		return TransactionRecord{}, err
	} else if faulted {
		return TransactionRecord{}, f.Err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[token]
	if !ok {
		return TransactionRecord{Token: token, Status: TxNotFound}, nil
	}
	return rec, nil
}

// Adjust adds to the deposited balance of a handle; tests use it to simulate drift.
func (g *MemoryGateway) Adjust(custodyHandle string, deposited int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[custodyHandle]
	if !ok {
		acct = &memoryAccount{}
		g.accounts[custodyHandle] = acct
	}
	acct.deposited += deposited
}
