package custody

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGatewayDepositIsIdempotentPerToken(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	first, err := g.Deposit(ctx, DepositRequest{CommissionID: "c1", Amount: 1000, Token: "t1"})
	require.NoError(t, err)
	second, err := g.Deposit(ctx, DepositRequest{CommissionID: "c1", Amount: 1000, Token: "t1"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	status, err := g.QueryStatus(ctx, first.CustodyHandle)
	require.NoError(t, err)
	require.Equal(t, int64(1000), status.Deposited)
}

func TestMemoryGatewayReleaseRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	receipt, err := g.Deposit(ctx, DepositRequest{CommissionID: "c1", Amount: 500, Token: "d"})
	require.NoError(t, err)

	_, err = g.Release(ctx, ReleaseRequest{CustodyHandle: receipt.CustodyHandle, Amount: 600, Token: "r"})
	require.True(t, Definitive(err))

	rec, err := g.Lookup(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, TxFailed, rec.Status)
}

func TestMemoryGatewayAppliedFaultLooksLikeLostResponse(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	receipt, err := g.Deposit(ctx, DepositRequest{CommissionID: "c1", Amount: 500, Token: "d"})
	require.NoError(t, err)

	g.InjectFault(Fault{Op: OpRelease, Err: context.DeadlineExceeded, Apply: true})
	_, err = g.Release(ctx, ReleaseRequest{CustodyHandle: receipt.CustodyHandle, Amount: 200, PlatformFee: 5, Token: "r"})
	require.Equal(t, OutcomeTimeout, Classify(err))

	rec, err := g.Lookup(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, TxConfirmed, rec.Status)

	// Replaying the token does not move funds twice.
	_, err = g.Release(ctx, ReleaseRequest{CustodyHandle: receipt.CustodyHandle, Amount: 200, PlatformFee: 5, Token: "r"})
	require.NoError(t, err)
	status, err := g.QueryStatus(ctx, receipt.CustodyHandle)
	require.NoError(t, err)
	require.Equal(t, int64(200), status.Released)
	require.Equal(t, int64(5), g.PlatformFees())
	require.Equal(t, 2, g.Calls(OpRelease))
}

func TestMemoryGatewayUnappliedFault(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	g.InjectFault(Fault{Op: OpDeposit, Err: &UnavailableError{}})

	_, err := g.Deposit(ctx, DepositRequest{CommissionID: "c1", Amount: 500, Token: "d"})
	require.Equal(t, OutcomeUnavailable, Classify(err))

	rec, err := g.Lookup(ctx, "d")
	require.NoError(t, err)
	require.Equal(t, TxNotFound, rec.Status)
}

func TestMemoryGatewayBlockedCallHonoursContext(t *testing.T) {
	g := NewMemoryGateway()
	g.InjectFault(Fault{Op: OpLookup, Block: make(chan struct{})})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Lookup(ctx, "x")
	require.Equal(t, OutcomeTimeout, Classify(err))
}
