package custody

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"rejected", &RejectedError{}, OutcomeRejected},
		{"wrapped rejected", fmt.Errorf("release: %w", &RejectedError{}), OutcomeRejected},
		{"deadline", context.DeadlineExceeded, OutcomeTimeout},
		{"unavailable", &UnavailableError{}, OutcomeUnavailable},
		{"connection", &jsonrpc.RPCConnectionError{}, OutcomeUnavailable},
		{"unknown", errors.New("boom"), OutcomeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
	require.True(t, Definitive(&RejectedError{}))
	require.False(t, Definitive(context.DeadlineExceeded))
}

func TestStatusBalance(t *testing.T) {
	s := Status{Deposited: 1000, Released: 300, Refunded: 200}
	require.Equal(t, int64(500), s.Balance())
}
