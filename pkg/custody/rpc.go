package custody

import (
	"context"
	"errors"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/bring2life/bring2life-backend/pkg/config"
)

const rpcNamespace = "Custody"

// RPCGateway is a JSON-RPC client for the custody ledger service.
type RPCGateway struct {
	Internal struct {
		Deposit     func(ctx context.Context, req DepositRequest) (DepositReceipt, error)
		Release     func(ctx context.Context, req ReleaseRequest) (Confirmation, error)
		Refund      func(ctx context.Context, req RefundRequest) (Confirmation, error)
		QueryStatus func(ctx context.Context, custodyHandle string) (Status, error)
		Lookup      func(ctx context.Context, token string) (TransactionRecord, error)
	}
}

var _ Gateway = (*RPCGateway)(nil)

// NewRPCGateway dials the ledger. The returned closer must be called on shutdown.
func NewRPCGateway(ctx context.Context, cfg config.LedgerConfig, opts ...jsonrpc.Option) (*RPCGateway, jsonrpc.ClientCloser, error) {
	if cfg.RPCAddr == "" {
		return nil, nil, errors.New("ledger rpc address is required")
	}
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	opts = append([]jsonrpc.Option{jsonrpc.WithErrors(RPCErrors)}, opts...)
	if cfg.CallTimeout > 0 {
		opts = append(opts, jsonrpc.WithTimeout(cfg.CallTimeout))
	}

	var res RPCGateway
	closer, err := jsonrpc.NewMergeClient(ctx, cfg.RPCAddr, rpcNamespace,
		[]interface{}{
			&res.Internal,
		},
		header,
		opts...,
	)
	if err != nil {
		return nil, nil, err
	}
	return &res, closer, nil
}

func (g *RPCGateway) Deposit(ctx context.Context, req DepositRequest) (DepositReceipt, error) {
	return g.Internal.Deposit(ctx, req)
}

func (g *RPCGateway) Release(ctx context.Context, req ReleaseRequest) (Confirmation, error) {
	return g.Internal.Release(ctx, req)
}

func (g *RPCGateway) Refund(ctx context.Context, req RefundRequest) (Confirmation, error) {
	return g.Internal.Refund(ctx, req)
}

func (g *RPCGateway) QueryStatus(ctx context.Context, custodyHandle string) (Status, error) {
	return g.Internal.QueryStatus(ctx, custodyHandle)
}

func (g *RPCGateway) Lookup(ctx context.Context, token string) (TransactionRecord, error) {
	return g.Internal.Lookup(ctx, token)
}

// NewServer exposes a Gateway implementation over JSON-RPC. The in-memory
// ledger is served this way in local stacks.
func NewServer(gw Gateway) *jsonrpc.RPCServer {
	server := jsonrpc.NewServer(jsonrpc.WithServerErrors(RPCErrors))
	server.Register(rpcNamespace, &rpcHandler{gw: gw})
	return server
}

// rpcHandler narrows the registered method set to the Gateway contract.
type rpcHandler struct {
	gw Gateway
}

func (h *rpcHandler) Deposit(ctx context.Context, req DepositRequest) (DepositReceipt, error) {
	return h.gw.Deposit(ctx, req)
}

func (h *rpcHandler) Release(ctx context.Context, req ReleaseRequest) (Confirmation, error) {
	return h.gw.Release(ctx, req)
}

func (h *rpcHandler) Refund(ctx context.Context, req RefundRequest) (Confirmation, error) {
	return h.gw.Refund(ctx, req)
}

func (h *rpcHandler) QueryStatus(ctx context.Context, custodyHandle string) (Status, error) {
	return h.gw.QueryStatus(ctx, custodyHandle)
}

func (h *rpcHandler) Lookup(ctx context.Context, token string) (TransactionRecord, error) {
	return h.gw.Lookup(ctx, token)
}
