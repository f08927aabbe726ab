// Package minting issues authenticity certificates for completed commissions.
package minting

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/config"
)

type MintRequest struct {
	// Token makes repeat mints for one commission return the same certificate.
	Token          string  `json:"token"`
	CommissionID   string  `json:"commissionId"`
	ArtistID       string  `json:"artistId"`
	OwnerID        string  `json:"ownerId"`
	MetadataRef    string  `json:"metadataRef"`
	ArtifactRef    string  `json:"artifactRef"`
	RoyaltyPercent float64 `json:"royaltyPercent"`
}

type MintReceipt struct {
	CertificateHandle string `json:"certificateHandle"`
}

type Minter interface {
	Mint(ctx context.Context, req MintRequest) (MintReceipt, error)
}

// RPCMinter calls the certificate service over JSON-RPC.
type RPCMinter struct {
	Internal struct {
		Mint func(ctx context.Context, req MintRequest) (MintReceipt, error)
	}
}

func NewRPCMinter(ctx context.Context, cfg config.MintingConfig) (*RPCMinter, jsonrpc.ClientCloser, error) {
	if cfg.RPCAddr == "" {
		return nil, nil, errors.New("minting rpc address is required")
	}
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	var opts []jsonrpc.Option
	if cfg.CallTimeout > 0 {
		opts = append(opts, jsonrpc.WithTimeout(cfg.CallTimeout))
	}

	var res RPCMinter
	closer, err := jsonrpc.NewMergeClient(ctx, cfg.RPCAddr, "Certificates",
		[]interface{}{&res.Internal}, header, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &res, closer, nil
}

func (m *RPCMinter) Mint(ctx context.Context, req MintRequest) (MintReceipt, error) {
	return m.Internal.Mint(ctx, req)
}

// MemoryMinter mints locally. FailNext queues errors for tests.
type MemoryMinter struct {
	mu       sync.Mutex
	issued   map[string]MintReceipt
	requests []MintRequest
	failures []error
}

func NewMemoryMinter() *MemoryMinter {
	return &MemoryMinter{issued: map[string]MintReceipt{}}
}

func (m *MemoryMinter) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

func (m *MemoryMinter) Mint(ctx context.Context, req MintRequest) (MintReceipt, error) {
	if err := ctx.Err(); err != nil {
		return MintReceipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return MintReceipt{}, err
	}
	if receipt, ok := m.issued[req.Token]; ok {
		return receipt, nil
	}
	receipt := MintReceipt{CertificateHandle: "cert-" + uuid.NewString()}
	m.issued[req.Token] = receipt
	return receipt, nil
}

// Issued counts distinct certificates.
func (m *MemoryMinter) Issued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

func (m *MemoryMinter) Requests() []MintRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MintRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
