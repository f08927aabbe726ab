package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
)

// ErrNoDecoder is returned for event types or versions nobody registered.
var ErrNoDecoder = errors.New("no decoder registered")

// Decoder turns an envelope's data into a typed payload pointer.
type Decoder func(data json.RawMessage) (any, error)

// JSON decodes into a fresh *T.
func JSON[T any]() Decoder {
	return func(data json.RawMessage) (any, error) {
		out := new(T)
		if err := json.Unmarshal(data, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

// DecoderRegistry holds payload decoders by event type and envelope version,
// shared by the outbox publisher and the event consumers.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[decoderKey]Decoder
}

func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[decoderKey]Decoder)}
}

// SettlementDecoders registers version 1 of every settlement event.
func SettlementDecoders() *DecoderRegistry {
	r := NewDecoderRegistry()
	milestone := JSON[payloads.MilestoneEvent]()
	status := JSON[payloads.CommissionStatusEvent]()

	r.Register(enums.EventBidAccepted, 1, JSON[payloads.BidAcceptedEvent]())
	r.Register(enums.EventCommissionFunded, 1, JSON[payloads.CommissionFundedEvent]())
	r.Register(enums.EventMilestoneSubmitted, 1, milestone)
	r.Register(enums.EventMilestoneApproved, 1, milestone)
	r.Register(enums.EventMilestonePaid, 1, milestone)
	r.Register(enums.EventCommissionCompleted, 1, status)
	r.Register(enums.EventCommissionCancelled, 1, status)
	r.Register(enums.EventCommissionDisputed, 1, status)
	r.Register(enums.EventDisputeResolved, 1, JSON[payloads.DisputeResolvedEvent]())
	r.Register(enums.EventCertificateIssued, 1, JSON[payloads.CertificateIssuedEvent]())
	r.Register(enums.EventReconciliationFlagged, 1, JSON[payloads.ReconciliationFlaggedEvent]())
	return r
}

func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, decode Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[decoderKey{eventType, version}] = decode
}

// Decode treats version 0 as 1; envelopes written before versioning carry
// no version.
func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, data json.RawMessage) (any, error) {
	if version == 0 {
		version = 1
	}
	r.mu.RLock()
	decode, ok := r.decoders[decoderKey{eventType, version}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s@v%d", ErrNoDecoder, eventType, version)
	}
	return decode(data)
}
