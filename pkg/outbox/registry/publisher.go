package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
)

// EventDescriptor says which aggregate an event belongs to and where it is
// published.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is a validated outbox row with its decoded payload.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks a row that can never be published as is; the
// publisher dead-letters it instead of retrying.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

// EventRegistry routes participant-facing events to the settlement topic and
// operator alerts to the ops topic.
type EventRegistry struct {
	routes   map[enums.OutboxEventType]EventDescriptor
	decoders *DecoderRegistry
}

func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	switch {
	case cfg.SettlementTopic == "":
		return nil, errors.New("settlement topic is required")
	case cfg.OpsTopic == "":
		return nil, errors.New("ops topic is required")
	}

	reg := &EventRegistry{
		routes:   make(map[enums.OutboxEventType]EventDescriptor),
		decoders: SettlementDecoders(),
	}
	route := func(topic string, aggregate enums.OutboxAggregateType, types ...enums.OutboxEventType) {
		for _, t := range types {
			reg.routes[t] = EventDescriptor{EventType: t, AggregateType: aggregate, Topic: topic}
		}
	}
	route(cfg.SettlementTopic, enums.AggregateCommission,
		enums.EventBidAccepted,
		enums.EventCommissionFunded,
		enums.EventCommissionCompleted,
		enums.EventCommissionCancelled,
		enums.EventCommissionDisputed,
		enums.EventDisputeResolved,
		enums.EventCertificateIssued,
	)
	route(cfg.SettlementTopic, enums.AggregateMilestone,
		enums.EventMilestoneSubmitted,
		enums.EventMilestoneApproved,
		enums.EventMilestonePaid,
	)
	route(cfg.OpsTopic, enums.AggregateReconciliationFlag, enums.EventReconciliationFlagged)
	return reg, nil
}

// Resolve checks the row against its route and decodes the payload. Every
// failure is non-retryable: the row itself is wrong.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.routes[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(errors.New("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}
	if data := bytes.TrimSpace(envelope.Data); len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}
	payload, err := r.decoders.Decode(event.EventType, envelope.Version, envelope.Data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
