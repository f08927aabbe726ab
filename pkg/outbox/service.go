package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

// DomainEvent is what domain services hand to Emit. Data is marshalled into
// the envelope's data field.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit writes event to the outbox inside tx. It must run in the same
// transaction as the state change the event describes.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errNoTx
	}
	row, envelope, err := s.buildRow(event)
	if err != nil {
		return fmt.Errorf("outbox %s: %w", event.EventType, err)
	}
	if err := s.repo.Insert(tx.WithContext(ctx), row); err != nil {
		return fmt.Errorf("outbox %s: insert: %w", event.EventType, err)
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"event_id":       envelope.EventID,
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
	}), "outbox event queued")
	return nil
}

func (s *Service) buildRow(event DomainEvent) (models.OutboxEvent, PayloadEnvelope, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, PayloadEnvelope{}, fmt.Errorf("marshal data: %w", err)
	}
	envelope := PayloadEnvelope{
		Version:    max(event.Version, 1),
		EventID:    uuid.NewString(),
		OccurredAt: event.OccurredAt,
		Actor:      event.Actor,
		Data:       data,
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = s.now().UTC()
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxEvent{}, PayloadEnvelope{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       body,
	}, envelope, nil
}
