package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service records reputation movements. Settlement code calls Track, which
// never fails the caller.
type Service interface {
	RecordEvent(ctx context.Context, input RecordEventInput) (*models.ReputationEntry, error)
	Record(ctx context.Context, userID, commissionID uuid.UUID, eventType enums.ReputationEventType) (*models.ReputationEntry, error)
	Track(ctx context.Context, userID, commissionID uuid.UUID, eventType enums.ReputationEventType)
	Delta(eventType enums.ReputationEventType) int
	Score(ctx context.Context, userID uuid.UUID) (*ScoreDTO, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]EntryDTO, error)
}

// RecordEventInput is one explicit score movement.
type RecordEventInput struct {
	UserID       uuid.UUID
	CommissionID uuid.UUID
	EventType    enums.ReputationEventType
	Delta        int
}

type ScoreDTO struct {
	UserID    uuid.UUID `json:"user_id"`
	Score     int       `json:"score"`
	Events    int       `json:"events"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type EntryDTO struct {
	ID             uuid.UUID                 `json:"id"`
	CommissionID   uuid.UUID                 `json:"commission_id"`
	EventType      enums.ReputationEventType `json:"event_type"`
	Delta          int                       `json:"delta"`
	ResultingScore int                       `json:"resulting_score"`
	CreatedAt      time.Time                 `json:"created_at"`
}

type service struct {
	db     txRunner
	repo   Repository
	deltas map[enums.ReputationEventType]int
	logg   *logger.Logger
}

// NewService builds the ledger from the configured delta table. Unknown event
// names in the table are rejected so typos surface at boot.
func NewService(db txRunner, repo Repository, deltas map[string]int, logg *logger.Logger) (Service, error) {
	if db == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("reputation repository required")
	}
	table := make(map[enums.ReputationEventType]int, len(deltas))
	for name, delta := range deltas {
		eventType, err := enums.ParseReputationEventType(name)
		if err != nil {
			return nil, fmt.Errorf("reputation deltas: %w", err)
		}
		table[eventType] = delta
	}
	return &service{db: db, repo: repo, deltas: table, logg: logg}, nil
}

func (s *service) Delta(eventType enums.ReputationEventType) int {
	return s.deltas[eventType]
}

func (s *service) RecordEvent(ctx context.Context, input RecordEventInput) (*models.ReputationEntry, error) {
	if input.UserID == uuid.Nil || input.CommissionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and commission id are required")
	}
	if !input.EventType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid reputation event type").
			WithDetails(map[string]any{"event_type": input.EventType})
	}

	var entry *models.ReputationEntry
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		score, err := repo.ApplyDelta(ctx, input.UserID, input.Delta)
		if err != nil {
			return err
		}
		entry = &models.ReputationEntry{
			ID:             uuid.New(),
			UserID:         input.UserID,
			CommissionID:   input.CommissionID,
			EventType:      input.EventType,
			Delta:          input.Delta,
			ResultingScore: score,
		}
		return repo.AppendEntry(ctx, entry)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record reputation event")
	}
	return entry, nil
}

func (s *service) Record(ctx context.Context, userID, commissionID uuid.UUID, eventType enums.ReputationEventType) (*models.ReputationEntry, error) {
	return s.RecordEvent(ctx, RecordEventInput{
		UserID:       userID,
		CommissionID: commissionID,
		EventType:    eventType,
		Delta:        s.Delta(eventType),
	})
}

// Track records the event, retrying once, and only logs when both attempts fail.
func (s *service) Track(ctx context.Context, userID, commissionID uuid.UUID, eventType enums.ReputationEventType) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err = s.Record(ctx, userID, commissionID, eventType); err == nil {
			return
		}
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"user_id":       userID.String(),
			"commission_id": commissionID.String(),
			"event_type":    eventType,
			"error":         err.Error(),
		})
		s.logg.Warn(logCtx, "reputation event dropped")
	}
}

func (s *service) Score(ctx context.Context, userID uuid.UUID) (*ScoreDTO, error) {
	score, err := s.repo.FindScore(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load reputation score")
	}
	return &ScoreDTO{
		UserID:    score.UserID,
		Score:     score.Score,
		Events:    score.Events,
		UpdatedAt: score.UpdatedAt,
	}, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]EntryDTO, error) {
	entries, err := s.repo.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load reputation history")
	}
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryDTO{
			ID:             e.ID,
			CommissionID:   e.CommissionID,
			EventType:      e.EventType,
			Delta:          e.Delta,
			ResultingScore: e.ResultingScore,
			CreatedAt:      e.CreatedAt,
		})
	}
	return out, nil
}
