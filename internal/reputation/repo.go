package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository keeps the append-only entries and the running score per user.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta int) (int, error)
	AppendEntry(ctx context.Context, entry *models.ReputationEntry) error
	FindScore(ctx context.Context, userID uuid.UUID) (*models.ReputationScore, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.ReputationEntry, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// ApplyDelta upserts the running score and returns the new total.
func (r *repository) ApplyDelta(ctx context.Context, userID uuid.UUID, delta int) (int, error) {
	now := time.Now().UTC()
	row := models.ReputationScore{UserID: userID, Score: delta, Events: 1, UpdatedAt: now}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"score":      gorm.Expr("reputation_scores.score + ?", delta),
				"events":     gorm.Expr("reputation_scores.events + 1"),
				"updated_at": now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, err
	}

	var score models.ReputationScore
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&score).Error; err != nil {
		return 0, err
	}
	return score.Score, nil
}

func (r *repository) AppendEntry(ctx context.Context, entry *models.ReputationEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindScore returns a zero score for users without history.
func (r *repository) FindScore(ctx context.Context, userID uuid.UUID) (*models.ReputationScore, error) {
	var score models.ReputationScore
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&score).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ReputationScore{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &score, nil
}

func (r *repository) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.ReputationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.ReputationEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
