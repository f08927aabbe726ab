package ledger

import (
	"context"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FlagRepository stores items parked for manual reconciliation. At most one
// open flag exists per subject and reason.
type FlagRepository interface {
	WithTx(tx *gorm.DB) FlagRepository
	Raise(ctx context.Context, flag *models.ReconciliationFlag) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationFlag, error)
	ListOpen(ctx context.Context, commissionID *uuid.UUID, limit int) ([]models.ReconciliationFlag, error)
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeleteResolvedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type flagRepository struct {
	db *gorm.DB
}

func NewFlagRepository(db *gorm.DB) FlagRepository {
	return &flagRepository{db: db}
}

func (r *flagRepository) WithTx(tx *gorm.DB) FlagRepository {
	if tx == nil {
		return r
	}
	return &flagRepository{db: tx}
}

// Raise inserts the flag unless an open one already covers the subject. It
// reports whether a new row was written.
func (r *flagRepository) Raise(ctx context.Context, flag *models.ReconciliationFlag) (bool, error) {
	if flag.ID == uuid.Nil {
		flag.ID = uuid.New()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(flag)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *flagRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationFlag, error) {
	var flag models.ReconciliationFlag
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&flag).Error; err != nil {
		return nil, err
	}
	return &flag, nil
}

func (r *flagRepository) ListOpen(ctx context.Context, commissionID *uuid.UUID, limit int) ([]models.ReconciliationFlag, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.WithContext(ctx).Where("resolved_at IS NULL")
	if commissionID != nil {
		query = query.Where("commission_id = ?", *commissionID)
	}
	var flags []models.ReconciliationFlag
	if err := query.Order("created_at ASC").Limit(limit).Find(&flags).Error; err != nil {
		return nil, err
	}
	return flags, nil
}

func (r *flagRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ReconciliationFlag{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteResolvedBefore purges flags closed before cutoff. Open flags are never removed.
func (r *flagRepository) DeleteResolvedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).
		Where("resolved_at IS NOT NULL AND resolved_at < ?", cutoff).
		Delete(&models.ReconciliationFlag{})
	return res.RowsAffected, res.Error
}

// NewFlag builds an open flag for a subject.
func NewFlag(commissionID uuid.UUID, subject enums.ReconciliationSubject, subjectID uuid.UUID, reason enums.ReconciliationReason, attempts int, details string) *models.ReconciliationFlag {
	flag := &models.ReconciliationFlag{
		ID:           uuid.New(),
		CommissionID: commissionID,
		SubjectType:  subject,
		SubjectID:    subjectID,
		Reason:       reason,
		Attempts:     attempts,
	}
	if details != "" {
		flag.Details = &details
	}
	return flag
}
