package bids

import (
	"context"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository manages persistence for bids.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, bid *models.Bid) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	ListByCommission(ctx context.Context, commissionID uuid.UUID, artistID *uuid.UUID) ([]models.Bid, error)
	HasOpenBid(ctx context.Context, commissionID, artistID uuid.UUID) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []enums.BidStatus, updates map[string]any) (bool, error)
	RejectPending(ctx context.Context, commissionID uuid.UUID, exceptID *uuid.UUID, at time.Time) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a bid repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, bid *models.Bid) error {
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(bid).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&bid).Error; err != nil {
		return nil, err
	}
	return &bid, nil
}

func (r *repository) ListByCommission(ctx context.Context, commissionID uuid.UUID, artistID *uuid.UUID) ([]models.Bid, error) {
	query := r.db.WithContext(ctx).Where("commission_id = ?", commissionID)
	if artistID != nil {
		query = query.Where("artist_id = ?", *artistID)
	}
	var rows []models.Bid
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// HasOpenBid reports whether the artist already holds a pending or accepted bid.
func (r *repository) HasOpenBid(ctx context.Context, commissionID, artistID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Bid{}).
		Where("commission_id = ? AND artist_id = ? AND status IN ?", commissionID, artistID,
			[]enums.BidStatus{enums.BidStatusPending, enums.BidStatusAccepted}).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) Transition(ctx context.Context, id uuid.UUID, from []enums.BidStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Bid{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RejectPending rejects every pending bid on the commission except exceptID and
// returns the ids it touched.
func (r *repository) RejectPending(ctx context.Context, commissionID uuid.UUID, exceptID *uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Bid{}).
		Where("commission_id = ? AND status = ?", commissionID, enums.BidStatusPending)
	if exceptID != nil {
		query = query.Where("id <> ?", *exceptID)
	}

	var ids []uuid.UUID
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := r.db.WithContext(ctx).
		Model(&models.Bid{}).
		Where("id IN ? AND status = ?", ids, enums.BidStatusPending).
		Updates(map[string]any{
			"status":      enums.BidStatusRejected,
			"reviewed_at": at,
		}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
