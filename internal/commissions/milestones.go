package commissions

import (
	"context"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MilestoneRepository persists the payment schedule and its submissions.
type MilestoneRepository interface {
	WithTx(tx *gorm.DB) MilestoneRepository
	CreateBatch(ctx context.Context, milestones []models.Milestone) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	ListByCommission(ctx context.Context, commissionID uuid.UUID) ([]models.Milestone, error)
	Count(ctx context.Context, commissionID uuid.UUID) (int64, error)
	CountInStatus(ctx context.Context, commissionID uuid.UUID, statuses ...enums.MilestoneStatus) (int64, error)
	Transition(ctx context.Context, id uuid.UUID, from []enums.MilestoneStatus, updates map[string]any) (bool, error)
	ApproveOutstanding(ctx context.Context, commissionID uuid.UUID, at time.Time) (int64, error)
	CancelUnpaid(ctx context.Context, commissionID uuid.UUID, at time.Time) (int64, error)
	ListApproved(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Milestone, error)
	CreateSubmission(ctx context.Context, submission *models.MilestoneSubmission) error
	FindSubmission(ctx context.Context, id uuid.UUID) (*models.MilestoneSubmission, error)
	ReviewSubmission(ctx context.Context, id uuid.UUID, revisionRequested bool, notes *string, at time.Time) error
	ListSubmissions(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneSubmission, error)
}

type milestoneRepository struct {
	db *gorm.DB
}

func NewMilestoneRepository(db *gorm.DB) MilestoneRepository {
	return &milestoneRepository{db: db}
}

func (r *milestoneRepository) WithTx(tx *gorm.DB) MilestoneRepository {
	if tx == nil {
		return r
	}
	return &milestoneRepository{db: tx}
}

func (r *milestoneRepository) CreateBatch(ctx context.Context, milestones []models.Milestone) error {
	if len(milestones) == 0 {
		return nil
	}
	for i := range milestones {
		if milestones[i].ID == uuid.Nil {
			milestones[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).Create(&milestones).Error
}

func (r *milestoneRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	var milestone models.Milestone
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&milestone).Error; err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (r *milestoneRepository) ListByCommission(ctx context.Context, commissionID uuid.UUID) ([]models.Milestone, error) {
	var milestones []models.Milestone
	if err := r.db.WithContext(ctx).
		Where("commission_id = ?", commissionID).
		Order("order_index ASC").
		Find(&milestones).Error; err != nil {
		return nil, err
	}
	return milestones, nil
}

func (r *milestoneRepository) Count(ctx context.Context, commissionID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Milestone{}).
		Where("commission_id = ?", commissionID).
		Count(&count).Error
	return count, err
}

func (r *milestoneRepository) CountInStatus(ctx context.Context, commissionID uuid.UUID, statuses ...enums.MilestoneStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Milestone{}).
		Where("commission_id = ? AND status IN ?", commissionID, statuses).
		Count(&count).Error
	return count, err
}

func (r *milestoneRepository) Transition(ctx context.Context, id uuid.UUID, from []enums.MilestoneStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Milestone{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ApproveOutstanding approves every milestone that is neither paid, cancelled
// nor already approved.
func (r *milestoneRepository) ApproveOutstanding(ctx context.Context, commissionID uuid.UUID, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Milestone{}).
		Where("commission_id = ? AND status IN ?", commissionID, []enums.MilestoneStatus{
			enums.MilestoneStatusPending,
			enums.MilestoneStatusSubmitted,
			enums.MilestoneStatusRevisionRequested,
		}).
		Updates(map[string]any{
			"status":      enums.MilestoneStatusApproved,
			"approved_at": at,
		})
	return res.RowsAffected, res.Error
}

func (r *milestoneRepository) CancelUnpaid(ctx context.Context, commissionID uuid.UUID, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Milestone{}).
		Where("commission_id = ? AND status NOT IN ?", commissionID, []enums.MilestoneStatus{
			enums.MilestoneStatusPaid,
			enums.MilestoneStatusCancelled,
		}).
		Updates(map[string]any{
			"status":       enums.MilestoneStatusCancelled,
			"cancelled_at": at,
		})
	return res.RowsAffected, res.Error
}

func (r *milestoneRepository) ListApproved(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Milestone, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.WithContext(ctx).Where("status = ?", enums.MilestoneStatusApproved)
	if afterID != uuid.Nil {
		query = query.Where("id > ?", afterID)
	}
	var milestones []models.Milestone
	if err := query.Order("id ASC").Limit(limit).Find(&milestones).Error; err != nil {
		return nil, err
	}
	return milestones, nil
}

func (r *milestoneRepository) CreateSubmission(ctx context.Context, submission *models.MilestoneSubmission) error {
	if submission.ID == uuid.Nil {
		submission.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *milestoneRepository) FindSubmission(ctx context.Context, id uuid.UUID) (*models.MilestoneSubmission, error) {
	var submission models.MilestoneSubmission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&submission).Error; err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *milestoneRepository) ReviewSubmission(ctx context.Context, id uuid.UUID, revisionRequested bool, notes *string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.MilestoneSubmission{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"revision_requested": revisionRequested,
			"review_notes":       notes,
			"reviewed_at":        at,
		}).Error
}

func (r *milestoneRepository) ListSubmissions(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneSubmission, error) {
	var submissions []models.MilestoneSubmission
	if err := r.db.WithContext(ctx).
		Where("milestone_id = ?", milestoneID).
		Order("created_at ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}
