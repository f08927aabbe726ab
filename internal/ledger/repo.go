package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository manages persistence for ledger transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, txn *models.LedgerTransaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.LedgerTransaction, error)
	Latest(ctx context.Context, commissionID uuid.UUID, milestoneID *uuid.UUID, kind enums.LedgerTransactionKind) (*models.LedgerTransaction, error)
	ListByCommission(ctx context.Context, commissionID uuid.UUID) ([]models.LedgerTransaction, error)
	ListUnresolvedByCommission(ctx context.Context, commissionID uuid.UUID, kind enums.LedgerTransactionKind) ([]models.LedgerTransaction, error)
	ListDue(ctx context.Context, q DueQuery) ([]models.LedgerTransaction, error)
	MarkConfirmed(ctx context.Context, id uuid.UUID, confirmation string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, ambiguous bool, at time.Time) (bool, error)
	Resend(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, next time.Time, reason string) error
	MarkNeedsAttention(ctx context.Context, id uuid.UUID) error
}

// DueQuery selects rows the sweeper should look at: requested rows older than
// StaleBefore and ambiguous failures, both only once NextAttemptAt has passed.
// Pages are keyed on id.
type DueQuery struct {
	StaleBefore time.Time
	Now         time.Time
	AfterID     uuid.UUID
	Limit       int
}

// ErrNoTransaction is returned by Latest when the subject has no rows yet.
var ErrNoTransaction = errors.New("no ledger transaction for subject")

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, txn *models.LedgerTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.LedgerTransaction, error) {
	var txn models.LedgerTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) Latest(ctx context.Context, commissionID uuid.UUID, milestoneID *uuid.UUID, kind enums.LedgerTransactionKind) (*models.LedgerTransaction, error) {
	query := r.db.WithContext(ctx).
		Where("commission_id = ? AND kind = ?", commissionID, kind)
	if milestoneID != nil {
		query = query.Where("milestone_id = ?", *milestoneID)
	} else {
		query = query.Where("milestone_id IS NULL")
	}

	var txn models.LedgerTransaction
	err := query.Order("attempt DESC").Limit(1).Find(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == uuid.Nil {
		return nil, ErrNoTransaction
	}
	return &txn, nil
}

func (r *repository) ListByCommission(ctx context.Context, commissionID uuid.UUID) ([]models.LedgerTransaction, error) {
	var rows []models.LedgerTransaction
	if err := r.db.WithContext(ctx).
		Where("commission_id = ?", commissionID).
		Order("requested_at ASC").
		Order("attempt ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListUnresolvedByCommission(ctx context.Context, commissionID uuid.UUID, kind enums.LedgerTransactionKind) ([]models.LedgerTransaction, error) {
	var rows []models.LedgerTransaction
	if err := r.db.WithContext(ctx).
		Where("commission_id = ? AND kind = ?", commissionID, kind).
		Scopes(unresolved).
		Order("requested_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListDue(ctx context.Context, q DueQuery) ([]models.LedgerTransaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := r.db.WithContext(ctx).
		Where("kind <> ?", enums.LedgerTransactionKindPlatformFee).
		Where("needs_attention = ?", false).
		Where("((status = ? AND requested_at <= ?) OR (status = ? AND ambiguous = ?))",
			enums.LedgerTransactionStatusRequested, q.StaleBefore,
			enums.LedgerTransactionStatusFailed, true,
		).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", q.Now)
	if q.AfterID != uuid.Nil {
		query = query.Where("id > ?", q.AfterID)
	}

	var rows []models.LedgerTransaction
	if err := query.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkConfirmed moves an unresolved row to confirmed. It reports false when the
// row was already resolved by someone else.
func (r *repository) MarkConfirmed(ctx context.Context, id uuid.UUID, confirmation string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ?", id).
		Scopes(unresolved).
		Updates(map[string]any{
			"status":              enums.LedgerTransactionStatusConfirmed,
			"confirmation_handle": confirmation,
			"ambiguous":           false,
			"last_error":          nil,
			"next_attempt_at":     nil,
			"resolved_at":         at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records a failure. Ambiguous failures stay unresolved until a
// lookup settles them; definitive failures are final.
func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, ambiguous bool, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     enums.LedgerTransactionStatusFailed,
		"ambiguous":  ambiguous,
		"last_error": reason,
	}
	if !ambiguous {
		updates["resolved_at"] = at
		updates["next_attempt_at"] = nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ?", id).
		Scopes(unresolved).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Resend puts an unresolved row back in flight under the same token.
func (r *repository) Resend(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ?", id).
		Scopes(unresolved).
		Updates(map[string]any{
			"status":       enums.LedgerTransactionStatusRequested,
			"ambiguous":    false,
			"send_count":   gorm.Expr("send_count + 1"),
			"requested_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ScheduleRetry(ctx context.Context, id uuid.UUID, next time.Time, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"next_attempt_at": next,
			"last_error":      reason,
		}).Error
}

func (r *repository) MarkNeedsAttention(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ?", id).
		Update("needs_attention", true).Error
}

func unresolved(db *gorm.DB) *gorm.DB {
	return db.Where("(status = ? OR (status = ? AND ambiguous = ?))",
		enums.LedgerTransactionStatusRequested,
		enums.LedgerTransactionStatusFailed,
		true,
	)
}
