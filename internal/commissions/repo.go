package commissions

import (
	"context"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists commissions and the money projection they carry. Every
// state change is a compare-and-swap so concurrent writers cannot both win.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, commission *models.Commission) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Commission, error)
	List(ctx context.Context, params ListParams) ([]models.Commission, *pagination.Cursor, error)
	Transition(ctx context.Context, id uuid.UUID, from []enums.CommissionStatus, updates map[string]any) (bool, error)
	IncrementBidCount(ctx context.Context, id uuid.UUID) error
	ApplyDeposit(ctx context.Context, id uuid.UUID, amount int64, custodyHandle string) (bool, error)
	AddReleased(ctx context.Context, id uuid.UUID, amount int64) (bool, error)
	AddRefunded(ctx context.Context, id uuid.UUID, amount int64) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID, from []enums.CommissionStatus, at time.Time) (bool, error)
	ClaimFinalization(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (bool, error)
	LeaseCertificate(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error)
	UpdateCertificate(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListCancelRequested(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Commission, error)
	ListCertificatesDue(ctx context.Context, q CertificateQuery) ([]models.Commission, error)
	ListCustodied(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Commission, error)
	ListUnfinalized(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Commission, error)
}

// ListParams scopes a listing to one participant.
type ListParams struct {
	UserID uuid.UUID
	Role   Role
	Status *enums.CommissionStatus
	Limit  int
	Cursor *pagination.Cursor
}

// CertificateQuery selects pending certificates whose backoff elapsed and that
// are still under the attempt ceiling.
type CertificateQuery struct {
	Now         time.Time
	MaxAttempts int
	AfterID     uuid.UUID
	Limit       int
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

func (r *repository) Create(ctx context.Context, commission *models.Commission) error {
	if commission.ID == uuid.Nil {
		commission.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Omit("Milestones").Create(commission).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Commission, error) {
	var commission models.Commission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&commission).Error; err != nil {
		return nil, err
	}
	return &commission, nil
}

func (r *repository) List(ctx context.Context, params ListParams) ([]models.Commission, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.Commission{})
	switch params.Role {
	case RoleArtist:
		query = query.Where("artist_id = ?", params.UserID)
	case RoleClient:
		query = query.Where("client_id = ?", params.UserID)
	default:
		query = query.Where("(client_id = ? OR artist_id = ?)", params.UserID, params.UserID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var rows []models.Commission
	if err := query.Scopes(pagination.Keyset(params.Cursor, params.Limit)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, params.Limit, func(c models.Commission) pagination.Cursor {
		return pagination.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
	})
	return page, next, nil
}

func (r *repository) Transition(ctx context.Context, id uuid.UUID, from []enums.CommissionStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) IncrementBidCount(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ?", id).
		UpdateColumn("bid_count", gorm.Expr("bid_count + 1")).Error
}

// ApplyDeposit adds a confirmed deposit to Held. It refuses to exceed the budget.
func (r *repository) ApplyDeposit(ctx context.Context, id uuid.UUID, amount int64, custodyHandle string) (bool, error) {
	updates := map[string]any{"held": gorm.Expr("held + ?", amount)}
	if custodyHandle != "" {
		updates["custody_handle"] = custodyHandle
	}
	res := r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ? AND held + ? <= total_budget", id, amount).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AddReleased grows Released only while released + refunded stays within Held.
func (r *repository) AddReleased(ctx context.Context, id uuid.UUID, amount int64) (bool, error) {
	return r.addOutflow(ctx, id, "released", amount)
}

func (r *repository) AddRefunded(ctx context.Context, id uuid.UUID, amount int64) (bool, error) {
	return r.addOutflow(ctx, id, "refunded", amount)
}

func (r *repository) addOutflow(ctx context.Context, id uuid.UUID, column string, amount int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ? AND released + refunded + ? <= held", id, amount).
		Update(column, gorm.Expr(column+" + ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) RequestCancel(ctx context.Context, id uuid.UUID, from []enums.CommissionStatus, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ? AND status IN ? AND cancel_requested_at IS NULL", id, from).
		Update("cancel_requested_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimFinalization flips completion_finalized exactly once and leases the
// first mint attempt to the caller until leaseUntil.
func (r *repository) ClaimFinalization(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ? AND status = ? AND completion_finalized = ?", id, enums.CommissionStatusCompleted, false).
		Updates(map[string]any{
			"completion_finalized":        true,
			"certificate_status":          enums.CertificateStatusPending,
			"certificate_next_attempt_at": leaseUntil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// LeaseCertificate hands the next mint attempt to one caller.
func (r *repository) LeaseCertificate(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ? AND certificate_status = ?", id, enums.CertificateStatusPending).
		Where("(certificate_next_attempt_at IS NULL OR certificate_next_attempt_at <= ?)", now).
		Update("certificate_next_attempt_at", leaseUntil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateCertificate(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Commission{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) ListCancelRequested(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Commission, error) {
	query := r.db.WithContext(ctx).
		Where("cancel_requested_at IS NOT NULL").
		Where("status NOT IN ?", []enums.CommissionStatus{enums.CommissionStatusCancelled, enums.CommissionStatusCompleted})
	return r.page(query, afterID, limit)
}

func (r *repository) ListCertificatesDue(ctx context.Context, q CertificateQuery) ([]models.Commission, error) {
	query := r.db.WithContext(ctx).
		Where("certificate_status = ?", enums.CertificateStatusPending).
		Where("(certificate_next_attempt_at IS NULL OR certificate_next_attempt_at <= ?)", q.Now)
	if q.MaxAttempts > 0 {
		query = query.Where("certificate_attempts < ?", q.MaxAttempts)
	}
	return r.page(query, q.AfterID, q.Limit)
}

func (r *repository) ListCustodied(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Commission, error) {
	query := r.db.WithContext(ctx).Where("custody_handle IS NOT NULL")
	return r.page(query, afterID, limit)
}

// ListUnfinalized finds completed commissions whose finalization never ran.
func (r *repository) ListUnfinalized(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Commission, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND completion_finalized = ?", enums.CommissionStatusCompleted, false)
	return r.page(query, afterID, limit)
}

func (r *repository) page(query *gorm.DB, afterID uuid.UUID, limit int) ([]models.Commission, error) {
	if limit <= 0 {
		limit = 100
	}
	if afterID != uuid.Nil {
		query = query.Where("id > ?", afterID)
	}
	var rows []models.Commission
	if err := query.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
