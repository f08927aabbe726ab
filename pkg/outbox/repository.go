package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
)

// maxStoredError bounds last_error and error_message columns.
const maxStoredError = 1024

var errNoTx = errors.New("outbox: transaction required")

// Repository owns outbox_events and outbox_dlq. Writes take the caller's
// transaction so an event commits or rolls back with the state change that
// produced it.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errNoTx
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return tx.Create(&event).Error
}

// ClaimBatch locks up to limit unpublished rows that still have attempts
// left, oldest first. SKIP LOCKED lets several publishers drain the table
// without handing out the same row twice.
func (r *Repository) ClaimBatch(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errNoTx
	}
	var rows []models.OutboxEvent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("published_at IS NULL").
		Where("attempt_count < ?", maxAttempts).
		Order("created_at, id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublished(tx *gorm.DB, id uuid.UUID, at time.Time) error {
	return tx.Model(&models.OutboxEvent{}).Where("id = ?", id).Update("published_at", at).Error
}

// RecordFailure bumps the attempt counter and keeps the latest cause.
func (r *Repository) RecordFailure(tx *gorm.DB, id uuid.UUID, cause error) error {
	return tx.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"last_error":    clip(cause.Error()),
	}).Error
}

// DeadLetter copies the row into outbox_dlq and parks it at parkAt attempts
// so ClaimBatch never returns it again.
func (r *Repository) DeadLetter(tx *gorm.DB, entry models.OutboxDLQ, parkAt int) error {
	if tx == nil {
		return errNoTx
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	updates := map[string]any{"attempt_count": parkAt}
	if entry.ErrorMessage != nil {
		msg := clip(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
		updates["last_error"] = msg
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}
	return tx.Model(&models.OutboxEvent{}).Where("id = ?", entry.EventID).Updates(updates).Error
}

// PurgeBefore deletes rows older than cutoff that were published or parked
// at minAttempts; parked rows survive in outbox_dlq.
func (r *Repository) PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttempts int) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Where("(published_at IS NOT NULL OR attempt_count >= ?)", minAttempts).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

func clip(msg string) string {
	if len(msg) > maxStoredError {
		return msg[:maxStoredError]
	}
	return msg
}
