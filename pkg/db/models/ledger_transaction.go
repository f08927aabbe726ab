package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// LedgerTransaction is the local record of one idempotent custody operation.
// A row owns exactly one idempotency token; re-sending after an ambiguous
// outcome reuses the row and its token.
type LedgerTransaction struct {
	ID                 uuid.UUID                     `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommissionID       uuid.UUID                     `gorm:"column:commission_id;type:uuid;not null"`
	MilestoneID        *uuid.UUID                    `gorm:"column:milestone_id;type:uuid"`
	Kind               enums.LedgerTransactionKind   `gorm:"column:kind;type:ledger_transaction_kind;not null"`
	Amount             int64                         `gorm:"column:amount;not null"`
	IdempotencyToken   string                        `gorm:"column:idempotency_token;not null"`
	Attempt            int                           `gorm:"column:attempt;not null;default:0"`
	ConfirmationHandle *string                       `gorm:"column:confirmation_handle"`
	Status             enums.LedgerTransactionStatus `gorm:"column:status;type:ledger_transaction_status;not null;default:'requested'"`
	Ambiguous          bool                          `gorm:"column:ambiguous;not null;default:false"`
	LastError          *string                       `gorm:"column:last_error"`
	SendCount          int                           `gorm:"column:send_count;not null;default:1"`
	RetryCount         int                           `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt      *time.Time                    `gorm:"column:next_attempt_at"`
	NeedsAttention     bool                          `gorm:"column:needs_attention;not null;default:false"`
	RequestedAt        time.Time                     `gorm:"column:requested_at;not null"`
	ResolvedAt         *time.Time                    `gorm:"column:resolved_at"`
	CreatedAt          time.Time                     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time                     `gorm:"column:updated_at;autoUpdateTime"`
}

// Unresolved reports whether the ledger-side outcome is still unknown.
func (t *LedgerTransaction) Unresolved() bool {
	if t == nil {
		return false
	}
	return t.Status == enums.LedgerTransactionStatusRequested ||
		(t.Status == enums.LedgerTransactionStatusFailed && t.Ambiguous)
}
