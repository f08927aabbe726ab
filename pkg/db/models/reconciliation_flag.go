package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// ReconciliationFlag parks an item the sweeper will no longer retry.
type ReconciliationFlag struct {
	ID           uuid.UUID                   `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommissionID uuid.UUID                   `gorm:"column:commission_id;type:uuid;not null"`
	SubjectType  enums.ReconciliationSubject `gorm:"column:subject_type;type:reconciliation_subject;not null"`
	SubjectID    uuid.UUID                   `gorm:"column:subject_id;type:uuid;not null"`
	Reason       enums.ReconciliationReason  `gorm:"column:reason;not null"`
	Details      *string                     `gorm:"column:details"`
	Attempts     int                         `gorm:"column:attempts;not null;default:0"`
	ResolvedAt   *time.Time                  `gorm:"column:resolved_at"`
	CreatedAt    time.Time                   `gorm:"column:created_at;autoCreateTime"`
}
