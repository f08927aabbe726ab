package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// Notification is an in-app message for one participant of a commission.
type Notification struct {
	ID           uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID       uuid.UUID              `gorm:"type:uuid;not null"`
	CommissionID *uuid.UUID             `gorm:"type:uuid"`
	EventID      *uuid.UUID             `gorm:"type:uuid"`
	Type         enums.NotificationType `gorm:"type:notification_type;not null"`
	Title        string                 `gorm:"type:text;not null"`
	Message      string                 `gorm:"type:text;not null"`
	Link         *string                `gorm:"type:text"`
	ReadAt       *time.Time             `gorm:"type:timestamptz"`
	CreatedAt    time.Time              `gorm:"type:timestamptz;autoCreateTime"`
}
