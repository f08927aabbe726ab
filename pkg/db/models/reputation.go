package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// ReputationEntry is an append-only score movement.
type ReputationEntry struct {
	ID             uuid.UUID                 `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID                 `gorm:"column:user_id;type:uuid;not null"`
	CommissionID   uuid.UUID                 `gorm:"column:commission_id;type:uuid;not null"`
	EventType      enums.ReputationEventType `gorm:"column:event_type;type:reputation_event_type;not null"`
	Delta          int                       `gorm:"column:delta;not null"`
	ResultingScore int                       `gorm:"column:resulting_score;not null"`
	CreatedAt      time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

// ReputationScore is the running total per user.
type ReputationScore struct {
	UserID    uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	Score     int       `gorm:"column:score;not null;default:0"`
	Events    int       `gorm:"column:events;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
