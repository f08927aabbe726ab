package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/types"
)

// Bid is an artist's offer on an open commission.
type Bid struct {
	ID                 uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommissionID       uuid.UUID            `gorm:"column:commission_id;type:uuid;not null"`
	ArtistID           uuid.UUID            `gorm:"column:artist_id;type:uuid;not null"`
	Amount             int64                `gorm:"column:amount;not null"`
	TimelineDays       int                  `gorm:"column:timeline_days;not null"`
	CoverLetter        string               `gorm:"column:cover_letter;not null;default:''"`
	PortfolioSamples   []string             `gorm:"column:portfolio_samples;type:jsonb;serializer:json"`
	MilestoneBreakdown types.MilestonePlans `gorm:"column:milestone_breakdown;type:jsonb;serializer:json"`
	Status             enums.BidStatus      `gorm:"column:status;type:bid_status;not null;default:'pending'"`
	ReviewedAt         *time.Time           `gorm:"column:reviewed_at"`
	WithdrawnAt        *time.Time           `gorm:"column:withdrawn_at"`
	CreatedAt          time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
