package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// Milestone is one ordered payment tranche of a commission.
type Milestone struct {
	ID                  uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommissionID        uuid.UUID             `gorm:"column:commission_id;type:uuid;not null"`
	OrderIndex          int                   `gorm:"column:order_index;not null"`
	Title               string                `gorm:"column:title;not null"`
	Description         string                `gorm:"column:description;not null;default:''"`
	Amount              int64                 `gorm:"column:amount;not null"`
	Status              enums.MilestoneStatus `gorm:"column:status;type:milestone_status;not null;default:'pending'"`
	CurrentSubmissionID *uuid.UUID            `gorm:"column:current_submission_id;type:uuid"`
	SubmittedAt         *time.Time            `gorm:"column:submitted_at"`
	ApprovedAt          *time.Time            `gorm:"column:approved_at"`
	PaidAt              *time.Time            `gorm:"column:paid_at"`
	CancelledAt         *time.Time            `gorm:"column:cancelled_at"`
	CreatedAt           time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// MilestoneSubmission records one delivery attempt for a milestone.
type MilestoneSubmission struct {
	ID                uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MilestoneID       uuid.UUID  `gorm:"column:milestone_id;type:uuid;not null"`
	CommissionID      uuid.UUID  `gorm:"column:commission_id;type:uuid;not null"`
	ArtistID          uuid.UUID  `gorm:"column:artist_id;type:uuid;not null"`
	DeliverableRef    string     `gorm:"column:deliverable_ref;not null"`
	Notes             *string    `gorm:"column:notes"`
	RevisionRequested bool       `gorm:"column:revision_requested;not null;default:false"`
	ReviewNotes       *string    `gorm:"column:review_notes"`
	ReviewedAt        *time.Time `gorm:"column:reviewed_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
}
