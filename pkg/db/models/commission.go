package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// Commission is the client's request for an artwork and the local projection of
// the funds held for it. Amounts are minor units of Currency.
type Commission struct {
	ID                       uuid.UUID                 `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID                 uuid.UUID                 `gorm:"column:client_id;type:uuid;not null"`
	ArtistID                 *uuid.UUID                `gorm:"column:artist_id;type:uuid"`
	AcceptedBidID            *uuid.UUID                `gorm:"column:accepted_bid_id;type:uuid"`
	Title                    string                    `gorm:"column:title;not null"`
	Description              string                    `gorm:"column:description;not null"`
	Category                 enums.CommissionCategory  `gorm:"column:category;type:commission_category;not null"`
	ReferenceImages          []string                  `gorm:"column:reference_images;type:jsonb;serializer:json"`
	MetadataRef              *string                   `gorm:"column:metadata_ref"`
	Currency                 string                    `gorm:"column:currency;not null"`
	Deadline                 *time.Time                `gorm:"column:deadline"`
	TotalBudget              int64                     `gorm:"column:total_budget;not null"`
	Status                   enums.CommissionStatus    `gorm:"column:status;type:commission_status;not null;default:'open'"`
	DisputedFrom             *enums.CommissionStatus   `gorm:"column:disputed_from;type:commission_status"`
	DisputeReason            *string                   `gorm:"column:dispute_reason"`
	DisputeRaisedBy          *uuid.UUID                `gorm:"column:dispute_raised_by;type:uuid"`
	CustodyHandle            *string                   `gorm:"column:custody_handle"`
	Held                     int64                     `gorm:"column:held;not null;default:0"`
	Released                 int64                     `gorm:"column:released;not null;default:0"`
	Refunded                 int64                     `gorm:"column:refunded;not null;default:0"`
	CancelRequestedAt        *time.Time                `gorm:"column:cancel_requested_at"`
	CompletionFinalized      bool                      `gorm:"column:completion_finalized;not null;default:false"`
	CertificateStatus        enums.CertificateStatus   `gorm:"column:certificate_status;type:certificate_status;not null;default:'none'"`
	CertificateHandle        *string                   `gorm:"column:certificate_handle"`
	CertificateMetadataRef   *string                   `gorm:"column:certificate_metadata_ref"`
	CertificateAttempts      int                       `gorm:"column:certificate_attempts;not null;default:0"`
	CertificateNextAttemptAt *time.Time                `gorm:"column:certificate_next_attempt_at"`
	CertificateLastError     *string                   `gorm:"column:certificate_last_error"`
	BidCount                 int                       `gorm:"column:bid_count;not null;default:0"`
	FundedAt                 *time.Time                `gorm:"column:funded_at"`
	CompletedAt              *time.Time                `gorm:"column:completed_at"`
	CancelledAt              *time.Time                `gorm:"column:cancelled_at"`
	Milestones               []Milestone               `gorm:"foreignKey:CommissionID;constraint:OnDelete:CASCADE"`
	CreatedAt                time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}

// Outstanding is what custody still holds on the commission's behalf.
func (c *Commission) Outstanding() int64 {
	return c.Held - c.Released - c.Refunded
}

func (c *Commission) IsClient(userID uuid.UUID) bool {
	return c != nil && userID != uuid.Nil && c.ClientID == userID
}

func (c *Commission) IsArtist(userID uuid.UUID) bool {
	return c != nil && c.ArtistID != nil && userID != uuid.Nil && *c.ArtistID == userID
}
