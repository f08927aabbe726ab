package bids

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/types"
)

// BidDTO exposes a bid in API responses.
type BidDTO struct {
	ID                 uuid.UUID            `json:"id"`
	CommissionID       uuid.UUID            `json:"commission_id"`
	ArtistID           uuid.UUID            `json:"artist_id"`
	Amount             int64                `json:"amount"`
	TimelineDays       int                  `json:"timeline_days"`
	CoverLetter        string               `json:"cover_letter,omitempty"`
	PortfolioSamples   []string             `json:"portfolio_samples,omitempty"`
	MilestoneBreakdown types.MilestonePlans `json:"milestone_breakdown,omitempty"`
	Status             enums.BidStatus      `json:"status"`
	ReviewedAt         *time.Time           `json:"reviewed_at,omitempty"`
	WithdrawnAt        *time.Time           `json:"withdrawn_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// AcceptResult is returned once a bid wins the commission.
type AcceptResult struct {
	Bid            BidDTO                    `json:"bid"`
	Commission     commissions.CommissionDTO `json:"commission"`
	RejectedBidIDs []uuid.UUID               `json:"rejected_bid_ids"`
}

func FromModel(m *models.Bid) *BidDTO {
	if m == nil {
		return nil
	}
	return &BidDTO{
		ID:                 m.ID,
		CommissionID:       m.CommissionID,
		ArtistID:           m.ArtistID,
		Amount:             m.Amount,
		TimelineDays:       m.TimelineDays,
		CoverLetter:        m.CoverLetter,
		PortfolioSamples:   m.PortfolioSamples,
		MilestoneBreakdown: m.MilestoneBreakdown,
		Status:             m.Status,
		ReviewedAt:         m.ReviewedAt,
		WithdrawnAt:        m.WithdrawnAt,
		CreatedAt:          m.CreatedAt,
	}
}
