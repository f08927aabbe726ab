package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// BidAcceptedEvent is emitted when a client picks an artist.
type BidAcceptedEvent struct {
	CommissionID    uuid.UUID   `json:"commission_id"`
	BidID           uuid.UUID   `json:"bid_id"`
	ClientID        uuid.UUID   `json:"client_id"`
	ArtistID        uuid.UUID   `json:"artist_id"`
	Amount          int64       `json:"amount"`
	RejectedBidIDs  []uuid.UUID `json:"rejected_bid_ids,omitempty"`
	TotalBudget     int64       `json:"total_budget"`
	FundingRequired bool        `json:"funding_required"`
}

// CommissionFundedEvent follows a confirmed deposit.
type CommissionFundedEvent struct {
	CommissionID  uuid.UUID `json:"commission_id"`
	ClientID      uuid.UUID `json:"client_id"`
	ArtistID      uuid.UUID `json:"artist_id"`
	Amount        int64     `json:"amount"`
	CustodyHandle string    `json:"custody_handle"`
	Confirmation  string    `json:"confirmation"`
}

// MilestoneEvent covers submitted, approved and paid transitions.
type MilestoneEvent struct {
	CommissionID uuid.UUID             `json:"commission_id"`
	MilestoneID  uuid.UUID             `json:"milestone_id"`
	ClientID     uuid.UUID             `json:"client_id"`
	ArtistID     uuid.UUID             `json:"artist_id"`
	OrderIndex   int                   `json:"order_index"`
	Amount       int64                 `json:"amount"`
	Status       enums.MilestoneStatus `json:"status"`
	PlatformFee  int64                 `json:"platform_fee,omitempty"`
	Confirmation string                `json:"confirmation,omitempty"`
}

// CommissionStatusEvent covers completion, cancellation and disputes.
type CommissionStatusEvent struct {
	CommissionID uuid.UUID              `json:"commission_id"`
	ClientID     uuid.UUID              `json:"client_id"`
	ArtistID     *uuid.UUID             `json:"artist_id,omitempty"`
	Status       enums.CommissionStatus `json:"status"`
	Released     int64                  `json:"released"`
	Refunded     int64                  `json:"refunded"`
	Reason       string                 `json:"reason,omitempty"`
	At           time.Time              `json:"at"`
}

// DisputeResolvedEvent records the external resolution decision.
type DisputeResolvedEvent struct {
	CommissionID uuid.UUID              `json:"commission_id"`
	ClientID     uuid.UUID              `json:"client_id"`
	ArtistID     uuid.UUID              `json:"artist_id"`
	Outcome      enums.DisputeOutcome   `json:"outcome"`
	Status       enums.CommissionStatus `json:"status"`
}

// CertificateIssuedEvent follows a successful mint.
type CertificateIssuedEvent struct {
	CommissionID      uuid.UUID `json:"commission_id"`
	ClientID          uuid.UUID `json:"client_id"`
	ArtistID          uuid.UUID `json:"artist_id"`
	CertificateHandle string    `json:"certificate_handle"`
	MetadataRef       string    `json:"metadata_ref"`
}

// ReconciliationFlaggedEvent asks an operator to look at a stuck or drifting item.
type ReconciliationFlaggedEvent struct {
	FlagID       uuid.UUID                   `json:"flag_id"`
	CommissionID uuid.UUID                   `json:"commission_id"`
	SubjectType  enums.ReconciliationSubject `json:"subject_type"`
	SubjectID    uuid.UUID                   `json:"subject_id"`
	Reason       enums.ReconciliationReason  `json:"reason"`
	Details      string                      `json:"details,omitempty"`
}
