package commissions

import (
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
)

// Role narrows a listing to the caller's side of the commission.
type Role string

const (
	RoleAny    Role = ""
	RoleClient Role = "client"
	RoleArtist Role = "artist"
)

// CommissionDTO is the participant-facing view of a commission.
type CommissionDTO struct {
	ID                uuid.UUID                `json:"id"`
	ClientID          uuid.UUID                `json:"client_id"`
	ArtistID          *uuid.UUID               `json:"artist_id,omitempty"`
	AcceptedBidID     *uuid.UUID               `json:"accepted_bid_id,omitempty"`
	Title             string                   `json:"title"`
	Description       string                   `json:"description"`
	Category          enums.CommissionCategory `json:"category"`
	ReferenceImages   []string                 `json:"reference_images,omitempty"`
	MetadataRef       *string                  `json:"metadata_ref,omitempty"`
	Currency          string                   `json:"currency"`
	Deadline          *time.Time               `json:"deadline,omitempty"`
	TotalBudget       int64                    `json:"total_budget"`
	Status            enums.CommissionStatus   `json:"status"`
	DisputeReason     *string                  `json:"dispute_reason,omitempty"`
	Held              int64                    `json:"held"`
	Released          int64                    `json:"released"`
	Refunded          int64                    `json:"refunded"`
	Outstanding       int64                    `json:"outstanding"`
	CancelRequestedAt *time.Time               `json:"cancel_requested_at,omitempty"`
	CertificateStatus enums.CertificateStatus  `json:"certificate_status"`
	CertificateHandle *string                  `json:"certificate_handle,omitempty"`
	BidCount          int                      `json:"bid_count"`
	FundedAt          *time.Time               `json:"funded_at,omitempty"`
	CompletedAt       *time.Time               `json:"completed_at,omitempty"`
	CancelledAt       *time.Time               `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

type MilestoneDTO struct {
	ID                  uuid.UUID             `json:"id"`
	OrderIndex          int                   `json:"order_index"`
	Title               string                `json:"title"`
	Description         string                `json:"description,omitempty"`
	Amount              int64                 `json:"amount"`
	Status              enums.MilestoneStatus `json:"status"`
	CurrentSubmissionID *uuid.UUID            `json:"current_submission_id,omitempty"`
	SubmittedAt         *time.Time            `json:"submitted_at,omitempty"`
	ApprovedAt          *time.Time            `json:"approved_at,omitempty"`
	PaidAt              *time.Time            `json:"paid_at,omitempty"`
}

type LedgerTransactionDTO struct {
	ID                 uuid.UUID                     `json:"id"`
	MilestoneID        *uuid.UUID                    `json:"milestone_id,omitempty"`
	Kind               enums.LedgerTransactionKind   `json:"kind"`
	Amount             int64                         `json:"amount"`
	Status             enums.LedgerTransactionStatus `json:"status"`
	Ambiguous          bool                          `json:"ambiguous"`
	ConfirmationHandle *string                       `json:"confirmation_handle,omitempty"`
	RequestedAt        time.Time                     `json:"requested_at"`
	ResolvedAt         *time.Time                    `json:"resolved_at,omitempty"`
}

// CommissionDetail bundles a commission with its schedule and money trail.
type CommissionDetail struct {
	CommissionDTO
	Milestones   []MilestoneDTO         `json:"milestones"`
	Transactions []LedgerTransactionDTO `json:"transactions"`
}

// CommissionList is one page of commissions.
type CommissionList struct {
	Commissions []CommissionDTO `json:"commissions"`
	NextCursor  string          `json:"next_cursor,omitempty"`
}

// CreateCommissionInput carries the client's request.
type CreateCommissionInput struct {
	ClientID        uuid.UUID
	Title           string
	Description     string
	Category        enums.CommissionCategory
	TotalBudget     int64
	Deadline        *time.Time
	ReferenceImages []string
	MetadataRef     *string
}

// FromModel maps the persisted commission into a DTO.
func FromModel(m *models.Commission) *CommissionDTO {
	if m == nil {
		return nil
	}
	return &CommissionDTO{
		ID:                m.ID,
		ClientID:          m.ClientID,
		ArtistID:          m.ArtistID,
		AcceptedBidID:     m.AcceptedBidID,
		Title:             m.Title,
		Description:       m.Description,
		Category:          m.Category,
		ReferenceImages:   m.ReferenceImages,
		MetadataRef:       m.MetadataRef,
		Currency:          m.Currency,
		Deadline:          m.Deadline,
		TotalBudget:       m.TotalBudget,
		Status:            m.Status,
		DisputeReason:     m.DisputeReason,
		Held:              m.Held,
		Released:          m.Released,
		Refunded:          m.Refunded,
		Outstanding:       m.Outstanding(),
		CancelRequestedAt: m.CancelRequestedAt,
		CertificateStatus: m.CertificateStatus,
		CertificateHandle: m.CertificateHandle,
		BidCount:          m.BidCount,
		FundedAt:          m.FundedAt,
		CompletedAt:       m.CompletedAt,
		CancelledAt:       m.CancelledAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func MilestoneFromModel(m models.Milestone) MilestoneDTO {
	return MilestoneDTO{
		ID:                  m.ID,
		OrderIndex:          m.OrderIndex,
		Title:               m.Title,
		Description:         m.Description,
		Amount:              m.Amount,
		Status:              m.Status,
		CurrentSubmissionID: m.CurrentSubmissionID,
		SubmittedAt:         m.SubmittedAt,
		ApprovedAt:          m.ApprovedAt,
		PaidAt:              m.PaidAt,
	}
}

func TransactionFromModel(t models.LedgerTransaction) LedgerTransactionDTO {
	return LedgerTransactionDTO{
		ID:                 t.ID,
		MilestoneID:        t.MilestoneID,
		Kind:               t.Kind,
		Amount:             t.Amount,
		Status:             t.Status,
		Ambiguous:          t.Ambiguous,
		ConfirmationHandle: t.ConfirmationHandle,
		RequestedAt:        t.RequestedAt,
		ResolvedAt:         t.ResolvedAt,
	}
}
