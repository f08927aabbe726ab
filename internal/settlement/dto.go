package settlement

import (
	"strings"
	"time"

	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/types"
	"github.com/google/uuid"
)

// Actor identifies who drives an operation. System is the sweeper.
type Actor struct {
	UserID uuid.UUID
	System bool
}

var SystemActor = Actor{System: true}

type SubmitMilestoneInput struct {
	MilestoneID    uuid.UUID
	ArtistID       uuid.UUID
	DeliverableRef string
	Notes          *string
}

type ReviewMilestoneInput struct {
	MilestoneID uuid.UUID
	ClientID    uuid.UUID
	Decision    enums.ReviewDecision
	Notes       *string
}

type ResolveDisputeInput struct {
	CommissionID uuid.UUID
	Outcome      enums.DisputeOutcome
	Notes        string
}

// ReleaseStatus is the caller-facing outcome of one release attempt.
type ReleaseStatus string

const (
	ReleasePaid            ReleaseStatus = "paid"
	ReleasePending         ReleaseStatus = "pending"
	ReleaseAlreadyReleased ReleaseStatus = "already_released"
	// ReleaseHeld means the milestone stays approved but was not paid; the
	// sweeper retries once whatever blocked it clears.
	ReleaseHeld ReleaseStatus = "held"
)

// ReleaseHold says why an approved milestone was not paid.
type ReleaseHold struct {
	Code    pkgerrors.Code `json:"code"`
	Message string         `json:"message"`
}

// PendingLedger tells the caller the ledger has not confirmed yet; the
// sweeper follows up.
type PendingLedger struct {
	Code          pkgerrors.Code `json:"code"`
	Message       string         `json:"message"`
	TransactionID *uuid.UUID     `json:"transaction_id,omitempty"`
}

type ReleaseOutcome struct {
	MilestoneID uuid.UUID                          `json:"milestone_id"`
	Status      ReleaseStatus                      `json:"status"`
	Transaction *commissions.LedgerTransactionDTO `json:"transaction,omitempty"`
	Pending     *PendingLedger                     `json:"pending,omitempty"`
	Hold        *ReleaseHold                       `json:"hold,omitempty"`
}

type SubmissionDTO struct {
	ID             uuid.UUID  `json:"id"`
	MilestoneID    uuid.UUID  `json:"milestone_id"`
	CommissionID   uuid.UUID  `json:"commission_id"`
	ArtistID       uuid.UUID  `json:"artist_id"`
	DeliverableRef string     `json:"deliverable_ref"`
	Notes          *string    `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
}

type SubmitResult struct {
	Submission SubmissionDTO            `json:"submission"`
	Milestone  commissions.MilestoneDTO `json:"milestone"`
}

type ReviewResult struct {
	Milestone  commissions.MilestoneDTO  `json:"milestone"`
	Commission commissions.CommissionDTO `json:"commission"`
	Release    *ReleaseOutcome           `json:"release,omitempty"`
}

// Pending reports whether the review approved a milestone whose payment is
// still waiting on the ledger.
func (r *ReviewResult) Pending() bool {
	return r != nil && r.Release != nil && r.Release.Status == ReleasePending
}

type FundResult struct {
	Commission  commissions.CommissionDTO          `json:"commission"`
	Transaction *commissions.LedgerTransactionDTO `json:"transaction,omitempty"`
	Pending     *PendingLedger                     `json:"pending,omitempty"`
}

type CommissionResult struct {
	Commission commissions.CommissionDTO `json:"commission"`
	Pending    *PendingLedger            `json:"pending,omitempty"`
}

type ResolveResult struct {
	Commission commissions.CommissionDTO `json:"commission"`
	Releases   []ReleaseOutcome          `json:"releases,omitempty"`
	Pending    *PendingLedger            `json:"pending,omitempty"`
}

func submissionFromModel(s *models.MilestoneSubmission) SubmissionDTO {
	return SubmissionDTO{
		ID:             s.ID,
		MilestoneID:    s.MilestoneID,
		CommissionID:   s.CommissionID,
		ArtistID:       s.ArtistID,
		DeliverableRef: s.DeliverableRef,
		Notes:          s.Notes,
		CreatedAt:      s.CreatedAt,
		ReviewedAt:     s.ReviewedAt,
	}
}

func transactionDTO(row *models.LedgerTransaction) *commissions.LedgerTransactionDTO {
	if row == nil {
		return nil
	}
	dto := commissions.TransactionFromModel(*row)
	return &dto
}

// validatePlans checks a proposed schedule against the fixed budget.
func validatePlans(plans types.MilestonePlans, budget int64) error {
	if len(plans) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "schedule needs at least one milestone")
	}
	for i, plan := range plans {
		if strings.TrimSpace(plan.Title) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "milestone title is required").
				WithDetails(map[string]any{"index": i})
		}
		if plan.Amount <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "milestone amount must be positive").
				WithDetails(map[string]any{"index": i})
		}
	}
	if total := plans.Total(); total != budget {
		return pkgerrors.New(pkgerrors.CodeValidation, "milestone amounts must sum to the commission budget").
			WithDetails(map[string]any{"total": total, "budget": budget})
	}
	return nil
}
