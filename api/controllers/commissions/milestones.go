package commissions

import (
	"net/http"
	"strings"

	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/api/validators"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

type submitMilestoneRequest struct {
	DeliverableRef string  `json:"deliverable_ref" validate:"required,max=1024"`
	Notes          *string `json:"notes,omitempty" validate:"omitempty,max=5000"`
}

type reviewMilestoneRequest struct {
	Decision enums.ReviewDecision `json:"decision" validate:"required"`
	Notes    *string              `json:"notes,omitempty" validate:"omitempty,max=5000"`
}

// SubmitMilestone hands a deliverable to the client for review.
func SubmitMilestone(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		artistID, milestoneID, err := callerAnd(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body submitMilestoneRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.SubmitMilestone(r.Context(), settlement.SubmitMilestoneInput{
			MilestoneID:    milestoneID,
			ArtistID:       artistID,
			DeliverableRef: strings.TrimSpace(body.DeliverableRef),
			Notes:          body.Notes,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// ReviewMilestone approves or sends back a submission. Approval releases the
// milestone amount; a release still waiting on the ledger answers 202.
func ReviewMilestone(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		clientID, milestoneID, err := callerAnd(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body reviewMilestoneRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !body.Decision.IsValid() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "decision must be approve or request_revision"))
			return
		}

		result, err := svc.ReviewMilestone(r.Context(), settlement.ReviewMilestoneInput{
			MilestoneID: milestoneID,
			ClientID:    clientID,
			Decision:    body.Decision,
			Notes:       body.Notes,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, pendingStatus(result.Pending()), result)
	}
}

// RetryRelease re-drives the payment of an approved milestone.
func RetryRelease(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		callerID, milestoneID, err := callerAnd(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := svc.RetryRelease(r.Context(), milestoneID, settlement.Actor{UserID: callerID})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, pendingStatus(outcome.Status == settlement.ReleasePending), outcome)
	}
}
