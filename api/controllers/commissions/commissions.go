package commissions

import (
	"net/http"
	"strings"
	"time"

	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/api/validators"
	internalcommissions "github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/pagination"
	"github.com/bring2life/bring2life-backend/pkg/types"
)

type createCommissionRequest struct {
	Title           string                   `json:"title" validate:"required,max=200"`
	Description     string                   `json:"description" validate:"max=10000"`
	Category        enums.CommissionCategory `json:"category" validate:"required"`
	TotalBudget     int64                    `json:"total_budget" validate:"gt=0"`
	Deadline        *time.Time               `json:"deadline,omitempty"`
	ReferenceImages []string                 `json:"reference_images,omitempty" validate:"max=20,dive,required"`
	MetadataRef     *string                  `json:"metadata_ref,omitempty"`
}

type scheduleRequest struct {
	Milestones types.MilestonePlans `json:"milestones" validate:"required,min=1,dive"`
}

type disputeRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// Create opens a commission owned by the caller.
func Create(svc internalcommissions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "commissions service unavailable"))
			return
		}
		clientID, err := middleware.CallerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body createCommissionRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		created, err := svc.Create(r.Context(), internalcommissions.CreateCommissionInput{
			ClientID:        clientID,
			Title:           validators.SanitizeString(body.Title, 200),
			Description:     strings.TrimSpace(body.Description),
			Category:        body.Category,
			TotalBudget:     body.TotalBudget,
			Deadline:        body.Deadline,
			ReferenceImages: body.ReferenceImages,
			MetadataRef:     body.MetadataRef,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, created)
	}
}

// List pages through the commissions the caller participates in. role narrows
// to the client or artist side.
func List(svc internalcommissions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "commissions service unavailable"))
			return
		}
		userID, err := middleware.CallerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		query := r.URL.Query()
		role := internalcommissions.Role(strings.ToLower(strings.TrimSpace(query.Get("role"))))

		var status *enums.CommissionStatus
		if raw := strings.TrimSpace(query.Get("status")); raw != "" {
			parsed, err := enums.ParseCommissionStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			status = &parsed
		}

		list, err := svc.ListForUser(r.Context(), userID, role, status, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(query.Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// Detail returns the commission with its milestones and ledger trail.
func Detail(svc internalcommissions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "commissions service unavailable"))
			return
		}
		viewerID, err := middleware.CallerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		commissionID, err := validators.ParseUUIDParam(r, "commissionId", "commission id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		detail, err := svc.Get(r.Context(), viewerID, middleware.IsAdmin(r.Context()), commissionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

// Schedule fixes the milestone breakdown before funding.
func Schedule(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		clientID, commissionID, err := callerAndCommission(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body scheduleRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		milestones, err := svc.CreateSchedule(r.Context(), commissionID, clientID, body.Milestones)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]any{"milestones": milestones})
	}
}

// Fund deposits the full budget into escrow. A deposit the ledger has not
// confirmed yet answers 202 with the pending state.
func Fund(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		clientID, commissionID, err := callerAndCommission(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.FundCommission(r.Context(), commissionID, clientID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, pendingStatus(result.Pending != nil), result)
	}
}

// Cancel refunds whatever is still held and closes the commission.
func Cancel(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		clientID, commissionID, err := callerAndCommission(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CancelCommission(r.Context(), commissionID, clientID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, pendingStatus(result.Pending != nil), result)
	}
}

// Dispute freezes the commission until an administrator resolves it.
func Dispute(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		raiserID, commissionID, err := callerAndCommission(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body disputeRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		commission, err := svc.RaiseDispute(r.Context(), commissionID, raiserID, strings.TrimSpace(body.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, commission)
	}
}
