package controllers

import (
	"net/http"
	"strings"

	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/api/validators"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

type resolveDisputeRequest struct {
	Outcome enums.DisputeOutcome `json:"outcome" validate:"required"`
	Notes   string               `json:"notes" validate:"max=5000"`
}

// AdminResolveDispute settles a disputed commission for the artist (approve)
// or the client (refund). Releases or refunds still waiting on the ledger
// answer 202.
func AdminResolveDispute(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		commissionID, err := validators.ParseUUIDParam(r, "commissionId", "commission id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body resolveDisputeRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !body.Outcome.IsValid() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "outcome must be approve or refund"))
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"commission_id": commissionID.String(),
				"admin_id":      middleware.UserIDFromContext(ctx),
				"outcome":       body.Outcome.String(),
			})
			logg.Info(ctx, "admin resolving dispute")
		}

		result, err := svc.ResolveDispute(ctx, settlement.ResolveDisputeInput{
			CommissionID: commissionID,
			Outcome:      body.Outcome,
			Notes:        strings.TrimSpace(body.Notes),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		status := http.StatusOK
		if result.Pending != nil {
			status = http.StatusAccepted
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}
