package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/api/validators"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/pagination"
)

// FlagStore is the operator view over parked reconciliation items.
type FlagStore interface {
	ListOpen(ctx context.Context, commissionID *uuid.UUID, limit int) ([]models.ReconciliationFlag, error)
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type reconciliationFlagDTO struct {
	ID           uuid.UUID                   `json:"id"`
	CommissionID uuid.UUID                   `json:"commission_id"`
	SubjectType  enums.ReconciliationSubject `json:"subject_type"`
	SubjectID    uuid.UUID                   `json:"subject_id"`
	Reason       enums.ReconciliationReason  `json:"reason"`
	Details      *string                     `json:"details,omitempty"`
	Attempts     int                         `json:"attempts"`
	CreatedAt    time.Time                   `json:"created_at"`
}

// AdminReconciliationFlags lists items the sweeper gave up on.
func AdminReconciliationFlags(store FlagStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation flags unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		commissionID, err := validators.ParseQueryUUID(r, "commission_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		flags, err := store.ListOpen(r.Context(), commissionID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reconciliation flags"))
			return
		}
		out := make([]reconciliationFlagDTO, 0, len(flags))
		for _, f := range flags {
			out = append(out, reconciliationFlagDTO{
				ID:           f.ID,
				CommissionID: f.CommissionID,
				SubjectType:  f.SubjectType,
				SubjectID:    f.SubjectID,
				Reason:       f.Reason,
				Details:      f.Details,
				Attempts:     f.Attempts,
				CreatedAt:    f.CreatedAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"flags": out})
	}
}

// AdminResolveReconciliationFlag closes a flag once an operator has fixed the
// underlying item by hand.
func AdminResolveReconciliationFlag(store FlagStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation flags unavailable"))
			return
		}
		flagID, err := validators.ParseUUIDParam(r, "flagId", "flag id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resolved, err := store.Resolve(r.Context(), flagID, time.Now().UTC())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve reconciliation flag"))
			return
		}
		if !resolved {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "open flag not found"))
			return
		}
		if logg != nil {
			ctx := logg.WithFields(r.Context(), map[string]any{
				"flag_id":  flagID.String(),
				"admin_id": middleware.UserIDFromContext(r.Context()),
			})
			logg.Info(ctx, "reconciliation flag resolved")
		}
		responses.WriteSuccess(w, map[string]bool{"resolved": true})
	}
}
