package controllers

import (
	"net/http"

	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/api/validators"
	"github.com/bring2life/bring2life-backend/internal/reputation"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

const defaultReputationHistory = 20

// UserReputation returns a participant's score and recent movements.
func UserReputation(svc reputation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reputation service unavailable"))
			return
		}
		userID, err := validators.ParseUUIDParam(r, "userId", "user id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "history", defaultReputationHistory, 0, 100)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		score, err := svc.Score(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		history := []reputation.EntryDTO{}
		if limit > 0 {
			history, err = svc.History(r.Context(), userID, limit)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		responses.WriteSuccess(w, map[string]any{
			"score":   score,
			"history": history,
		})
	}
}
