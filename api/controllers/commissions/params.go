package commissions

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/api/validators"
)

func callerAndCommission(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	return callerAnd(r, "commissionId", "commission id")
}

func callerAnd(r *http.Request, key, label string) (uuid.UUID, uuid.UUID, error) {
	callerID, err := middleware.CallerID(r.Context())
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := validators.ParseUUIDParam(r, key, label)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return callerID, id, nil
}

// pendingStatus maps a ledger-pending outcome to 202 Accepted.
func pendingStatus(pending bool) int {
	if pending {
		return http.StatusAccepted
	}
	return http.StatusOK
}
