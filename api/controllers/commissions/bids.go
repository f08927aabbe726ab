package commissions

import (
	"net/http"
	"strings"

	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/api/validators"
	"github.com/bring2life/bring2life-backend/internal/bids"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/types"
)

type submitBidRequest struct {
	Amount             int64                `json:"amount" validate:"gt=0"`
	TimelineDays       int                  `json:"timeline_days" validate:"gt=0,max=3650"`
	CoverLetter        string               `json:"cover_letter" validate:"max=5000"`
	PortfolioSamples   []string             `json:"portfolio_samples,omitempty" validate:"max=20,dive,required"`
	MilestoneBreakdown types.MilestonePlans `json:"milestone_breakdown,omitempty" validate:"dive"`
}

// SubmitBid records the calling artist's offer on an open commission.
func SubmitBid(svc bids.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "bids service unavailable"))
			return
		}
		artistID, commissionID, err := callerAndCommission(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body submitBidRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bid, err := svc.SubmitBid(r.Context(), bids.SubmitBidInput{
			CommissionID:       commissionID,
			ArtistID:           artistID,
			Amount:             body.Amount,
			TimelineDays:       body.TimelineDays,
			CoverLetter:        strings.TrimSpace(body.CoverLetter),
			PortfolioSamples:   body.PortfolioSamples,
			MilestoneBreakdown: body.MilestoneBreakdown,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, bid)
	}
}

// ListBids shows the client every bid and an artist only their own.
func ListBids(svc bids.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "bids service unavailable"))
			return
		}
		callerID, commissionID, err := callerAndCommission(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.ListForCommission(r.Context(), commissionID, callerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"bids": list})
	}
}

func AcceptBid(svc bids.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "bids service unavailable"))
			return
		}
		clientID, bidID, err := callerAnd(r, "bidId", "bid id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.AcceptBid(r.Context(), bidID, clientID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func WithdrawBid(svc bids.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "bids service unavailable"))
			return
		}
		artistID, bidID, err := callerAnd(r, "bidId", "bid id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bid, err := svc.WithdrawBid(r.Context(), bidID, artistID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, bid)
	}
}
