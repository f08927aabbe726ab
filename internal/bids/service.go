package bids

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bring2life/bring2life-backend/internal/commissions"
	dbpkg "github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
	"github.com/bring2life/bring2life-backend/pkg/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type reputationTracker interface {
	Track(ctx context.Context, userID, commissionID uuid.UUID, eventType enums.ReputationEventType)
}

// Service is the bid board: artists offer, the client accepts exactly one.
type Service interface {
	SubmitBid(ctx context.Context, input SubmitBidInput) (*BidDTO, error)
	AcceptBid(ctx context.Context, bidID, clientID uuid.UUID) (*AcceptResult, error)
	WithdrawBid(ctx context.Context, bidID, artistID uuid.UUID) (*BidDTO, error)
	ListForCommission(ctx context.Context, commissionID, callerID uuid.UUID) ([]BidDTO, error)
}

// ServiceParams groups the bid service dependencies.
type ServiceParams struct {
	DB          txRunner
	Bids        Repository
	Commissions commissions.Repository
	Outbox      outboxEmitter
	Reputation  reputationTracker
	Logger      *logger.Logger
	Clock       func() time.Time
}

type service struct {
	db          txRunner
	bids        Repository
	commissions commissions.Repository
	outbox      outboxEmitter
	reputation  reputationTracker
	logg        *logger.Logger
	now         func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Bids == nil {
		return nil, fmt.Errorf("bids repository required")
	}
	if params.Commissions == nil {
		return nil, fmt.Errorf("commissions repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Reputation == nil {
		return nil, fmt.Errorf("reputation tracker required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:          params.DB,
		bids:        params.Bids,
		commissions: params.Commissions,
		outbox:      params.Outbox,
		reputation:  params.Reputation,
		logg:        params.Logger,
		now:         clock,
	}, nil
}

func (s *service) SubmitBid(ctx context.Context, input SubmitBidInput) (*BidDTO, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	bid := &models.Bid{
		ID:                 uuid.New(),
		CommissionID:       input.CommissionID,
		ArtistID:           input.ArtistID,
		Amount:             input.Amount,
		TimelineDays:       input.TimelineDays,
		CoverLetter:        strings.TrimSpace(input.CoverLetter),
		PortfolioSamples:   input.PortfolioSamples,
		MilestoneBreakdown: input.MilestoneBreakdown,
		Status:             enums.BidStatusPending,
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		commissionRepo := s.commissions.WithTx(tx)
		bidRepo := s.bids.WithTx(tx)

		commission, err := loadCommission(ctx, commissionRepo, input.CommissionID)
		if err != nil {
			return err
		}
		if commission.ClientID == input.ArtistID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "clients cannot bid on their own commission")
		}
		if commission.Status != enums.CommissionStatusOpen {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not accepting bids").
				WithDetails(map[string]any{"status": commission.Status})
		}

		open, err := bidRepo.HasOpenBid(ctx, input.CommissionID, input.ArtistID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check existing bids")
		}
		if open {
			return pkgerrors.New(pkgerrors.CodeDuplicateBid, "artist already has an open bid on this commission")
		}

		if err := bidRepo.Create(ctx, bid); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_bids_open_per_artist") {
				return pkgerrors.New(pkgerrors.CodeDuplicateBid, "artist already has an open bid on this commission")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create bid")
		}
		if err := commissionRepo.IncrementBidCount(ctx, input.CommissionID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update bid count")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx, input.CommissionID, "bid submitted")
	return FromModel(bid), nil
}

func (s *service) AcceptBid(ctx context.Context, bidID, clientID uuid.UUID) (*AcceptResult, error) {
	if bidID == uuid.Nil || clientID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bid id and client id are required")
	}

	var (
		accepted   *models.Bid
		commission *models.Commission
		rejected   []uuid.UUID
	)
	now := s.now()

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		bidRepo := s.bids.WithTx(tx)
		commissionRepo := s.commissions.WithTx(tx)

		bid, err := loadBid(ctx, bidRepo, bidID)
		if err != nil {
			return err
		}
		c, err := loadCommission(ctx, commissionRepo, bid.CommissionID)
		if err != nil {
			return err
		}
		if !c.IsClient(clientID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the commission's client may accept bids")
		}
		if c.Status != enums.CommissionStatusOpen {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not open").
				WithDetails(map[string]any{"status": c.Status})
		}
		if bid.Status != enums.BidStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "bid is not pending").
				WithDetails(map[string]any{"status": bid.Status})
		}

		ok, err := bidRepo.Transition(ctx, bid.ID, []enums.BidStatus{enums.BidStatusPending}, map[string]any{
			"status":      enums.BidStatusAccepted,
			"reviewed_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "accept bid")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "bid changed concurrently")
		}

		rejected, err = bidRepo.RejectPending(ctx, c.ID, &bid.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reject sibling bids")
		}

		ok, err = commissionRepo.Transition(ctx, c.ID, []enums.CommissionStatus{enums.CommissionStatusOpen}, map[string]any{
			"status":          enums.CommissionStatusPendingFunding,
			"artist_id":       bid.ArtistID,
			"accepted_bid_id": bid.ID,
			"total_budget":    bid.Amount,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "assign artist")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission changed concurrently")
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventBidAccepted,
			AggregateType: enums.AggregateCommission,
			AggregateID:   c.ID,
			Actor:         &outbox.ActorRef{UserID: clientID, Role: "client"},
			OccurredAt:    now,
			Data: payloads.BidAcceptedEvent{
				CommissionID:    c.ID,
				BidID:           bid.ID,
				ClientID:        c.ClientID,
				ArtistID:        bid.ArtistID,
				Amount:          bid.Amount,
				RejectedBidIDs:  rejected,
				TotalBudget:     bid.Amount,
				FundingRequired: true,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit bid accepted")
		}

		bid.Status = enums.BidStatusAccepted
		bid.ReviewedAt = &now
		accepted = bid

		commission, err = commissionRepo.FindByID(ctx, c.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload commission")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.reputation.Track(ctx, accepted.ArtistID, commission.ID, enums.ReputationEventTypeBidAccepted)
	s.log(ctx, commission.ID, "bid accepted")

	return &AcceptResult{
		Bid:            *FromModel(accepted),
		Commission:     *commissions.FromModel(commission),
		RejectedBidIDs: rejected,
	}, nil
}

func (s *service) WithdrawBid(ctx context.Context, bidID, artistID uuid.UUID) (*BidDTO, error) {
	var withdrawn *models.Bid
	now := s.now()

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		bidRepo := s.bids.WithTx(tx)
		bid, err := loadBid(ctx, bidRepo, bidID)
		if err != nil {
			return err
		}
		if bid.ArtistID != artistID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the bidding artist may withdraw")
		}
		ok, err := bidRepo.Transition(ctx, bid.ID, []enums.BidStatus{enums.BidStatusPending}, map[string]any{
			"status":       enums.BidStatusWithdrawn,
			"withdrawn_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "withdraw bid")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only pending bids can be withdrawn").
				WithDetails(map[string]any{"status": bid.Status})
		}
		bid.Status = enums.BidStatusWithdrawn
		bid.WithdrawnAt = &now
		withdrawn = bid
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, withdrawn.CommissionID, "bid withdrawn")
	return FromModel(withdrawn), nil
}

func (s *service) ListForCommission(ctx context.Context, commissionID, callerID uuid.UUID) ([]BidDTO, error) {
	commission, err := loadCommission(ctx, s.commissions, commissionID)
	if err != nil {
		return nil, err
	}

	var artistFilter *uuid.UUID
	if !commission.IsClient(callerID) {
		artistFilter = &callerID
	}
	rows, err := s.bids.ListByCommission(ctx, commissionID, artistFilter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list bids")
	}

	out := make([]BidDTO, 0, len(rows))
	for i := range rows {
		out = append(out, *FromModel(&rows[i]))
	}
	return out, nil
}

func (s *service) log(ctx context.Context, commissionID uuid.UUID, msg string) {
	if s.logg == nil {
		return
	}
	s.logg.Info(s.logg.WithCommissionID(ctx, commissionID.String()), msg)
}

func loadCommission(ctx context.Context, repo commissions.Repository, id uuid.UUID) (*models.Commission, error) {
	commission, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
	}
	return commission, nil
}

func loadBid(ctx context.Context, repo Repository, id uuid.UUID) (*models.Bid, error) {
	bid, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "bid not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load bid")
	}
	return bid, nil
}

// SubmitBidInput carries an artist's offer.
type SubmitBidInput struct {
	CommissionID       uuid.UUID
	ArtistID           uuid.UUID
	Amount             int64
	TimelineDays       int
	CoverLetter        string
	PortfolioSamples   []string
	MilestoneBreakdown types.MilestonePlans
}

func (in SubmitBidInput) validate() error {
	if in.CommissionID == uuid.Nil || in.ArtistID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "commission id and artist id are required")
	}
	if in.Amount <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if in.TimelineDays <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "timeline must be at least one day")
	}
	if len(in.MilestoneBreakdown) > 0 {
		for _, plan := range in.MilestoneBreakdown {
			if plan.Amount <= 0 || strings.TrimSpace(plan.Title) == "" {
				return pkgerrors.New(pkgerrors.CodeValidation, "every milestone needs a title and a positive amount")
			}
		}
		if total := in.MilestoneBreakdown.Total(); total != in.Amount {
			return pkgerrors.New(pkgerrors.CodeValidation, "milestone breakdown must sum to the bid amount").
				WithDetails(map[string]any{"amount": in.Amount, "breakdown_total": total})
		}
	}
	return nil
}
