// Package settlement drives commissions and milestones through their lifecycle
// and hands money movement to the escrow projection.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bring2life/bring2life-backend/internal/bids"
	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/escrow"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/locks"
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

// Finalizer runs the post-completion work for a commission exactly once.
type Finalizer interface {
	Finalize(ctx context.Context, commissionID uuid.UUID) error
}

type Service interface {
	CreateSchedule(ctx context.Context, commissionID, clientID uuid.UUID, plans types.MilestonePlans) ([]commissions.MilestoneDTO, error)
	FundCommission(ctx context.Context, commissionID, clientID uuid.UUID) (*FundResult, error)
	SubmitMilestone(ctx context.Context, input SubmitMilestoneInput) (*SubmitResult, error)
	ReviewMilestone(ctx context.Context, input ReviewMilestoneInput) (*ReviewResult, error)
	RetryRelease(ctx context.Context, milestoneID uuid.UUID, actor Actor) (*ReleaseOutcome, error)
	EvaluateCompletion(ctx context.Context, commissionID uuid.UUID) (bool, error)
	CancelCommission(ctx context.Context, commissionID, clientID uuid.UUID) (*CommissionResult, error)
	RaiseDispute(ctx context.Context, commissionID, raiserID uuid.UUID, reason string) (*commissions.CommissionDTO, error)
	ResolveDispute(ctx context.Context, input ResolveDisputeInput) (*ResolveResult, error)
}

type ServiceParams struct {
	DB          txRunner
	Commissions commissions.Repository
	Milestones  commissions.MilestoneRepository
	Bids        bids.Repository
	Escrow      escrow.Service
	Finalizer   Finalizer
	Reputation  reputationTracker
	Outbox      outboxEmitter
	Locks       *locks.Keyed
	Logger      *logger.Logger
	Clock       func() time.Time
}

type service struct {
	db          txRunner
	commissions commissions.Repository
	milestones  commissions.MilestoneRepository
	bids        bids.Repository
	escrow      escrow.Service
	finalizer   Finalizer
	reputation  reputationTracker
	outbox      outboxEmitter
	locks       *locks.Keyed
	logg        *logger.Logger
	now         func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Commissions == nil || params.Milestones == nil:
		return nil, fmt.Errorf("commission repositories required")
	case params.Bids == nil:
		return nil, fmt.Errorf("bids repository required")
	case params.Escrow == nil:
		return nil, fmt.Errorf("escrow service required")
	case params.Finalizer == nil:
		return nil, fmt.Errorf("finalizer required")
	case params.Reputation == nil:
		return nil, fmt.Errorf("reputation tracker required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case params.Locks == nil:
		return nil, fmt.Errorf("lock table required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:          params.DB,
		commissions: params.Commissions,
		milestones:  params.Milestones,
		bids:        params.Bids,
		escrow:      params.Escrow,
		finalizer:   params.Finalizer,
		reputation:  params.Reputation,
		outbox:      params.Outbox,
		locks:       params.Locks,
		logg:        params.Logger,
		now:         clock,
	}, nil
}

func (s *service) CreateSchedule(ctx context.Context, commissionID, clientID uuid.UUID, plans types.MilestonePlans) ([]commissions.MilestoneDTO, error) {
	unlock := s.locks.Lock(locks.CommissionKey(commissionID.String()))
	defer unlock()

	var created []models.Milestone
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		commission, err := loadCommission(ctx, s.commissions.WithTx(tx), commissionID)
		if err != nil {
			return err
		}
		if !commission.IsClient(clientID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the client can set the schedule")
		}
		if commission.Status != enums.CommissionStatusPendingFunding {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "schedule can only be set while awaiting funding")
		}
		milestoneRepo := s.milestones.WithTx(tx)
		existing, err := milestoneRepo.Count(ctx, commissionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count milestones")
		}
		if existing > 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "schedule already set")
		}

		if len(plans) == 0 {
			plans, err = s.defaultPlans(ctx, tx, commission)
			if err != nil {
				return err
			}
		}
		if err := validatePlans(plans, commission.TotalBudget); err != nil {
			return err
		}

		created = make([]models.Milestone, 0, len(plans))
		for i, plan := range plans {
			created = append(created, models.Milestone{
				ID:           uuid.New(),
				CommissionID: commissionID,
				OrderIndex:   i,
				Title:        strings.TrimSpace(plan.Title),
				Description:  plan.Description,
				Amount:       plan.Amount,
				Status:       enums.MilestoneStatusPending,
			})
		}
		if err := milestoneRepo.CreateBatch(ctx, created); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create milestones")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]commissions.MilestoneDTO, 0, len(created))
	for _, m := range created {
		out = append(out, commissions.MilestoneFromModel(m))
	}
	return out, nil
}

// defaultPlans falls back to the accepted bid's breakdown, then to a single
// milestone for the whole budget.
func (s *service) defaultPlans(ctx context.Context, tx *gorm.DB, commission *models.Commission) (types.MilestonePlans, error) {
	if commission.AcceptedBidID != nil {
		bid, err := s.bids.WithTx(tx).FindByID(ctx, *commission.AcceptedBidID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load accepted bid")
		}
		if bid != nil && len(bid.MilestoneBreakdown) > 0 {
			return bid.MilestoneBreakdown, nil
		}
	}
	return types.MilestonePlans{{Title: commission.Title, Amount: commission.TotalBudget}}, nil
}

func (s *service) FundCommission(ctx context.Context, commissionID, clientID uuid.UUID) (*FundResult, error) {
	commission, err := loadCommission(ctx, s.commissions, commissionID)
	if err != nil {
		return nil, err
	}
	if !commission.IsClient(clientID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the client can fund the commission")
	}
	if commission.Status != enums.CommissionStatusPendingFunding {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not awaiting funding")
	}
	count, err := s.milestones.Count(ctx, commissionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count milestones")
	}
	if count == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "set the milestone schedule before funding")
	}

	row, err := s.escrow.RequestDeposit(ctx, commissionID, commission.TotalBudget-commission.Held)
	pending := pendingFrom(err, row)
	if err != nil && pending == nil {
		return nil, err
	}

	commission, err = loadCommission(ctx, s.commissions, commissionID)
	if err != nil {
		return nil, err
	}
	return &FundResult{
		Commission:  *commissions.FromModel(commission),
		Transaction: transactionDTO(row),
		Pending:     pending,
	}, nil
}

func (s *service) SubmitMilestone(ctx context.Context, input SubmitMilestoneInput) (*SubmitResult, error) {
	input.DeliverableRef = strings.TrimSpace(input.DeliverableRef)
	if input.DeliverableRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deliverable reference is required")
	}

	unlock := s.locks.Lock(locks.MilestoneKey(input.MilestoneID.String()))
	defer unlock()

	var (
		submission *models.MilestoneSubmission
		milestone  *models.Milestone
	)
	now := s.now()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		milestoneRepo := s.milestones.WithTx(tx)
		commissionRepo := s.commissions.WithTx(tx)
		var (
			commission *models.Commission
			err        error
		)
		milestone, commission, err = loadPair(ctx, milestoneRepo, commissionRepo, input.MilestoneID)
		if err != nil {
			return err
		}
		if !commission.IsArtist(input.ArtistID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the commission's artist can submit work")
		}
		if !commission.Status.IsWorking() || commission.CancelRequestedAt != nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not accepting submissions")
		}

		submission = &models.MilestoneSubmission{
			ID:             uuid.New(),
			MilestoneID:    milestone.ID,
			CommissionID:   commission.ID,
			ArtistID:       input.ArtistID,
			DeliverableRef: input.DeliverableRef,
			Notes:          input.Notes,
		}
		if err := milestoneRepo.CreateSubmission(ctx, submission); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record submission")
		}
		ok, err := milestoneRepo.Transition(ctx, milestone.ID, []enums.MilestoneStatus{
			enums.MilestoneStatusPending,
			enums.MilestoneStatusRevisionRequested,
		}, map[string]any{
			"status":                enums.MilestoneStatusSubmitted,
			"current_submission_id": submission.ID,
			"submitted_at":          now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update milestone")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "milestone is not awaiting a submission").
				WithDetails(map[string]any{"status": milestone.Status})
		}
		if _, err := commissionRepo.Transition(ctx, commission.ID,
			[]enums.CommissionStatus{enums.CommissionStatusActive},
			map[string]any{"status": enums.CommissionStatusInReview}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update commission")
		}

		milestone.Status = enums.MilestoneStatusSubmitted
		milestone.CurrentSubmissionID = &submission.ID
		milestone.SubmittedAt = &now
		return s.emitMilestone(ctx, tx, enums.EventMilestoneSubmitted, commission, milestone)
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithMilestoneID(s.logg.WithCommissionID(ctx, milestone.CommissionID.String()), milestone.ID.String())
	s.logg.Info(logCtx, "milestone submitted")
	return &SubmitResult{
		Submission: submissionFromModel(submission),
		Milestone:  commissions.MilestoneFromModel(*milestone),
	}, nil
}

func (s *service) ReviewMilestone(ctx context.Context, input ReviewMilestoneInput) (*ReviewResult, error) {
	if !input.Decision.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "decision must be approve or request_revision")
	}

	var (
		milestone  *models.Milestone
		commission *models.Commission
	)
	err := func() error {
		unlock := s.locks.Lock(locks.MilestoneKey(input.MilestoneID.String()))
		defer unlock()
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			milestone, commission, err = s.review(ctx, tx, input)
			return err
		})
	}()
	if err != nil {
		return nil, err
	}

	result := &ReviewResult{}
	if input.Decision == enums.ReviewDecisionApprove {
		s.reputation.Track(ctx, *commission.ArtistID, commission.ID, enums.ReputationEventTypeMilestoneApproved)
		outcome, err := s.release(ctx, commission.ID, milestone)
		if err != nil {
			outcome = s.hold(ctx, commission.ID, milestone.ID, err)
		}
		result.Release = outcome
		if outcome.Status == ReleasePaid {
			s.completeIfDone(ctx, commission.ID)
		}
	}

	if milestone, err = s.milestones.FindByID(ctx, milestone.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load milestone")
	}
	if commission, err = loadCommission(ctx, s.commissions, commission.ID); err != nil {
		return nil, err
	}
	result.Milestone = commissions.MilestoneFromModel(*milestone)
	result.Commission = *commissions.FromModel(commission)
	return result, nil
}

func (s *service) review(ctx context.Context, tx *gorm.DB, input ReviewMilestoneInput) (*models.Milestone, *models.Commission, error) {
	milestoneRepo := s.milestones.WithTx(tx)
	commissionRepo := s.commissions.WithTx(tx)
	milestone, commission, err := loadPair(ctx, milestoneRepo, commissionRepo, input.MilestoneID)
	if err != nil {
		return nil, nil, err
	}
	if !commission.IsClient(input.ClientID) {
		return nil, nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the client can review work")
	}
	if !commission.Status.IsWorking() || commission.CancelRequestedAt != nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not accepting reviews")
	}
	if milestone.Status != enums.MilestoneStatusSubmitted {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "milestone is not awaiting review").
			WithDetails(map[string]any{"status": milestone.Status})
	}

	approve := input.Decision == enums.ReviewDecisionApprove
	if approve {
		if err := s.checkOrder(ctx, milestoneRepo, milestone); err != nil {
			return nil, nil, err
		}
	}

	now := s.now()
	if milestone.CurrentSubmissionID != nil {
		if err := milestoneRepo.ReviewSubmission(ctx, *milestone.CurrentSubmissionID, !approve, input.Notes, now); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record review")
		}
	}

	updates := map[string]any{"status": enums.MilestoneStatusRevisionRequested}
	if approve {
		updates = map[string]any{"status": enums.MilestoneStatusApproved, "approved_at": now}
	}
	ok, err := milestoneRepo.Transition(ctx, milestone.ID, []enums.MilestoneStatus{enums.MilestoneStatusSubmitted}, updates)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update milestone")
	}
	if !ok {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "milestone was reviewed concurrently")
	}
	milestone.Status = updates["status"].(enums.MilestoneStatus)

	underReview, err := milestoneRepo.CountInStatus(ctx, commission.ID, enums.MilestoneStatusSubmitted)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count submitted milestones")
	}
	if underReview == 0 {
		if _, err := commissionRepo.Transition(ctx, commission.ID,
			[]enums.CommissionStatus{enums.CommissionStatusInReview},
			map[string]any{"status": enums.CommissionStatusActive}); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update commission")
		}
	}

	if approve {
		milestone.ApprovedAt = &now
		if err := s.emitMilestone(ctx, tx, enums.EventMilestoneApproved, commission, milestone); err != nil {
			return nil, nil, err
		}
	}
	return milestone, commission, nil
}

// checkOrder rejects approving milestone k while any earlier one is unpaid.
func (s *service) checkOrder(ctx context.Context, repo commissions.MilestoneRepository, milestone *models.Milestone) error {
	all, err := repo.ListByCommission(ctx, milestone.CommissionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load milestones")
	}
	for _, other := range all {
		if other.OrderIndex < milestone.OrderIndex && other.Status != enums.MilestoneStatusPaid {
			return pkgerrors.New(pkgerrors.CodeOutOfOrder, "earlier milestones must be paid first").
				WithDetails(map[string]any{"blocking_milestone_id": other.ID, "blocking_order_index": other.OrderIndex})
		}
	}
	return nil
}

// release asks escrow to pay the milestone and folds ledger latency into the
// outcome instead of an error.
func (s *service) release(ctx context.Context, commissionID uuid.UUID, milestone *models.Milestone) (*ReleaseOutcome, error) {
	row, err := s.escrow.RequestRelease(ctx, commissionID, milestone.ID, milestone.Amount)
	outcome := &ReleaseOutcome{MilestoneID: milestone.ID, Transaction: transactionDTO(row)}
	switch {
	case err == nil:
		outcome.Status = ReleasePaid
	case pkgerrors.IsCode(err, pkgerrors.CodeAlreadyReleased):
		outcome.Status = ReleaseAlreadyReleased
	case escrow.IsPending(err):
		outcome.Status = ReleasePending
		outcome.Pending = pendingFrom(err, row)
		logCtx := s.logg.WithMilestoneID(s.logg.WithCommissionID(ctx, commissionID.String()), milestone.ID.String())
		s.logg.Warn(logCtx, "milestone approved but payment pending")
	default:
		return nil, err
	}
	return outcome, nil
}

// hold reports a release that failed after the approval committed.
func (s *service) hold(ctx context.Context, commissionID, milestoneID uuid.UUID, err error) *ReleaseOutcome {
	logCtx := s.logg.WithMilestoneID(s.logg.WithCommissionID(ctx, commissionID.String()), milestoneID.String())
	s.logg.Error(logCtx, "milestone approved but release failed", err)

	hold := &ReleaseHold{Code: pkgerrors.CodeInternal, Message: "payment will be retried"}
	if typed := pkgerrors.As(err); typed != nil && typed.Code() != pkgerrors.CodeInternal {
		hold.Code = typed.Code()
		hold.Message = typed.Message()
	}
	return &ReleaseOutcome{MilestoneID: milestoneID, Status: ReleaseHeld, Hold: hold}
}

func (s *service) RetryRelease(ctx context.Context, milestoneID uuid.UUID, actor Actor) (*ReleaseOutcome, error) {
	milestone, commission, err := loadPair(ctx, s.milestones, s.commissions, milestoneID)
	if err != nil {
		return nil, err
	}
	if !actor.System && !commission.IsClient(actor.UserID) && !commission.IsArtist(actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "not a participant of this commission")
	}
	if milestone.Status == enums.MilestoneStatusPaid {
		return &ReleaseOutcome{MilestoneID: milestone.ID, Status: ReleaseAlreadyReleased}, nil
	}
	if err := s.checkOrder(ctx, s.milestones, milestone); err != nil {
		return nil, err
	}
	outcome, err := s.release(ctx, commission.ID, milestone)
	if err != nil {
		return nil, err
	}
	if outcome.Status == ReleasePaid {
		s.completeIfDone(ctx, commission.ID)
	}
	return outcome, nil
}

// completeIfDone evaluates completion after a payment; failures are logged and
// left to the sweeper.
func (s *service) completeIfDone(ctx context.Context, commissionID uuid.UUID) {
	if _, err := s.EvaluateCompletion(ctx, commissionID); err != nil {
		s.logg.Error(s.logg.WithCommissionID(ctx, commissionID.String()), "completion evaluation failed", err)
	}
}

// EvaluateCompletion moves a fully paid commission to Completed once and runs
// the finalizer. It reports whether this call completed the commission.
func (s *service) EvaluateCompletion(ctx context.Context, commissionID uuid.UUID) (bool, error) {
	var (
		commission *models.Commission
		completed  bool
	)
	err := func() error {
		unlock := s.locks.Lock(locks.CommissionKey(commissionID.String()))
		defer unlock()
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			commissionRepo := s.commissions.WithTx(tx)
			var err error
			commission, err = loadCommission(ctx, commissionRepo, commissionID)
			if err != nil {
				return err
			}
			if !commission.Status.IsWorking() {
				return nil
			}
			milestoneRepo := s.milestones.WithTx(tx)
			total, err := milestoneRepo.Count(ctx, commissionID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count milestones")
			}
			paid, err := milestoneRepo.CountInStatus(ctx, commissionID, enums.MilestoneStatusPaid)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count paid milestones")
			}
			if total == 0 || paid < total {
				return nil
			}
			if commission.Released != commission.TotalBudget {
				s.logg.Warn(s.logg.WithCommissionID(ctx, commissionID.String()), "all milestones paid but released differs from budget")
				return nil
			}

			now := s.now()
			ok, err := commissionRepo.Transition(ctx, commissionID,
				[]enums.CommissionStatus{enums.CommissionStatusActive, enums.CommissionStatusInReview},
				map[string]any{"status": enums.CommissionStatusCompleted, "completed_at": now})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete commission")
			}
			if !ok {
				return nil
			}
			completed = true
			commission.Status = enums.CommissionStatusCompleted
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventCommissionCompleted,
				AggregateType: enums.AggregateCommission,
				AggregateID:   commissionID,
				Data:          statusEvent(commission, "", now),
				OccurredAt:    now,
			})
		})
	}()
	if err != nil {
		return false, err
	}

	if completed {
		s.logg.Info(s.logg.WithCommissionID(ctx, commissionID.String()), "commission completed")
		s.reputation.Track(ctx, *commission.ArtistID, commissionID, enums.ReputationEventTypeCommissionCompleted)
		s.reputation.Track(ctx, commission.ClientID, commissionID, enums.ReputationEventTypeCommissionCompleted)
	}
	if commission.Status == enums.CommissionStatusCompleted && (completed || !commission.CompletionFinalized) {
		if err := s.finalizer.Finalize(ctx, commissionID); err != nil {
			s.logg.Error(s.logg.WithCommissionID(ctx, commissionID.String()), "finalize commission", err)
		}
	}
	return completed, nil
}

func (s *service) CancelCommission(ctx context.Context, commissionID, clientID uuid.UUID) (*CommissionResult, error) {
	commission, err := loadCommission(ctx, s.commissions, commissionID)
	if err != nil {
		return nil, err
	}
	if !commission.IsClient(clientID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the client can cancel the commission")
	}
	if commission.Status == enums.CommissionStatusCancelled {
		return &CommissionResult{Commission: *commissions.FromModel(commission)}, nil
	}

	if commission.CancelRequestedAt == nil {
		ok, err := s.commissions.RequestCancel(ctx, commissionID, []enums.CommissionStatus{
			enums.CommissionStatusOpen,
			enums.CommissionStatusPendingFunding,
		}, s.now())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "request cancellation")
		}
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "commission can only be cancelled before work starts").
				WithDetails(map[string]any{"status": commission.Status})
		}
		s.logg.Info(s.logg.WithCommissionID(ctx, commissionID.String()), "commission cancellation requested")
		s.reputation.Track(ctx, clientID, commissionID, enums.ReputationEventTypeCommissionCancelled)
	}
	return s.settleCancellation(ctx, commissionID)
}

func (s *service) settleCancellation(ctx context.Context, commissionID uuid.UUID) (*CommissionResult, error) {
	commission, err := s.escrow.SettleCancellation(ctx, commissionID)
	pending := pendingFrom(err, nil)
	if err != nil && pending == nil {
		return nil, err
	}
	if commission == nil {
		if commission, err = loadCommission(ctx, s.commissions, commissionID); err != nil {
			return nil, err
		}
	}
	return &CommissionResult{Commission: *commissions.FromModel(commission), Pending: pending}, nil
}

func (s *service) RaiseDispute(ctx context.Context, commissionID, raiserID uuid.UUID, reason string) (*commissions.CommissionDTO, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute reason is required")
	}

	unlock := s.locks.Lock(locks.CommissionKey(commissionID.String()))
	defer unlock()

	var commission *models.Commission
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.commissions.WithTx(tx)
		var err error
		commission, err = loadCommission(ctx, repo, commissionID)
		if err != nil {
			return err
		}
		if !commission.IsClient(raiserID) && !commission.IsArtist(raiserID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only participants can raise a dispute")
		}
		prior := commission.Status
		ok, err := repo.Transition(ctx, commissionID,
			[]enums.CommissionStatus{enums.CommissionStatusActive, enums.CommissionStatusInReview},
			map[string]any{
				"status":            enums.CommissionStatusDisputed,
				"disputed_from":     prior,
				"dispute_reason":    reason,
				"dispute_raised_by": raiserID,
			})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "raise dispute")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "disputes can only be raised on active work").
				WithDetails(map[string]any{"status": prior})
		}
		commission.Status = enums.CommissionStatusDisputed
		commission.DisputedFrom = &prior
		commission.DisputeReason = &reason
		commission.DisputeRaisedBy = &raiserID
		now := s.now()
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCommissionDisputed,
			AggregateType: enums.AggregateCommission,
			AggregateID:   commissionID,
			Actor:         &outbox.ActorRef{UserID: raiserID, Role: roleOf(commission, raiserID)},
			Data:          statusEvent(commission, reason, now),
			OccurredAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Warn(s.logg.WithCommissionID(ctx, commissionID.String()), "commission disputed")
	return commissions.FromModel(commission), nil
}

func (s *service) ResolveDispute(ctx context.Context, input ResolveDisputeInput) (*ResolveResult, error) {
	if !input.Outcome.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "outcome must be approve or refund")
	}

	var commission *models.Commission
	err := func() error {
		unlock := s.locks.Lock(locks.CommissionKey(input.CommissionID.String()))
		defer unlock()
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			commission, err = s.resolve(ctx, tx, input)
			return err
		})
	}()
	if err != nil {
		return nil, err
	}

	if input.Outcome == enums.DisputeOutcomeRefund {
		s.reputation.Track(ctx, *commission.ArtistID, commission.ID, enums.ReputationEventTypeDisputeResolvedForClient)
		settled, err := s.settleCancellation(ctx, commission.ID)
		if err != nil {
			return nil, err
		}
		return &ResolveResult{Commission: settled.Commission, Pending: settled.Pending}, nil
	}

	s.reputation.Track(ctx, *commission.ArtistID, commission.ID, enums.ReputationEventTypeDisputeResolvedForArtist)
	result := &ResolveResult{}
	milestones, err := s.milestones.ListByCommission(ctx, commission.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load milestones")
	}
	for i := range milestones {
		m := &milestones[i]
		if m.Status != enums.MilestoneStatusApproved {
			continue
		}
		outcome, err := s.release(ctx, commission.ID, m)
		if err != nil {
			return nil, err
		}
		result.Releases = append(result.Releases, *outcome)
		if outcome.Status == ReleasePending {
			// Later milestones wait so payment order holds; the sweeper resumes.
			result.Pending = outcome.Pending
			break
		}
	}
	s.completeIfDone(ctx, commission.ID)

	if commission, err = loadCommission(ctx, s.commissions, commission.ID); err != nil {
		return nil, err
	}
	result.Commission = *commissions.FromModel(commission)
	return result, nil
}

func (s *service) resolve(ctx context.Context, tx *gorm.DB, input ResolveDisputeInput) (*models.Commission, error) {
	repo := s.commissions.WithTx(tx)
	commission, err := loadCommission(ctx, repo, input.CommissionID)
	if err != nil {
		return nil, err
	}
	if commission.Status != enums.CommissionStatusDisputed {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not disputed")
	}

	now := s.now()
	if input.Outcome == enums.DisputeOutcomeApprove {
		// Every outstanding milestone is approved, so nothing is left under review.
		ok, err := repo.Transition(ctx, commission.ID, []enums.CommissionStatus{enums.CommissionStatusDisputed},
			map[string]any{"status": enums.CommissionStatusActive, "disputed_from": nil})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve dispute")
		}
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not disputed")
		}
		if _, err := s.milestones.WithTx(tx).ApproveOutstanding(ctx, commission.ID, now); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "approve outstanding milestones")
		}
		commission.Status = enums.CommissionStatusActive
	} else {
		ok, err := repo.RequestCancel(ctx, commission.ID, []enums.CommissionStatus{enums.CommissionStatusDisputed}, now)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve dispute")
		}
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "commission is already being cancelled")
		}
	}

	return commission, s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventDisputeResolved,
		AggregateType: enums.AggregateCommission,
		AggregateID:   commission.ID,
		Data: payloads.DisputeResolvedEvent{
			CommissionID: commission.ID,
			ClientID:     commission.ClientID,
			ArtistID:     artistOf(commission),
			Outcome:      input.Outcome,
			Status:       commission.Status,
		},
		OccurredAt: now,
	})
}

func (s *service) emitMilestone(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, commission *models.Commission, milestone *models.Milestone) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateMilestone,
		AggregateID:   milestone.ID,
		Data: payloads.MilestoneEvent{
			CommissionID: commission.ID,
			MilestoneID:  milestone.ID,
			ClientID:     commission.ClientID,
			ArtistID:     artistOf(commission),
			OrderIndex:   milestone.OrderIndex,
			Amount:       milestone.Amount,
			Status:       milestone.Status,
		},
		OccurredAt: s.now(),
	})
}

func loadCommission(ctx context.Context, repo commissions.Repository, id uuid.UUID) (*models.Commission, error) {
	commission, err := repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
	}
	return commission, nil
}

func loadPair(ctx context.Context, milestones commissions.MilestoneRepository, repo commissions.Repository, milestoneID uuid.UUID) (*models.Milestone, *models.Commission, error) {
	milestone, err := milestones.FindByID(ctx, milestoneID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "milestone not found")
	}
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load milestone")
	}
	commission, err := loadCommission(ctx, repo, milestone.CommissionID)
	if err != nil {
		return nil, nil, err
	}
	return milestone, commission, nil
}

func pendingFrom(err error, row *models.LedgerTransaction) *PendingLedger {
	if err == nil || !escrow.IsPending(err) {
		return nil
	}
	pending := &PendingLedger{Code: pkgerrors.CodeLedgerUnavailable, Message: err.Error()}
	if typed := pkgerrors.As(err); typed != nil {
		pending.Code = typed.Code()
		pending.Message = typed.Message()
	}
	if row != nil {
		id := row.ID
		pending.TransactionID = &id
	}
	return pending
}

func statusEvent(c *models.Commission, reason string, at time.Time) payloads.CommissionStatusEvent {
	return payloads.CommissionStatusEvent{
		CommissionID: c.ID,
		ClientID:     c.ClientID,
		ArtistID:     c.ArtistID,
		Status:       c.Status,
		Released:     c.Released,
		Refunded:     c.Refunded,
		Reason:       reason,
		At:           at,
	}
}

func artistOf(c *models.Commission) uuid.UUID {
	if c.ArtistID == nil {
		return uuid.Nil
	}
	return *c.ArtistID
}

func roleOf(c *models.Commission, userID uuid.UUID) string {
	if c.IsClient(userID) {
		return "client"
	}
	return "artist"
}
