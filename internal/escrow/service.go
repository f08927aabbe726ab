package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bring2life/bring2life-backend/internal/bids"
	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/ledger"
	"github.com/bring2life/bring2life-backend/pkg/custody"
	dbpkg "github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/locks"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service projects custody operations into local state. A request returns the
// confirmed transaction with a nil error; any LEDGER_* error means the outcome
// is not applied yet (see IsPending).
type Service interface {
	RequestDeposit(ctx context.Context, commissionID uuid.UUID, amount int64) (*models.LedgerTransaction, error)
	RequestRelease(ctx context.Context, commissionID, milestoneID uuid.UUID, amount int64) (*models.LedgerTransaction, error)
	RequestRefund(ctx context.Context, commissionID uuid.UUID, amount int64) (*models.LedgerTransaction, error)
	Reconcile(ctx context.Context, transactionID uuid.UUID) (*models.LedgerTransaction, error)
	SettleCancellation(ctx context.Context, commissionID uuid.UUID) (*models.Commission, error)
	CustodyStatus(ctx context.Context, commissionID uuid.UUID) (custody.Status, error)
	PlatformFee(amount int64) int64
}

type Config struct {
	Currency           string
	CallTimeout        time.Duration
	PlatformFeePercent decimal.Decimal
	// StaleAfter is how long a Requested row is treated as in flight before
	// anyone asks the ledger about it.
	StaleAfter time.Duration
}

type ServiceParams struct {
	DB          txRunner
	Commissions commissions.Repository
	Milestones  commissions.MilestoneRepository
	Bids        bids.Repository
	Ledger      ledger.Repository
	Escalator   *ledger.Escalator
	Gateway     custody.Gateway
	Outbox      outboxEmitter
	Locks       *locks.Keyed
	Metrics     *metrics.SettlementMetrics
	Logger      *logger.Logger
	Config      Config
	Clock       func() time.Time
}

type service struct {
	db          txRunner
	commissions commissions.Repository
	milestones  commissions.MilestoneRepository
	bids        bids.Repository
	ledger      ledger.Repository
	escalator   *ledger.Escalator
	gateway     custody.Gateway
	outbox      outboxEmitter
	locks       *locks.Keyed
	metrics     *metrics.SettlementMetrics
	logg        *logger.Logger
	cfg         Config
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
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger repository required")
	case params.Escalator == nil:
		return nil, fmt.Errorf("escalator required")
	case params.Gateway == nil:
		return nil, fmt.Errorf("custody gateway required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case params.Locks == nil:
		return nil, fmt.Errorf("lock table required")
	}
	cfg := params.Config
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
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
		ledger:      params.Ledger,
		escalator:   params.Escalator,
		gateway:     params.Gateway,
		outbox:      params.Outbox,
		locks:       params.Locks,
		metrics:     params.Metrics,
		logg:        params.Logger,
		cfg:         cfg,
		now:         clock,
	}, nil
}

// IsPending reports whether err leaves the ledger outcome to be reconciled later.
func IsPending(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeLedgerUnavailable) || pkgerrors.IsCode(err, pkgerrors.CodeLedgerFailure)
}

func (s *service) PlatformFee(amount int64) int64 {
	return FeeFor(amount, s.cfg.PlatformFeePercent)
}

type subject struct {
	kind         enums.LedgerTransactionKind
	commissionID uuid.UUID
	milestoneID  *uuid.UUID
	amount       int64
}

func (sub subject) lockKey() string {
	if sub.milestoneID != nil {
		return locks.MilestoneKey(sub.milestoneID.String())
	}
	return locks.CommissionKey(sub.commissionID.String())
}

func lockKeyFor(row *models.LedgerTransaction) string {
	return subject{commissionID: row.CommissionID, milestoneID: row.MilestoneID}.lockKey()
}

type precondition func(ctx context.Context, tx *gorm.DB, commission *models.Commission) error

func (s *service) RequestDeposit(ctx context.Context, commissionID uuid.UUID, amount int64) (*models.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deposit amount must be positive")
	}
	sub := subject{kind: enums.LedgerTransactionKindDeposit, commissionID: commissionID, amount: amount}
	return s.request(ctx, sub, func(_ context.Context, _ *gorm.DB, c *models.Commission) error {
		switch {
		case c.Status != enums.CommissionStatusPendingFunding:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not awaiting funding")
		case c.CancelRequestedAt != nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission cancellation in progress")
		case c.Held+amount > c.TotalBudget:
			return pkgerrors.New(pkgerrors.CodeValidation, "deposit exceeds the commission budget")
		}
		return nil
	})
}

func (s *service) RequestRelease(ctx context.Context, commissionID, milestoneID uuid.UUID, amount int64) (*models.LedgerTransaction, error) {
	sub := subject{kind: enums.LedgerTransactionKindRelease, commissionID: commissionID, milestoneID: &milestoneID, amount: amount}
	return s.request(ctx, sub, func(ctx context.Context, tx *gorm.DB, c *models.Commission) error {
		milestone, err := s.milestones.WithTx(tx).FindByID(ctx, milestoneID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && milestone.CommissionID != c.ID) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "milestone not found")
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load milestone")
		}
		switch {
		case milestone.Status == enums.MilestoneStatusPaid:
			return pkgerrors.New(pkgerrors.CodeAlreadyReleased, "milestone already released")
		case !c.Status.IsWorking() || c.CancelRequestedAt != nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not accepting releases")
		case milestone.Status != enums.MilestoneStatusApproved:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "milestone is not approved")
		case amount != milestone.Amount:
			return pkgerrors.New(pkgerrors.CodeValidation, "release amount must equal the milestone amount")
		case c.CustodyHandle == nil || c.ArtistID == nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission is not funded")
		}
		return nil
	})
}

func (s *service) RequestRefund(ctx context.Context, commissionID uuid.UUID, amount int64) (*models.LedgerTransaction, error) {
	sub := subject{kind: enums.LedgerTransactionKindRefund, commissionID: commissionID, amount: amount}
	return s.request(ctx, sub, func(_ context.Context, _ *gorm.DB, c *models.Commission) error {
		switch {
		case c.CancelRequestedAt == nil || c.Status == enums.CommissionStatusCancelled:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "refunds only settle a pending cancellation")
		case amount <= 0 || amount > c.Outstanding():
			return pkgerrors.New(pkgerrors.CodeValidation, "refund must be positive and within the funds held")
		case c.CustodyHandle == nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "commission holds no custody")
		}
		return nil
	})
}

// request opens a new attempt for the subject or, when one is still
// unresolved, reconciles that instead of starting a second.
func (s *service) request(ctx context.Context, sub subject, check precondition) (*models.LedgerTransaction, error) {
	row, created, err := s.open(ctx, sub, check)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.reconcile(ctx, row)
	}
	return s.send(ctx, row)
}

func (s *service) open(ctx context.Context, sub subject, check precondition) (*models.LedgerTransaction, bool, error) {
	unlock := s.locks.Lock(sub.lockKey())
	defer unlock()

	var (
		row     *models.LedgerTransaction
		created bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		commission, err := s.commissions.WithTx(tx).FindByID(ctx, sub.commissionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "commission not found")
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
		}
		if err := check(ctx, tx, commission); err != nil {
			return err
		}

		repo := s.ledger.WithTx(tx)
		attempt := 0
		latest, err := repo.Latest(ctx, sub.commissionID, sub.milestoneID, sub.kind)
		switch {
		case errors.Is(err, ledger.ErrNoTransaction):
		case err != nil:
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load latest ledger transaction")
		case latest.Unresolved():
			row = latest
			return nil
		case latest.Status == enums.LedgerTransactionStatusConfirmed && sub.kind == enums.LedgerTransactionKindRelease:
			return pkgerrors.New(pkgerrors.CodeAlreadyReleased, "milestone already released")
		default:
			attempt = latest.Attempt + 1
		}

		row = &models.LedgerTransaction{
			ID:               uuid.New(),
			CommissionID:     sub.commissionID,
			MilestoneID:      sub.milestoneID,
			Kind:             sub.kind,
			Amount:           sub.amount,
			IdempotencyToken: ledger.Token(sub.commissionID, sub.milestoneID, sub.kind, attempt),
			Attempt:          attempt,
			Status:           enums.LedgerTransactionStatusRequested,
			SendCount:        1,
			RequestedAt:      s.now(),
		}
		if err := repo.Create(ctx, row); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeLedgerUnavailable, "a ledger request for this subject is already in flight")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create ledger transaction")
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, created, nil
}

type ledgerResult struct {
	confirmation  string
	custodyHandle string
}

// send performs the ledger call for row with no lock or transaction held.
func (s *service) send(ctx context.Context, row *models.LedgerTransaction) (*models.LedgerTransaction, error) {
	commission, err := s.commissions.FindByID(ctx, row.CommissionID)
	if err != nil {
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	result, callErr := s.call(callCtx, row, commission)
	cancel()

	// The ledger may have acted even if the caller went away; always record.
	return s.record(context.WithoutCancel(ctx), row, result, callErr)
}

func (s *service) call(ctx context.Context, row *models.LedgerTransaction, c *models.Commission) (ledgerResult, error) {
	switch row.Kind {
	case enums.LedgerTransactionKindDeposit:
		currency := c.Currency
		if currency == "" {
			currency = s.cfg.Currency
		}
		receipt, err := s.gateway.Deposit(ctx, custody.DepositRequest{
			CommissionID: c.ID.String(),
			Payer:        c.ClientID.String(),
			Amount:       row.Amount,
			Currency:     currency,
			Token:        row.IdempotencyToken,
		})
		return ledgerResult{confirmation: receipt.Confirmation, custodyHandle: receipt.CustodyHandle}, err
	case enums.LedgerTransactionKindRelease:
		conf, err := s.gateway.Release(ctx, custody.ReleaseRequest{
			CustodyHandle: deref(c.CustodyHandle),
			Recipient:     uuidString(c.ArtistID),
			Amount:        row.Amount,
			PlatformFee:   s.PlatformFee(row.Amount),
			Token:         row.IdempotencyToken,
		})
		return ledgerResult{confirmation: conf.Handle}, err
	case enums.LedgerTransactionKindRefund:
		conf, err := s.gateway.Refund(ctx, custody.RefundRequest{
			CustodyHandle: deref(c.CustodyHandle),
			Recipient:     c.ClientID.String(),
			Amount:        row.Amount,
			Token:         row.IdempotencyToken,
		})
		return ledgerResult{confirmation: conf.Handle}, err
	}
	return ledgerResult{}, fmt.Errorf("ledger transaction kind %q cannot be sent: %w", row.Kind, &custody.RejectedError{})
}

func (s *service) record(ctx context.Context, row *models.LedgerTransaction, result ledgerResult, callErr error) (*models.LedgerTransaction, error) {
	outcome := custody.Classify(callErr)
	s.metrics.LedgerCall(row.Kind.String(), outcomeLabel(outcome))
	if row.Kind == enums.LedgerTransactionKindRelease {
		s.metrics.Release(outcomeLabel(outcome))
	}
	if outcome == custody.OutcomeOK {
		return s.confirm(ctx, row, result)
	}

	ambiguous := outcome != custody.OutcomeRejected
	ok, err := s.ledger.MarkFailed(ctx, row.ID, callErr.Error(), ambiguous, s.now())
	if err != nil {
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record ledger failure")
	}
	if !ok {
		return s.current(ctx, row.ID)
	}

	logCtx := s.logCtx(ctx, row)
	logCtx = s.logg.WithFields(logCtx, map[string]any{"ambiguous": ambiguous, "error": callErr.Error()})
	s.logg.Warn(logCtx, "ledger call did not confirm")

	reloaded, loadErr := s.ledger.FindByID(ctx, row.ID)
	if loadErr == nil {
		row = reloaded
	}
	switch outcome {
	case custody.OutcomeRejected:
		return row, ledgerError(pkgerrors.CodeLedgerFailure, callErr, "ledger rejected the request", row)
	case custody.OutcomeTimeout:
		return row, ledgerError(pkgerrors.CodeLedgerFailure, callErr, "ledger did not answer in time; the outcome will be reconciled", row)
	default:
		return row, ledgerError(pkgerrors.CodeLedgerUnavailable, callErr, "ledger unavailable; the outcome will be reconciled", row)
	}
}

// projectionConflict aborts a confirmation whose effect would break the
// projection's money invariants.
type projectionConflict struct {
	reason string
}

func (p *projectionConflict) Error() string { return p.reason }

func (s *service) confirm(ctx context.Context, row *models.LedgerTransaction, result ledgerResult) (*models.LedgerTransaction, error) {
	unlock := s.locks.Lock(lockKeyFor(row))
	defer unlock()

	now := s.now()
	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.ledger.WithTx(tx).MarkConfirmed(ctx, row.ID, result.confirmation, now)
		if err != nil || !ok {
			return err
		}
		applied = true
		switch row.Kind {
		case enums.LedgerTransactionKindDeposit:
			return s.applyDeposit(ctx, tx, row, result, now)
		case enums.LedgerTransactionKindRelease:
			return s.applyRelease(ctx, tx, row, result, now)
		case enums.LedgerTransactionKindRefund:
			return s.applyRefund(ctx, tx, row, now)
		}
		return nil
	})
	if err != nil {
		var conflict *projectionConflict
		if errors.As(err, &conflict) {
			return row, s.escalateConflict(ctx, row, conflict)
		}
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply ledger confirmation")
	}
	if !applied {
		return s.current(ctx, row.ID)
	}

	s.logg.Info(s.logCtx(ctx, row), "ledger transaction confirmed")
	confirmed, err := s.ledger.FindByID(ctx, row.ID)
	if err != nil {
		return row, nil
	}
	return confirmed, nil
}

func (s *service) applyDeposit(ctx context.Context, tx *gorm.DB, row *models.LedgerTransaction, result ledgerResult, now time.Time) error {
	repo := s.commissions.WithTx(tx)
	ok, err := repo.ApplyDeposit(ctx, row.CommissionID, row.Amount, result.custodyHandle)
	if err != nil {
		return err
	}
	if !ok {
		return &projectionConflict{reason: "confirmed deposit exceeds the commission budget"}
	}
	commission, err := repo.FindByID(ctx, row.CommissionID)
	if err != nil {
		return err
	}
	// A cancellation that raced the deposit refunds it instead of activating.
	if commission.CancelRequestedAt != nil || commission.Held < commission.TotalBudget {
		return nil
	}
	ok, err = repo.Transition(ctx, commission.ID, []enums.CommissionStatus{enums.CommissionStatusPendingFunding}, map[string]any{
		"status":    enums.CommissionStatusActive,
		"funded_at": now,
	})
	if err != nil || !ok {
		return err
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCommissionFunded,
		AggregateType: enums.AggregateCommission,
		AggregateID:   commission.ID,
		Data:          fundedEvent(commission, result),
		OccurredAt:    now,
	})
}

func (s *service) applyRelease(ctx context.Context, tx *gorm.DB, row *models.LedgerTransaction, result ledgerResult, now time.Time) error {
	if row.MilestoneID == nil {
		return fmt.Errorf("release %s has no milestone", row.ID)
	}
	milestones := s.milestones.WithTx(tx)
	milestone, err := milestones.FindByID(ctx, *row.MilestoneID)
	if err != nil {
		return err
	}
	// Ledger truth wins: a confirmed release pays the milestone whatever the
	// local status says, unless it is already paid.
	ok, err := milestones.Transition(ctx, milestone.ID, []enums.MilestoneStatus{
		enums.MilestoneStatusPending,
		enums.MilestoneStatusSubmitted,
		enums.MilestoneStatusRevisionRequested,
		enums.MilestoneStatusApproved,
		enums.MilestoneStatusCancelled,
	}, map[string]any{
		"status":  enums.MilestoneStatusPaid,
		"paid_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return &projectionConflict{reason: "ledger confirmed a second release for a paid milestone"}
	}

	repo := s.commissions.WithTx(tx)
	ok, err = repo.AddReleased(ctx, row.CommissionID, row.Amount)
	if err != nil {
		return err
	}
	if !ok {
		return &projectionConflict{reason: "confirmed release exceeds the funds held"}
	}

	fee := s.PlatformFee(row.Amount)
	if fee > 0 {
		confirmation := result.confirmation
		feeRow := &models.LedgerTransaction{
			ID:                 uuid.New(),
			CommissionID:       row.CommissionID,
			MilestoneID:        row.MilestoneID,
			Kind:               enums.LedgerTransactionKindPlatformFee,
			Amount:             fee,
			IdempotencyToken:   ledger.Token(row.CommissionID, row.MilestoneID, enums.LedgerTransactionKindPlatformFee, row.Attempt),
			Attempt:            row.Attempt,
			ConfirmationHandle: &confirmation,
			Status:             enums.LedgerTransactionStatusConfirmed,
			SendCount:          1,
			RequestedAt:        now,
			ResolvedAt:         &now,
		}
		if err := s.ledger.WithTx(tx).Create(ctx, feeRow); err != nil {
			return err
		}
	}

	commission, err := repo.FindByID(ctx, row.CommissionID)
	if err != nil {
		return err
	}
	milestone.Status = enums.MilestoneStatusPaid
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventMilestonePaid,
		AggregateType: enums.AggregateMilestone,
		AggregateID:   milestone.ID,
		Data:          paidEvent(commission, milestone, fee, result.confirmation),
		OccurredAt:    now,
	})
}

func (s *service) applyRefund(ctx context.Context, tx *gorm.DB, row *models.LedgerTransaction, now time.Time) error {
	repo := s.commissions.WithTx(tx)
	ok, err := repo.AddRefunded(ctx, row.CommissionID, row.Amount)
	if err != nil {
		return err
	}
	if !ok {
		return &projectionConflict{reason: "confirmed refund exceeds the funds held"}
	}
	commission, err := repo.FindByID(ctx, row.CommissionID)
	if err != nil {
		return err
	}
	if commission.CancelRequestedAt == nil || commission.Outstanding() > 0 {
		return nil
	}
	return s.applyCancellation(ctx, tx, commission, now)
}

var cancellable = []enums.CommissionStatus{
	enums.CommissionStatusOpen,
	enums.CommissionStatusPendingFunding,
	enums.CommissionStatusActive,
	enums.CommissionStatusInReview,
	enums.CommissionStatusDisputed,
}

func (s *service) applyCancellation(ctx context.Context, tx *gorm.DB, commission *models.Commission, now time.Time) error {
	ok, err := s.commissions.WithTx(tx).Transition(ctx, commission.ID, cancellable, map[string]any{
		"status":       enums.CommissionStatusCancelled,
		"cancelled_at": now,
	})
	if err != nil || !ok {
		return err
	}
	if _, err := s.milestones.WithTx(tx).CancelUnpaid(ctx, commission.ID, now); err != nil {
		return err
	}
	if _, err := s.bids.WithTx(tx).RejectPending(ctx, commission.ID, nil, now); err != nil {
		return err
	}
	commission.Status = enums.CommissionStatusCancelled
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCommissionCancelled,
		AggregateType: enums.AggregateCommission,
		AggregateID:   commission.ID,
		Data:          statusEvent(commission, "", now),
		OccurredAt:    now,
	})
}

func (s *service) escalateConflict(ctx context.Context, row *models.LedgerTransaction, conflict *projectionConflict) error {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.ledger.WithTx(tx).MarkNeedsAttention(ctx, row.ID); err != nil {
			return err
		}
		flag := ledger.NewFlag(row.CommissionID, enums.ReconciliationSubjectLedgerTransaction, row.ID,
			enums.ReconciliationReasonProjectionConflict, row.RetryCount, conflict.reason)
		_, err := s.escalator.Escalate(ctx, tx, flag)
		return err
	})
	if err != nil {
		s.logg.Error(s.logCtx(ctx, row), "failed to flag projection conflict", err)
	}
	return pkgerrors.New(pkgerrors.CodeInconsistent, conflict.reason).
		WithDetails(map[string]any{"transaction_id": row.ID})
}

func (s *service) Reconcile(ctx context.Context, transactionID uuid.UUID) (*models.LedgerTransaction, error) {
	row, err := s.ledger.FindByID(ctx, transactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ledger transaction not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger transaction")
	}
	return s.reconcile(ctx, row)
}

// reconcile asks the ledger what became of the row's token and drives the row
// to match. A token the ledger never saw is re-sent unchanged while the
// subject still needs it, and failed otherwise.
func (s *service) reconcile(ctx context.Context, row *models.LedgerTransaction) (*models.LedgerTransaction, error) {
	if !row.Unresolved() {
		return settled(row)
	}
	if row.NeedsAttention {
		return row, pkgerrors.New(pkgerrors.CodeInconsistent, "ledger transaction is parked for operator review").
			WithDetails(map[string]any{"transaction_id": row.ID})
	}
	now := s.now()
	if row.Status == enums.LedgerTransactionStatusRequested && now.Sub(row.RequestedAt) < s.cfg.StaleAfter {
		return row, ledgerError(pkgerrors.CodeLedgerUnavailable, nil, "ledger request still in flight", row)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	record, err := s.gateway.Lookup(lookupCtx, row.IdempotencyToken)
	cancel()
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		s.metrics.LedgerCall("lookup", outcomeLabel(custody.Classify(err)))
		return row, ledgerError(pkgerrors.CodeLedgerUnavailable, err, "ledger lookup failed", row)
	}
	s.metrics.LedgerCall("lookup", string(record.Status))

	switch record.Status {
	case custody.TxConfirmed:
		return s.confirm(ctx, row, ledgerResult{confirmation: record.Confirmation, custodyHandle: record.CustodyHandle})
	case custody.TxFailed:
		reason := record.Reason
		if reason == "" {
			reason = "ledger reports the transaction failed"
		}
		return s.fail(ctx, row, reason)
	case custody.TxPending:
		return row, ledgerError(pkgerrors.CodeLedgerUnavailable, nil, "ledger has not settled the transaction yet", row)
	}

	wanted, err := s.stillWanted(ctx, row)
	if err != nil {
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger subject")
	}
	if !wanted {
		return s.fail(ctx, row, "not found on the ledger and no longer required")
	}
	ok, err := s.ledger.Resend(ctx, row.ID, now)
	if err != nil {
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark ledger transaction resent")
	}
	if !ok {
		return s.current(ctx, row.ID)
	}
	s.logg.Info(s.logCtx(ctx, row), "re-sending ledger transaction the ledger never saw")
	resent, err := s.ledger.FindByID(ctx, row.ID)
	if err != nil {
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger transaction")
	}
	return s.send(ctx, resent)
}

func (s *service) stillWanted(ctx context.Context, row *models.LedgerTransaction) (bool, error) {
	commission, err := s.commissions.FindByID(ctx, row.CommissionID)
	if err != nil {
		return false, err
	}
	switch row.Kind {
	case enums.LedgerTransactionKindDeposit:
		return commission.Status == enums.CommissionStatusPendingFunding && commission.CancelRequestedAt == nil, nil
	case enums.LedgerTransactionKindRelease:
		if row.MilestoneID == nil || !commission.Status.IsWorking() || commission.CancelRequestedAt != nil {
			return false, nil
		}
		milestone, err := s.milestones.FindByID(ctx, *row.MilestoneID)
		if err != nil {
			return false, err
		}
		return milestone.Status == enums.MilestoneStatusApproved, nil
	}
	return commission.Status != enums.CommissionStatusCancelled, nil
}

func (s *service) fail(ctx context.Context, row *models.LedgerTransaction, reason string) (*models.LedgerTransaction, error) {
	ok, err := s.ledger.MarkFailed(ctx, row.ID, reason, false, s.now())
	if err != nil {
		return row, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record ledger failure")
	}
	if !ok {
		return s.current(ctx, row.ID)
	}
	logCtx := s.logg.WithField(s.logCtx(ctx, row), "reason", reason)
	s.logg.Warn(logCtx, "ledger transaction failed definitively")
	return s.current(ctx, row.ID)
}

// current reports whatever state another actor left the row in.
func (s *service) current(ctx context.Context, id uuid.UUID) (*models.LedgerTransaction, error) {
	row, err := s.ledger.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger transaction")
	}
	if row.Unresolved() {
		return row, ledgerError(pkgerrors.CodeLedgerUnavailable, nil, "ledger outcome still pending", row)
	}
	return settled(row)
}

func settled(row *models.LedgerTransaction) (*models.LedgerTransaction, error) {
	if row.Status == enums.LedgerTransactionStatusConfirmed {
		return row, nil
	}
	return row, ledgerError(pkgerrors.CodeLedgerFailure, nil, "ledger transaction failed", row)
}

// SettleCancellation finishes a requested cancellation: unresolved ledger rows
// are reconciled first, then whatever custody still holds is refunded, and the
// commission is cancelled once nothing is left.
func (s *service) SettleCancellation(ctx context.Context, commissionID uuid.UUID) (*models.Commission, error) {
	commission, err := s.loadCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	if commission.Status == enums.CommissionStatusCancelled {
		return commission, nil
	}
	if commission.CancelRequestedAt == nil {
		return commission, pkgerrors.New(pkgerrors.CodeStateConflict, "commission cancellation was not requested")
	}

	kinds := []enums.LedgerTransactionKind{
		enums.LedgerTransactionKindDeposit,
		enums.LedgerTransactionKindRelease,
		enums.LedgerTransactionKindRefund,
	}
	var blocked *models.LedgerTransaction
	for _, kind := range kinds {
		rows, err := s.ledger.ListUnresolvedByCommission(ctx, commissionID, kind)
		if err != nil {
			return commission, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list unresolved ledger transactions")
		}
		for i := range rows {
			row, err := s.reconcile(ctx, &rows[i])
			if err != nil && !IsPending(err) && !pkgerrors.IsCode(err, pkgerrors.CodeInconsistent) {
				return commission, err
			}
			if row != nil && row.Unresolved() && blocked == nil {
				blocked = row
			}
		}
	}
	if blocked != nil {
		if blocked.NeedsAttention {
			return commission, pkgerrors.New(pkgerrors.CodeInconsistent, "cancellation blocked by a flagged ledger transaction").
				WithDetails(map[string]any{"transaction_id": blocked.ID})
		}
		return commission, ledgerError(pkgerrors.CodeLedgerUnavailable, nil, "cancellation waits for an in-flight ledger transaction", blocked)
	}

	if commission, err = s.loadCommission(ctx, commissionID); err != nil {
		return nil, err
	}
	if commission.Status == enums.CommissionStatusCancelled {
		return commission, nil
	}
	if outstanding := commission.Outstanding(); outstanding > 0 {
		if _, err := s.RequestRefund(ctx, commissionID, outstanding); err != nil {
			return commission, err
		}
		return s.loadCommission(ctx, commissionID)
	}

	unlock := s.locks.Lock(locks.CommissionKey(commissionID.String()))
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		fresh, err := s.commissions.WithTx(tx).FindByID(ctx, commissionID)
		if err != nil {
			return err
		}
		if fresh.Outstanding() > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "funds arrived during cancellation; retry")
		}
		return s.applyCancellation(ctx, tx, fresh, s.now())
	})
	unlock()
	if err != nil {
		if pkgerrors.As(err) != nil {
			return commission, err
		}
		return commission, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel commission")
	}
	return s.loadCommission(ctx, commissionID)
}

func (s *service) CustodyStatus(ctx context.Context, commissionID uuid.UUID) (custody.Status, error) {
	commission, err := s.loadCommission(ctx, commissionID)
	if err != nil {
		return custody.Status{}, err
	}
	if commission.CustodyHandle == nil {
		return custody.Status{}, pkgerrors.New(pkgerrors.CodeStateConflict, "commission holds no custody")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	status, err := s.gateway.QueryStatus(callCtx, *commission.CustodyHandle)
	s.metrics.LedgerCall("query_status", outcomeLabel(custody.Classify(err)))
	if err != nil {
		return custody.Status{}, pkgerrors.Wrap(pkgerrors.CodeLedgerUnavailable, err, "query custody status")
	}
	return status, nil
}

func (s *service) loadCommission(ctx context.Context, id uuid.UUID) (*models.Commission, error) {
	commission, err := s.commissions.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
	}
	return commission, nil
}

func (s *service) logCtx(ctx context.Context, row *models.LedgerTransaction) context.Context {
	logCtx := s.logg.WithCommissionID(ctx, row.CommissionID.String())
	if row.MilestoneID != nil {
		logCtx = s.logg.WithMilestoneID(logCtx, row.MilestoneID.String())
	}
	return s.logg.WithFields(logCtx, map[string]any{
		"ledger_transaction_id": row.ID.String(),
		"kind":                  row.Kind,
		"attempt":               row.Attempt,
	})
}

func ledgerError(code pkgerrors.Code, cause error, msg string, row *models.LedgerTransaction) error {
	var e *pkgerrors.Error
	if cause != nil {
		e = pkgerrors.Wrap(code, cause, msg)
	} else {
		e = pkgerrors.New(code, msg)
	}
	return e.WithDetails(map[string]any{
		"transaction_id": row.ID,
		"status":         row.Status,
		"ambiguous":      row.Ambiguous,
	})
}

func outcomeLabel(o custody.Outcome) string {
	switch o {
	case custody.OutcomeOK:
		return "confirmed"
	case custody.OutcomeRejected:
		return "rejected"
	case custody.OutcomeTimeout:
		return "timeout"
	default:
		return "unavailable"
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
