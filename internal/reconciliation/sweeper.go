// Package reconciliation drives stuck settlement work forward from the ledger's
// and the minter's view of the world.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/escrow"
	"github.com/bring2life/bring2life-backend/internal/ledger"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/custody"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type escrowService interface {
	Reconcile(ctx context.Context, transactionID uuid.UUID) (*models.LedgerTransaction, error)
	SettleCancellation(ctx context.Context, commissionID uuid.UUID) (*models.Commission, error)
	CustodyStatus(ctx context.Context, commissionID uuid.UUID) (custody.Status, error)
}

type engine interface {
	RetryRelease(ctx context.Context, milestoneID uuid.UUID, actor settlement.Actor) (*settlement.ReleaseOutcome, error)
	EvaluateCompletion(ctx context.Context, commissionID uuid.UUID) (bool, error)
}

type certifier interface {
	Finalize(ctx context.Context, commissionID uuid.UUID) error
	RetryPending(ctx context.Context, commissionID uuid.UUID) error
}

type Config struct {
	BatchSize    int
	MaxAttempts  int
	StaleAfter   time.Duration
	Retry        retry.Policy
	AuditCustody bool
}

type SweeperParams struct {
	DB           txRunner
	Ledger       ledger.Repository
	Commissions  commissions.Repository
	Milestones   commissions.MilestoneRepository
	Escrow       escrowService
	Settlement   engine
	Certificates certifier
	Escalator    *ledger.Escalator
	Metrics      *metrics.SettlementMetrics
	Logger       *logger.Logger
	Config       Config
	Clock        func() time.Time
}

// SweepReport counts what one pass did.
type SweepReport struct {
	TransactionsResolved int `json:"transactions_resolved"`
	TransactionsPending  int `json:"transactions_pending"`
	ReleasesPaid         int `json:"releases_paid"`
	ReleasesPending      int `json:"releases_pending"`
	Cancellations        int `json:"cancellations"`
	Completions          int `json:"completions"`
	Finalized            int `json:"finalized"`
	CertificatesRetried  int `json:"certificates_retried"`
	CustodyAudited       int `json:"custody_audited"`
	Flagged              int `json:"flagged"`
	Skipped              int `json:"skipped"`
}

// Sweeper is the periodic reconciliation pass. One instance runs at a time per
// deployment; it shares the foreground's per-subject locks through the
// services it calls.
type Sweeper struct {
	db           txRunner
	ledger       ledger.Repository
	commissions  commissions.Repository
	milestones   commissions.MilestoneRepository
	escrow       escrowService
	settlement   engine
	certificates certifier
	escalator    *ledger.Escalator
	metrics      *metrics.SettlementMetrics
	logg         *logger.Logger
	cfg          Config
	now          func() time.Time
}

func NewSweeper(params SweeperParams) (*Sweeper, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger repository required")
	case params.Commissions == nil || params.Milestones == nil:
		return nil, fmt.Errorf("commission repositories required")
	case params.Escrow == nil:
		return nil, fmt.Errorf("escrow service required")
	case params.Settlement == nil:
		return nil, fmt.Errorf("settlement engine required")
	case params.Certificates == nil:
		return nil, fmt.Errorf("certificate service required")
	case params.Escalator == nil:
		return nil, fmt.Errorf("escalator required")
	}
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = retry.Policy{Base: 30 * time.Second, Max: time.Hour, Jitter: true}
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		db:           params.DB,
		ledger:       params.Ledger,
		commissions:  params.Commissions,
		milestones:   params.Milestones,
		escrow:       params.Escrow,
		settlement:   params.Settlement,
		certificates: params.Certificates,
		escalator:    params.Escalator,
		metrics:      params.Metrics,
		logg:         params.Logger,
		cfg:          cfg,
		now:          clock,
	}, nil
}

// run carries per-pass state.
type run struct {
	report  SweepReport
	errs    error
	touched map[uuid.UUID]struct{}
}

func (r *run) touch(id uuid.UUID) { r.touched[id] = struct{}{} }

func (r *run) fail(err error) { r.errs = multierr.Append(r.errs, err) }

// Sweep makes one pass over every kind of outstanding work. Per-item failures
// are collected; a listing failure aborts only its own step.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	r := &run{touched: map[uuid.UUID]struct{}{}}

	s.sweepTransactions(ctx, r)
	s.sweepReleases(ctx, r)
	s.sweepCancellations(ctx, r)
	s.sweepFinalization(ctx, r)
	s.sweepCertificates(ctx, r)
	if s.cfg.AuditCustody {
		s.auditCustody(ctx, r)
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"transactions_resolved": r.report.TransactionsResolved,
		"releases_paid":         r.report.ReleasesPaid,
		"cancellations":         r.report.Cancellations,
		"flagged":               r.report.Flagged,
	}), "reconciliation sweep finished")
	return r.report, r.errs
}

func (s *Sweeper) sweepTransactions(ctx context.Context, r *run) {
	now := s.now()
	var after uuid.UUID
	for {
		rows, err := s.ledger.ListDue(ctx, ledger.DueQuery{
			StaleBefore: now.Add(-s.cfg.StaleAfter),
			Now:         now,
			AfterID:     after,
			Limit:       s.cfg.BatchSize,
		})
		if err != nil {
			r.fail(fmt.Errorf("list due ledger transactions: %w", err))
			return
		}
		for i := range rows {
			s.reconcileTransaction(ctx, r, &rows[i])
		}
		if len(rows) < s.cfg.BatchSize {
			return
		}
		after = rows[len(rows)-1].ID
	}
}

func (s *Sweeper) reconcileTransaction(ctx context.Context, r *run, row *models.LedgerTransaction) {
	r.touch(row.CommissionID)
	if row.RetryCount >= s.cfg.MaxAttempts {
		if err := s.ledger.MarkNeedsAttention(ctx, row.ID); err != nil {
			r.fail(fmt.Errorf("park ledger transaction %s: %w", row.ID, err))
			return
		}
		s.flag(ctx, r, ledger.NewFlag(row.CommissionID, enums.ReconciliationSubjectLedgerTransaction, row.ID,
			enums.ReconciliationReasonRetryCeiling, row.RetryCount, string(row.Kind)+" could not be resolved against the ledger"))
		return
	}

	resolved, err := s.escrow.Reconcile(ctx, row.ID)
	switch {
	case err == nil:
	case escrow.IsPending(err):
		r.report.TransactionsPending++
		next := s.cfg.Retry.Next(s.now(), row.RetryCount)
		if err := s.ledger.ScheduleRetry(ctx, row.ID, next, err.Error()); err != nil {
			r.fail(fmt.Errorf("schedule ledger retry %s: %w", row.ID, err))
		}
		s.metrics.ReconciliationAction("transaction_pending")
		return
	case pkgerrors.IsCode(err, pkgerrors.CodeInconsistent):
		r.report.Flagged++
		return
	default:
		r.fail(fmt.Errorf("reconcile ledger transaction %s: %w", row.ID, err))
		return
	}

	r.report.TransactionsResolved++
	s.metrics.ReconciliationAction("transaction_" + string(resolved.Status))
	if resolved.Kind == enums.LedgerTransactionKindRelease && resolved.Status == enums.LedgerTransactionStatusConfirmed {
		s.complete(ctx, r, resolved.CommissionID)
	}
}

func (s *Sweeper) sweepReleases(ctx context.Context, r *run) {
	var after uuid.UUID
	for {
		page, err := s.milestones.ListApproved(ctx, after, s.cfg.BatchSize)
		if err != nil {
			r.fail(fmt.Errorf("list approved milestones: %w", err))
			return
		}
		if len(page) == 0 {
			return
		}
		next := page[len(page)-1].ID

		// Within a page, pay each commission's milestones in order and stop at
		// the first one that does not go through.
		sort.SliceStable(page, func(i, j int) bool {
			if page[i].CommissionID != page[j].CommissionID {
				return page[i].CommissionID.String() < page[j].CommissionID.String()
			}
			return page[i].OrderIndex < page[j].OrderIndex
		})
		blocked := map[uuid.UUID]bool{}
		for i := range page {
			m := &page[i]
			if blocked[m.CommissionID] {
				r.report.Skipped++
				continue
			}
			if !s.retryRelease(ctx, r, m) {
				blocked[m.CommissionID] = true
			}
		}
		if len(page) < s.cfg.BatchSize {
			return
		}
		after = next
	}
}

// retryRelease reports whether the milestone ended up paid.
func (s *Sweeper) retryRelease(ctx context.Context, r *run, m *models.Milestone) bool {
	r.touch(m.CommissionID)
	if !s.releaseDue(ctx, r, m) {
		return false
	}
	outcome, err := s.settlement.RetryRelease(ctx, m.ID, settlement.SystemActor)
	switch {
	case err == nil:
	case pkgerrors.IsCode(err, pkgerrors.CodeInconsistent):
		r.report.Flagged++
		return false
	case pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), pkgerrors.IsCode(err, pkgerrors.CodeOutOfOrder):
		// Disputed, cancelling, or waiting on an earlier milestone.
		r.report.Skipped++
		return false
	default:
		r.fail(fmt.Errorf("retry release for milestone %s: %w", m.ID, err))
		return false
	}

	switch outcome.Status {
	case settlement.ReleaseHeld:
		r.report.Skipped++
		return false
	case settlement.ReleasePending:
		r.report.ReleasesPending++
		s.metrics.ReconciliationAction("release_pending")
		return false
	default:
		r.report.ReleasesPaid++
		s.metrics.ReconciliationAction("release_paid")
		return true
	}
}

// releaseDue holds back a milestone whose last release the ledger refused
// until the backoff for that attempt has passed, and escalates it instead once
// the refusals reach the attempt ceiling. Each refused release leaves a Failed
// row whose Attempt counts the ones before it.
func (s *Sweeper) releaseDue(ctx context.Context, r *run, m *models.Milestone) bool {
	latest, err := s.ledger.Latest(ctx, m.CommissionID, &m.ID, enums.LedgerTransactionKindRelease)
	switch {
	case errors.Is(err, ledger.ErrNoTransaction):
		return true
	case err != nil:
		r.fail(fmt.Errorf("load latest release for milestone %s: %w", m.ID, err))
		return false
	case latest.Status != enums.LedgerTransactionStatusFailed || latest.Ambiguous:
		return true
	}

	refused := latest.Attempt + 1
	if refused >= s.cfg.MaxAttempts {
		s.flag(ctx, r, ledger.NewFlag(m.CommissionID, enums.ReconciliationSubjectMilestone, m.ID,
			enums.ReconciliationReasonRetryCeiling, refused, deref(latest.LastError)))
		return false
	}
	failedAt := latest.UpdatedAt
	if latest.ResolvedAt != nil {
		failedAt = *latest.ResolvedAt
	}
	if s.now().Before(s.cfg.Retry.Next(failedAt, latest.Attempt)) {
		r.report.Skipped++
		return false
	}
	return true
}

func (s *Sweeper) sweepCancellations(ctx context.Context, r *run) {
	var after uuid.UUID
	for {
		page, err := s.commissions.ListCancelRequested(ctx, after, s.cfg.BatchSize)
		if err != nil {
			r.fail(fmt.Errorf("list cancelling commissions: %w", err))
			return
		}
		for i := range page {
			c := &page[i]
			r.touch(c.ID)
			settled, err := s.escrow.SettleCancellation(ctx, c.ID)
			switch {
			case err == nil:
				if settled.Status == enums.CommissionStatusCancelled {
					r.report.Cancellations++
					s.metrics.ReconciliationAction("cancellation_settled")
				}
			case escrow.IsPending(err):
				r.report.Skipped++
			case pkgerrors.IsCode(err, pkgerrors.CodeInconsistent):
				r.report.Flagged++
			default:
				r.fail(fmt.Errorf("settle cancellation %s: %w", c.ID, err))
			}
		}
		if len(page) < s.cfg.BatchSize {
			return
		}
		after = page[len(page)-1].ID
	}
}

func (s *Sweeper) sweepFinalization(ctx context.Context, r *run) {
	var after uuid.UUID
	for {
		page, err := s.commissions.ListUnfinalized(ctx, after, s.cfg.BatchSize)
		if err != nil {
			r.fail(fmt.Errorf("list unfinalized commissions: %w", err))
			return
		}
		for i := range page {
			id := page[i].ID
			if err := s.certificates.Finalize(ctx, id); err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
				r.fail(fmt.Errorf("finalize commission %s: %w", id, err))
				continue
			}
			r.report.Finalized++
			s.metrics.ReconciliationAction("finalized")
		}
		if len(page) < s.cfg.BatchSize {
			return
		}
		after = page[len(page)-1].ID
	}
}

func (s *Sweeper) sweepCertificates(ctx context.Context, r *run) {
	var after uuid.UUID
	for {
		page, err := s.commissions.ListCertificatesDue(ctx, commissions.CertificateQuery{
			Now:     s.now(),
			AfterID: after,
			Limit:   s.cfg.BatchSize,
		})
		if err != nil {
			r.fail(fmt.Errorf("list pending certificates: %w", err))
			return
		}
		for i := range page {
			c := &page[i]
			if c.CertificateAttempts >= s.cfg.MaxAttempts {
				s.flag(ctx, r, ledger.NewFlag(c.ID, enums.ReconciliationSubjectCertificate, c.ID,
					enums.ReconciliationReasonRetryCeiling, c.CertificateAttempts, deref(c.CertificateLastError)))
				continue
			}
			err := s.certificates.RetryPending(ctx, c.ID)
			r.report.CertificatesRetried++
			s.metrics.ReconciliationAction("certificate_retried")
			if err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
				r.fail(fmt.Errorf("retry certificate %s: %w", c.ID, err))
			}
		}
		if len(page) < s.cfg.BatchSize {
			return
		}
		after = page[len(page)-1].ID
	}
}

// auditCustody compares the ledger's account for each touched commission with
// the local projection. Commissions with unresolved ledger work are skipped.
func (s *Sweeper) auditCustody(ctx context.Context, r *run) {
	ids := make([]uuid.UUID, 0, len(r.touched))
	for id := range r.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		commission, err := s.commissions.FindByID(ctx, id)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				r.fail(fmt.Errorf("load commission %s: %w", id, err))
			}
			continue
		}
		if commission.CustodyHandle == nil {
			continue
		}
		busy, err := s.hasUnresolved(ctx, id)
		if err != nil {
			r.fail(err)
			continue
		}
		if busy {
			continue
		}
		status, err := s.escrow.CustodyStatus(ctx, id)
		if err != nil {
			if !escrow.IsPending(err) {
				r.fail(fmt.Errorf("query custody for %s: %w", id, err))
			}
			continue
		}
		r.report.CustodyAudited++
		if status.Deposited == commission.Held && status.Released == commission.Released && status.Refunded == commission.Refunded {
			continue
		}
		details := fmt.Sprintf("ledger deposited=%d released=%d refunded=%d; local held=%d released=%d refunded=%d",
			status.Deposited, status.Released, status.Refunded, commission.Held, commission.Released, commission.Refunded)
		s.flag(ctx, r, ledger.NewFlag(id, enums.ReconciliationSubjectCustody, id,
			enums.ReconciliationReasonCustodyMismatch, 0, details))
	}
}

func (s *Sweeper) hasUnresolved(ctx context.Context, commissionID uuid.UUID) (bool, error) {
	for _, kind := range []enums.LedgerTransactionKind{
		enums.LedgerTransactionKindDeposit,
		enums.LedgerTransactionKindRelease,
		enums.LedgerTransactionKindRefund,
	} {
		rows, err := s.ledger.ListUnresolvedByCommission(ctx, commissionID, kind)
		if err != nil {
			return false, fmt.Errorf("list unresolved %s for %s: %w", kind, commissionID, err)
		}
		if len(rows) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Sweeper) complete(ctx context.Context, r *run, commissionID uuid.UUID) {
	completed, err := s.settlement.EvaluateCompletion(ctx, commissionID)
	if err != nil {
		r.fail(fmt.Errorf("evaluate completion %s: %w", commissionID, err))
		return
	}
	if completed {
		r.report.Completions++
		s.metrics.ReconciliationAction("completed")
	}
}

func (s *Sweeper) flag(ctx context.Context, r *run, flag *models.ReconciliationFlag) {
	var created bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		created, err = s.escalator.Escalate(ctx, tx, flag)
		return err
	})
	if err != nil {
		r.fail(fmt.Errorf("raise reconciliation flag: %w", err))
		return
	}
	if created {
		r.report.Flagged++
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
