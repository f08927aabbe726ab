package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/bring2life/bring2life-backend/internal/bids"
	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/ledger"
	"github.com/bring2life/bring2life-backend/pkg/custody"
	dbpkg "github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/db/dbtest"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/locks"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	conn        *gorm.DB
	svc         Service
	gateway     *custody.MemoryGateway
	commissions commissions.Repository
	milestones  commissions.MilestoneRepository
	ledger      ledger.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	outboxSvc := outbox.NewService(outbox.NewRepository(conn), nil)
	escalator, err := ledger.NewEscalator(ledger.NewFlagRepository(conn), outboxSvc, nil, nil)
	require.NoError(t, err)

	f := &fixture{
		conn:        conn,
		gateway:     custody.NewMemoryGateway(),
		commissions: commissions.NewRepository(conn),
		milestones:  commissions.NewMilestoneRepository(conn),
		ledger:      ledger.NewRepository(conn),
	}
	f.svc, err = NewService(ServiceParams{
		DB:          dbpkg.Wrap(conn),
		Commissions: f.commissions,
		Milestones:  f.milestones,
		Bids:        bids.NewRepository(conn),
		Ledger:      f.ledger,
		Escalator:   escalator,
		Gateway:     f.gateway,
		Outbox:      outboxSvc,
		Locks:       locks.NewKeyed(),
		Config: Config{
			Currency:           "HBAR",
			CallTimeout:        time.Second,
			PlatformFeePercent: decimal.RequireFromString("2.5"),
			StaleAfter:         time.Minute,
		},
	})
	require.NoError(t, err)
	return f
}

// seed creates a commission awaiting funding with two milestones of 400 and 600.
func (f *fixture) seed(t *testing.T) (*models.Commission, []models.Milestone) {
	t.Helper()
	ctx := context.Background()
	artistID := uuid.New()
	commission := &models.Commission{
		ID:                uuid.New(),
		ClientID:          uuid.New(),
		ArtistID:          &artistID,
		Title:             "Harbor at dusk",
		Category:          enums.CommissionCategoryLandscape,
		Currency:          "HBAR",
		TotalBudget:       1000,
		Status:            enums.CommissionStatusPendingFunding,
		CertificateStatus: enums.CertificateStatusNone,
	}
	require.NoError(t, f.commissions.Create(ctx, commission))
	milestones := []models.Milestone{
		{ID: uuid.New(), CommissionID: commission.ID, OrderIndex: 0, Title: "Sketch", Amount: 400, Status: enums.MilestoneStatusPending},
		{ID: uuid.New(), CommissionID: commission.ID, OrderIndex: 1, Title: "Final", Amount: 600, Status: enums.MilestoneStatusPending},
	}
	require.NoError(t, f.milestones.CreateBatch(ctx, milestones))
	return commission, milestones
}

func (f *fixture) fund(t *testing.T, commission *models.Commission) {
	t.Helper()
	_, err := f.svc.RequestDeposit(context.Background(), commission.ID, commission.TotalBudget)
	require.NoError(t, err)
}

func (f *fixture) approve(t *testing.T, milestoneID uuid.UUID) {
	t.Helper()
	ok, err := f.milestones.Transition(context.Background(), milestoneID,
		[]enums.MilestoneStatus{enums.MilestoneStatusPending, enums.MilestoneStatusSubmitted},
		map[string]any{"status": enums.MilestoneStatusApproved})
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) commission(t *testing.T, id uuid.UUID) *models.Commission {
	t.Helper()
	c, err := f.commissions.FindByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) milestone(t *testing.T, id uuid.UUID) *models.Milestone {
	t.Helper()
	m, err := f.milestones.FindByID(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) events(t *testing.T, eventType enums.OutboxEventType) int {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return int(count)
}

func TestDepositActivatesCommission(t *testing.T) {
	f := newFixture(t)
	commission, _ := f.seed(t)

	row, err := f.svc.RequestDeposit(context.Background(), commission.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerTransactionStatusConfirmed, row.Status)
	require.NotNil(t, row.ConfirmationHandle)

	stored := f.commission(t, commission.ID)
	assert.Equal(t, enums.CommissionStatusActive, stored.Status)
	assert.Equal(t, int64(1000), stored.Held)
	require.NotNil(t, stored.CustodyHandle)
	assert.Equal(t, "custody-"+commission.ID.String(), *stored.CustodyHandle)
	assert.Equal(t, 1, f.events(t, enums.EventCommissionFunded))

	_, err = f.svc.RequestDeposit(context.Background(), commission.ID, 1000)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	assert.Equal(t, 1, f.gateway.Calls(custody.OpDeposit))
}

func TestReleasePaysMilestoneAndRecordsFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)
	f.approve(t, milestones[0].ID)

	row, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerTransactionStatusConfirmed, row.Status)

	assert.Equal(t, enums.MilestoneStatusPaid, f.milestone(t, milestones[0].ID).Status)
	assert.Equal(t, int64(400), f.commission(t, commission.ID).Released)
	assert.Equal(t, int64(10), f.gateway.PlatformFees())
	assert.Equal(t, 1, f.events(t, enums.EventMilestonePaid))

	rows, err := f.ledger.ListByCommission(ctx, commission.ID)
	require.NoError(t, err)
	var fees []models.LedgerTransaction
	for _, r := range rows {
		if r.Kind == enums.LedgerTransactionKindPlatformFee {
			fees = append(fees, r)
		}
	}
	require.Len(t, fees, 1)
	assert.Equal(t, int64(10), fees[0].Amount)
	assert.Equal(t, enums.LedgerTransactionStatusConfirmed, fees[0].Status)

	_, err = f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAlreadyReleased))
	assert.Equal(t, 1, f.gateway.Calls(custody.OpRelease))
}

func TestReleaseRequiresApprovalAndWorkingCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)

	_, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	f.approve(t, milestones[0].ID)
	_, err = f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 399)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	ok, err := f.commissions.Transition(ctx, commission.ID,
		[]enums.CommissionStatus{enums.CommissionStatusActive},
		map[string]any{"status": enums.CommissionStatusDisputed})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	assert.Zero(t, f.gateway.Calls(custody.OpRelease))
}

func TestTimedOutReleaseReconcilesWithoutSecondDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)
	f.approve(t, milestones[0].ID)

	f.gateway.InjectFault(custody.Fault{Op: custody.OpRelease, Err: context.DeadlineExceeded, Apply: true})
	row, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	require.Error(t, err)
	assert.True(t, IsPending(err))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLedgerFailure))
	assert.Equal(t, enums.LedgerTransactionStatusFailed, row.Status)
	assert.True(t, row.Ambiguous)
	assert.Equal(t, enums.MilestoneStatusApproved, f.milestone(t, milestones[0].ID).Status)

	retried, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	require.NoError(t, err)
	assert.Equal(t, row.ID, retried.ID)
	assert.Equal(t, row.IdempotencyToken, retried.IdempotencyToken)
	assert.Equal(t, enums.MilestoneStatusPaid, f.milestone(t, milestones[0].ID).Status)

	status, err := f.svc.CustodyStatus(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), status.Released)
	assert.Equal(t, 1, f.gateway.Calls(custody.OpRelease))
	assert.Equal(t, int64(400), f.commission(t, commission.ID).Released)
}

func TestRejectedReleaseRetriesUnderNewToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)
	f.approve(t, milestones[1].ID)

	f.gateway.InjectFault(custody.Fault{Op: custody.OpRelease, Err: &custody.RejectedError{}})
	first, err := f.svc.RequestRelease(ctx, commission.ID, milestones[1].ID, 600)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLedgerFailure))
	assert.False(t, first.Ambiguous)
	assert.Equal(t, enums.MilestoneStatusApproved, f.milestone(t, milestones[1].ID).Status)

	second, err := f.svc.RequestRelease(ctx, commission.ID, milestones[1].ID, 600)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.IdempotencyToken, second.IdempotencyToken)
	assert.Equal(t, 1, second.Attempt)
	assert.Equal(t, int64(600), f.commission(t, commission.ID).Released)
}

func TestUnseenReleaseIsResentWithSameToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)
	f.approve(t, milestones[0].ID)

	f.gateway.InjectFault(custody.Fault{Op: custody.OpRelease, Err: &custody.UnavailableError{}})
	row, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLedgerUnavailable))
	assert.True(t, row.Ambiguous)

	reconciled, err := f.svc.Reconcile(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerTransactionStatusConfirmed, reconciled.Status)
	assert.Equal(t, row.IdempotencyToken, reconciled.IdempotencyToken)
	assert.Equal(t, 2, reconciled.SendCount)
	assert.Equal(t, 2, f.gateway.Calls(custody.OpRelease))
	assert.Equal(t, enums.MilestoneStatusPaid, f.milestone(t, milestones[0].ID).Status)
}

func TestConfirmationForPaidMilestoneIsFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)
	f.approve(t, milestones[0].ID)

	f.gateway.InjectFault(custody.Fault{Op: custody.OpRelease, Err: context.DeadlineExceeded, Apply: true})
	row, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	require.True(t, IsPending(err))

	ok, err := f.milestones.Transition(ctx, milestones[0].ID,
		[]enums.MilestoneStatus{enums.MilestoneStatusApproved},
		map[string]any{"status": enums.MilestoneStatusPaid})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Reconcile(ctx, row.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInconsistent))

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.True(t, stored.NeedsAttention)
	assert.Zero(t, f.commission(t, commission.ID).Released)

	flags, err := ledger.NewFlagRepository(f.conn).ListOpen(ctx, &commission.ID, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, enums.ReconciliationReasonProjectionConflict, flags[0].Reason)
	assert.Equal(t, 1, f.events(t, enums.EventReconciliationFlagged))
}

func TestCancellationRefundsWhatCustodyHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, milestones := f.seed(t)
	f.fund(t, commission)
	f.approve(t, milestones[0].ID)
	_, err := f.svc.RequestRelease(ctx, commission.ID, milestones[0].ID, 400)
	require.NoError(t, err)

	_, err = f.svc.SettleCancellation(ctx, commission.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	ok, err := f.commissions.RequestCancel(ctx, commission.ID,
		[]enums.CommissionStatus{enums.CommissionStatusActive}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, err := f.svc.SettleCancellation(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CommissionStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(600), cancelled.Refunded)
	assert.Zero(t, cancelled.Outstanding())
	assert.Equal(t, enums.MilestoneStatusPaid, f.milestone(t, milestones[0].ID).Status)
	assert.Equal(t, enums.MilestoneStatusCancelled, f.milestone(t, milestones[1].ID).Status)
	assert.Equal(t, 1, f.events(t, enums.EventCommissionCancelled))

	again, err := f.svc.SettleCancellation(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CommissionStatusCancelled, again.Status)
	assert.Equal(t, 1, f.gateway.Calls(custody.OpRefund))
}

func TestCancellationFailsDepositTheLedgerNeverSaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, _ := f.seed(t)

	f.gateway.InjectFault(custody.Fault{Op: custody.OpDeposit, Err: &custody.UnavailableError{}})
	row, err := f.svc.RequestDeposit(ctx, commission.ID, 1000)
	require.True(t, IsPending(err))

	ok, err := f.commissions.RequestCancel(ctx, commission.ID,
		[]enums.CommissionStatus{enums.CommissionStatusPendingFunding}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, err := f.svc.SettleCancellation(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CommissionStatusCancelled, cancelled.Status)
	assert.Zero(t, cancelled.Held)
	assert.Zero(t, f.gateway.Calls(custody.OpRefund))

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerTransactionStatusFailed, stored.Status)
	assert.False(t, stored.Ambiguous)
}

func TestLateDepositDuringCancellationIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commission, _ := f.seed(t)

	f.gateway.InjectFault(custody.Fault{Op: custody.OpDeposit, Err: context.DeadlineExceeded, Apply: true})
	_, err := f.svc.RequestDeposit(ctx, commission.ID, 1000)
	require.True(t, IsPending(err))

	ok, err := f.commissions.RequestCancel(ctx, commission.ID,
		[]enums.CommissionStatus{enums.CommissionStatusPendingFunding}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, err := f.svc.SettleCancellation(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CommissionStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(1000), cancelled.Held)
	assert.Equal(t, int64(1000), cancelled.Refunded)
	assert.Zero(t, f.events(t, enums.EventCommissionFunded))

	status, err := f.svc.CustodyStatus(ctx, commission.ID)
	require.NoError(t, err)
	assert.Zero(t, status.Balance())
}

func TestFeeForRoundsHalfUp(t *testing.T) {
	pct := decimal.RequireFromString("2.5")
	cases := map[int64]int64{
		0:    0,
		1:    0,
		20:   1,
		400:  10,
		1000: 25,
		1019: 25,
		1020: 26,
	}
	for amount, want := range cases {
		assert.Equal(t, want, FeeFor(amount, pct), "amount %d", amount)
	}
	assert.Zero(t, FeeFor(1000, decimal.Zero))
}
