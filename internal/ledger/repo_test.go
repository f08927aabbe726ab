package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/dbtest"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRow(commissionID uuid.UUID, milestoneID *uuid.UUID, kind enums.LedgerTransactionKind, attempt int, requestedAt time.Time) *models.LedgerTransaction {
	return &models.LedgerTransaction{
		ID:               uuid.New(),
		CommissionID:     commissionID,
		MilestoneID:      milestoneID,
		Kind:             kind,
		Amount:           1000,
		IdempotencyToken: Token(commissionID, milestoneID, kind, attempt),
		Attempt:          attempt,
		Status:           enums.LedgerTransactionStatusRequested,
		SendCount:        1,
		RequestedAt:      requestedAt,
	}
}

func TestTokenIsDeterministicPerAttempt(t *testing.T) {
	commissionID := uuid.New()
	milestoneID := uuid.New()

	first := Token(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 0)
	assert.Equal(t, first, Token(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 0))
	assert.NotEqual(t, first, Token(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 1))
	assert.NotEqual(t, first, Token(commissionID, nil, enums.LedgerTransactionKindRelease, 0))
	assert.NotEqual(t, first, Token(commissionID, &milestoneID, enums.LedgerTransactionKindRefund, 0))
}

func TestLatestReturnsHighestAttempt(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))
	commissionID := uuid.New()
	milestoneID := uuid.New()
	now := time.Now().UTC()

	_, err := repo.Latest(ctx, commissionID, &milestoneID, enums.LedgerTransactionKindRelease)
	require.ErrorIs(t, err, ErrNoTransaction)

	first := newRow(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 0, now)
	require.NoError(t, repo.Create(ctx, first))
	ok, err := repo.MarkFailed(ctx, first.ID, "rejected", false, now)
	require.NoError(t, err)
	require.True(t, ok)

	second := newRow(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 1, now)
	require.NoError(t, repo.Create(ctx, second))

	latest, err := repo.Latest(ctx, commissionID, &milestoneID, enums.LedgerTransactionKindRelease)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = repo.Latest(ctx, commissionID, nil, enums.LedgerTransactionKindDeposit)
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestOnlyOneLiveReleasePerMilestone(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))
	commissionID := uuid.New()
	milestoneID := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newRow(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 0, now)))
	err := repo.Create(ctx, newRow(commissionID, &milestoneID, enums.LedgerTransactionKindRelease, 1, now))
	require.Error(t, err)
}

func TestResolutionTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))
	now := time.Now().UTC()
	row := newRow(uuid.New(), nil, enums.LedgerTransactionKindDeposit, 0, now)
	require.NoError(t, repo.Create(ctx, row))

	ok, err := repo.MarkFailed(ctx, row.ID, "timeout", true, now)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := repo.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.True(t, stored.Unresolved())

	ok, err = repo.Resend(ctx, row.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkConfirmed(ctx, row.ID, "conf-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkConfirmed(ctx, row.ID, "conf-2", now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.MarkFailed(ctx, row.ID, "late", false, now)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err = repo.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerTransactionStatusConfirmed, stored.Status)
	assert.Equal(t, 2, stored.SendCount)
	require.NotNil(t, stored.ConfirmationHandle)
	assert.Equal(t, "conf-1", *stored.ConfirmationHandle)
}

func TestListDueSelectsStaleAndAmbiguousRows(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))
	now := time.Now().UTC()
	commissionID := uuid.New()

	fresh := newRow(commissionID, nil, enums.LedgerTransactionKindDeposit, 0, now)
	require.NoError(t, repo.Create(ctx, fresh))

	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()
	stale := newRow(commissionID, &m1, enums.LedgerTransactionKindRelease, 0, now.Add(-10*time.Minute))
	require.NoError(t, repo.Create(ctx, stale))

	ambiguous := newRow(commissionID, &m2, enums.LedgerTransactionKindRelease, 0, now)
	require.NoError(t, repo.Create(ctx, ambiguous))
	_, err := repo.MarkFailed(ctx, ambiguous.ID, "unavailable", true, now)
	require.NoError(t, err)

	deferred := newRow(commissionID, &m3, enums.LedgerTransactionKindRelease, 0, now.Add(-10*time.Minute))
	require.NoError(t, repo.Create(ctx, deferred))
	require.NoError(t, repo.ScheduleRetry(ctx, deferred.ID, now.Add(time.Hour), "backoff"))

	parked := newRow(uuid.New(), nil, enums.LedgerTransactionKindRefund, 0, now.Add(-10*time.Minute))
	require.NoError(t, repo.Create(ctx, parked))
	require.NoError(t, repo.MarkNeedsAttention(ctx, parked.ID))

	due, err := repo.ListDue(ctx, DueQuery{StaleBefore: now.Add(-2 * time.Minute), Now: now, Limit: 10})
	require.NoError(t, err)

	ids := map[uuid.UUID]bool{}
	for _, row := range due {
		ids[row.ID] = true
	}
	assert.Len(t, due, 2)
	assert.True(t, ids[stale.ID])
	assert.True(t, ids[ambiguous.ID])
}

func TestRaiseKeepsOneOpenFlagPerSubject(t *testing.T) {
	ctx := context.Background()
	flags := NewFlagRepository(dbtest.Open(t))
	commissionID := uuid.New()
	subjectID := uuid.New()

	created, err := flags.Raise(ctx, NewFlag(commissionID, enums.ReconciliationSubjectLedgerTransaction, subjectID, enums.ReconciliationReasonRetryCeiling, 8, "ledger unavailable"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = flags.Raise(ctx, NewFlag(commissionID, enums.ReconciliationSubjectLedgerTransaction, subjectID, enums.ReconciliationReasonRetryCeiling, 9, ""))
	require.NoError(t, err)
	assert.False(t, created)

	open, err := flags.ListOpen(ctx, &commissionID, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := flags.Resolve(ctx, open[0].ID, time.Now())
	require.NoError(t, err)
	assert.True(t, resolved)

	created, err = flags.Raise(ctx, NewFlag(commissionID, enums.ReconciliationSubjectLedgerTransaction, subjectID, enums.ReconciliationReasonRetryCeiling, 10, ""))
	require.NoError(t, err)
	assert.True(t, created)
}
