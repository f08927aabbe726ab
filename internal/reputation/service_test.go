package reputation

import (
	"context"
	"errors"
	"testing"

	dbpkg "github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/db/dbtest"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testDeltas = map[string]int{
	"bid_accepted":                0,
	"milestone_approved":          2,
	"commission_completed":        10,
	"dispute_resolved_for_client": -5,
}

type failingTxRunner struct {
	calls int
}

func (f *failingTxRunner) WithTx(context.Context, func(tx *gorm.DB) error) error {
	f.calls++
	return errors.New("db down")
}

func TestRecordAccumulatesScore(t *testing.T) {
	conn := dbtest.Open(t)
	svc, err := NewService(dbpkg.Wrap(conn), NewRepository(conn), testDeltas, nil)
	require.NoError(t, err)
	ctx := context.Background()
	userID := uuid.New()
	commissionID := uuid.New()

	entry, err := svc.Record(ctx, userID, commissionID, enums.ReputationEventTypeMilestoneApproved)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.ResultingScore)

	entry, err = svc.Record(ctx, userID, commissionID, enums.ReputationEventTypeCommissionCompleted)
	require.NoError(t, err)
	assert.Equal(t, 12, entry.ResultingScore)

	entry, err = svc.Record(ctx, userID, commissionID, enums.ReputationEventTypeDisputeResolvedForClient)
	require.NoError(t, err)
	assert.Equal(t, 7, entry.ResultingScore)

	entry, err = svc.Record(ctx, userID, commissionID, enums.ReputationEventTypeBidAccepted)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Delta)
	assert.Equal(t, 7, entry.ResultingScore)

	score, err := svc.Score(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 7, score.Score)
	assert.Equal(t, 4, score.Events)

	history, err := svc.History(ctx, userID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestScoreForUnknownUserIsZero(t *testing.T) {
	conn := dbtest.Open(t)
	svc, err := NewService(dbpkg.Wrap(conn), NewRepository(conn), testDeltas, nil)
	require.NoError(t, err)

	score, err := svc.Score(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, score.Score)
}

func TestUnknownDeltaKeyRejected(t *testing.T) {
	conn := dbtest.Open(t)
	_, err := NewService(dbpkg.Wrap(conn), NewRepository(conn), map[string]int{"great_vibes": 1}, nil)
	require.Error(t, err)
}

func TestTrackRetriesOnceAndSwallowsFailure(t *testing.T) {
	runner := &failingTxRunner{}
	svc, err := NewService(runner, NewRepository(nil), testDeltas, nil)
	require.NoError(t, err)

	svc.Track(context.Background(), uuid.New(), uuid.New(), enums.ReputationEventTypeMilestoneApproved)
	assert.Equal(t, 2, runner.calls)
}
