package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bring2life/bring2life-backend/pkg/db/dbtest"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
)

func seedEvent(t *testing.T, repo *Repository, createdAt time.Time, attempts int) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventMilestonePaid,
		AggregateType: enums.AggregateMilestone,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1}`),
		CreatedAt:     createdAt,
		AttemptCount:  attempts,
	}
	require.NoError(t, repo.Insert(repo.db, row))
	return row
}

func TestEmitWritesEnvelope(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)
	actor := &ActorRef{UserID: uuid.New(), Role: "client"}
	commissionID := uuid.New()

	err := svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     enums.EventCommissionFunded,
		AggregateType: enums.AggregateCommission,
		AggregateID:   commissionID,
		Actor:         actor,
		Data:          map[string]int64{"amount": 1200},
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, commissionID, rows[0].AggregateID)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.False(t, envelope.OccurredAt.IsZero())
	assert.Equal(t, actor.UserID, envelope.Actor.UserID)
	assert.JSONEq(t, `{"amount":1200}`, string(envelope.Data))
}

func TestEmitRejectsUnmarshalableData(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)

	err := svc.Emit(context.Background(), conn, DomainEvent{EventType: enums.EventBidAccepted, Data: make(chan int)})
	require.Error(t, err)
	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{}))

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaimBatchSkipsPublishedAndExhaustedRows(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	base := time.Now().Add(-time.Hour).UTC()

	second := seedEvent(t, repo, base.Add(2*time.Minute), 1)
	first := seedEvent(t, repo, base.Add(time.Minute), 0)
	published := seedEvent(t, repo, base, 0)
	require.NoError(t, repo.MarkPublished(conn, published.ID, time.Now()))
	seedEvent(t, repo, base, 5)

	rows, err := repo.ClaimBatch(conn, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID)
	assert.Equal(t, second.ID, rows[1].ID)
}

func TestRecordFailureAndDeadLetter(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	row := seedEvent(t, repo, time.Now().UTC(), 0)

	require.NoError(t, repo.RecordFailure(conn, row.ID, errors.New(strings.Repeat("x", 2*maxStoredError))))
	var stored models.OutboxEvent
	require.NoError(t, conn.First(&stored, "id = ?", row.ID).Error)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.LastError)
	assert.Len(t, *stored.LastError, maxStoredError)

	msg := "topic missing"
	require.NoError(t, repo.DeadLetter(conn, models.OutboxDLQ{
		EventID:       row.ID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		ErrorReason:   enums.OutboxDLQReasonNonRetryable,
		ErrorMessage:  &msg,
		AttemptCount:  1,
	}, 10))

	var dlq models.OutboxDLQ
	require.NoError(t, conn.First(&dlq, "event_id = ?", row.ID).Error)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, dlq.ErrorReason)

	rows, err := repo.ClaimBatch(conn, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "dead-lettered rows must not be claimed again")
}

func TestPurgeBeforeKeepsPendingRows(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	old := time.Now().Add(-48 * time.Hour).UTC()

	done := seedEvent(t, repo, old, 0)
	require.NoError(t, repo.MarkPublished(conn, done.ID, old))
	seedEvent(t, repo, old, 10)
	pending := seedEvent(t, repo, old, 2)
	fresh := seedEvent(t, repo, time.Now().UTC(), 0)
	require.NoError(t, repo.MarkPublished(conn, fresh.ID, time.Now()))

	deleted, err := repo.PurgeBefore(context.Background(), nil, time.Now().Add(-24*time.Hour).UTC(), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	var left []models.OutboxEvent
	require.NoError(t, conn.Order("created_at").Find(&left).Error)
	require.Len(t, left, 2)
	assert.Equal(t, pending.ID, left[0].ID)
	assert.Equal(t, fresh.ID, left[1].ID)
}
