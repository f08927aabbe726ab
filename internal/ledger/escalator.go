package ledger

import (
	"context"
	"fmt"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
	"gorm.io/gorm"
)

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Escalator parks items for an operator: it raises the flag and announces it
// on the outbox in the caller's transaction.
type Escalator struct {
	flags   FlagRepository
	outbox  eventEmitter
	metrics *metrics.SettlementMetrics
	logg    *logger.Logger
}

func NewEscalator(flags FlagRepository, emitter eventEmitter, m *metrics.SettlementMetrics, logg *logger.Logger) (*Escalator, error) {
	if flags == nil {
		return nil, fmt.Errorf("flag repository required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Escalator{flags: flags, outbox: emitter, metrics: m, logg: logg}, nil
}

// Escalate reports whether a new flag was written. An open flag for the same
// subject and reason makes it a no-op.
func (e *Escalator) Escalate(ctx context.Context, tx *gorm.DB, flag *models.ReconciliationFlag) (bool, error) {
	created, err := e.flags.WithTx(tx).Raise(ctx, flag)
	if err != nil || !created {
		return false, err
	}

	details := ""
	if flag.Details != nil {
		details = *flag.Details
	}
	err = e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventReconciliationFlagged,
		AggregateType: enums.AggregateReconciliationFlag,
		AggregateID:   flag.ID,
		Data: payloads.ReconciliationFlaggedEvent{
			FlagID:       flag.ID,
			CommissionID: flag.CommissionID,
			SubjectType:  flag.SubjectType,
			SubjectID:    flag.SubjectID,
			Reason:       flag.Reason,
			Details:      details,
		},
	})
	if err != nil {
		return false, err
	}

	e.metrics.Flag(flag.Reason.String())
	logCtx := e.logg.WithFields(ctx, map[string]any{
		"commission_id": flag.CommissionID.String(),
		"subject_type":  flag.SubjectType,
		"subject_id":    flag.SubjectID.String(),
		"reason":        flag.Reason,
	})
	e.logg.Warn(logCtx, "reconciliation flag raised")
	return true, nil
}
