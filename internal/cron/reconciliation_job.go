package cron

import (
	"context"
	"fmt"

	"github.com/bring2life/bring2life-backend/internal/reconciliation"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

type sweeper interface {
	Sweep(ctx context.Context) (reconciliation.SweepReport, error)
}

type ReconciliationJobParams struct {
	Logger  *logger.Logger
	Sweeper sweeper
}

// NewReconciliationJob drives one reconciliation sweep per cron cycle.
func NewReconciliationJob(params ReconciliationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &reconciliationJob{logg: params.Logger, sweeper: params.Sweeper}, nil
}

type reconciliationJob struct {
	logg    *logger.Logger
	sweeper sweeper
}

func (j *reconciliationJob) Name() string { return "reconciliation-sweep" }

func (j *reconciliationJob) Run(ctx context.Context) error {
	report, err := j.sweeper.Sweep(ctx)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"transactions_resolved": report.TransactionsResolved,
		"transactions_pending":  report.TransactionsPending,
		"releases_paid":         report.ReleasesPaid,
		"releases_pending":      report.ReleasesPending,
		"cancellations":         report.Cancellations,
		"completions":           report.Completions,
		"finalized":             report.Finalized,
		"certificates_retried":  report.CertificatesRetried,
		"custody_audited":       report.CustodyAudited,
		"flagged":               report.Flagged,
		"skipped":               report.Skipped,
	})
	if err != nil {
		j.logg.Warn(logCtx, "reconciliation sweep finished with item errors")
		return fmt.Errorf("reconciliation sweep: %w", err)
	}
	if report.Flagged > 0 {
		j.logg.Warn(logCtx, "reconciliation sweep flagged items for review")
		return nil
	}
	j.logg.Info(logCtx, "reconciliation sweep complete")
	return nil
}
