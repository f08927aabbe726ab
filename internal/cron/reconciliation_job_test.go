package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/bring2life/bring2life-backend/internal/reconciliation"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

func TestReconciliationJobRunsSweep(t *testing.T) {
	sw := &fakeSweeper{report: reconciliation.SweepReport{ReleasesPaid: 2, Flagged: 1}}
	job := newReconciliationJob(t, sw)

	if job.Name() != "reconciliation-sweep" {
		t.Fatalf("unexpected job name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sw.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sw.calls)
	}
}

func TestReconciliationJobSurfacesItemErrors(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("ledger lookup failed")}
	job := newReconciliationJob(t, sw)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, sw.err) {
		t.Fatalf("expected wrapped sweep error, got %v", err)
	}
}

func TestReconciliationJobRequiresSweeper(t *testing.T) {
	if _, err := NewReconciliationJob(ReconciliationJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
	}); err == nil {
		t.Fatal("expected error without sweeper")
	}
}

func newReconciliationJob(t *testing.T, sw *fakeSweeper) Job {
	t.Helper()
	job, err := NewReconciliationJob(ReconciliationJobParams{
		Logger:  logger.New(logger.Options{ServiceName: "test"}),
		Sweeper: sw,
	})
	if err != nil {
		t.Fatalf("NewReconciliationJob: %v", err)
	}
	return job
}

type fakeSweeper struct {
	report reconciliation.SweepReport
	err    error
	calls  int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (reconciliation.SweepReport, error) {
	f.calls++
	return f.report, f.err
}
