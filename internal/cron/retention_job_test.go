package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/logger"
	"gorm.io/gorm"
)

func TestRetentionJobPurgesBothTables(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	events := &fakeEventPurger{}
	flags := &fakeFlagPurger{}
	job := newRetentionJob(t, events, flags)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cutoff := now.Add(-defaultRetention)
	if !events.cutoff.Equal(cutoff) {
		t.Fatalf("expected outbox cutoff %s, got %s", cutoff, events.cutoff)
	}
	if events.minAttempts != defaultOutboxMinAttempts {
		t.Fatalf("expected min attempts %d, got %d", defaultOutboxMinAttempts, events.minAttempts)
	}
	if !flags.cutoff.Equal(cutoff) {
		t.Fatalf("expected flag cutoff %s, got %s", cutoff, flags.cutoff)
	}
	if events.calls != 1 || flags.calls != 1 {
		t.Fatalf("expected one purge each, got outbox=%d flags=%d", events.calls, flags.calls)
	}
}

func TestRetentionJobContinuesAfterFailure(t *testing.T) {
	events := &fakeEventPurger{err: errors.New("outbox locked")}
	flags := &fakeFlagPurger{}
	job := newRetentionJob(t, events, flags)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "purge outbox_events") {
		t.Fatalf("unexpected error %v", err)
	}
	if flags.calls != 1 {
		t.Fatalf("expected flag purge to still run, got %d calls", flags.calls)
	}
}

func newRetentionJob(t *testing.T, events *fakeEventPurger, flags *fakeFlagPurger) *retentionJob {
	t.Helper()
	jobIface, err := NewRetentionJob(RetentionJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		DB:     passthroughTx{},
		Outbox: events,
		Flags:  flags,
	})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	job, ok := jobIface.(*retentionJob)
	if !ok {
		t.Fatalf("expected retentionJob, got %T", jobIface)
	}
	return job
}

type fakeEventPurger struct {
	cutoff      time.Time
	minAttempts int
	calls       int
	err         error
}

func (f *fakeEventPurger) PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttempts int) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	f.minAttempts = minAttempts
	if f.err != nil {
		return 0, f.err
	}
	return 4, nil
}

type fakeFlagPurger struct {
	cutoff time.Time
	calls  int
	err    error
}

func (f *fakeFlagPurger) DeleteResolvedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return 2, f.err
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}
