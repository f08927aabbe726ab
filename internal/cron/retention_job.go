package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/bring2life/bring2life-backend/pkg/logger"
)

const (
	defaultRetention         = 30 * 24 * time.Hour
	defaultOutboxMinAttempts = 5
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type publishedEventPurger interface {
	PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttempts int) (int64, error)
}

type resolvedFlagPurger interface {
	DeleteResolvedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type readNotificationPurger interface {
	DeleteReadBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// RetentionJobParams configure the daily purge of settled bookkeeping rows.
// Ledger transactions are never purged; they are the audit trail.
type RetentionJobParams struct {
	Logger            *logger.Logger
	DB                txRunner
	Outbox            publishedEventPurger
	Flags             resolvedFlagPurger
	Notifications     readNotificationPurger
	Retention         time.Duration
	OutboxMinAttempts int
}

func NewRetentionJob(params RetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox repository required")
	case params.Flags == nil:
		return nil, fmt.Errorf("reconciliation flag repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	minAttempts := params.OutboxMinAttempts
	if minAttempts <= 0 {
		minAttempts = defaultOutboxMinAttempts
	}
	return &retentionJob{
		logg:        params.Logger,
		db:          params.DB,
		outbox:      params.Outbox,
		flags:       params.Flags,
		notices:     params.Notifications,
		retention:   retention,
		minAttempts: minAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

type retentionJob struct {
	logg        *logger.Logger
	db          txRunner
	outbox      publishedEventPurger
	flags       resolvedFlagPurger
	notices     readNotificationPurger
	retention   time.Duration
	minAttempts int
	now         func() time.Time
}

func (j *retentionJob) Name() string { return "retention" }

// Run purges each table in its own transaction.
func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)
	fields := map[string]any{
		"cutoff":              cutoff,
		"retention_hours":     int(j.retention.Hours()),
		"outbox_min_attempts": j.minAttempts,
	}

	var err error
	purge := func(table string, fn func(tx *gorm.DB) (int64, error)) {
		var n int64
		txErr := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			deleted, purgeErr := fn(tx)
			n = deleted
			return purgeErr
		})
		if txErr != nil {
			err = multierr.Append(err, fmt.Errorf("purge %s: %w", table, txErr))
			return
		}
		fields[table+"_deleted"] = n
	}

	purge("outbox_events", func(tx *gorm.DB) (int64, error) {
		return j.outbox.PurgeBefore(ctx, tx, cutoff, j.minAttempts)
	})
	purge("reconciliation_flags", func(tx *gorm.DB) (int64, error) {
		return j.flags.DeleteResolvedBefore(ctx, tx, cutoff)
	})
	if j.notices != nil {
		purge("notifications", func(tx *gorm.DB) (int64, error) {
			return j.notices.DeleteReadBefore(ctx, tx, cutoff)
		})
	}

	if err != nil {
		return err
	}
	j.logg.Info(j.logg.WithFields(ctx, fields), "retention purge complete")
	return nil
}
