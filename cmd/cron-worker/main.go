package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bring2life/bring2life-backend/internal/bootstrap"
	"github.com/bring2life/bring2life-backend/internal/cron"
	"github.com/bring2life/bring2life-backend/internal/platform"
	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/redis"
)

func main() {
	rt, err := bootstrap.Start("cron-worker")
	if err != nil {
		os.Exit(1)
	}
	defer rt.Close()
	cfg, logg := rt.Config, rt.Logger
	ctx, stop := rt.SignalContext()
	defer stop()

	dbClient, err := rt.Database(ctx)
	if err != nil {
		rt.Exit(ctx, "failed to connect database", err)
	}
	redisClient, err := rt.Redis(ctx)
	if err != nil {
		rt.Exit(ctx, "failed to connect redis", err)
	}

	registry := prometheus.NewRegistry()
	core, err := platform.Build(ctx, platform.Deps{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Registerer: registry,
	})
	if err != nil {
		rt.Exit(ctx, "failed to assemble settlement core", err)
	}
	rt.OnClose("settlement core", func() error { core.Close(); return nil })

	schedules, err := buildSchedules(cfg, logg, redisClient, dbClient, core, metrics.NewCronJobMetrics(registry))
	if err != nil {
		rt.Exit(ctx, "failed to build cron schedules", err)
	}

	logg.Info(ctx, "starting cron worker")
	group, groupCtx := errgroup.WithContext(ctx)
	for _, schedule := range schedules {
		group.Go(func() error {
			if err := schedule.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		return bootstrap.ServeMetrics(groupCtx, ":"+cfg.App.Port, registry)
	})
	if err := group.Wait(); err != nil {
		rt.Exit(ctx, "cron worker stopped unexpectedly", err)
	}
	logg.Info(ctx, "cron worker shut down")
}

// buildSchedules runs the reconciliation sweep on its short interval and the
// retention purge daily, each under its own redis lock.
func buildSchedules(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	dbClient *db.Client,
	core *platform.Core,
	jobMetrics *metrics.CronJobMetrics,
) ([]*cron.Service, error) {
	sweepJob, err := cron.NewReconciliationJob(cron.ReconciliationJobParams{Logger: logg, Sweeper: core.Sweeper})
	if err != nil {
		return nil, err
	}
	sweepLock, err := cron.NewRedisLock(redisClient, cfg.Sweeper.LockKey, cfg.Sweeper.LockTTL)
	if err != nil {
		return nil, err
	}
	sweep, err := cron.NewService(cron.ServiceParams{
		Name:       "reconciliation",
		Logger:     logg,
		Registry:   cron.NewRegistry(sweepJob),
		Lock:       sweepLock,
		Metrics:    jobMetrics,
		Interval:   cfg.Sweeper.Interval,
		JobTimeout: cfg.Sweeper.LockTTL,
	})
	if err != nil {
		return nil, err
	}

	retentionJob, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger:        logg,
		DB:            dbClient,
		Outbox:        core.Outbox,
		Flags:         core.Flags,
		Notifications: core.NotificationsDB,
		Retention:     time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return nil, err
	}
	retentionLock, err := cron.NewRedisLock(redisClient, retentionLockKey(cfg.App.Env), time.Hour)
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewService(cron.ServiceParams{
		Name:     "retention",
		Logger:   logg,
		Registry: cron.NewRegistry(retentionJob),
		Lock:     retentionLock,
		Metrics:  jobMetrics,
		Interval: cfg.Sweeper.OutboxInterval,
	})
	if err != nil {
		return nil, err
	}
	return []*cron.Service{sweep, retention}, nil
}

func retentionLockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return redis.Key("cron", "retention", env)
}
