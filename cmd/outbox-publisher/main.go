package main

import (
	"context"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bring2life/bring2life-backend/internal/bootstrap"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/bring2life/bring2life-backend/pkg/outbox/registry"
)

func main() {
	rt, err := bootstrap.Start("outbox-publisher")
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
	pubsubClient, err := rt.PubSub(ctx)
	if err != nil {
		rt.Exit(ctx, "failed to connect pubsub", err)
	}
	events, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		rt.Exit(ctx, "failed to build event registry", err)
	}

	promRegistry := prometheus.NewRegistry()
	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		PubSub:     pubsubClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Registry:   events,
		Metrics:    metrics.NewOutboxMetrics(promRegistry),
	})
	if err != nil {
		rt.Exit(ctx, "failed to create outbox publisher", err)
	}

	logg.Info(ctx, "starting outbox publisher")
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := service.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return bootstrap.ServeMetrics(groupCtx, ":"+cfg.App.Port, promRegistry)
	})
	if err := group.Wait(); err != nil {
		rt.Exit(ctx, "outbox publisher stopped unexpectedly", err)
	}
	logg.Info(ctx, "outbox publisher shut down")
}
