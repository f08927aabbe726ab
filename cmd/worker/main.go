package main

import (
	"os"

	"github.com/bring2life/bring2life-backend/internal/bootstrap"
	"github.com/bring2life/bring2life-backend/internal/notifications"
	"github.com/bring2life/bring2life-backend/pkg/outbox/idempotency"
)

func main() {
	rt, err := bootstrap.Start("worker")
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
	pubsubClient, err := rt.PubSub(ctx)
	if err != nil {
		rt.Exit(ctx, "failed to connect pubsub", err)
	}

	dedupe, err := idempotency.NewDeduper(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
	if err != nil {
		rt.Exit(ctx, "failed to create event deduper", err)
	}
	notificationConsumer, err := notifications.NewConsumer(
		notifications.NewRepository(dbClient.DB()),
		pubsubClient.SettlementSubscription(),
		dedupe,
		logg,
	)
	if err != nil {
		rt.Exit(ctx, "failed to create notification consumer", err)
	}

	service, err := NewService(ServiceParams{
		Logger: logg,
		Dependencies: map[string]pinger{
			"database": dbClient,
			"redis":    redisClient,
			"pubsub":   pubsubClient,
		},
		Consumers: map[string]consumer{"notifications": notificationConsumer},
	})
	if err != nil {
		rt.Exit(ctx, "failed to create worker service", err)
	}

	logg.Info(ctx, "starting worker")
	if err := service.Run(ctx); err != nil && ctx.Err() == nil {
		rt.Exit(ctx, "worker stopped unexpectedly", err)
	}
	logg.Info(ctx, "worker shut down")
}
