package main

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bring2life/bring2life-backend/api/controllers"
	"github.com/bring2life/bring2life-backend/api/routes"
	"github.com/bring2life/bring2life-backend/internal/bootstrap"
	"github.com/bring2life/bring2life-backend/internal/platform"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
)

const shutdownTimeout = 20 * time.Second

func main() {
	rt, err := bootstrap.Start("api")
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
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

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

	pingers := map[string]controllers.Pinger{"db": dbClient, "redis": redisClient}
	if p, ok := core.ObjectStore.(controllers.Pinger); ok {
		pingers["gcs"] = p
	}

	// PORT is set by the hosting platform and wins over config.
	addr := ":" + cmp.Or(os.Getenv("PORT"), cfg.App.Port)
	ctx = logg.WithField(ctx, "addr", addr)

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			registry,
			metrics.NewHTTPMetrics(registry),
			pingers,
			redisClient,
			core.Commissions,
			core.Bids,
			core.Settlement,
			core.Reputation,
			core.Notifications,
			core.Flags,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}()

	logg.Info(ctx, "starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rt.Exit(ctx, "api server stopped unexpectedly", err)
	}
	logg.Info(ctx, "api server shut down")
}
