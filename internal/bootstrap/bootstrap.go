// Package bootstrap holds the process setup shared by the binaries under
// cmd/: environment and config loading, the logger, infrastructure clients
// and ordered shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/instance"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/migrate"
	"github.com/bring2life/bring2life-backend/pkg/pubsub"
	"github.com/bring2life/bring2life-backend/pkg/redis"
)

const metricsShutdownTimeout = 5 * time.Second

type closer struct {
	name  string
	close func() error
}

// Runtime is one running binary. Clients opened through it are closed by
// Close in reverse order.
type Runtime struct {
	Config  *config.Config
	Logger  *logger.Logger
	closers []closer
}

// Start loads .env (when present) and config, stamps the service kind and
// builds the configured logger.
func Start(kind string) (*Runtime, error) {
	boot := logger.New(logger.Options{ServiceName: kind})
	if err := godotenv.Load(); err != nil {
		boot.Warn(context.Background(), ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		boot.Error(context.Background(), "failed to load config", err)
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = kind
	return &Runtime{
		Config: cfg,
		Logger: logger.New(logger.Options{
			ServiceName: kind,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			WarnStack:   cfg.App.LogWarnStack,
		}),
	}, nil
}

// OnClose registers fn to run during Close.
func (r *Runtime) OnClose(name string, fn func() error) {
	r.closers = append(r.closers, closer{name: name, close: fn})
}

// Close runs the registered closers newest first, logging failures.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(); err != nil {
			r.Logger.Error(context.Background(), "error closing "+c.name, err)
		}
	}
	r.closers = nil
}

// Exit logs err, closes everything and exits non-zero.
func (r *Runtime) Exit(ctx context.Context, msg string, err error) {
	r.Logger.Error(ctx, msg, err)
	r.Close()
	os.Exit(1)
}

// Database connects Postgres and, in dev, applies pending migrations.
func (r *Runtime) Database(ctx context.Context) (*db.Client, error) {
	client, err := db.New(ctx, r.Config.DB, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	r.OnClose("database", client.Close)
	if err := migrate.MaybeRunDev(ctx, r.Config, r.Logger, client); err != nil {
		return nil, fmt.Errorf("dev migrations: %w", err)
	}
	return client, nil
}

func (r *Runtime) Redis(ctx context.Context) (*redis.Client, error) {
	client, err := redis.New(ctx, r.Config.Redis, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	r.OnClose("redis", client.Close)
	return client, nil
}

func (r *Runtime) PubSub(ctx context.Context) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, r.Config.GCP, r.Config.PubSub, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap pubsub: %w", err)
	}
	r.OnClose("pubsub", client.Close)
	return client, nil
}

// SignalContext is canceled on SIGINT or SIGTERM and carries the fields
// every log line of the process shares.
func (r *Runtime) SignalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return r.Logger.WithFields(ctx, map[string]any{
		"env":          r.Config.App.Env,
		"service_kind": r.Config.Service.Kind,
		"instance":     instance.GetID(),
	}), stop
}

// ServeMetrics exposes gatherer on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
