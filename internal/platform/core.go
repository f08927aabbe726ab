// Package platform assembles the settlement core shared by the api and the
// background binaries.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/bring2life/bring2life-backend/internal/bids"
	"github.com/bring2life/bring2life-backend/internal/certificates"
	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/escrow"
	"github.com/bring2life/bring2life-backend/internal/ledger"
	"github.com/bring2life/bring2life-backend/internal/notifications"
	"github.com/bring2life/bring2life-backend/internal/reconciliation"
	"github.com/bring2life/bring2life-backend/internal/reputation"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/custody"
	"github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/locks"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/minting"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/bring2life/bring2life-backend/pkg/retry"
	"github.com/bring2life/bring2life-backend/pkg/storage/gcs"
)

// Core holds every settlement component over one database.
type Core struct {
	Commissions   commissions.Service
	Bids          bids.Service
	Escrow        escrow.Service
	Settlement    settlement.Service
	Reputation    reputation.Service
	Certificates  certificates.Service
	Notifications notifications.Service
	Sweeper       *reconciliation.Sweeper

	Flags           ledger.FlagRepository
	Outbox          *outbox.Repository
	NotificationsDB notifications.Repository
	ObjectStore     gcs.ObjectStore
	Metrics         *metrics.SettlementMetrics

	closers []func()
}

// Deps are the process-level clients Build wires the core against.
type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Registerer prometheus.Registerer
	// ObjectStore overrides the GCS client; nil dials GCS unless no bucket is configured.
	ObjectStore gcs.ObjectStore
}

func Build(ctx context.Context, deps Deps) (*Core, error) {
	cfg, logg := deps.Config, deps.Logger
	if cfg == nil || deps.DB == nil {
		return nil, fmt.Errorf("config and database required")
	}
	conn := deps.DB.DB()
	core := &Core{Metrics: metrics.NewSettlementMetrics(deps.Registerer)}

	gateway, err := core.gateway(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}
	minter, err := core.minter(ctx, cfg, logg)
	if err != nil {
		core.Close()
		return nil, err
	}
	store, err := objectStore(ctx, cfg, deps.ObjectStore, logg)
	if err != nil {
		core.Close()
		return nil, err
	}
	core.ObjectStore = store

	commissionRepo := commissions.NewRepository(conn)
	milestoneRepo := commissions.NewMilestoneRepository(conn)
	bidRepo := bids.NewRepository(conn)
	ledgerRepo := ledger.NewRepository(conn)
	core.Flags = ledger.NewFlagRepository(conn)
	core.Outbox = outbox.NewRepository(conn)
	core.NotificationsDB = notifications.NewRepository(conn)
	outboxSvc := outbox.NewService(core.Outbox, logg)
	keyed := locks.NewKeyed()

	fail := func(err error) (*Core, error) {
		core.Close()
		return nil, err
	}

	escalator, err := ledger.NewEscalator(core.Flags, outboxSvc, core.Metrics, logg)
	if err != nil {
		return fail(err)
	}

	if core.Reputation, err = reputation.NewService(deps.DB, reputation.NewRepository(conn), cfg.Settlement.ReputationDeltas, logg); err != nil {
		return fail(fmt.Errorf("reputation service: %w", err))
	}

	if core.Commissions, err = commissions.NewService(commissionRepo, milestoneRepo, ledgerRepo, cfg.Ledger.Currency, logg); err != nil {
		return fail(fmt.Errorf("commissions service: %w", err))
	}

	if core.Bids, err = bids.NewService(bids.ServiceParams{
		DB:          deps.DB,
		Bids:        bidRepo,
		Commissions: commissionRepo,
		Outbox:      outboxSvc,
		Reputation:  core.Reputation,
		Logger:      logg,
	}); err != nil {
		return fail(fmt.Errorf("bids service: %w", err))
	}

	if core.Escrow, err = escrow.NewService(escrow.ServiceParams{
		DB:          deps.DB,
		Commissions: commissionRepo,
		Milestones:  milestoneRepo,
		Bids:        bidRepo,
		Ledger:      ledgerRepo,
		Escalator:   escalator,
		Gateway:     gateway,
		Outbox:      outboxSvc,
		Locks:       keyed,
		Metrics:     core.Metrics,
		Logger:      logg,
		Config: escrow.Config{
			Currency:           cfg.Ledger.Currency,
			CallTimeout:        cfg.Ledger.CallTimeout,
			PlatformFeePercent: decimal.NewFromFloat(cfg.Settlement.PlatformFeePercent),
			StaleAfter:         cfg.Sweeper.StaleAfter,
		},
	}); err != nil {
		return fail(fmt.Errorf("escrow service: %w", err))
	}

	if core.Certificates, err = certificates.NewService(certificates.ServiceParams{
		DB:          deps.DB,
		Commissions: commissionRepo,
		Milestones:  milestoneRepo,
		Minter:      minter,
		Store:       store,
		Outbox:      outboxSvc,
		Logger:      logg,
		Config: certificates.Config{
			Dir:            cfg.GCS.CertificateDir,
			RoyaltyPercent: cfg.Minting.RoyaltyPercent,
			MintTimeout:    cfg.Minting.CallTimeout,
			Retry:          sweepRetry(cfg.Sweeper),
		},
	}); err != nil {
		return fail(fmt.Errorf("certificates service: %w", err))
	}

	if core.Settlement, err = settlement.NewService(settlement.ServiceParams{
		DB:          deps.DB,
		Commissions: commissionRepo,
		Milestones:  milestoneRepo,
		Bids:        bidRepo,
		Escrow:      core.Escrow,
		Finalizer:   core.Certificates,
		Reputation:  core.Reputation,
		Outbox:      outboxSvc,
		Locks:       keyed,
		Logger:      logg,
	}); err != nil {
		return fail(fmt.Errorf("settlement service: %w", err))
	}

	if core.Notifications, err = notifications.NewService(core.NotificationsDB); err != nil {
		return fail(fmt.Errorf("notifications service: %w", err))
	}

	if core.Sweeper, err = reconciliation.NewSweeper(reconciliation.SweeperParams{
		DB:           deps.DB,
		Ledger:       ledgerRepo,
		Commissions:  commissionRepo,
		Milestones:   milestoneRepo,
		Escrow:       core.Escrow,
		Settlement:   core.Settlement,
		Certificates: core.Certificates,
		Escalator:    escalator,
		Metrics:      core.Metrics,
		Logger:       logg,
		Config: reconciliation.Config{
			BatchSize:    cfg.Sweeper.BatchSize,
			MaxAttempts:  cfg.Sweeper.MaxAttempts,
			StaleAfter:   cfg.Sweeper.StaleAfter,
			Retry:        sweepRetry(cfg.Sweeper),
			AuditCustody: cfg.Sweeper.AuditCustody,
		},
	}); err != nil {
		return fail(fmt.Errorf("reconciliation sweeper: %w", err))
	}

	return core, nil
}

// Close releases the RPC connections opened by Build.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Core) gateway(ctx context.Context, cfg *config.Config, logg *logger.Logger) (custody.Gateway, error) {
	if cfg.Ledger.InMemory() {
		if cfg.App.IsProd() {
			return nil, fmt.Errorf("in-memory ledger is not allowed in %s", cfg.App.Env)
		}
		logg.Warn(ctx, "using in-memory custody ledger")
		return custody.NewMemoryGateway(), nil
	}
	gw, closer, err := custody.NewRPCGateway(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("dial custody ledger: %w", err)
	}
	c.closers = append(c.closers, closer)
	return gw, nil
}

func (c *Core) minter(ctx context.Context, cfg *config.Config, logg *logger.Logger) (minting.Minter, error) {
	if cfg.Minting.InMemory() {
		if cfg.App.IsProd() {
			return nil, fmt.Errorf("in-memory minter is not allowed in %s", cfg.App.Env)
		}
		logg.Warn(ctx, "using in-memory certificate minter")
		return minting.NewMemoryMinter(), nil
	}
	m, closer, err := minting.NewRPCMinter(ctx, cfg.Minting)
	if err != nil {
		return nil, fmt.Errorf("dial minting service: %w", err)
	}
	c.closers = append(c.closers, closer)
	return m, nil
}

func objectStore(ctx context.Context, cfg *config.Config, override gcs.ObjectStore, logg *logger.Logger) (gcs.ObjectStore, error) {
	if override != nil {
		return override, nil
	}
	if cfg.GCS.BucketName == "" {
		if cfg.App.IsProd() {
			return nil, fmt.Errorf("gcs bucket required in %s", cfg.App.Env)
		}
		logg.Warn(ctx, "no gcs bucket configured, certificate metadata kept in memory")
		return gcs.NewMemoryStore("local"), nil
	}
	client, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap gcs: %w", err)
	}
	return client, nil
}

func sweepRetry(cfg config.SweeperConfig) retry.Policy {
	base := cfg.BaseBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	return retry.Policy{Base: base, Max: cfg.MaxBackoff, Jitter: true}
}
