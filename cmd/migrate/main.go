package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/db"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/migrate"
)

type options struct {
	cmd     string
	dir     string
	name    string
	version string
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|version|create|validate")
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	if err := run(context.Background(), logg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", opts.cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logg *logger.Logger, opts options) error {
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			return errors.New("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name, time.Now())
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	case "validate":
		if err := validate(opts.dir); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	case "up", "down", "status", "version":
	default:
		return fmt.Errorf("unknown -cmd value %q", opts.cmd)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": opts.cmd, "dir": opts.dir})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()
	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("extract sql.DB: %w", err)
	}

	logg.Info(ctx, "running migrations")
	if opts.cmd == "version" {
		if opts.version == "" {
			return errors.New("missing -version for version command")
		}
		return migrate.MigrateToVersion(ctx, sqlDB, opts.dir, opts.version)
	}
	if err := migrate.Run(ctx, sqlDB, opts.dir, opts.cmd); err != nil {
		return err
	}
	logg.Info(ctx, "migrations finished")
	return nil
}

func validate(dir string) error {
	if dir == migrate.DefaultDir {
		if _, err := os.Stat(dir); err != nil {
			return migrate.ValidateFS(migrate.Embedded())
		}
	}
	return migrate.ValidateDir(dir)
}
