package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/migrate"
)

func main() {
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|validate")
	dir := flag.String("dir", "", "goose migrations directory (empty uses the migrations built into the binary)")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "ledger-migrate"})
	ctx := logg.WithField(context.Background(), "cmd", *cmd)

	if err := run(ctx, logg, *cmd, *dir, *name, *version); err != nil {
		logg.Error(ctx, "migration command failed", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logg *logger.Logger, cmd, dir, name, version string) error {
	switch cmd {
	case "create":
		if name == "" {
			return fmt.Errorf("missing -name for create")
		}
		if dir == "" {
			dir = migrate.DefaultDir
		}
		path, err := migrate.CreateSQLMigration(dir, name)
		if err != nil {
			return fmt.Errorf("create migration: %w", err)
		}
		fmt.Println("created migration:", path)
		return nil

	case "validate":
		var err error
		if dir == "" {
			err = migrate.ValidateEmbedded()
		} else {
			err = migrate.ValidateDir(dir)
		}
		if err != nil {
			return fmt.Errorf("migration validation failed: %w", err)
		}
		fmt.Println("migration validation passed")
		return nil

	case "up", "down", "status", "version":
	default:
		return fmt.Errorf("unknown -cmd value: %s", cmd)
	}

	if cmd == "version" && version == "" {
		return fmt.Errorf("missing -version for version command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "ledger-migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Fields:      logger.Fields{"env": cfg.App.Env},
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": dir})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("sql database: %w", err)
	}

	logg.Info(ctx, "migrate ready")
	if cmd == "version" {
		return migrate.MigrateToVersion(ctx, sqlDB, dir, version)
	}
	return migrate.Run(ctx, sqlDB, dir, cmd)
}
