package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"gistlock/cfg"
	"gistlock/metrics"
	"gistlock/svc/db"
	"gistlock/svc/svc"
	"gistlock/svc/util"
)

func main() {
	dryRun := false
	for _, arg := range os.Args[1:] {
		if arg == "-dry-run" {
			dryRun = true
		}
	}

	// Optional .env for local runs; production gets real env vars.
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("backend", c.StoreBackend).Bool("dry_run", dryRun).Msg("starting gistsweep")
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open store")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("store opened")

	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			util.Fatal().Err(err).Msg("store preflight failed")
			os.Exit(1)
		}
	}

	sweeper := svc.NewSweeper(store, svc.SweepConfig{
		DryRun:      dryRun,
		OrphanGrace: c.SweepOrphanGrace,
		Concurrency: c.SweepConcurrency,
		OpsPerSec:   c.SweepOpsPerSec,
	})
	res, err := sweeper.Run(ctx)
	if err != nil {
		util.Error().Err(err).Msg("sweep failed")
		os.Exit(1)
	}

	// Deletions leave the WAL large; fold it back into the main file
	// while we are the only writer.
	if sqlDB, ok := store.(*db.SQLite); ok && !dryRun {
		if err := sqlDB.Checkpoint(ctx); err != nil {
			util.Warn().Err(err).Msg("WAL checkpoint failed")
		}
	}

	if res.Failed > 0 {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, c *cfg.Cfg) (db.Store, error) {
	switch c.StoreBackend {
	case cfg.BackendMemory:
		return db.NewMemory(), nil
	case cfg.BackendSQLite:
		return db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	case cfg.BackendRedis:
		return db.NewRedis(c.RedisURL, c)
	case cfg.BackendBolt:
		return db.NewBolt(c.BoltPath)
	case cfg.BackendS3:
		return db.NewS3(ctx, c.S3Bucket, c.S3Prefix)
	case cfg.BackendFS:
		return db.NewFS(c.DataDir)
	}
	return nil, errors.Errorf("unknown backend %q", c.StoreBackend)
}
