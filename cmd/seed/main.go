package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/db"
	"github.com/hackgods/dental-appointment-workflow/internal/seed"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

func main() {
	patients := flag.Int("patients", 2000, "number of fake patients")
	users := flag.Int("users", 6, "number of staff accounts")
	fakerSeed := flag.Uint64("seed", 0, "faker seed, 0 picks a random one")
	migrateFirst := flag.Bool("migrate", true, "apply pending migrations before seeding")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	logger.Info("seed starting", "patients", *patients, "users", *users)

	if cfg.StorageBackend != config.StoragePostgres {
		logger.Error("seed writes to postgres, set STORAGE_BACKEND=postgres")
		os.Exit(1)
	}

	if *migrateFirst {
		if err := db.MigrateUp(cfg.PostgresDSN); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.WithApplicationName("seed"))
	cancel()
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	ds := seed.Generate(gofakeit.New(*fakerSeed), *patients, *users)

	start := time.Now()
	if err := seed.WritePostgres(context.Background(), pool, ds); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete",
		"patients", len(ds.Patients),
		"treatments", len(ds.Treatments),
		"users", len(ds.Users),
		"duration", time.Since(start),
	)
}
