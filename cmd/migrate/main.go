package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/db"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

// Usage: migrate [up|down|force <version>]
func main() {
	logger := logging.Default()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load error", "error", err)
		os.Exit(1)
	}
	if cfg.StorageBackend != config.StoragePostgres {
		logger.Error("migrations need STORAGE_BACKEND=postgres")
		os.Exit(1)
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	m, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		logger.Error("create migrator", "error", err)
		os.Exit(1)
	}
	defer func() { _, _ = m.Close() }()

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "force":
		if len(os.Args) < 3 {
			logger.Error("force needs a version")
			os.Exit(1)
		}
		version, convErr := strconv.Atoi(os.Args[2])
		if convErr != nil {
			logger.Error("invalid version", "error", convErr)
			os.Exit(1)
		}
		err = m.Force(version)
	default:
		logger.Error("unknown command", "command", cmd)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("migration failed", "command", cmd, "error", err)
		os.Exit(1)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations complete", "command", cmd, "version", version, "dirty", dirty)
}
