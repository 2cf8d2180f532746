package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/dental-appointment-workflow/internal/app"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

// batchLimit caps how many confirmations one run claims.
const batchLimit = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("component", "confirmation-worker")
	logger.Info("confirmation worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval)

	if cfg.StorageBackend != config.StoragePostgres {
		// A memory store lives inside the api-server process; the in-process
		// cron endpoint covers that mode.
		logger.Error("confirmation worker requires STORAGE_BACKEND=postgres")
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, logger, app.Options{Name: "confirmation-worker"})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Run once at startup
	runOnce(rootCtx, logger, a.Confirmations)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping confirmation worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, a.Confirmations)
		}
	}
}

func runOnce(ctx context.Context, logger *logging.Logger, svc *notify.ConfirmationService) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	report, err := svc.DispatchDue(runCtx, batchLimit)
	if err != nil {
		logger.Error("dispatch run error", "error", err)
		return
	}
	logger.Info("dispatch run complete",
		"claimed", report.Claimed,
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", time.Since(start),
	)
}
