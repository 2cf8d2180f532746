package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/dental-appointment-workflow/internal/api"
	"github.com/hackgods/dental-appointment-workflow/internal/app"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/payments"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("api-server starting up",
		"env", cfg.Env,
		"http_port", cfg.HTTPPort,
		"storage", cfg.StorageBackend,
		"timezone", cfg.Clinic.Location.String(),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, logger, app.Options{Name: "api-server", DemoPatients: 20, DemoUsers: 3})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if len(a.Demo.Patients) > 0 {
		logger.Info("demo data available",
			"patient_dni", a.Demo.Patients[0].DNI,
			"patient_id", a.Demo.Patients[0].ID,
			"treatment_id", a.Demo.Treatments[0].ID,
			"staff_user_id", a.Demo.Users[0].ID,
		)
	}

	stripe := payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, a.Appointments, a.Processed, logger)
	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, stripe signatures are not verified")
	}

	routerCfg := api.RouterConfig{
		Appointments:        a.Appointments,
		Confirmations:       a.Confirmations,
		Messenger:           a.Dispatcher,
		StripeWebhook:       stripe.Handle,
		Metrics:             promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Logger:              logger,
		Storage:             cfg.StorageBackend,
		Env:                 cfg.Env,
		Version:             version,
		CronSecret:          cfg.CronSecret,
		WhatsAppVerifyToken: cfg.WhatsApp.VerifyToken,
	}
	// Interface fields stay untyped nil when the dependency is absent.
	if a.PgPool != nil {
		routerCfg.PgPool = a.PgPool
	}
	if a.Redis != nil {
		routerCfg.Redis = a.Redis
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: bulk sends keep the response open while pacing.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}
