// Package app assembles the clinic services from configuration. The API
// server and the confirmation worker share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/appointment/memstore"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/db"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
	"github.com/hackgods/dental-appointment-workflow/internal/observability/metrics"
	"github.com/hackgods/dental-appointment-workflow/internal/payments"
	redisclient "github.com/hackgods/dental-appointment-workflow/internal/redis"
	"github.com/hackgods/dental-appointment-workflow/internal/seed"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry

	Appointments  *appointment.Service
	Confirmations *notify.ConfirmationService
	Dispatcher    *notify.Dispatcher
	Processed     payments.EventTracker

	// Demo holds the generated records loaded into the memory backend.
	Demo seed.Dataset

	// PgPool is nil in memory mode; Redis is nil when it could not be reached
	// in memory mode.
	PgPool *pgxpool.Pool
	Redis  *redis.Client

	closers []func()
}

type Options struct {
	// Name is reported to postgres as application_name.
	Name string
	// DemoPatients is how many fake patients the memory backend starts with.
	DemoPatients int
	DemoUsers    int
	// Sender overrides the WhatsApp client.
	Sender notify.Sender
}

// Build connects the storage backend and wires the services. Postgres mode
// requires Redis; memory mode falls back to process-local locks.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Name == "" {
		opts.Name = "dental-clinic"
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		repo  appointment.Repository
		store notify.ConfirmationStore
	)
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.WithApplicationName(opts.Name))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.PgPool = pool
		a.closers = append(a.closers, pool.Close)
		logger.Info("connected to postgres")

		repo = appointment.NewPgRepository(pool, cfg.Clinic.Location)
		store = notify.NewPgConfirmationStore(pool)
	default:
		mem := memstore.New()
		if opts.DemoPatients > 0 || opts.DemoUsers > 0 {
			a.Demo = seed.Generate(gofakeit.New(0), opts.DemoPatients, opts.DemoUsers)
			seed.LoadMemory(mem, a.Demo)
			logger.Info("memory store seeded",
				"patients", len(a.Demo.Patients), "treatments", len(a.Demo.Treatments), "users", len(a.Demo.Users))
		}
		repo = mem
		store = notify.NewMemoryConfirmationStore()
	}

	var locker redisclient.Locker
	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	switch {
	case err == nil:
		a.Redis = rdb
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", "error", err)
			}
		})
		locker = redisclient.NewRedisAgendaLocker(rdb, cfg.LockTTL)
		a.Processed = redisclient.NewProcessedTracker(rdb, 0)
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	case cfg.StorageBackend == config.StoragePostgres:
		a.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	default:
		logger.Warn("redis unavailable, using local locks", "error", err)
		locker = redisclient.NewLocalLocker(redisclient.WithLockWait(cfg.LockTTL))
		a.Processed = payments.NewMemoryTracker()
	}

	apptMetrics := metrics.NewAppointmentMetrics(a.Registry)
	msgMetrics := metrics.NewMessagingMetrics(a.Registry)

	sender := opts.Sender
	if sender == nil {
		client := notify.NewWhatsAppClient(notify.WhatsAppConfig{
			BaseURL:       cfg.WhatsApp.APIURL,
			Token:         cfg.WhatsApp.Token,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			MaxRetries:    2,
			Logger:        logger,
		})
		if !client.Enabled() {
			logger.Warn("whatsapp credentials missing, messages will not be sent")
		}
		sender = client
	}

	a.Dispatcher = notify.NewDispatcher(sender,
		notify.WithDelays(cfg.BulkDefaultDelay, cfg.BulkMaxDelay),
		notify.WithDispatcherLogger(logger),
		notify.WithMessagingMetrics(msgMetrics),
	)
	a.Confirmations = notify.NewConfirmationService(store, a.Dispatcher,
		notify.WithLead(cfg.ConfirmationLead),
		notify.WithLocation(cfg.Clinic.Location),
		notify.WithConfirmationLogger(logger),
		notify.WithConfirmationMetrics(msgMetrics),
	)
	a.Appointments = appointment.NewService(repo, locker, cfg,
		appointment.WithNotifier(a.Confirmations),
		appointment.WithLogger(logger),
		appointment.WithMetrics(apptMetrics),
	)
	a.Confirmations.Bind(a.Appointments)

	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
