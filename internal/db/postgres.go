package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type poolSettings struct {
	appName  string
	maxConns int32
}

type PoolOption func(*poolSettings)

// WithApplicationName tags the connections in pg_stat_activity.
func WithApplicationName(name string) PoolOption {
	return func(s *poolSettings) { s.appName = name }
}

func WithMaxConns(n int32) PoolOption {
	return func(s *poolSettings) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// poolConfig pins sessions to UTC; local clinic days are computed in Go.
func poolConfig(dsn string, opts ...PoolOption) (*pgxpool.Config, error) {
	settings := poolSettings{appName: "dental-clinic", maxConns: 10}
	for _, opt := range opts {
		opt(&settings)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = settings.maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = settings.appName
	cfg.ConnConfig.RuntimeParams["timezone"] = "UTC"
	return cfg, nil
}

func ConnectPostgres(ctx context.Context, dsn string, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(dsn, opts...)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}
