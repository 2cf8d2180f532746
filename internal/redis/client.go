package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pingAttempts = 3
	pingBackoff  = 500 * time.Millisecond
)

// NewRedisClient connects and pings, retrying a few times while the server
// comes up. The caller owns Close.
func NewRedisClient(ctx context.Context, addr, username, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     username,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 1,
	})

	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return rdb, nil
		}
		if attempt == pingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", ctx.Err())
		case <-time.After(pingBackoff * time.Duration(attempt)):
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("ping redis after %d attempts: %w", pingAttempts, err)
}
