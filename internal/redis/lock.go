package redisclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("agenda lock not acquired")
)

const (
	defaultRetryInterval = 25 * time.Millisecond
	maxRetryInterval     = 250 * time.Millisecond
)

// Locker is used by the appointment service to guard critical sections per
// clinic day. Acquiring waits for the current holder; it gives up with
// ErrLockNotAcquired only when the wait budget or ctx runs out.
type Locker interface {
	WithAgendaLock(ctx context.Context, days []string, fn func(ctx context.Context) error) error
}

type LockOption func(*lockSettings)

type lockSettings struct {
	wait  time.Duration
	retry time.Duration
}

// WithLockWait bounds how long an acquire waits for a busy day. Zero means
// the lock TTL.
func WithLockWait(d time.Duration) LockOption {
	return func(s *lockSettings) { s.wait = d }
}

// WithRetryInterval sets the first poll interval; later polls back off up to
// 250ms.
func WithRetryInterval(d time.Duration) LockOption {
	return func(s *lockSettings) {
		if d > 0 {
			s.retry = d
		}
	}
}

func newLockSettings(ttl time.Duration, opts []LockOption) lockSettings {
	s := lockSettings{wait: ttl, retry: defaultRetryInterval}
	for _, opt := range opts {
		opt(&s)
	}
	if s.wait <= 0 {
		s.wait = ttl
	}
	return s
}

// lockOrder dedupes and sorts days so every caller takes keys in the same
// order.
func lockOrder(days []string) []string {
	out := slices.Clone(days)
	slices.Sort(out)
	return slices.Compact(out)
}

type redisAgendaLocker struct {
	client   *redis.Client
	ttl      time.Duration
	settings lockSettings
}

// NewRedisAgendaLocker creates a locker holding one Redis key per clinic day.
func NewRedisAgendaLocker(client *redis.Client, ttl time.Duration, opts ...LockOption) Locker {
	return &redisAgendaLocker{
		client:   client,
		ttl:      ttl,
		settings: newLockSettings(ttl, opts),
	}
}

func agendaKey(day string) string {
	return fmt.Sprintf("lock:agenda:%s", day)
}

func (l *redisAgendaLocker) WithAgendaLock(ctx context.Context, days []string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	waitCtx, cancelWait := context.WithTimeout(ctx, l.settings.wait)
	defer cancelWait()

	var held []string
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(releaseCtx, held[i], token)
		}
	}()

	for _, day := range lockOrder(days) {
		key := agendaKey(day)
		if err := l.acquire(waitCtx, key, token); err != nil {
			return err
		}
		held = append(held, key)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

// acquire polls SETNX with growing intervals until the key is ours or ctx
// ends.
func (l *redisAgendaLocker) acquire(ctx context.Context, key, token string) error {
	interval := l.settings.retry
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
			}
			return fmt.Errorf("acquire agenda lock: %w", err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		case <-timer.C:
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisAgendaLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release agenda lock: %w", err)
	}
	return nil
}

type localAgendaLocker struct {
	mu       sync.Mutex
	days     map[string]chan struct{}
	settings lockSettings
}

// NewLocalLocker guards days inside a single process. It backs the memory
// storage mode where no Redis is available.
func NewLocalLocker(opts ...LockOption) Locker {
	return &localAgendaLocker{
		days:     make(map[string]chan struct{}),
		settings: newLockSettings(5*time.Second, opts),
	}
}

func (l *localAgendaLocker) slot(day string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.days[day]
	if !ok {
		ch = make(chan struct{}, 1)
		l.days[day] = ch
	}
	return ch
}

func (l *localAgendaLocker) WithAgendaLock(ctx context.Context, days []string, fn func(ctx context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.settings.wait)
	defer cancel()

	var held []chan struct{}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}()

	for _, day := range lockOrder(days) {
		ch := l.slot(day)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-waitCtx.Done():
			return fmt.Errorf("%w: %s", ErrLockNotAcquired, day)
		}
	}

	return fn(ctx)
}
