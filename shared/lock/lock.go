// shared/lock/lock.go
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

const releaseTimeout = 3 * time.Second

// releaseScript deletes the lock only while the caller's token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Lock is a held lease on a named key.
type Lock struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Options tunes acquisition. RetryCount is the number of attempts after the first.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// DefaultOptions are used when a caller passes no options.
func DefaultOptions() Options {
	return Options{TTL: 30 * time.Second, RetryCount: 10, RetryDelay: 100 * time.Millisecond}
}

// Manager hands out TTL-bounded leases stored in Redis. Leases are not renewable:
// callers size TTL to the longest expected critical section.
type Manager struct {
	store    *store.Store
	defaults Options
	logger   *zap.Logger
}

// NewManager creates a lock manager. A zero defaults.TTL selects DefaultOptions.
func NewManager(s *store.Store, defaults Options, logger *zap.Logger) *Manager {
	if defaults.TTL <= 0 {
		defaults = DefaultOptions()
	}
	return &Manager{
		store:    s,
		defaults: defaults,
		logger:   logging.OrNop(logger).Named("lock"),
	}
}

func (m *Manager) options(opts []Options) Options {
	if len(opts) == 0 {
		return m.defaults
	}
	o := opts[0]
	if o.TTL <= 0 {
		o.TTL = m.defaults.TTL
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = m.defaults.RetryDelay
	}
	return o
}

func (m *Manager) redisKey(key string) string {
	return m.store.Key(redisu.LockKeyPrefix + key)
}

// AcquireLock tries to take key, retrying RetryCount times with RetryDelay between
// attempts. It fails with errs.ErrLockTimeout once every attempt lost the race.
func (m *Manager) AcquireLock(ctx context.Context, key string, opts ...Options) (*Lock, error) {
	o := m.options(opts)
	token := uuid.NewString()
	rk := m.redisKey(key)

	for attempt := 0; attempt <= o.RetryCount; attempt++ {
		ok, err := m.store.Client().SetNX(ctx, rk, token, o.TTL).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "failed to acquire lock %s", key)
		}
		if ok {
			m.logger.Debug("Lock acquired", zap.String("key", key), zap.Int("attempt", attempt+1))
			return &Lock{Key: key, Token: token, TTL: o.TTL, AcquiredAt: time.Now()}, nil
		}
		if attempt == o.RetryCount {
			break
		}

		timer := time.NewTimer(o.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrapf(ctx.Err(), "lock %s acquisition cancelled", key)
		case <-timer.C:
		}
	}

	m.logger.Debug("Lock acquisition exhausted retries", zap.String("key", key), zap.Int("retries", o.RetryCount))
	return nil, eris.Wrapf(errs.ErrLockTimeout, "lock %s", key)
}

// ReleaseLock deletes the lease if the caller still owns it. A lease that expired and
// was taken by someone else is left alone and reported as errs.ErrLockNotHeld.
func (m *Manager) ReleaseLock(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, m.store.Client(), []string{m.redisKey(l.Key)}, l.Token).Int64()
	if err != nil {
		return eris.Wrapf(err, "failed to release lock %s", l.Key)
	}
	if n == 0 {
		m.logger.Warn("Lock expired before release", zap.String("key", l.Key),
			zap.Duration("held", time.Since(l.AcquiredAt)), zap.Duration("ttl", l.TTL))
		return eris.Wrapf(errs.ErrLockNotHeld, "lock %s", l.Key)
	}
	return nil
}

// IsLocked reports whether key is currently held by anyone.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.store.Client().Exists(ctx, m.redisKey(key)).Result()
	if err != nil {
		return false, eris.Wrapf(err, "failed to check lock %s", key)
	}
	return n > 0, nil
}

// WithLock runs fn while holding key. The lease is released on every exit path,
// panics included.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...Options) error {
	_, err := WithLockValue(ctx, m, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// WithLockValue is WithLock for critical sections that produce a value.
func WithLockValue[T any](ctx context.Context, m *Manager, key string, fn func(ctx context.Context) (T, error), opts ...Options) (T, error) {
	var zero T
	l, err := m.AcquireLock(ctx, key, opts...)
	if err != nil {
		return zero, err
	}
	defer func() {
		// release even when ctx is already cancelled
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := m.ReleaseLock(rctx, l); rerr != nil && !errors.Is(rerr, errs.ErrLockNotHeld) {
			m.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(rerr))
		}
	}()
	return fn(ctx)
}
