// matchmaker/session/blacklist.go
package session

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

// Blacklist is the revocation list of access token ids. An entry lives until the
// token itself would have expired.
type Blacklist struct {
	store      *store.Store
	locks      *lock.Manager
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewBlacklist builds the list. defaultTTL applies to entries without a known expiry.
func NewBlacklist(s *store.Store, locks *lock.Manager, defaultTTL time.Duration, logger *zap.Logger) *Blacklist {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Blacklist{
		store:      s,
		locks:      locks,
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     logging.OrNop(logger).Named("blacklist"),
	}
}

// Add revokes jti until expiry. Tokens that already expired are not recorded.
func (b *Blacklist) Add(ctx context.Context, jti string, expiry time.Time, reason string) error {
	if jti == "" {
		return eris.Wrap(errs.ErrValidation, "jti is required")
	}
	now := b.now()
	if expiry.IsZero() || expiry.UnixMilli() <= 0 {
		expiry = now.Add(b.defaultTTL)
	}
	ttl := expiry.Sub(now)
	if ttl <= 0 {
		b.logger.Debug("Skipping revocation of expired token", zap.String("jti", jti))
		return nil
	}
	entry := models.AuthBlacklistEntry{JTI: jti, Expiry: expiry.UnixMilli(), Reason: reason, RevokedAt: now.UnixMilli()}
	return b.locks.WithLock(ctx, lock.AuthTokenKey(jti), func(ctx context.Context) error {
		if err := b.store.SetJSON(ctx, redisu.BlacklistKey(jti), entry, ttl); err != nil {
			return err
		}
		b.logger.Info("Token revoked", zap.String("jti", jti), zap.String("reason", reason), zap.Duration("ttl", ttl))
		return nil
	}, lock.Options{TTL: 5 * time.Second, RetryCount: 10, RetryDelay: 100 * time.Millisecond})
}

// IsBlacklisted reports whether jti is revoked.
func (b *Blacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	return b.store.Exists(ctx, redisu.BlacklistKey(jti))
}

// Get returns the entry of jti.
func (b *Blacklist) Get(ctx context.Context, jti string) (*models.AuthBlacklistEntry, error) {
	var entry models.AuthBlacklistEntry
	ok, err := b.store.GetJSON(ctx, redisu.BlacklistKey(jti), &entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(errs.ErrNotFound, "blacklist entry %s", jti)
	}
	return &entry, nil
}

func (b *Blacklist) Remove(ctx context.Context, jti string) error {
	return b.store.Del(ctx, redisu.BlacklistKey(jti))
}

// CleanupExpiredEntries deletes entries whose expiry passed but whose key survived,
// such as keys restored without a TTL. It returns the number deleted.
func (b *Blacklist) CleanupExpiredEntries(ctx context.Context) (int, error) {
	now := b.now().UnixMilli()
	var stale []string
	err := b.store.ScanKeys(ctx, redisu.BlacklistKeyPrefix+"*", func(key string) error {
		var entry models.AuthBlacklistEntry
		ok, err := b.store.GetJSON(ctx, key, &entry)
		if err != nil {
			b.logger.Warn("Dropping unreadable blacklist entry", zap.String("key", key), zap.Error(err))
			stale = append(stale, key)
			return nil
		}
		if ok && entry.Expiry <= now {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := b.store.Del(ctx, stale...); err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		b.logger.Info("Expired blacklist entries removed", zap.Int("removed", len(stale)))
	}
	return len(stale), nil
}
