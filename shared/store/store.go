// shared/store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
)

const scanBatch = 100

// Store is the shared state store every cluster component works against.
// It scopes keys and channels under a prefix and exposes the primitives the
// higher layers need; plain commands go through Client with Key-built names.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// New wraps an initialized Redis client.
func New(client redis.UniversalClient, prefix string, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		logger: logging.OrNop(logger).Named("store"),
	}
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Prefix returns the key prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

// Key scopes k under the store prefix.
func (s *Store) Key(k string) string {
	return s.prefix + k
}

// Keys scopes every key in ks.
func (s *Store) Keys(ks ...string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = s.prefix + k
	}
	return out
}

// Unprefix strips the store prefix from a full key.
func (s *Store) Unprefix(full string) string {
	return strings.TrimPrefix(full, s.prefix)
}

// SetJSON stores v as JSON under key. A zero ttl keeps the key forever.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "failed to marshal value for %s", key)
	}
	if err := s.client.Set(ctx, s.Key(key), data, ttl).Err(); err != nil {
		return eris.Wrapf(err, "failed to set %s", key)
	}
	return nil
}

// GetJSON decodes the JSON stored under key into v. It reports false when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, s.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "failed to get %s", key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, eris.Wrapf(err, "failed to decode %s", key)
	}
	return true, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, s.Keys(keys...)...).Err(); err != nil {
		return eris.Wrapf(err, "failed to delete %v", keys)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.Key(key)).Result()
	if err != nil {
		return false, eris.Wrapf(err, "failed to check %s", key)
	}
	return n > 0, nil
}

// Pipelined runs fn in a non-transactional pipeline.
func (s *Store) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := s.client.Pipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return cmds, eris.Wrap(err, "pipeline failed")
	}
	return cmds, nil
}

// TxPipelined runs fn inside MULTI/EXEC.
func (s *Store) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := s.client.TxPipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return cmds, eris.Wrap(err, "transaction pipeline failed")
	}
	return cmds, nil
}

// Watch runs fn with optimistic locking on keys. The keys are scoped by the prefix.
// A concurrent modification surfaces as redis.TxFailedErr.
func (s *Store) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return s.client.Watch(ctx, fn, s.Keys(keys...)...)
}

// ScanKeys calls fn with every key matching pattern, unprefixed. On a cluster client
// every master node is scanned.
func (s *Store) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	match := s.Key(pattern)
	scan := func(ctx context.Context, c redis.Cmdable) error {
		var cursor uint64
		for {
			keys, next, err := c.Scan(ctx, cursor, match, scanBatch).Result()
			if err != nil {
				return eris.Wrapf(err, "scan %s failed", pattern)
			}
			for _, k := range keys {
				if err := fn(s.Unprefix(k)); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}

	if cc, ok := s.client.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	}
	return scan(ctx, s.client)
}

// Publish sends v as JSON on channel.
func (s *Store) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "failed to marshal message for %s", channel)
	}
	if err := s.client.Publish(ctx, s.Key(channel), data).Err(); err != nil {
		return eris.Wrapf(err, "failed to publish on %s", channel)
	}
	return nil
}

// Subscribe listens on channel and calls handler with every raw payload until ctx is
// done. It returns once the subscription is confirmed; delivery runs in a goroutine.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	ps := s.client.Subscribe(ctx, s.Key(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return eris.Wrapf(err, "failed to subscribe to %s", channel)
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	s.logger.Debug("Subscribed", zap.String("channel", channel))
	return nil
}
