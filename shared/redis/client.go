// shared/redis/client.go
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures NewRedisClient.
type Options struct {
	Addrs       []string
	Password    string
	ClusterMode bool
}

// NewRedisClient creates and returns a configured Redis client. A single address yields
// a standalone client, several addresses (or ClusterMode) a cluster client.
func NewRedisClient(opts Options, logger *zap.Logger) (redis.UniversalClient, error) {
	if len(opts.Addrs) == 0 {
		return nil, eris.New("no Redis addresses provided")
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:         opts.Addrs,
		Password:      opts.Password,
		IsClusterMode: opts.ClusterMode,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		PoolTimeout:   6 * time.Second,
		PoolSize:      10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "failed to connect to Redis at %v", opts.Addrs)
	}
	if logger != nil {
		logger.Info("Connected to Redis", zap.Strings("addrs", opts.Addrs), zap.Bool("cluster", opts.ClusterMode))
	}
	return rdb, nil
}
