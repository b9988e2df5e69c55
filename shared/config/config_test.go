package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCommonConfigDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDRS", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("INSTANCE_ID", "mm-1")

	cfg, err := LoadCommonConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:6379"}, cfg.RedisAddrs)
	assert.Equal(t, "arena:", cfg.RedisKeyPrefix)
	assert.Equal(t, 6*time.Minute, cfg.HeartbeatTTL)
	assert.Equal(t, "mm-1", cfg.InstanceID)
}

func TestLoadCommonConfigProductionHeartbeat(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("REDIS_ADDRS", "a:6379, b:6379")

	cfg, err := LoadCommonConfig()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.HeartbeatTTL)
	assert.Equal(t, []string{"a:6379", "b:6379"}, cfg.RedisAddrs)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadCommonConfigRejectsShortTTL(t *testing.T) {
	t.Setenv("SERVICE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("SERVICE_HEARTBEAT_TTL", "5s")

	_, err := LoadCommonConfig()
	require.Error(t, err)
}

func TestLoadTTLConfigOverrides(t *testing.T) {
	t.Setenv("TTL_QUEUE_ENTRY", "5m")

	cfg, err := LoadTTLConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.QueueEntry)
	assert.Equal(t, 24*time.Hour, cfg.Session)
	assert.Equal(t, 4*time.Hour, cfg.RoomActive)

	t.Setenv("TTL_SESSION", "bogus")
	_, err = LoadTTLConfig()
	require.Error(t, err)
}

func TestLoadLoadBalancingConfig(t *testing.T) {
	t.Setenv("LB_WEIGHT_CPU", "0.5")
	t.Setenv("LB_PREFER_SAME_REGION", "false")

	cfg, err := LoadLoadBalancingConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.WeightCPU)
	assert.False(t, cfg.PreferSameRegion)
	assert.True(t, cfg.EnableThresholdFiltering)
	assert.Equal(t, 2*time.Minute, cfg.HealthTimeout)
}

func TestLoadMatchmakerConfig(t *testing.T) {
	t.Setenv("MATCHMAKER_LISTEN_ADDR", "0.0.0.0:9100")

	cfg, err := LoadMatchmakerConfig()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.ServicePort)
	assert.Equal(t, 5, cfg.SessionMaxPerPlayer)
	assert.Equal(t, 15*time.Second, cfg.PeriodicMatchInterval)

	t.Setenv("SESSION_MAX_PER_PLAYER", "0")
	_, err = LoadMatchmakerConfig()
	require.Error(t, err)
}

func TestExtractPort(t *testing.T) {
	port, err := extractPort(":8090")
	require.NoError(t, err)
	assert.Equal(t, 8090, port)

	_, err = extractPort("nonsense")
	assert.Error(t, err)
}
