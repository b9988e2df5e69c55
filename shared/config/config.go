// shared/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// CommonConfig holds configuration fields that every arena-cluster process needs.
type CommonConfig struct {
	Environment       string        // "production" or anything else (APP_ENV)
	LogLevel          string        // zap level name (LOG_LEVEL)
	RedisAddrs        []string      // Redis server addresses (e.g., "redis:6379")
	RedisPassword     string        // Redis password for authentication
	RedisKeyPrefix    string        // Prefix applied to every key and channel (e.g., "arena:")
	RedisClusterMode  bool          // Force a cluster client even with one address
	HeartbeatInterval time.Duration // How often an instance publishes its heartbeat
	HeartbeatTTL      time.Duration // Lifetime of an instance record without heartbeats
	InstanceID        string        // Unique id of this process in the cluster
	Region            string        // Region advertised for region-affinity placement
	ServiceIP         string        // The IP address this instance advertises (Kubernetes Pod IP)
	ServicePort       int           // The port this instance listens on, used for registration
}

// IsProduction reports whether APP_ENV selects production defaults.
func (c CommonConfig) IsProduction() bool {
	return c.Environment == "production"
}

// TTLConfig holds the lifetime of every key category.
type TTLConfig struct {
	Session       time.Duration
	RoomWaiting   time.Duration
	RoomActive    time.Duration
	RoomEnded     time.Duration
	QueueEntry    time.Duration
	Blacklist     time.Duration
	Connection    time.Duration
	SessionState  time.Duration
	Transaction   time.Duration
	LockDefault   time.Duration
	LockMatchmake time.Duration
	LockRoom      time.Duration
	LockPlayer    time.Duration
}

// LoadBalancingConfig configures the smart placement strategy and the discovery sweeps.
type LoadBalancingConfig struct {
	Strategy                 string
	WeightCPU                float64
	WeightMemory             float64
	WeightBattles            float64
	WeightConnections        float64
	WeightResponseTime       float64
	WeightErrorRate          float64
	CPUHigh                  float64
	MemoryHigh               float64
	BattlesMax               float64
	ConnectionsMax           float64
	ResponseTimeMax          float64
	ErrorRateMax             float64
	PreferSameRegion         bool
	EnableThresholdFiltering bool
	HealthCheckInterval      time.Duration
	HealthTimeout            time.Duration
	FailoverCheckInterval    time.Duration
}

// MatchmakerConfig holds configuration specific to the matchmaker service.
type MatchmakerConfig struct {
	CommonConfig
	TTL                    TTLConfig
	LoadBalancing          LoadBalancingConfig
	ListenAddr             string        // Address for the HTTP server (e.g., ":8090")
	RPCTimeout             time.Duration // Timeout for inter-instance battle creation
	ProbeTimeout           time.Duration // Timeout for leader reachability probes
	PeriodicMatchInterval  time.Duration // Leader-side periodic matching tick
	OrphanCleanupInterval  time.Duration // Interval of the orphaned queue entry sweep
	MaxJoinJitter          time.Duration // Upper bound of the join debounce
	SessionMaxPerPlayer    int
	SessionCleanupInterval time.Duration
	RingUpdateInterval     time.Duration // How often the sweep-ownership ring is rebuilt
	MongoDBConnStr         string        // Empty disables the match archive
	MongoDBDatabase        string
	MongoDBMatchesColl     string
}

// LoadCommonConfig loads common configuration from environment variables.
func LoadCommonConfig() (CommonConfig, error) {
	cfg := CommonConfig{
		Environment:    getString("APP_ENV", "development"),
		LogLevel:       getString("LOG_LEVEL", ""),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisKeyPrefix: getString("REDIS_KEY_PREFIX", "arena:"),
		Region:         getString("INSTANCE_REGION", "default"),
	}
	var err error

	redisAddrsStr := os.Getenv("REDIS_ADDRS")
	if redisAddrsStr == "" {
		cfg.RedisAddrs = []string{"localhost:6379"}
	} else {
		for _, addr := range strings.Split(redisAddrsStr, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.RedisAddrs = append(cfg.RedisAddrs, addr)
			}
		}
	}
	if len(cfg.RedisAddrs) == 0 {
		return cfg, eris.New("REDIS_ADDRS contains no usable address")
	}

	if cfg.RedisClusterMode, err = getBool("REDIS_CLUSTER_MODE", false); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatInterval, err = getDuration("SERVICE_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}

	// Production keeps instance records longer to ride out Redis or network hiccups.
	defaultHeartbeatTTL := 6 * time.Minute
	if cfg.IsProduction() {
		defaultHeartbeatTTL = 15 * time.Minute
	}
	if cfg.HeartbeatTTL, err = getDuration("SERVICE_HEARTBEAT_TTL", defaultHeartbeatTTL); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatTTL <= cfg.HeartbeatInterval {
		return cfg, eris.Errorf("SERVICE_HEARTBEAT_TTL (%v) must exceed SERVICE_HEARTBEAT_INTERVAL (%v)",
			cfg.HeartbeatTTL, cfg.HeartbeatInterval)
	}

	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "matchmaker"
		}
		cfg.InstanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	cfg.ServiceIP = os.Getenv("POD_IP")
	if cfg.ServiceIP == "" {
		cfg.ServiceIP = "127.0.0.1"
	}

	return cfg, nil
}

// DefaultTTLConfig returns the lifetime of every key category.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Session:       24 * time.Hour,
		RoomWaiting:   30 * time.Minute,
		RoomActive:    4 * time.Hour,
		RoomEnded:     2 * time.Hour,
		QueueEntry:    30 * time.Minute,
		Blacklist:     24 * time.Hour,
		Connection:    30 * time.Minute,
		SessionState:  24 * time.Hour,
		Transaction:   time.Hour,
		LockDefault:   30 * time.Second,
		LockMatchmake: 60 * time.Second,
		LockRoom:      30 * time.Second,
		LockPlayer:    10 * time.Second,
	}
}

// LoadTTLConfig overlays TTL_* variables on the defaults.
func LoadTTLConfig() (TTLConfig, error) {
	cfg := DefaultTTLConfig()
	var err error
	fields := []struct {
		env string
		dst *time.Duration
	}{
		{"TTL_SESSION", &cfg.Session},
		{"TTL_ROOM_WAITING", &cfg.RoomWaiting},
		{"TTL_ROOM_ACTIVE", &cfg.RoomActive},
		{"TTL_ROOM_ENDED", &cfg.RoomEnded},
		{"TTL_QUEUE_ENTRY", &cfg.QueueEntry},
		{"TTL_BLACKLIST", &cfg.Blacklist},
		{"TTL_LOCK_DEFAULT", &cfg.LockDefault},
	}
	for _, f := range fields {
		if *f.dst, err = getDuration(f.env, *f.dst); err != nil {
			return cfg, err
		}
		if *f.dst <= 0 {
			return cfg, eris.Errorf("%s must be positive (got %v)", f.env, *f.dst)
		}
	}
	return cfg, nil
}

// DefaultLoadBalancingConfig returns the smart strategy defaults.
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	return LoadBalancingConfig{
		Strategy:                 "smart",
		WeightCPU:                0.25,
		WeightMemory:             0.2,
		WeightBattles:            0.25,
		WeightConnections:        0.15,
		WeightResponseTime:       0.1,
		WeightErrorRate:          0.05,
		CPUHigh:                  80,
		MemoryHigh:               85,
		BattlesMax:               100,
		ConnectionsMax:           1000,
		ResponseTimeMax:          5000,
		ErrorRateMax:             0.1,
		PreferSameRegion:         true,
		EnableThresholdFiltering: true,
		HealthCheckInterval:      5 * time.Minute,
		HealthTimeout:            2 * time.Minute,
		FailoverCheckInterval:    10 * time.Minute,
	}
}

// LoadLoadBalancingConfig overlays LB_* variables on the defaults.
func LoadLoadBalancingConfig() (LoadBalancingConfig, error) {
	cfg := DefaultLoadBalancingConfig()
	var err error

	cfg.Strategy = getString("LB_STRATEGY", cfg.Strategy)
	floats := []struct {
		env string
		dst *float64
	}{
		{"LB_WEIGHT_CPU", &cfg.WeightCPU},
		{"LB_WEIGHT_MEMORY", &cfg.WeightMemory},
		{"LB_WEIGHT_BATTLES", &cfg.WeightBattles},
		{"LB_WEIGHT_CONNECTIONS", &cfg.WeightConnections},
		{"LB_WEIGHT_RESPONSE_TIME", &cfg.WeightResponseTime},
		{"LB_WEIGHT_ERROR_RATE", &cfg.WeightErrorRate},
		{"LB_THRESHOLD_CPU", &cfg.CPUHigh},
		{"LB_THRESHOLD_MEMORY", &cfg.MemoryHigh},
		{"LB_THRESHOLD_BATTLES", &cfg.BattlesMax},
		{"LB_THRESHOLD_CONNECTIONS", &cfg.ConnectionsMax},
		{"LB_THRESHOLD_RESPONSE_TIME", &cfg.ResponseTimeMax},
		{"LB_THRESHOLD_ERROR_RATE", &cfg.ErrorRateMax},
	}
	for _, f := range floats {
		if *f.dst, err = getFloat(f.env, *f.dst); err != nil {
			return cfg, err
		}
		if *f.dst < 0 {
			return cfg, eris.Errorf("%s must not be negative", f.env)
		}
	}
	if cfg.PreferSameRegion, err = getBool("LB_PREFER_SAME_REGION", cfg.PreferSameRegion); err != nil {
		return cfg, err
	}
	if cfg.EnableThresholdFiltering, err = getBool("LB_THRESHOLD_FILTERING", cfg.EnableThresholdFiltering); err != nil {
		return cfg, err
	}
	if cfg.HealthCheckInterval, err = getDuration("LB_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval); err != nil {
		return cfg, err
	}
	if cfg.HealthTimeout, err = getDuration("LB_HEALTH_TIMEOUT", cfg.HealthTimeout); err != nil {
		return cfg, err
	}
	if cfg.FailoverCheckInterval, err = getDuration("LB_FAILOVER_CHECK_INTERVAL", cfg.FailoverCheckInterval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadMatchmakerConfig loads configuration for the matchmaker service.
func LoadMatchmakerConfig() (*MatchmakerConfig, error) {
	common, err := LoadCommonConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load common config for matchmaker")
	}
	ttl, err := LoadTTLConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load TTL config")
	}
	lb, err := LoadLoadBalancingConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load load-balancing config")
	}

	cfg := &MatchmakerConfig{
		CommonConfig:       common,
		TTL:                ttl,
		LoadBalancing:      lb,
		ListenAddr:         getString("MATCHMAKER_LISTEN_ADDR", ":8090"),
		MongoDBConnStr:     os.Getenv("MONGODB_CONN_STR"),
		MongoDBDatabase:    getString("MONGODB_DATABASE", "arena"),
		MongoDBMatchesColl: getString("MONGODB_MATCHES_COLLECTION", "matches"),
	}

	cfg.ServicePort, err = extractPort(cfg.ListenAddr)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to extract port from MATCHMAKER_LISTEN_ADDR '%s'", cfg.ListenAddr)
	}

	if cfg.RPCTimeout, err = getDuration("MATCHMAKER_RPC_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = getDuration("MATCHMAKER_PROBE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.PeriodicMatchInterval, err = getDuration("MATCHMAKING_PERIODIC_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.OrphanCleanupInterval, err = getDuration("MATCHMAKING_ORPHAN_CLEANUP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxJoinJitter, err = getDuration("MATCHMAKING_MAX_JITTER", time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionMaxPerPlayer, err = getInt("SESSION_MAX_PER_PLAYER", 5); err != nil {
		return nil, err
	}
	if cfg.SessionMaxPerPlayer <= 0 {
		return nil, eris.Errorf("SESSION_MAX_PER_PLAYER must be a positive integer (got %d)", cfg.SessionMaxPerPlayer)
	}
	if cfg.SessionCleanupInterval, err = getDuration("SESSION_CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RingUpdateInterval, err = getDuration("CLUSTER_RING_UPDATE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getString(envKey, defaultVal string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultVal
}

// Helper function to parse duration from environment variable
func getDuration(envKey string, defaultVal time.Duration) (time.Duration, error) {
	valStr := os.Getenv(envKey)
	if valStr == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(valStr)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid duration format for %s", envKey)
	}
	return d, nil
}

// Helper function to parse int from environment variable
func getInt(envKey string, defaultVal int) (int, error) {
	valStr := os.Getenv(envKey)
	if valStr == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid integer format for %s", envKey)
	}
	return i, nil
}

func getFloat(envKey string, defaultVal float64) (float64, error) {
	valStr := os.Getenv(envKey)
	if valStr == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid float format for %s", envKey)
	}
	return f, nil
}

func getBool(envKey string, defaultVal bool) (bool, error) {
	valStr := os.Getenv(envKey)
	if valStr == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(valStr)
	if err != nil {
		return false, eris.Wrapf(err, "invalid boolean format for %s", envKey)
	}
	return b, nil
}

// extractPort extracts the numeric port from a listen address (e.g., ":8090" -> 8090, "0.0.0.0:8090" -> 8090)
func extractPort(listenAddr string) (int, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		if strings.HasPrefix(listenAddr, ":") {
			portStr = strings.TrimPrefix(listenAddr, ":")
		} else {
			return 0, eris.Wrap(err, "invalid ListenAddr format for port extraction")
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid port number '%s'", portStr)
	}
	return port, nil
}
