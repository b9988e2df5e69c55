// matchmaker/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mmapi "github.com/Ftotnem/arena-cluster/matchmaker/api"
	"github.com/Ftotnem/arena-cluster/matchmaker/archive"
	"github.com/Ftotnem/arena-cluster/matchmaker/battle"
	"github.com/Ftotnem/arena-cluster/matchmaker/coordinator"
	"github.com/Ftotnem/arena-cluster/matchmaker/hub"
	"github.com/Ftotnem/arena-cluster/matchmaker/matching"
	"github.com/Ftotnem/arena-cluster/matchmaker/queue"
	"github.com/Ftotnem/arena-cluster/matchmaker/room"
	"github.com/Ftotnem/arena-cluster/matchmaker/rules"
	"github.com/Ftotnem/arena-cluster/matchmaker/session"
	"github.com/Ftotnem/arena-cluster/shared/api"
	"github.com/Ftotnem/arena-cluster/shared/cluster"
	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/discovery"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/mongodb"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/registry"
	"github.com/Ftotnem/arena-cluster/shared/service"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/store"
	"github.com/Ftotnem/arena-cluster/shared/txn"
	"github.com/Ftotnem/arena-cluster/shared/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// --- 1. Configuration and logging ---
	cfg, err := config.LoadMatchmakerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	logger = logger.With(zap.String("instance", cfg.InstanceID))

	err = run(cfg, logger)
	if err != nil {
		logger.Error("Matchmaker stopped with error", zap.Error(err))
	} else {
		logger.Info("Matchmaker gracefully shut down")
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.MatchmakerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 2. Redis and the shared store ---
	redisClient, err := redisu.NewRedisClient(redisu.Options{
		Addrs:       cfg.RedisAddrs,
		Password:    cfg.RedisPassword,
		ClusterMode: cfg.RedisClusterMode,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Error closing Redis client", zap.Error(err))
		}
	}()
	m := metrics.New(prometheus.DefaultRegisterer)
	st := store.New(redisClient, cfg.RedisKeyPrefix, logger)

	// --- 3. Coordination primitives ---
	locks := lock.NewManager(st, lock.Options{TTL: cfg.TTL.LockDefault, RetryCount: 10, RetryDelay: 100 * time.Millisecond}, logger)
	txns := txn.NewManager(st, locks, m, logger)
	clusterState := state.NewManager(st, state.Options{
		InstanceID:    cfg.InstanceID,
		TTL:           cfg.TTL,
		HeartbeatTTL:  cfg.HeartbeatTTL,
		HealthTimeout: cfg.LoadBalancing.HealthTimeout,
	}, logger)

	strategy, err := discovery.NewStrategy(cfg.LoadBalancing, nil)
	if err != nil {
		return err
	}
	disc := discovery.New(clusterState, strategy, cfg.LoadBalancing, cfg.Region, m, logger)
	assignments := cluster.NewAssignmentManager(disc, cfg.InstanceID, cfg.RingUpdateInterval, m, logger)

	// --- 4. Sessions, queues and rooms ---
	blacklist := session.NewBlacklist(st, locks, cfg.TTL.Blacklist, logger)
	sessions := session.NewManager(st, locks, blacklist, session.Options{
		InstanceID:  cfg.InstanceID,
		MaxSessions: cfg.SessionMaxPerPlayer,
		TTL:         cfg.TTL.Session,
		LockTTL:     cfg.TTL.LockPlayer,
	}, logger)
	states := session.NewStateManager(st, cfg.TTL.SessionState, logger)
	queues := queue.NewManager(st, cfg.TTL.QueueEntry, logger)
	engine := battle.NewLocalEngine(logger)
	rooms := room.NewService(clusterState, locks, txns, engine, states, m, logger)

	var archiver archive.Archiver = archive.Nop{}
	if cfg.MongoDBConnStr != "" {
		mongoClient, err := mongodb.NewClient(ctx, cfg.MongoDBConnStr, cfg.MongoDBDatabase, logger)
		if err != nil {
			return err
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := mongoClient.Disconnect(dctx); err != nil {
				logger.Warn("Error disconnecting MongoDB", zap.Error(err))
			}
		}()
		archiver = archive.NewStore(mongoClient, cfg.MongoDBMatchesColl, logger)
	} else {
		logger.Info("MONGODB_CONN_STR not set, match archive disabled")
	}

	// --- 5. Client hub, registry and coordinator ---
	clients := hub.New(clusterState, sessions, blacklist, m, logger)
	tracker := registry.NewTracker(engine.ActiveBattles, clients.Connections)
	registrar := registry.NewRegistrar(clusterState, cfg.CommonConfig, tracker, m, logger)

	opts := coordinator.DefaultOptions(cfg.InstanceID)
	opts.MaxJitter = cfg.MaxJoinJitter
	opts.PeriodicInterval = cfg.PeriodicMatchInterval
	opts.MatchLock.TTL = cfg.TTL.LockMatchmake
	opts.SessionLock.TTL = cfg.TTL.LockPlayer
	coord := coordinator.New(coordinator.Deps{
		Queue:     queues,
		States:    states,
		State:     clusterState,
		Locks:     locks,
		Discovery: disc,
		Remote:    service.NewBattleClient(cfg.RPCTimeout, cfg.ProbeTimeout),
		Rooms:     rooms,
		Matching:  matching.DefaultRegistry(matching.NewStoreRatings(st)),
		Validator: rules.NewStaticValidator(),
		Notifier:  clients,
		Archive:   archiver,
		Observer:  tracker,
	}, opts, m, logger)
	clients.SetMatchmaker(coord)

	// --- 6. HTTP server ---
	server := api.NewBaseServer(cfg.ListenAddr, logger, tracker)
	mmapi.NewHandlers(mmapi.Handlers{
		InstanceID: cfg.InstanceID,
		Rooms:      rooms,
		RoomReader: clusterState,
		Topology:   disc,
		Queues:     queues,
		Sessions:   sessions,
		WebSocket:  clients,
	}, logger).RegisterRoutes(server.Router)

	// --- 7. Cluster-wide sweeps, each run by the instance owning it on the ring ---
	sweeps := []worker.Config{
		{Name: "session_cleanup", Interval: cfg.SessionCleanupInterval},
		{Name: "blacklist_cleanup", Interval: cfg.SessionCleanupInterval},
		{Name: "transaction_cleanup", Interval: cfg.SessionCleanupInterval},
		{Name: "orphan_cleanup", Interval: cfg.OrphanCleanupInterval},
	}
	sweepFns := map[string]worker.Func{
		"session_cleanup":     counted(sessions.CleanupExpiredSessions),
		"blacklist_cleanup":   counted(blacklist.CleanupExpiredEntries),
		"transaction_cleanup": counted(txns.CleanupExpired),
		"orphan_cleanup":      coord.SweepOrphans,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registrar.Run(gctx) })
	g.Go(func() error { return disc.Run(gctx) })
	g.Go(func() error { return assignments.Run(gctx) })
	g.Go(func() error { return clients.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })
	for _, sc := range sweeps {
		p := worker.NewPeriodic(sc, assignments.Owned(sc.Name, sweepFns[sc.Name]), m, logger)
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	logger.Info("Matchmaker started",
		zap.String("addr", cfg.ListenAddr), zap.String("region", cfg.Region), zap.String("strategy", strategy.Name()))
	return g.Wait()
}

// counted adapts a sweep that reports how much it removed.
func counted(fn func(context.Context) (int, error)) worker.Func {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}
