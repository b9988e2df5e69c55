// shared/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Placement outcomes.
const (
	PlacementLocal     = "local"
	PlacementRemoteRPC = "remote_rpc"
	PlacementFallback  = "fallback"
)

// Metrics holds all Prometheus metrics of a matchmaker instance.
type Metrics struct {
	// Matchmaking
	Placements     *prometheus.CounterVec
	MatchAttempts  *prometheus.CounterVec
	MatchDuration  prometheus.Histogram
	QueueJoins     *prometheus.CounterVec
	QueuedPlayers  prometheus.Gauge
	StaleEntries   prometheus.Counter
	RoomsCreated   prometheus.Counter
	BattleFailures prometheus.Counter

	// Coordination
	LockTimeouts *prometheus.CounterVec
	Transactions *prometheus.CounterVec
	SweepRuns    *prometheus.CounterVec

	// Cluster
	HealthyInstances  prometheus.Gauge
	ClientConnections prometheus.Gauge
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Placements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_battle_placements_total",
				Help: "Battle placements by outcome",
			},
			[]string{"outcome"},
		),
		MatchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_match_attempts_total",
				Help: "Matchmaking attempts by result",
			},
			[]string{"result"},
		),
		MatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arena_match_attempt_duration_seconds",
				Help:    "Duration of matchmaking attempts that held the leader role",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueJoins: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_queue_joins_total",
				Help: "Queue join requests by ack status",
			},
			[]string{"status"},
		),
		QueuedPlayers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_queued_players",
				Help: "Entries across all active queues",
			},
		),
		StaleEntries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_stale_queue_entries_total",
				Help: "Queue entries removed because their session was gone",
			},
		),
		RoomsCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_rooms_created_total",
				Help: "Battle rooms created on this instance",
			},
		),
		BattleFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_battle_create_failures_total",
				Help: "Battle engine failures during room creation",
			},
		),
		LockTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_lock_timeouts_total",
				Help: "Lock acquisitions that exhausted their retries",
			},
			[]string{"lock"},
		),
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_transactions_total",
				Help: "Transactions by final status",
			},
			[]string{"status"},
		),
		SweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_sweep_runs_total",
				Help: "Background sweep runs by sweep and result",
			},
			[]string{"sweep", "result"},
		),
		HealthyInstances: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_healthy_instances",
				Help: "Healthy instances seen by the last health sweep",
			},
		),
		ClientConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_client_connections",
				Help: "Open client sessions on this instance",
			},
		),
	}
}

// OrNop returns m, or metrics bound to a private registry when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(prometheus.NewRegistry())
}
