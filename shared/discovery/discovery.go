// shared/discovery/discovery.go
package discovery

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/worker"
)

// Service tracks instance health and chooses where new battles are placed.
type Service struct {
	state    *state.Manager
	strategy Strategy
	cfg      config.LoadBalancingConfig
	region   string
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New builds a discovery service. region is the local instance's region, used as the
// preferred region of GetOptimalInstance.
func New(st *state.Manager, strategy Strategy, cfg config.LoadBalancingConfig, region string, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		state:    st,
		strategy: strategy,
		cfg:      cfg,
		region:   region,
		now:      time.Now,
		metrics:  metrics.OrNop(m),
		logger:   logging.OrNop(logger).Named("discovery"),
	}
}

// Strategy returns the active placement strategy.
func (s *Service) Strategy() Strategy {
	return s.strategy
}

func (s *Service) instances(ctx context.Context) ([]models.ServiceInstance, error) {
	list, err := s.state.ListInstances(ctx)
	if err != nil {
		return nil, eris.Wrap(errs.ErrServiceDiscovery, err.Error())
	}
	return list, nil
}

// GetHealthyInstances lists healthy instances sorted by id.
func (s *Service) GetHealthyInstances(ctx context.Context) ([]models.ServiceInstance, error) {
	list, err := s.instances(ctx)
	if err != nil {
		return nil, err
	}
	return healthy(list), nil
}

// GetOptimalInstance selects an instance for new work, preferring the local region.
// It returns nil when no instance is healthy.
func (s *Service) GetOptimalInstance(ctx context.Context) (*models.ServiceInstance, error) {
	list, err := s.instances(ctx)
	if err != nil {
		return nil, err
	}
	return s.strategy.Select(list, s.region), nil
}

// GetOptimalInstanceInRegion selects among the instances of one region only.
func (s *Service) GetOptimalInstanceInRegion(ctx context.Context, region string) (*models.ServiceInstance, error) {
	list, err := s.instances(ctx)
	if err != nil {
		return nil, err
	}
	return s.strategy.Select(filter(list, func(i models.ServiceInstance) bool { return i.Region == region }), region), nil
}

// IsInstanceHealthy reports whether id is registered and healthy.
func (s *Service) IsInstanceHealthy(ctx context.Context, id string) (bool, error) {
	inst, err := s.state.GetInstance(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inst.Status == models.StatusHealthy, nil
}

// InstanceLoad is the load summary of one instance.
type InstanceLoad struct {
	Connections int     `json:"connections"`
	Load        float64 `json:"load"`
}

// GetInstanceLoad reports the load of one instance.
func (s *Service) GetInstanceLoad(ctx context.Context, id string) (InstanceLoad, error) {
	inst, err := s.state.GetInstance(ctx, id)
	if err != nil {
		return InstanceLoad{}, err
	}
	return InstanceLoad{Connections: inst.Connections, Load: inst.Load}, nil
}

// RegionStats summarizes the instances of one region.
type RegionStats struct {
	Instances   int     `json:"instances"`
	Healthy     int     `json:"healthy"`
	Connections int     `json:"connections"`
	AverageLoad float64 `json:"averageLoad"`
}

// Topology is a point-in-time view of the cluster.
type Topology struct {
	Instances        []models.ServiceInstance `json:"instances"`
	Regions          []string                 `json:"regions"`
	TotalInstances   int                      `json:"totalInstances"`
	HealthyInstances int                      `json:"healthyInstances"`
	TotalConnections int                      `json:"totalConnections"`
	AverageLoad      float64                  `json:"averageLoad"`
	ByRegion         map[string]RegionStats   `json:"byRegion"`
}

// GetClusterTopology aggregates every registered instance.
func (s *Service) GetClusterTopology(ctx context.Context) (Topology, error) {
	list, err := s.instances(ctx)
	if err != nil {
		return Topology{}, err
	}
	t := Topology{Instances: list, TotalInstances: len(list), ByRegion: map[string]RegionStats{}}
	var loadSum float64
	for _, inst := range list {
		t.TotalConnections += inst.Connections
		loadSum += inst.Load
		region := inst.Region
		if region == "" {
			region = "default"
		}
		rs := t.ByRegion[region]
		rs.Instances++
		rs.Connections += inst.Connections
		rs.AverageLoad += inst.Load // summed here, averaged below
		if inst.Status == models.StatusHealthy {
			rs.Healthy++
			t.HealthyInstances++
		}
		t.ByRegion[region] = rs
	}
	for region, rs := range t.ByRegion {
		rs.AverageLoad /= float64(rs.Instances)
		t.ByRegion[region] = rs
		t.Regions = append(t.Regions, region)
	}
	sort.Strings(t.Regions)
	if len(list) > 0 {
		t.AverageLoad = loadSum / float64(len(list))
	}
	return t, nil
}

// HealthSweep persists the unhealthy status of every record whose heartbeat is older
// than the health timeout and returns their ids.
func (s *Service) HealthSweep(ctx context.Context) ([]string, error) {
	records, err := s.state.ListInstanceRecords(ctx)
	if err != nil {
		return nil, err
	}
	var stale []string
	healthyCount := 0
	now := s.now()
	for _, inst := range records {
		if inst.Status != models.StatusHealthy {
			continue
		}
		age := inst.HeartbeatAge(now)
		if age < s.cfg.HealthTimeout {
			healthyCount++
			continue
		}
		s.logger.Warn("Instance marked unhealthy due to missing heartbeat",
			zap.String("instance", inst.ID), zap.Duration("sinceHeartbeat", age.Truncate(time.Second)))
		if err := s.state.SetInstanceStatus(ctx, inst.ID, models.StatusUnhealthy); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return stale, err
		}
		stale = append(stale, inst.ID)
	}
	s.metrics.HealthyInstances.Set(float64(healthyCount))
	return stale, nil
}

// FailoverReport is the outcome of one failover check.
type FailoverReport struct {
	Total         int
	Healthy       int
	Unhealthy     []string
	LoadImbalance float64
	Degraded      bool // fewer than half of the instances are healthy
	Imbalanced    bool // max - min load of healthy instances exceeds 0.5
}

// FailoverSweep checks the healthy fraction and load spread and logs alarms.
func (s *Service) FailoverSweep(ctx context.Context) (FailoverReport, error) {
	list, err := s.instances(ctx)
	if err != nil {
		return FailoverReport{}, err
	}
	r := FailoverReport{Total: len(list)}
	minLoad, maxLoad := math.Inf(1), math.Inf(-1)
	for _, inst := range list {
		if inst.Status != models.StatusHealthy {
			r.Unhealthy = append(r.Unhealthy, inst.ID)
			continue
		}
		r.Healthy++
		minLoad = math.Min(minLoad, inst.Load)
		maxLoad = math.Max(maxLoad, inst.Load)
	}

	switch {
	case r.Total > 0 && r.Healthy == 0:
		r.Degraded = true
		s.logger.Error("No healthy instances available", zap.Strings("unhealthy", r.Unhealthy))
	case float64(r.Healthy) < float64(r.Total)*0.5:
		r.Degraded = true
		s.logger.Warn("Less than half of the instances are healthy",
			zap.Int("healthy", r.Healthy), zap.Int("total", r.Total), zap.Strings("unhealthy", r.Unhealthy))
	}
	if r.Healthy > 1 {
		r.LoadImbalance = maxLoad - minLoad
		if r.LoadImbalance > 0.5 {
			r.Imbalanced = true
			s.logger.Warn("Significant load imbalance detected",
				zap.Float64("maxLoad", maxLoad), zap.Float64("minLoad", minLoad))
		}
	}
	return r, nil
}

// Run drives the health and failover sweeps until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	health := worker.NewPeriodic(worker.Config{Name: "health_sweep", Interval: s.cfg.HealthCheckInterval},
		func(ctx context.Context) error {
			_, err := s.HealthSweep(ctx)
			return err
		}, s.metrics, s.logger)
	failover := worker.NewPeriodic(worker.Config{Name: "failover_sweep", Interval: s.cfg.FailoverCheckInterval},
		func(ctx context.Context) error {
			_, err := s.FailoverSweep(ctx)
			return err
		}, s.metrics, s.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Run(ctx) })
	g.Go(func() error { return failover.Run(ctx) })
	return g.Wait()
}
