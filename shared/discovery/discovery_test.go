package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/store/storetest"
)

func fixed(v float64) RandFunc { return func() float64 { return v } }

func inst(id, region string, cpu float64, battles, conns int) models.ServiceInstance {
	return models.ServiceInstance{
		ID:            id,
		Region:        region,
		Status:        models.StatusHealthy,
		Connections:   conns,
		LastHeartbeat: time.Now().UnixMilli(),
		Performance:   models.Performance{CPUUsage: cpu, MemoryUsage: 20, ActiveBattles: battles},
	}
}

func TestSmartScore(t *testing.T) {
	s := NewSmartStrategy(config.DefaultLoadBalancingConfig(), fixed(0))

	idle := s.Score(inst("a", "", 0, 0, 0))
	busy := s.Score(inst("b", "", 90, 90, 900))
	assert.Greater(t, idle, busy)

	overloaded := inst("c", "", 100, 1000, 5000)
	overloaded.Performance.MemoryUsage = 100
	overloaded.Performance.AvgResponseTime = 10000
	overloaded.Performance.ErrorRate = 1
	assert.Equal(t, minScore, s.Score(overloaded))
}

func TestSmartNormalizesWeights(t *testing.T) {
	cfg := config.DefaultLoadBalancingConfig()
	cfg.WeightCPU, cfg.WeightMemory, cfg.WeightBattles = 2, 0, 0
	cfg.WeightConnections, cfg.WeightResponseTime, cfg.WeightErrorRate = 0, 0, 2
	s := NewSmartStrategy(cfg, fixed(0))
	assert.InDelta(t, 1.0, s.Score(inst("a", "", 0, 0, 0)), 1e-9)
}

func TestSmartFilters(t *testing.T) {
	s := NewSmartStrategy(config.DefaultLoadBalancingConfig(), fixed(0))

	unhealthy := inst("down", "eu", 0, 0, 0)
	unhealthy.Status = models.StatusUnhealthy
	hot := inst("hot", "eu", 95, 0, 0)
	cool := inst("cool", "us", 10, 0, 0)

	// Region preference narrows to eu; threshold filter would then leave nothing, so it is skipped.
	pool := s.Candidates([]models.ServiceInstance{unhealthy, hot, cool}, "eu")
	require.Len(t, pool, 1)
	assert.Equal(t, "hot", pool[0].ID)

	// Without a region, the hot instance is filtered out.
	pool = s.Candidates([]models.ServiceInstance{unhealthy, hot, cool}, "")
	require.Len(t, pool, 1)
	assert.Equal(t, "cool", pool[0].ID)

	assert.Nil(t, s.Select([]models.ServiceInstance{unhealthy}, ""))
}

func TestSmartWeightedDraw(t *testing.T) {
	a := inst("a", "", 0, 0, 0)
	b := inst("b", "", 50, 50, 500)
	candidates := []models.ServiceInstance{a, b}

	low := NewSmartStrategy(config.DefaultLoadBalancingConfig(), fixed(0))
	assert.Equal(t, "a", low.Select(candidates, "").ID)

	high := NewSmartStrategy(config.DefaultLoadBalancingConfig(), fixed(0.999))
	assert.Equal(t, "b", high.Select(candidates, "").ID)
}

func TestOtherStrategies(t *testing.T) {
	candidates := []models.ServiceInstance{inst("a", "", 0, 0, 50), inst("b", "", 0, 0, 5), inst("c", "", 0, 0, 500)}

	rr := &RoundRobin{}
	var picks []string
	for i := 0; i < 4; i++ {
		picks = append(picks, rr.Select(candidates, "").ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, picks)

	assert.Equal(t, "b", LeastConnections{}.Select(candidates, "").ID)

	wl := WeightedLoad{rand: fixed(0)}
	assert.Equal(t, "a", wl.Select(candidates, "").ID)

	_, err := NewStrategy(config.LoadBalancingConfig{Strategy: "bogus"}, nil)
	assert.Error(t, err)
	s, err := NewStrategy(config.LoadBalancingConfig{Strategy: StrategyLeastConnections}, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyLeastConnections, s.Name())
}

func newService(t *testing.T) (*Service, *state.Manager, *miniredis.Miniredis) {
	t.Helper()
	s, mr := storetest.New(t)
	st := state.NewManager(s, state.Options{
		InstanceID:    "mm-a",
		TTL:           config.DefaultTTLConfig(),
		HeartbeatTTL:  6 * time.Minute,
		HealthTimeout: 2 * time.Minute,
	}, nil)
	cfg := config.DefaultLoadBalancingConfig()
	return New(st, NewSmartStrategy(cfg, fixed(0)), cfg, "eu", nil, nil), st, mr
}

func TestHealthyInstancesExcludeExpiredHeartbeat(t *testing.T) {
	svc, st, mr := newService(t)
	ctx := context.Background()

	require.NoError(t, st.UpdateInstance(ctx, inst("mm-x", "eu", 0, 0, 0)))
	require.NoError(t, st.UpdateInstance(ctx, inst("mm-y", "eu", 0, 0, 0)))

	hs, err := svc.GetHealthyInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, hs, 2)

	// mm-x stops heartbeating; its record expires.
	mr.FastForward(4 * time.Minute)
	require.NoError(t, st.UpdateInstance(ctx, inst("mm-y", "eu", 0, 0, 0)))
	mr.FastForward(3 * time.Minute)

	hs, err = svc.GetHealthyInstances(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "mm-y", hs[0].ID)
}

func TestHealthSweepMarksStaleInstances(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	stale := inst("mm-old", "eu", 0, 0, 0)
	stale.LastHeartbeat = time.Now().Add(-3 * time.Minute).UnixMilli()
	require.NoError(t, st.UpdateInstance(ctx, stale))
	require.NoError(t, st.UpdateInstance(ctx, inst("mm-new", "eu", 0, 0, 0)))

	ids, err := svc.HealthSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mm-old"}, ids)

	records, err := st.ListInstanceRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnhealthy, records[1].Status)

	ids, err = svc.HealthSweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "already persisted")
}

func TestFailoverSweep(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	a := inst("a", "eu", 0, 0, 0)
	a.Load = 0.9
	b := inst("b", "eu", 0, 0, 0)
	b.Load = 0.1
	c := inst("c", "eu", 0, 0, 0)
	c.Status = models.StatusUnhealthy
	d := inst("d", "us", 0, 0, 0)
	d.Status = models.StatusUnhealthy
	e := inst("e", "us", 0, 0, 0)
	e.Status = models.StatusStopping
	for _, i := range []models.ServiceInstance{a, b, c, d, e} {
		require.NoError(t, st.UpdateInstance(ctx, i))
	}

	r, err := svc.FailoverSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, r.Total)
	assert.Equal(t, 2, r.Healthy)
	assert.True(t, r.Degraded)
	assert.True(t, r.Imbalanced)
	assert.InDelta(t, 0.8, r.LoadImbalance, 1e-9)
}

func TestTopologyAndOptimal(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	eu := inst("mm-eu", "eu", 10, 0, 4)
	eu.Load = 0.2
	us := inst("mm-us", "us", 10, 0, 6)
	us.Load = 0.4
	require.NoError(t, st.UpdateInstance(ctx, eu))
	require.NoError(t, st.UpdateInstance(ctx, us))

	topo, err := svc.GetClusterTopology(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, topo.TotalInstances)
	assert.Equal(t, 2, topo.HealthyInstances)
	assert.Equal(t, 10, topo.TotalConnections)
	assert.InDelta(t, 0.3, topo.AverageLoad, 1e-9)
	assert.Equal(t, []string{"eu", "us"}, topo.Regions)
	assert.Equal(t, 1, topo.ByRegion["us"].Healthy)

	best, err := svc.GetOptimalInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mm-eu", best.ID, "local region preferred")

	best, err = svc.GetOptimalInstanceInRegion(ctx, "us")
	require.NoError(t, err)
	assert.Equal(t, "mm-us", best.ID)

	load, err := svc.GetInstanceLoad(ctx, "mm-us")
	require.NoError(t, err)
	assert.Equal(t, 6, load.Connections)

	ok, err := svc.IsInstanceHealthy(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}
