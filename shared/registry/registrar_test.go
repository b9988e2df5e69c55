package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/store/storetest"
)

func newRegistrar(t *testing.T, battles int) (*Registrar, *state.Manager) {
	t.Helper()
	s, _ := storetest.New(t)
	st := state.NewManager(s, state.Options{
		InstanceID:    "mm-a",
		TTL:           config.DefaultTTLConfig(),
		HeartbeatTTL:  time.Minute,
		HealthTimeout: 30 * time.Second,
	}, nil)
	cfg := config.CommonConfig{
		InstanceID:        "mm-a",
		ServiceIP:         "10.1.2.3",
		ServicePort:       8090,
		Region:            "eu",
		HeartbeatInterval: 10 * time.Millisecond,
	}
	tracker := NewTracker(func() int { return battles }, func() int { return 7 })
	return NewRegistrar(st, cfg, tracker, nil, nil), st
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r, st := newRegistrar(t, 3)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx))
	inst, err := st.GetInstance(ctx, "mm-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, inst.Status)
	assert.Equal(t, "10.1.2.3:8090", inst.RPCAddress)
	assert.Equal(t, "eu", inst.Region)
	assert.Equal(t, 7, inst.Connections)
	assert.Equal(t, 3, inst.Performance.ActiveBattles)

	first := inst.LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx))
	inst, err = st.GetInstance(ctx, "mm-a")
	require.NoError(t, err)
	assert.Greater(t, inst.LastHeartbeat, first)
}

func TestRunDeregistersOnShutdown(t *testing.T) {
	r, st := newRegistrar(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, r.Run(ctx))
	_, err := st.GetInstance(context.Background(), "mm-a")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestTrackerSnapshot(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ObserveRequest(10*time.Millisecond, false)
	tr.ObserveRequest(30*time.Millisecond, true)
	tr.SetQueuedPlayers(4)

	perf := tr.Snapshot()
	assert.Equal(t, 20.0, perf.AvgResponseTime)
	assert.Equal(t, 0.5, perf.ErrorRate)
	assert.Equal(t, 4, perf.QueuedPlayers)
	assert.GreaterOrEqual(t, perf.CPUUsage, 0.0)
	assert.LessOrEqual(t, perf.MemoryUsage, 100.0)
	assert.Greater(t, perf.MemoryTotalMB, 0.0)
}

func TestTrackerWindow(t *testing.T) {
	tr := NewTracker(nil, nil)
	for i := 0; i < responseWindow; i++ {
		tr.ObserveRequest(time.Second, false)
	}
	for i := 0; i < responseWindow; i++ {
		tr.ObserveRequest(2*time.Millisecond, false)
	}
	assert.Equal(t, 2.0, tr.Snapshot().AvgResponseTime)
}

func TestLoad(t *testing.T) {
	assert.Equal(t, 0.0, Load(models.Performance{}))
	assert.Equal(t, 1.0, Load(models.Performance{CPUUsage: 100, MemoryUsage: 100, ActiveBattles: 500}))
	assert.InDelta(t, 0.5, Load(models.Performance{CPUUsage: 50, MemoryUsage: 50, ActiveBattles: 50}), 1e-9)
}
