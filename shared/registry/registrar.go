// shared/registry/registrar.go
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/worker"
)

const deregisterTimeout = 5 * time.Second

// Registrar handles the self-registration and heartbeating of the local instance.
type Registrar struct {
	state     *state.Manager
	cfg       config.CommonConfig
	tracker   *Tracker
	metrics   *metrics.Metrics
	startedAt time.Time
	logger    *zap.Logger
}

func NewRegistrar(st *state.Manager, cfg config.CommonConfig, tracker *Tracker, m *metrics.Metrics, logger *zap.Logger) *Registrar {
	if tracker == nil {
		tracker = NewTracker(nil, nil)
	}
	return &Registrar{
		state:     st,
		cfg:       cfg,
		tracker:   tracker,
		metrics:   metrics.OrNop(m),
		startedAt: time.Now(),
		logger:    logging.OrNop(logger).Named("registrar").With(zap.String("instance", cfg.InstanceID)),
	}
}

// Instance builds the current registry record of the local instance.
func (r *Registrar) Instance(status models.InstanceStatus) models.ServiceInstance {
	perf := r.tracker.Snapshot()
	return models.ServiceInstance{
		ID:            r.cfg.InstanceID,
		Host:          r.cfg.ServiceIP,
		Port:          r.cfg.ServicePort,
		RPCAddress:    fmt.Sprintf("%s:%d", r.cfg.ServiceIP, r.cfg.ServicePort),
		Region:        r.cfg.Region,
		Status:        status,
		LastHeartbeat: time.Now().UnixMilli(),
		Connections:   r.tracker.Connections(),
		Load:          Load(perf),
		Performance:   perf,
		Metadata: map[string]string{
			"version":   "1.0",
			"startedAt": r.startedAt.UTC().Format(time.RFC3339),
		},
	}
}

// Register announces the instance as healthy.
func (r *Registrar) Register(ctx context.Context) error {
	if err := r.state.RegisterInstance(ctx, r.Instance(models.StatusHealthy)); err != nil {
		return err
	}
	r.logger.Info("Instance registered",
		zap.String("host", r.cfg.ServiceIP), zap.Int("port", r.cfg.ServicePort), zap.String("region", r.cfg.Region))
	return nil
}

// Heartbeat refreshes the record and its TTL.
func (r *Registrar) Heartbeat(ctx context.Context) error {
	inst := r.Instance(models.StatusHealthy)
	if err := r.state.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	r.logger.Debug("Heartbeat sent",
		zap.Float64("load", inst.Load), zap.Int("connections", inst.Connections))
	return nil
}

// Deregister removes the record so peers stop routing work here.
func (r *Registrar) Deregister(ctx context.Context) error {
	if err := r.state.RemoveInstance(ctx, r.cfg.InstanceID); err != nil {
		return err
	}
	r.logger.Info("Instance removed from registry")
	return nil
}

// Run registers the instance, heartbeats until ctx is done, then deregisters.
func (r *Registrar) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	hb := worker.NewPeriodic(worker.Config{Name: "heartbeat", Interval: r.cfg.HeartbeatInterval},
		r.Heartbeat, r.metrics, r.logger)
	_ = hb.Run(ctx)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
	defer cancel()
	if err := r.Deregister(dctx); err != nil {
		r.logger.Error("Failed to deregister instance", zap.Error(err))
	}
	return nil
}
