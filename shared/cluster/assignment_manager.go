// shared/cluster/assignment_manager.go
package cluster

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stathat/consistent"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/worker"
)

// InstanceLister returns the instances that may own work.
type InstanceLister interface {
	GetHealthyInstances(ctx context.Context) ([]models.ServiceInstance, error)
}

// AssignmentManager decides which instance owns a named cluster-wide task, using a
// consistent hash ring over the healthy instances.
type AssignmentManager struct {
	lister   InstanceLister
	localID  string
	interval time.Duration
	mu       sync.RWMutex // guards ring
	ring     *consistent.Consistent
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAssignmentManager builds a manager whose ring initially holds only the local instance.
func NewAssignmentManager(lister InstanceLister, localID string, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *AssignmentManager {
	ring := consistent.New()
	ring.Add(localID)
	return &AssignmentManager{
		lister:   lister,
		localID:  localID,
		interval: interval,
		ring:     ring,
		metrics:  metrics.OrNop(m),
		logger:   logging.OrNop(logger).Named("assignment"),
	}
}

// Refresh rebuilds the ring when the set of healthy instances changed.
func (a *AssignmentManager) Refresh(ctx context.Context) error {
	instances, err := a.lister.GetHealthyInstances(ctx)
	if err != nil {
		return eris.Wrap(err, "failed to list healthy instances")
	}
	members := make([]string, 0, len(instances))
	for _, inst := range instances {
		members = append(members, inst.ID)
	}
	if len(members) == 0 {
		members = append(members, a.localID)
	}
	slices.Sort(members)

	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.ring.Members()
	slices.Sort(current)
	if slices.Equal(members, current) {
		return nil
	}
	ring := consistent.New()
	for _, m := range members {
		ring.Add(m)
	}
	a.ring = ring
	a.logger.Info("Assignment ring updated", zap.Strings("members", members))
	return nil
}

// Run refreshes the ring periodically until ctx is done.
func (a *AssignmentManager) Run(ctx context.Context) error {
	p := worker.NewPeriodic(worker.Config{Name: "assignment_ring", Interval: a.interval, RunOnStart: true},
		a.Refresh, a.metrics, a.logger)
	return p.Run(ctx)
}

// Members returns the current ring members sorted.
func (a *AssignmentManager) Members() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.ring.Members()
	slices.Sort(m)
	return m
}

// IsResponsible reports whether the local instance owns task.
func (a *AssignmentManager) IsResponsible(task string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	owner, err := a.ring.Get(task)
	if err != nil {
		return false, eris.Wrapf(err, "no owner for task %s", task)
	}
	return owner == a.localID, nil
}

// Owned wraps fn so that it only runs on the instance owning task.
func (a *AssignmentManager) Owned(task string, fn worker.Func) worker.Func {
	return func(ctx context.Context) error {
		ok, err := a.IsResponsible(task)
		if err != nil {
			return err
		}
		if !ok {
			a.logger.Debug("Skipping task owned by another instance", zap.String("task", task))
			return nil
		}
		return fn(ctx)
	}
}
