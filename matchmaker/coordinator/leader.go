// matchmaker/coordinator/leader.go
package coordinator

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

// ElectLeader walks candidates in id order and returns the first that is the local
// instance or that reachable confirms. With no confirmed candidate the local instance
// leads, so a partition can yield one leader per side; pair commits stay exclusive
// through the per-pair lock.
func ElectLeader(candidates []models.ServiceInstance, localID string, reachable func(models.ServiceInstance) bool) string {
	sorted := make([]models.ServiceInstance, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, inst := range sorted {
		if inst.ID == localID {
			return localID
		}
		if reachable(inst) {
			return inst.ID
		}
	}
	return localID
}

// IsLeader runs one election under the election lock. Any error counts as not leader.
func (c *Coordinator) IsLeader(ctx context.Context) bool {
	leader, err := lock.WithLockValue(ctx, c.Locks, lock.KeyLeaderElection, func(ctx context.Context) (string, error) {
		instances, err := c.Discovery.GetHealthyInstances(ctx)
		if err != nil {
			return "", err
		}
		return ElectLeader(instances, c.opts.InstanceID, func(inst models.ServiceInstance) bool {
			if err := c.Remote.Probe(ctx, inst); err != nil {
				c.logger.Warn("Leader candidate unreachable", zap.String("instanceId", inst.ID), zap.Error(err))
				return false
			}
			return true
		}), nil
	}, c.opts.LeaderLock)
	if err != nil {
		c.logger.Warn("Leader election failed", zap.Error(err))
		return false
	}
	if leader != c.opts.InstanceID {
		c.logger.Debug("Not the matchmaking leader", zap.String("leader", leader))
		return false
	}
	return true
}
