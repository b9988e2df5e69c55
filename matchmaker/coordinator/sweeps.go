// matchmaker/coordinator/sweeps.go
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/worker"
)

// Kick asks for a matchmaking pass soon. Kicks that arrive while one is pending
// collapse into it.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// PeriodicMatch attempts matches until a round finds nothing, then publishes the
// total queue size.
func (c *Coordinator) PeriodicMatch(ctx context.Context) error {
	matched := 0
	for round := 0; round < c.opts.MaxRounds; round++ {
		res, err := c.Attempt(ctx)
		if err != nil {
			c.logger.Warn("Matchmaking attempt failed", zap.Error(err))
			break
		}
		if res.Result == ResultMatched {
			matched++
			continue
		}
		// a stale pair was pruned; the queue may still hold a valid one
		if res.Result != ResultStale {
			break
		}
	}
	if matched > 0 {
		c.logger.Info("Matchmaking pass finished", zap.Int("matches", matched))
	}

	size, err := c.Queue.QueueSize(ctx)
	if err != nil {
		return err
	}
	c.metrics.QueuedPlayers.Set(float64(size))
	if c.Observer != nil {
		c.Observer.SetQueuedPlayers(size)
	}
	return nil
}

// CleanupOrphans drops disconnected sessions from the head of every queue and
// repairs the active ruleset index. It returns the number of entries removed.
func (c *Coordinator) CleanupOrphans(ctx context.Context) (int, error) {
	if _, err := c.Queue.Reindex(ctx); err != nil {
		return 0, err
	}
	ruleSets, err := c.Queue.GetActiveRuleSetIds(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ruleSets {
		entries, err := c.Queue.GetQueue(ctx, id)
		if err != nil {
			return removed, err
		}
		if len(entries) > c.opts.OrphanBatch {
			entries = entries[:c.opts.OrphanBatch]
		}
		for _, e := range entries {
			connected, err := c.State.IsConnected(ctx, e.PlayerID, e.SessionID)
			if err != nil {
				return removed, err
			}
			if connected {
				continue
			}
			ok, err := c.Queue.RemoveFromQueue(ctx, e.PlayerID, e.SessionID)
			if err != nil {
				return removed, err
			}
			if !ok {
				continue
			}
			removed++
			c.metrics.StaleEntries.Inc()
			if err := c.States.ClearSessionState(ctx, e.PlayerID, e.SessionID); err != nil {
				c.logger.Warn("Failed to clear orphan session state", zap.String("sessionId", e.SessionID), zap.Error(err))
			}
		}
	}
	if removed > 0 {
		c.logger.Info("Removed orphaned queue entries", zap.Int("count", removed))
	}
	return removed, nil
}

// SweepOrphans adapts CleanupOrphans to a periodic job.
func (c *Coordinator) SweepOrphans(ctx context.Context) error {
	_, err := c.CleanupOrphans(ctx)
	return err
}

func (c *Coordinator) onEvent(ev models.ClusterEvent) {
	if ev.Type == models.EventMatchmakingJoin {
		c.Kick()
	}
}

// runKicks serves kicks one at a time after a random delay, so instances woken by
// the same join event do not all contend for the election lock at once.
func (c *Coordinator) runKicks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		}
		if d := c.jitter(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if err := c.PeriodicMatch(ctx); err != nil {
			c.logger.Warn("Event-driven matchmaking failed", zap.Error(err))
		}
	}
}

// Run serves join events and the periodic pass until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.State.SubscribeEvents(ctx, c.onEvent); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runKicks(ctx) })
	g.Go(func() error {
		p := worker.NewPeriodic(worker.Config{Name: "periodic_match", Interval: c.opts.PeriodicInterval}, c.PeriodicMatch, c.metrics, c.logger)
		return p.Run(ctx)
	})
	c.logger.Info("Matchmaking coordinator started", zap.String("instanceId", c.opts.InstanceID))
	return g.Wait()
}
