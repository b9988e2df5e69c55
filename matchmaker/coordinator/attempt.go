// matchmaker/coordinator/attempt.go
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/matchmaker/archive"
	"github.com/Ftotnem/arena-cluster/matchmaker/matching"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Attempt results.
const (
	ResultNotLeader = "not_leader"
	ResultNoMatch   = "no_match"
	ResultMatched   = "matched"
	ResultStale     = "stale"
	ResultError     = "error"
)

// AttemptResult describes one matchmaking attempt.
type AttemptResult struct {
	Result     string
	RuleSetID  string
	RoomID     string
	InstanceID string
	Placement  string
}

// Matched reports whether the attempt created a room.
func (r AttemptResult) Matched() bool { return r.Result == ResultMatched }

// Attempt runs one leader-only matchmaking round: find a pair across the active
// queues, then commit it under the pair lock.
func (c *Coordinator) Attempt(ctx context.Context) (AttemptResult, error) {
	if !c.IsLeader(ctx) {
		c.metrics.MatchAttempts.WithLabelValues(ResultNotLeader).Inc()
		return AttemptResult{Result: ResultNotLeader}, nil
	}
	start := time.Now()
	defer func() { c.metrics.MatchDuration.Observe(time.Since(start).Seconds()) }()

	res, err := c.attempt(ctx)
	if err != nil {
		res.Result = ResultError
		if errors.Is(err, errs.ErrStaleEntry) {
			res.Result = ResultStale
			err = nil
		}
	}
	c.metrics.MatchAttempts.WithLabelValues(res.Result).Inc()
	return res, err
}

func (c *Coordinator) attempt(ctx context.Context) (AttemptResult, error) {
	pair, err := lock.WithLockValue(ctx, c.Locks, lock.KeyMatchmaking, c.findPair, c.opts.MatchLock)
	if err != nil {
		if errors.Is(err, errs.ErrLockTimeout) {
			c.metrics.LockTimeouts.WithLabelValues("matchmaking").Inc()
		}
		return AttemptResult{}, err
	}
	if pair == nil {
		return AttemptResult{Result: ResultNoMatch}, nil
	}
	return c.commitPair(ctx, *pair)
}

func (c *Coordinator) commitPair(ctx context.Context, pair matchedPair) (AttemptResult, error) {
	key := lock.PairKey(pair.Player1.PlayerID, pair.Player1.SessionID, pair.Player2.PlayerID, pair.Player2.SessionID)
	res, err := lock.WithLockValue(ctx, c.Locks, key, func(ctx context.Context) (AttemptResult, error) {
		return c.commit(ctx, pair)
	}, c.opts.PairLock)
	if errors.Is(err, errs.ErrLockTimeout) {
		// another leader is committing this pair
		c.metrics.LockTimeouts.WithLabelValues("pair").Inc()
		return res, eris.Wrap(errs.ErrStaleEntry, "pair is being committed elsewhere")
	}
	return res, err
}

// findPair returns the first pair any active ruleset produces.
func (c *Coordinator) findPair(ctx context.Context) (*matchedPair, error) {
	ruleSets, err := c.Queue.GetActiveRuleSetIds(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for _, id := range ruleSets {
		entries, err := c.Queue.GetQueue(ctx, id)
		if err != nil {
			c.logger.Warn("Failed to read queue", zap.String("ruleSetId", id), zap.Error(err))
			continue
		}
		if !c.Matching.ShouldAttempt(id, entries, now) {
			continue
		}
		pair, err := c.Matching.Strategy(id).FindMatch(ctx, entries, now)
		if err != nil {
			c.logger.Warn("Match strategy failed", zap.String("ruleSetId", id), zap.Error(err))
			continue
		}
		if pair != nil {
			return &matchedPair{Pair: *pair, RuleSetID: id}, nil
		}
	}
	return nil, nil
}

type matchedPair struct {
	matching.Pair
	RuleSetID string
}

// commit re-reads both entries under the pair lock, places the battle and moves both
// sessions out of the queue. A pair already taken or cancelled yields errs.ErrStaleEntry.
func (c *Coordinator) commit(ctx context.Context, pair matchedPair) (AttemptResult, error) {
	res := AttemptResult{RuleSetID: pair.RuleSetID}
	p1, err := c.verify(ctx, pair.Player1)
	if err != nil {
		return res, err
	}
	p2, err := c.verify(ctx, pair.Player2)
	if err != nil {
		return res, err
	}

	roomID, inst, placement, err := c.place(ctx, p1, p2)
	if err != nil {
		return res, err
	}
	res.Result, res.RoomID, res.InstanceID, res.Placement = ResultMatched, roomID, inst, placement

	c.finish(ctx, pair, p1, p2, res)
	return res, nil
}

// verify returns the current queue entry for e if its session is still queued and
// connected. A disconnected session is dropped from the queue.
func (c *Coordinator) verify(ctx context.Context, e models.MatchmakingEntry) (models.MatchmakingEntry, error) {
	current, ok, err := c.Queue.Lookup(ctx, e.PlayerID, e.SessionID)
	if err != nil {
		return e, err
	}
	if !ok {
		return e, eris.Wrapf(errs.ErrStaleEntry, "session %s left the queue", e.SessionKey())
	}
	connected, err := c.State.IsConnected(ctx, e.PlayerID, e.SessionID)
	if err != nil {
		return e, err
	}
	if connected {
		return current, nil
	}

	c.metrics.StaleEntries.Inc()
	c.logger.Info("Removing disconnected session from queue",
		zap.String("playerId", e.PlayerID), zap.String("sessionId", e.SessionID))
	if _, err := c.Queue.RemoveFromQueue(ctx, e.PlayerID, e.SessionID); err != nil {
		return e, err
	}
	if err := c.States.ClearSessionState(ctx, e.PlayerID, e.SessionID); err != nil {
		c.logger.Warn("Failed to clear state of stale session", zap.String("sessionId", e.SessionID), zap.Error(err))
	}
	return e, eris.Wrapf(errs.ErrStaleEntry, "session %s is disconnected", e.SessionKey())
}

// place creates the room on the optimal instance. A failed remote placement falls
// back to this instance.
func (c *Coordinator) place(ctx context.Context, p1, p2 models.MatchmakingEntry) (string, string, string, error) {
	local := func(outcome string) (string, string, string, error) {
		room, err := c.Rooms.CreateRoom(ctx, p1, p2)
		if err != nil {
			return "", "", "", err
		}
		c.metrics.Placements.WithLabelValues(outcome).Inc()
		return room.ID, c.opts.InstanceID, outcome, nil
	}

	target, err := c.Discovery.GetOptimalInstance(ctx)
	if err != nil {
		c.logger.Warn("Instance selection failed, placing locally", zap.Error(err))
		return local(metrics.PlacementLocal)
	}
	if target == nil || target.ID == c.opts.InstanceID {
		return local(metrics.PlacementLocal)
	}

	roomID, err := c.Remote.CreateBattle(ctx, *target, p1, p2)
	if err != nil {
		c.logger.Warn("Remote placement failed, falling back to local",
			zap.String("instanceId", target.ID), zap.Error(err))
		return local(metrics.PlacementFallback)
	}
	c.metrics.Placements.WithLabelValues(metrics.PlacementRemoteRPC).Inc()
	return roomID, target.ID, metrics.PlacementRemoteRPC, nil
}

// finish dequeues both sessions and tells them about the match. The room already
// exists, so failures here are logged and do not undo it.
func (c *Coordinator) finish(ctx context.Context, pair matchedPair, p1, p2 models.MatchmakingEntry, res AttemptResult) {
	now := c.now()
	players := make([]archive.Player, 0, 2)
	for _, side := range [][2]models.MatchmakingEntry{{p1, p2}, {p2, p1}} {
		self, opp := side[0], side[1]
		log := c.logger.With(zap.String("playerId", self.PlayerID), zap.String("sessionId", self.SessionID),
			zap.String("roomId", res.RoomID))

		if _, err := c.Queue.RemoveFromQueue(ctx, self.PlayerID, self.SessionID); err != nil {
			log.Error("Failed to dequeue matched session", zap.Error(err))
		}
		if err := c.States.SetSessionState(ctx, self.PlayerID, self.SessionID, models.SessionBattle,
			models.SessionStateContext{BattleRoomID: res.RoomID}); err != nil {
			log.Error("Failed to move session into battle", zap.Error(err))
		}
		msg := MatchSuccess{RoomID: res.RoomID, Opponent: Opponent{ID: opp.PlayerID, Name: opp.PlayerData.Name()}}
		if err := c.Notifier.Notify(ctx, self.PlayerID, self.SessionID, EventMatchSuccess, msg); err != nil {
			log.Warn("Failed to notify matched session", zap.Error(err))
		}
		if err := c.Notifier.JoinRoom(ctx, self.PlayerID, self.SessionID, res.RoomID); err != nil {
			log.Warn("Failed to join session to room", zap.Error(err))
		}
		players = append(players, archive.Player{
			PlayerID:  self.PlayerID,
			SessionID: self.SessionID,
			Name:      self.PlayerData.Name(),
			WaitMS:    self.WaitTime(now).Milliseconds(),
		})
	}

	c.logger.Info("Match created",
		zap.String("roomId", res.RoomID), zap.String("ruleSetId", pair.RuleSetID),
		zap.String("placement", res.Placement), zap.String("instanceId", res.InstanceID),
		zap.String("player1", p1.PlayerID), zap.String("player2", p2.PlayerID))

	err := c.Archive.RecordMatch(ctx, archive.Match{
		RoomID:     res.RoomID,
		RuleSetID:  pair.RuleSetID,
		Players:    players,
		InstanceID: res.InstanceID,
		Placement:  res.Placement,
		Quality:    pair.Quality,
		CreatedAt:  now,
	})
	if err != nil {
		c.logger.Warn("Failed to archive match", zap.String("roomId", res.RoomID), zap.Error(err))
	}
}
