// matchmaker/coordinator/coordinator.go
package coordinator

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/matchmaker/archive"
	"github.com/Ftotnem/arena-cluster/matchmaker/matching"
	"github.com/Ftotnem/arena-cluster/matchmaker/queue"
	"github.com/Ftotnem/arena-cluster/matchmaker/rules"
	"github.com/Ftotnem/arena-cluster/matchmaker/session"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/state"
)

// Client events.
const (
	EventMatchSuccess = "matchSuccess"
)

// Discovery lists instances and picks where new battles go.
type Discovery interface {
	GetHealthyInstances(ctx context.Context) ([]models.ServiceInstance, error)
	GetOptimalInstance(ctx context.Context) (*models.ServiceInstance, error)
}

// Remote reaches other instances.
type Remote interface {
	CreateBattle(ctx context.Context, inst models.ServiceInstance, p1, p2 models.MatchmakingEntry) (string, error)
	Probe(ctx context.Context, inst models.ServiceInstance) error
}

// RoomCreator creates a room on this instance.
type RoomCreator interface {
	CreateRoom(ctx context.Context, p1, p2 models.MatchmakingEntry) (models.RoomState, error)
}

// Notifier delivers messages to a session wherever its socket lives.
type Notifier interface {
	Notify(ctx context.Context, playerID, sessionID, event string, data any) error
	JoinRoom(ctx context.Context, playerID, sessionID, roomID string) error
}

// QueueObserver receives the total queue size after every periodic pass.
type QueueObserver interface {
	SetQueuedPlayers(n int)
}

// Opponent identifies the other side of a match.
type Opponent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MatchSuccess is pushed to both sessions of a created match.
type MatchSuccess struct {
	RoomID   string   `json:"roomId"`
	Opponent Opponent `json:"opponent"`
}

// Options tunes the coordinator.
type Options struct {
	InstanceID       string
	MaxJitter        time.Duration
	LeaderLock       lock.Options
	MatchLock        lock.Options
	PairLock         lock.Options
	SessionLock      lock.Options
	PeriodicInterval time.Duration
	OrphanBatch      int
	MaxRounds        int // matches created per periodic pass
}

// DefaultOptions returns the lock and timing defaults.
func DefaultOptions(instanceID string) Options {
	return Options{
		InstanceID:       instanceID,
		MaxJitter:        time.Second,
		LeaderLock:       lock.Options{TTL: 30 * time.Second, RetryCount: 3, RetryDelay: time.Second},
		MatchLock:        lock.Options{TTL: 60 * time.Second, RetryCount: 10, RetryDelay: 500 * time.Millisecond},
		PairLock:         lock.Options{TTL: 30 * time.Second, RetryCount: 3, RetryDelay: 200 * time.Millisecond},
		SessionLock:      lock.Options{TTL: 10 * time.Second, RetryCount: 5, RetryDelay: 100 * time.Millisecond},
		PeriodicInterval: 15 * time.Second,
		OrphanBatch:      5,
		MaxRounds:        50,
	}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Queue     *queue.Manager
	States    *session.StateManager
	State     *state.Manager
	Locks     *lock.Manager
	Discovery Discovery
	Remote    Remote
	Rooms     RoomCreator
	Matching  *matching.Registry
	Validator rules.Validator
	Notifier  Notifier
	Archive   archive.Archiver
	Observer  QueueObserver
}

// Coordinator accepts queue joins on any instance and, when elected leader, pairs
// queued sessions and places their battles.
type Coordinator struct {
	Deps
	opts    Options
	kick    chan struct{}
	jitter  func() time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(d Deps, opts Options, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if d.Archive == nil {
		d.Archive = archive.Nop{}
	}
	if opts.OrphanBatch <= 0 {
		opts.OrphanBatch = 5
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 50
	}
	c := &Coordinator{
		Deps:    d,
		opts:    opts,
		kick:    make(chan struct{}, 1),
		now:     time.Now,
		metrics: metrics.OrNop(m),
		logger:  logging.OrNop(logger).Named("coordinator"),
	}
	c.jitter = func() time.Duration {
		if c.opts.MaxJitter <= 0 {
			return 0
		}
		return rand.N(c.opts.MaxJitter)
	}
	return c
}

// JoinRequest is a client's request to queue.
type JoinRequest struct {
	PlayerID  string
	SessionID string
	RuleSetID string
	Payload   models.PlayerPayload
	Metadata  map[string]string
}

// Join validates req and queues the session. Failures carry a client code.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (models.MatchmakingEntry, error) {
	if req.PlayerID == "" || req.SessionID == "" {
		return models.MatchmakingEntry{}, c.rejectJoin(errs.WithCode(errs.CodeAuthRequired, errs.ErrAuthRequired, "session is not authenticated"))
	}
	if req.Payload.IsZero() {
		return models.MatchmakingEntry{}, c.rejectJoin(errs.WithCode(errs.CodeValidation, errs.ErrValidation, "player data is required"))
	}
	if req.Payload.PlayerID() != req.PlayerID {
		return models.MatchmakingEntry{}, c.rejectJoin(errs.WithCode(errs.CodePlayerIDMismatch, errs.ErrValidation,
			"player data does not belong to this session"))
	}
	if req.RuleSetID == "" {
		req.RuleSetID = models.DefaultRuleSetID
	}
	if res := c.Validator.ValidateTeam(ctx, req.Payload.Team(), req.RuleSetID); !res.Valid {
		return models.MatchmakingEntry{}, c.rejectJoin(errs.WithCode(errs.CodeTeamValidation, errs.ErrValidation,
			strings.Join(res.Errors, "; ")))
	}

	entry := models.MatchmakingEntry{
		PlayerID:   req.PlayerID,
		SessionID:  req.SessionID,
		RuleSetID:  req.RuleSetID,
		JoinTime:   c.now().UnixMilli(),
		PlayerData: req.Payload,
		Metadata:   req.Metadata,
	}
	err := c.Locks.WithLock(ctx, lock.SessionActionKey(req.PlayerID, req.SessionID), func(ctx context.Context) error {
		ok, reason, err := c.States.CanEnterMatchmaking(ctx, req.PlayerID, req.SessionID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.WithCode(errs.CodeStateConflict, errs.ErrStateConflict, reason)
		}
		if err := c.Queue.AddToQueue(ctx, entry); err != nil {
			return err
		}
		return c.States.SetSessionState(ctx, req.PlayerID, req.SessionID, models.SessionMatchmaking,
			models.SessionStateContext{QueueID: req.RuleSetID})
	}, c.opts.SessionLock)
	if err != nil {
		if errors.Is(err, errs.ErrLockTimeout) {
			c.metrics.LockTimeouts.WithLabelValues("session_action").Inc()
			err = errs.WithCode(errs.CodeLock, err, "session is busy, retry")
		}
		return models.MatchmakingEntry{}, c.rejectJoin(err)
	}

	c.metrics.QueueJoins.WithLabelValues("success").Inc()
	if err := c.State.PublishEvent(ctx, models.EventMatchmakingJoin, entryRef(entry)); err != nil {
		// the periodic pass still picks the entry up
		c.logger.Warn("Failed to announce queue join", zap.String("playerId", entry.PlayerID), zap.Error(err))
	}
	return entry, nil
}

func (c *Coordinator) rejectJoin(err error) error {
	c.metrics.QueueJoins.WithLabelValues("error").Inc()
	return err
}

// Cancel removes the session from its queue and returns it to idle.
func (c *Coordinator) Cancel(ctx context.Context, playerID, sessionID string) (bool, error) {
	var removed bool
	err := c.Locks.WithLock(ctx, lock.SessionActionKey(playerID, sessionID), func(ctx context.Context) error {
		var err error
		if removed, err = c.Queue.RemoveFromQueue(ctx, playerID, sessionID); err != nil {
			return err
		}
		info, err := c.States.GetSessionState(ctx, playerID, sessionID)
		if err != nil {
			return err
		}
		if info != nil && info.State == models.SessionMatchmaking {
			return c.States.ClearSessionState(ctx, playerID, sessionID)
		}
		return nil
	}, c.opts.SessionLock)
	if err != nil {
		return false, errs.WithCode(errs.CodeCancel, err, "failed to cancel matchmaking")
	}
	if removed {
		ref := map[string]string{"playerId": playerID, "sessionId": sessionID}
		if err := c.State.PublishEvent(ctx, models.EventMatchmakingLeave, ref); err != nil {
			c.logger.Warn("Failed to announce queue leave", zap.String("playerId", playerID), zap.Error(err))
		}
	}
	return removed, nil
}

func entryRef(e models.MatchmakingEntry) map[string]string {
	return map[string]string{"playerId": e.PlayerID, "sessionId": e.SessionID, "ruleSetId": e.RuleSetID}
}
