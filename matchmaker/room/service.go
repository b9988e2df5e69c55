// matchmaker/room/service.go
package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/matchmaker/battle"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/txn"
)

// battleEnder is implemented by engines that track running battles.
type battleEnder interface {
	EndBattle(roomID string) bool
}

// SessionStates is the part of the session state store rooms release on exit.
type SessionStates interface {
	GetSessionState(ctx context.Context, playerID, sessionID string) (*models.SessionStateInfo, error)
	ClearSessionState(ctx context.Context, playerID, sessionID string) error
}

// Service persists rooms on this instance and starts their battles.
type Service struct {
	state   *state.Manager
	locks   *lock.Manager
	txns    *txn.Manager
	engine  battle.Engine
	states  SessionStates
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *zap.Logger
}

func NewService(st *state.Manager, locks *lock.Manager, txns *txn.Manager, engine battle.Engine, states SessionStates, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		state:   st,
		locks:   locks,
		txns:    txns,
		engine:  engine,
		states:  states,
		metrics: metrics.OrNop(m),
		now:     time.Now,
		logger:  logging.OrNop(logger).Named("room"),
	}
}

// CreateRoom creates and starts a battle room for p1 and p2. Session mappings are
// persisted before the room record so a visible room always has its lookup entries.
// When the battle cannot start, the room and its mappings are removed again.
func (s *Service) CreateRoom(ctx context.Context, p1, p2 models.MatchmakingEntry) (models.RoomState, error) {
	now := s.now()
	room := models.RoomState{
		ID:       uuid.NewString(),
		Status:   models.RoomWaiting,
		Sessions: []string{p1.SessionID, p2.SessionID},
		SessionPlayers: map[string]string{
			p1.SessionID: p1.PlayerID,
			p2.SessionID: p2.PlayerID,
		},
		InstanceID: s.state.InstanceID(),
		LastActive: now.UnixMilli(),
		Metadata:   models.RoomMetadata{RuleSetID: p1.RuleSetID, CreatedAt: now.UnixMilli()},
	}

	err := s.locks.WithLock(ctx, lock.RoomCreateKey(room.ID), func(ctx context.Context) error {
		return s.create(ctx, &room, p1, p2)
	}, lock.Options{TTL: s.state.TTL().LockRoom, RetryCount: 3, RetryDelay: 100 * time.Millisecond})
	if err != nil {
		return models.RoomState{}, err
	}
	return room, nil
}

func (s *Service) create(ctx context.Context, room *models.RoomState, p1, p2 models.MatchmakingEntry) error {
	ttl := s.state.TTL()
	mappings, err := txn.NewBuilder().
		SAdd(redisu.SessionRoomsKey(p1.PlayerID, p1.SessionID), room.ID, ttl.RoomActive).
		SAdd(redisu.SessionRoomsKey(p2.PlayerID, p2.SessionID), room.ID, ttl.RoomActive).
		Build()
	if err != nil {
		return err
	}
	if _, err := s.txns.Execute(ctx, mappings); err != nil {
		return eris.Wrapf(err, "failed to map sessions to room %s", room.ID)
	}

	record, err := txn.NewBuilder().
		SetJSON(redisu.RoomKey(room.ID), room, ttl.RoomWaiting).
		SAdd(redisu.RoomsKey, room.ID, 0).
		Build()
	if err != nil {
		s.unmap(ctx, room.ID, p1, p2)
		return err
	}
	if _, err := s.txns.Execute(ctx, record); err != nil {
		s.unmap(ctx, room.ID, p1, p2)
		return eris.Wrapf(err, "failed to persist room %s", room.ID)
	}

	handle, err := s.engine.CreateBattle(ctx, *room, p1.PlayerData, p2.PlayerData)
	if err != nil {
		s.metrics.BattleFailures.Inc()
		if derr := s.state.DeleteRoom(context.WithoutCancel(ctx), room.ID); derr != nil {
			s.logger.Error("Failed to remove room after battle failure", zap.String("roomId", room.ID), zap.Error(derr))
		}
		s.releaseSessions(context.WithoutCancel(ctx), *room)
		return eris.Wrapf(err, "battle engine rejected room %s", room.ID)
	}

	room.Status = models.RoomActive
	room.Metadata.BattleID = handle.BattleID
	room.LastActive = s.now().UnixMilli()
	if err := s.state.SaveRoom(ctx, *room); err != nil {
		return err
	}
	s.metrics.RoomsCreated.Inc()
	if err := s.state.PublishEvent(ctx, models.EventRoomCreate, room); err != nil {
		s.logger.Warn("Failed to announce room", zap.String("roomId", room.ID), zap.Error(err))
	}
	s.logger.Info("Room created", zap.String("roomId", room.ID), zap.String("battleId", handle.BattleID),
		zap.String("player1", p1.PlayerID), zap.String("player2", p2.PlayerID))
	return nil
}

func (s *Service) unmap(ctx context.Context, roomID string, entries ...models.MatchmakingEntry) {
	st := s.state.Store()
	_, err := st.Pipelined(context.WithoutCancel(ctx), func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.SRem(ctx, st.Key(redisu.SessionRoomsKey(e.PlayerID, e.SessionID)), roomID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to remove session mappings", zap.String("roomId", roomID), zap.Error(err))
	}
}

// releaseSessions returns every session still battling in room to idle. Sessions that
// already moved on keep their state.
func (s *Service) releaseSessions(ctx context.Context, room models.RoomState) {
	if s.states == nil {
		return
	}
	for sessionID, playerID := range room.SessionPlayers {
		log := s.logger.With(zap.String("roomId", room.ID), zap.String("playerId", playerID), zap.String("sessionId", sessionID))
		info, err := s.states.GetSessionState(ctx, playerID, sessionID)
		if err != nil {
			log.Warn("Failed to read session state", zap.Error(err))
			continue
		}
		if info == nil || info.State != models.SessionBattle || info.Context.BattleRoomID != room.ID {
			continue
		}
		if err := s.states.ClearSessionState(ctx, playerID, sessionID); err != nil {
			log.Warn("Failed to release session from room", zap.Error(err))
		}
	}
}

// EndRoom marks a room ended, which shortens its TTL, stops its local battle and
// frees its sessions to queue again.
func (s *Service) EndRoom(ctx context.Context, roomID string) (*models.RoomState, error) {
	room, err := s.state.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.Status = models.RoomEnded
	room.LastActive = s.now().UnixMilli()
	if err := s.state.SaveRoom(ctx, *room); err != nil {
		return nil, err
	}
	if ender, ok := s.engine.(battleEnder); ok {
		ender.EndBattle(roomID)
	}
	s.releaseSessions(ctx, *room)
	if err := s.state.PublishEvent(ctx, models.EventRoomUpdate, room); err != nil {
		s.logger.Warn("Failed to announce room end", zap.String("roomId", roomID), zap.Error(err))
	}
	return room, nil
}

// Engine exposes the battle engine rooms are started on.
func (s *Service) Engine() battle.Engine {
	return s.engine
}

var _ battleEnder = (*battle.LocalEngine)(nil)
