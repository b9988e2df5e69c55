// matchmaker/battle/engine.go
package battle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Handle identifies a running battle.
type Handle struct {
	BattleID  string
	RoomID    string
	Players   [2]string
	StartedAt time.Time
}

// Engine creates battles for a persisted room.
type Engine interface {
	CreateBattle(ctx context.Context, room models.RoomState, p1, p2 models.PlayerPayload) (Handle, error)
}

// LocalEngine tracks battles hosted by this process. The simulation itself runs
// elsewhere; the handle is what the cluster needs.
type LocalEngine struct {
	mu      sync.Mutex
	battles map[string]Handle // by room id
	logger  *zap.Logger
}

func NewLocalEngine(logger *zap.Logger) *LocalEngine {
	return &LocalEngine{battles: make(map[string]Handle), logger: logging.OrNop(logger).Named("battle")}
}

func (e *LocalEngine) CreateBattle(_ context.Context, room models.RoomState, p1, p2 models.PlayerPayload) (Handle, error) {
	if p1.IsZero() || p2.IsZero() {
		return Handle{}, eris.Errorf("room %s: both players need a payload", room.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.battles[room.ID]; exists {
		return Handle{}, eris.Errorf("room %s already has a battle", room.ID)
	}
	h := Handle{
		BattleID:  uuid.NewString(),
		RoomID:    room.ID,
		Players:   [2]string{p1.PlayerID(), p2.PlayerID()},
		StartedAt: time.Now(),
	}
	e.battles[room.ID] = h
	e.logger.Info("Battle started", zap.String("roomId", room.ID), zap.String("battleId", h.BattleID),
		zap.String("player1", p1.PlayerID()), zap.String("player2", p2.PlayerID()))
	return h, nil
}

// EndBattle forgets the battle of roomID and reports whether it existed.
func (e *LocalEngine) EndBattle(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.battles[roomID]
	delete(e.battles, roomID)
	return ok
}

// ActiveBattles is reported in the heartbeat.
func (e *LocalEngine) ActiveBattles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.battles)
}

func (e *LocalEngine) Get(roomID string) (Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.battles[roomID]
	return h, ok
}
