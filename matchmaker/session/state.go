// matchmaker/session/state.go
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

// StateManager tracks what each session is doing so that a session cannot queue
// while it sits in a private room or a battle.
type StateManager struct {
	store  *store.Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewStateManager(s *store.Store, ttl time.Duration, logger *zap.Logger) *StateManager {
	return &StateManager{store: s, ttl: ttl, now: time.Now, logger: logging.OrNop(logger).Named("session_state")}
}

// GetSessionState returns the stored state, or nil when the session is idle.
func (m *StateManager) GetSessionState(ctx context.Context, playerID, sessionID string) (*models.SessionStateInfo, error) {
	var info models.SessionStateInfo
	ok, err := m.store.GetJSON(ctx, redisu.SessionStateKey(playerID, sessionID), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

func (m *StateManager) SetSessionState(ctx context.Context, playerID, sessionID string, state models.SessionState, sc models.SessionStateContext) error {
	info := models.SessionStateInfo{
		PlayerID:  playerID,
		SessionID: sessionID,
		State:     state,
		Context:   sc,
		UpdatedAt: m.now().UnixMilli(),
	}
	if err := m.store.SetJSON(ctx, redisu.SessionStateKey(playerID, sessionID), info, m.ttl); err != nil {
		return err
	}
	m.logger.Debug("Session state changed", zap.String("playerId", playerID), zap.String("sessionId", sessionID),
		zap.String("state", string(state)))
	return nil
}

// ClearSessionState returns the session to idle.
func (m *StateManager) ClearSessionState(ctx context.Context, playerID, sessionID string) error {
	return m.store.Del(ctx, redisu.SessionStateKey(playerID, sessionID))
}

// CanEnterMatchmaking reports whether the session may join a queue, with a reason when not.
func (m *StateManager) CanEnterMatchmaking(ctx context.Context, playerID, sessionID string) (bool, string, error) {
	info, err := m.GetSessionState(ctx, playerID, sessionID)
	if err != nil {
		return false, "", err
	}
	if info == nil {
		return true, "", nil
	}
	switch info.State {
	case models.SessionMatchmaking:
		return false, "already in the matchmaking queue", nil
	case models.SessionPrivateRoom:
		return false, "in a private room, leave it first", nil
	case models.SessionBattle:
		return false, "in a battle", nil
	}
	return true, "", nil
}

// CanEnterPrivateRoom reports whether the session may join a private room.
func (m *StateManager) CanEnterPrivateRoom(ctx context.Context, playerID, sessionID string) (bool, string, error) {
	info, err := m.GetSessionState(ctx, playerID, sessionID)
	if err != nil {
		return false, "", err
	}
	if info == nil {
		return true, "", nil
	}
	switch info.State {
	case models.SessionMatchmaking:
		return false, "in the matchmaking queue, cancel it first", nil
	case models.SessionPrivateRoom:
		return false, "already in a private room", nil
	case models.SessionBattle:
		return false, "in a battle", nil
	}
	return true, "", nil
}
