// shared/state/manager.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

// Options configures a Manager.
type Options struct {
	InstanceID    string
	TTL           config.TTLConfig
	HeartbeatTTL  time.Duration // lifetime of an instance record
	HealthTimeout time.Duration // heartbeat age past which a record reads as unhealthy
}

// Manager reads and writes the cluster-visible entities: instance records, rooms,
// session room mappings, player connections and cluster events.
type Manager struct {
	store  *store.Store
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

func NewManager(s *store.Store, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		store:  s,
		opts:   opts,
		now:    time.Now,
		logger: logging.OrNop(logger).Named("state"),
	}
}

// Store exposes the underlying store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// InstanceID is the id of the local instance.
func (m *Manager) InstanceID() string {
	return m.opts.InstanceID
}

// TTL returns the configured key lifetimes.
func (m *Manager) TTL() config.TTLConfig {
	return m.opts.TTL
}

// --- Instances ---

// RegisterInstance writes the instance record and announces it to the cluster.
func (m *Manager) RegisterInstance(ctx context.Context, inst models.ServiceInstance) error {
	if err := m.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	return m.PublishEvent(ctx, models.EventInstanceJoin, inst)
}

// UpdateInstance rewrites the instance record and refreshes its TTL.
func (m *Manager) UpdateInstance(ctx context.Context, inst models.ServiceInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return eris.Wrapf(err, "failed to encode instance %s", inst.ID)
	}
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.store.Key(redisu.ServiceInstanceKey(inst.ID)), data, m.opts.HeartbeatTTL)
		pipe.SAdd(ctx, m.store.Key(redisu.ServiceInstancesKey), inst.ID)
		return nil
	})
	return eris.Wrapf(err, "failed to write instance %s", inst.ID)
}

// RemoveInstance deletes the instance record and announces the departure.
func (m *Manager) RemoveInstance(ctx context.Context, id string) error {
	_, err := m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.store.Key(redisu.ServiceInstanceKey(id)))
		pipe.SRem(ctx, m.store.Key(redisu.ServiceInstancesKey), id)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to remove instance %s", id)
	}
	return m.PublishEvent(ctx, models.EventInstanceLeave, map[string]string{"instanceId": id})
}

// GetInstance returns one instance record. A record whose heartbeat is older than the
// health timeout is reported unhealthy.
func (m *Manager) GetInstance(ctx context.Context, id string) (*models.ServiceInstance, error) {
	var inst models.ServiceInstance
	ok, err := m.store.GetJSON(ctx, redisu.ServiceInstanceKey(id), &inst)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(errs.ErrNotFound, "instance %s", id)
	}
	m.applyStaleness(&inst)
	return &inst, nil
}

// ListInstances returns every registered instance sorted by id. A record whose
// heartbeat is older than the health timeout is reported unhealthy.
func (m *Manager) ListInstances(ctx context.Context) ([]models.ServiceInstance, error) {
	out, err := m.ListInstanceRecords(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		m.applyStaleness(&out[i])
	}
	return out, nil
}

// ListInstanceRecords returns the stored instance records sorted by id, as written.
// Ids whose record has expired are pruned from the index.
func (m *Manager) ListInstanceRecords(ctx context.Context) ([]models.ServiceInstance, error) {
	ids, err := m.store.Client().SMembers(ctx, m.store.Key(redisu.ServiceInstancesKey)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to list instance ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	if _, err := m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, m.store.Key(redisu.ServiceInstanceKey(id)))
		}
		return nil
	}); err != nil {
		return nil, eris.Wrap(err, "failed to read instance records")
	}

	var (
		out     []models.ServiceInstance
		expired []any
	)
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, ids[i])
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read instance %s", ids[i])
		}
		var inst models.ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			m.logger.Warn("Skipping malformed instance record", zap.String("instance", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, inst)
	}

	if len(expired) > 0 {
		if err := m.store.Client().SRem(ctx, m.store.Key(redisu.ServiceInstancesKey), expired...).Err(); err != nil {
			m.logger.Warn("Failed to prune expired instance ids", zap.Error(err))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetInstanceStatus changes the status of a record without touching its TTL.
func (m *Manager) SetInstanceStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	var inst models.ServiceInstance
	key := redisu.ServiceInstanceKey(id)
	ok, err := m.store.GetJSON(ctx, key, &inst)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(errs.ErrNotFound, "instance %s", id)
	}
	inst.Status = status
	if err := m.store.SetJSON(ctx, key, inst, redis.KeepTTL); err != nil {
		return err
	}
	return m.PublishEvent(ctx, models.EventInstanceUpdate, inst)
}

func (m *Manager) applyStaleness(inst *models.ServiceInstance) {
	if m.opts.HealthTimeout <= 0 || inst.Status != models.StatusHealthy {
		return
	}
	if inst.HeartbeatAge(m.now()) >= m.opts.HealthTimeout {
		inst.Status = models.StatusUnhealthy
	}
}

// --- Rooms ---

// RoomTTL is the lifetime of a room record in the given status.
func (m *Manager) RoomTTL(status models.RoomStatus) time.Duration {
	switch status {
	case models.RoomActive:
		return m.opts.TTL.RoomActive
	case models.RoomEnded:
		return m.opts.TTL.RoomEnded
	default:
		return m.opts.TTL.RoomWaiting
	}
}

// SaveRoom writes the room record with the TTL of its status and indexes it.
func (m *Manager) SaveRoom(ctx context.Context, room models.RoomState) error {
	data, err := json.Marshal(room)
	if err != nil {
		return eris.Wrapf(err, "failed to encode room %s", room.ID)
	}
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.store.Key(redisu.RoomKey(room.ID)), data, m.RoomTTL(room.Status))
		pipe.SAdd(ctx, m.store.Key(redisu.RoomsKey), room.ID)
		return nil
	})
	return eris.Wrapf(err, "failed to save room %s", room.ID)
}

func (m *Manager) GetRoom(ctx context.Context, id string) (*models.RoomState, error) {
	var room models.RoomState
	ok, err := m.store.GetJSON(ctx, redisu.RoomKey(id), &room)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(errs.ErrNotFound, "room %s", id)
	}
	return &room, nil
}

// DeleteRoom removes the room record, its index entry and the mappings of its sessions.
func (m *Manager) DeleteRoom(ctx context.Context, id string) error {
	room, err := m.GetRoom(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.store.Key(redisu.RoomKey(id)))
		pipe.SRem(ctx, m.store.Key(redisu.RoomsKey), id)
		if room != nil {
			for sessionID, playerID := range room.SessionPlayers {
				pipe.SRem(ctx, m.store.Key(redisu.SessionRoomsKey(playerID, sessionID)), id)
			}
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to delete room %s", id)
	}
	return m.PublishEvent(ctx, models.EventRoomDestroy, map[string]string{"roomId": id})
}

// ListRooms returns every indexed room, pruning ids whose record expired.
func (m *Manager) ListRooms(ctx context.Context) ([]models.RoomState, error) {
	ids, err := m.store.Client().SMembers(ctx, m.store.Key(redisu.RoomsKey)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to list rooms")
	}
	var rooms []models.RoomState
	for _, id := range ids {
		room, err := m.GetRoom(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			_ = m.store.Client().SRem(ctx, m.store.Key(redisu.RoomsKey), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// GetSessionRooms lists the rooms a session belongs to.
func (m *Manager) GetSessionRooms(ctx context.Context, playerID, sessionID string) ([]string, error) {
	rooms, err := m.store.Client().SMembers(ctx, m.store.Key(redisu.SessionRoomsKey(playerID, sessionID))).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read rooms of %s:%s", playerID, sessionID)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// --- Connections ---

// SetConnection records where a session is attached and marks the player active.
func (m *Manager) SetConnection(ctx context.Context, conn models.PlayerConnection) error {
	if conn.LastSeen == 0 {
		conn.LastSeen = m.now().UnixMilli()
	}
	data, err := json.Marshal(conn)
	if err != nil {
		return eris.Wrap(err, "failed to encode connection")
	}
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.store.Key(redisu.ConnectionKey(conn.PlayerID, conn.SessionID)), data, m.opts.TTL.Connection)
		pipe.SAdd(ctx, m.store.Key(redisu.PlayersActiveKey), conn.PlayerID)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to save connection of %s:%s", conn.PlayerID, conn.SessionID)
	}
	event := models.EventPlayerConnect
	if conn.Status == models.Disconnected {
		event = models.EventPlayerDisconnect
	}
	return m.PublishEvent(ctx, event, conn)
}

func (m *Manager) GetConnection(ctx context.Context, playerID, sessionID string) (*models.PlayerConnection, error) {
	var conn models.PlayerConnection
	ok, err := m.store.GetJSON(ctx, redisu.ConnectionKey(playerID, sessionID), &conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(errs.ErrNotFound, "connection %s:%s", playerID, sessionID)
	}
	return &conn, nil
}

// IsConnected reports whether the session has a connection record in connected status.
func (m *Manager) IsConnected(ctx context.Context, playerID, sessionID string) (bool, error) {
	conn, err := m.GetConnection(ctx, playerID, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conn.Status == models.Connected, nil
}

// MarkDisconnected flips a connection record to disconnected.
func (m *Manager) MarkDisconnected(ctx context.Context, playerID, sessionID string) error {
	conn, err := m.GetConnection(ctx, playerID, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	conn.Status = models.Disconnected
	conn.LastSeen = m.now().UnixMilli()
	return m.SetConnection(ctx, *conn)
}

// RemoveConnection deletes the connection record.
func (m *Manager) RemoveConnection(ctx context.Context, playerID, sessionID string) error {
	return m.store.Del(ctx, redisu.ConnectionKey(playerID, sessionID))
}

// --- Events ---

// PublishEvent broadcasts an event from the local instance.
func (m *Manager) PublishEvent(ctx context.Context, t models.EventType, data any) error {
	ev, err := models.NewClusterEvent(t, m.opts.InstanceID, data)
	if err != nil {
		return err
	}
	return m.store.Publish(ctx, redisu.ClusterEventsChannel, ev)
}

// SubscribeEvents calls handler with every cluster event until ctx is done.
func (m *Manager) SubscribeEvents(ctx context.Context, handler func(models.ClusterEvent)) error {
	return m.store.Subscribe(ctx, redisu.ClusterEventsChannel, func(payload []byte) {
		var ev models.ClusterEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			m.logger.Warn("Dropping malformed cluster event", zap.Error(err))
			return
		}
		handler(ev)
	})
}
