// matchmaker/hub/deliver.go
package hub

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
)

// Room events pushed to room members.
const (
	EventRoomUpdate = "roomUpdate"
	EventRoomClosed = "roomClosed"
)

const (
	kindPush     = "push"
	kindJoinRoom = "join_room"
)

// delivery travels on the session delivery channel to the instance holding a socket.
type delivery struct {
	Kind      string          `json:"kind"`
	PlayerID  string          `json:"playerId"`
	SessionID string          `json:"sessionId"`
	RoomID    string          `json:"roomId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RoomNotice is pushed to members when a room changes or closes.
type RoomNotice struct {
	RoomID string            `json:"roomId"`
	Status models.RoomStatus `json:"status,omitempty"`
}

// Notify pushes event to a session. Sessions attached elsewhere are reached through
// the delivery channel.
func (h *Hub) Notify(ctx context.Context, playerID, sessionID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s", event)
	}
	d := delivery{Kind: kindPush, PlayerID: playerID, SessionID: sessionID, Event: event, Data: raw}
	if h.apply(d) {
		return nil
	}
	return h.state.Store().Publish(ctx, redisu.SessionDeliverChannel, d)
}

// JoinRoom adds a session to a room group on whichever instance holds its socket.
func (h *Hub) JoinRoom(ctx context.Context, playerID, sessionID, roomID string) error {
	d := delivery{Kind: kindJoinRoom, PlayerID: playerID, SessionID: sessionID, RoomID: roomID}
	if h.apply(d) {
		return nil
	}
	return h.state.Store().Publish(ctx, redisu.SessionDeliverChannel, d)
}

// RoomMembers returns the local session keys in room.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[roomID]))
	for k := range h.rooms[roomID] {
		out = append(out, k)
	}
	return out
}

// apply performs d if the session is attached here and reports whether it was.
func (h *Hub) apply(d delivery) bool {
	c := h.local(d.PlayerID, d.SessionID)
	if c == nil {
		return false
	}
	switch d.Kind {
	case kindPush:
		c.enqueue(Outbound{Event: d.Event, Data: d.Data})
	case kindJoinRoom:
		key := redisu.SessionKey(d.PlayerID, d.SessionID)
		h.mu.Lock()
		if h.rooms[d.RoomID] == nil {
			h.rooms[d.RoomID] = make(map[string]bool)
		}
		h.rooms[d.RoomID][key] = true
		h.mu.Unlock()
	default:
		h.logger.Warn("Unknown delivery kind", zap.String("kind", d.Kind))
	}
	return true
}

// broadcast pushes to the local members of room. With closing set the group is dropped.
func (h *Hub) broadcast(roomID, event string, data any, closing bool) {
	h.mu.Lock()
	members := make([]*client, 0, len(h.rooms[roomID]))
	for key := range h.rooms[roomID] {
		if c := h.clients[key]; c != nil {
			members = append(members, c)
		}
	}
	if closing {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
	for _, c := range members {
		c.enqueue(Outbound{Event: event, Data: data})
	}
}

func (h *Hub) onDelivery(payload []byte) {
	var d delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		h.logger.Warn("Dropping malformed delivery", zap.Error(err))
		return
	}
	h.apply(d)
}

func (h *Hub) onEvent(ev models.ClusterEvent) {
	switch ev.Type {
	case models.EventRoomUpdate:
		var room models.RoomState
		if err := ev.Decode(&room); err != nil {
			h.logger.Warn("Dropping room update", zap.Error(err))
			return
		}
		h.broadcast(room.ID, EventRoomUpdate, RoomNotice{RoomID: room.ID, Status: room.Status}, room.Status == models.RoomEnded)
	case models.EventRoomDestroy:
		var ref struct {
			RoomID string `json:"roomId"`
		}
		if err := ev.Decode(&ref); err != nil {
			h.logger.Warn("Dropping room destroy", zap.Error(err))
			return
		}
		h.broadcast(ref.RoomID, EventRoomClosed, RoomNotice{RoomID: ref.RoomID}, true)
	}
}

// Run listens for deliveries and room events until ctx is done, then closes every
// local connection.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.state.Store().Subscribe(ctx, redisu.SessionDeliverChannel, h.onDelivery); err != nil {
		return err
	}
	if err := h.state.SubscribeEvents(ctx, h.onEvent); err != nil {
		return err
	}
	<-ctx.Done()

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
	h.logger.Info("Hub stopped", zap.Int("closed", len(clients)))
	return nil
}
