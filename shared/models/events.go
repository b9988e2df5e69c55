// shared/models/events.go
package models

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// EventType names a cluster event.
type EventType string

const (
	EventInstanceJoin     EventType = "instance:join"
	EventInstanceLeave    EventType = "instance:leave"
	EventInstanceUpdate   EventType = "instance:update"
	EventPlayerConnect    EventType = "player:connect"
	EventPlayerDisconnect EventType = "player:disconnect"
	EventRoomCreate       EventType = "room:create"
	EventRoomUpdate       EventType = "room:update"
	EventRoomDestroy      EventType = "room:destroy"
	EventMatchmakingJoin  EventType = "matchmaking:join"
	EventMatchmakingLeave EventType = "matchmaking:leave"
)

// ClusterEvent is broadcast to every instance on the cluster events channel.
type ClusterEvent struct {
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewClusterEvent encodes data into a new event.
func NewClusterEvent(t EventType, source string, data any) (ClusterEvent, error) {
	ev := ClusterEvent{Type: t, Source: source, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ev, eris.Wrapf(err, "failed to encode %s event", t)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Decode unmarshals the event data into v.
func (e ClusterEvent) Decode(v any) error {
	if len(e.Data) == 0 {
		return eris.Errorf("%s event has no data", e.Type)
	}
	return eris.Wrapf(json.Unmarshal(e.Data, v), "failed to decode %s event", e.Type)
}
