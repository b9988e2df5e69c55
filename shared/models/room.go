// shared/models/room.go
package models

// RoomStatus is the lifecycle of a battle room.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

// RoomMetadata carries creation details of a room.
type RoomMetadata struct {
	RuleSetID string `json:"ruleSetId"`
	CreatedAt int64  `json:"createdAt"`
	BattleID  string `json:"battleId,omitempty"`
}

// RoomState is the cluster-visible record of a battle room.
type RoomState struct {
	ID             string            `json:"id"`
	Status         RoomStatus        `json:"status"`
	Sessions       []string          `json:"sessions"`
	SessionPlayers map[string]string `json:"sessionPlayers"`
	InstanceID     string            `json:"instanceId"`
	LastActive     int64             `json:"lastActive"`
	Spectators     []string          `json:"spectators,omitempty"`
	Metadata       RoomMetadata      `json:"metadata"`
}
