// shared/models/session.go
package models

// SessionData is the stored record of one login session.
type SessionData struct {
	PlayerID       string            `json:"playerId"`
	SessionID      string            `json:"sessionId"`
	AccessToken    string            `json:"accessToken,omitempty"`
	RefreshToken   string            `json:"refreshToken,omitempty"`
	AccessTokenJTI string            `json:"accessTokenJti,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	LastAccessed   int64             `json:"lastAccessed"`
	Expiry         int64             `json:"expiry,omitempty"`
	InstanceID     string            `json:"instanceId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AuthBlacklistEntry marks a revoked token id.
type AuthBlacklistEntry struct {
	JTI       string `json:"jti"`
	Expiry    int64  `json:"expiry"` // unix ms
	Reason    string `json:"reason,omitempty"`
	RevokedAt int64  `json:"revokedAt"`
}

// SessionState is what a session is currently doing.
type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionMatchmaking SessionState = "matchmaking"
	SessionPrivateRoom SessionState = "private_room"
	SessionBattle      SessionState = "battle"
)

// SessionStateContext points at the queue, room or battle a state refers to.
type SessionStateContext struct {
	QueueID      string `json:"queueId,omitempty"`
	RoomCode     string `json:"roomCode,omitempty"`
	BattleRoomID string `json:"battleRoomId,omitempty"`
}

// SessionStateInfo is the stored state of a session.
type SessionStateInfo struct {
	PlayerID  string              `json:"playerId"`
	SessionID string              `json:"sessionId"`
	State     SessionState        `json:"state"`
	Context   SessionStateContext `json:"context"`
	UpdatedAt int64               `json:"updatedAt"`
}

// ConnectionStatus of a player session on some instance.
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

// PlayerConnection records where a player session is attached.
type PlayerConnection struct {
	PlayerID   string           `json:"playerId"`
	SessionID  string           `json:"sessionId"`
	InstanceID string           `json:"instanceId"`
	ConnID     string           `json:"connId"`
	Status     ConnectionStatus `json:"status"`
	LastSeen   int64            `json:"lastSeen"`
}
