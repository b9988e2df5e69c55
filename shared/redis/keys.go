// shared/redis/keys.go
package redis

import "fmt"

// Key layout. Every key is additionally scoped by the store's prefix.
const (
	ServiceInstancesKey      = "service:instances"
	ServiceInstanceKeyPrefix = "service:instance:"
	RoomsKey                 = "rooms"
	RoomKeyPrefix            = "room:"
	PlayersActiveKey         = "players:active"
	SessionsIndexKey         = "sessions:index"
	BlacklistKeyPrefix       = "auth:blacklist:"
	LockKeyPrefix            = "lock:"
	TransactionKeyPrefix     = "transaction:"
	MatchmakingQueuePrefix   = "matchmaking:queue"
	ActiveRuleSetsKey        = "matchmaking:queue:active_rulesets"
	ClusterEventsChannel     = "cluster:events"
	SessionDeliverChannel    = "session:deliver"
)

// SessionKey joins a player and session id into the queue member format.
func SessionKey(playerID, sessionID string) string {
	return playerID + ":" + sessionID
}

func ServiceInstanceKey(instanceID string) string {
	return ServiceInstanceKeyPrefix + instanceID
}

func RoomKey(roomID string) string {
	return RoomKeyPrefix + roomID
}

// SessionRoomsKey holds the set of rooms a session belongs to.
func SessionRoomsKey(playerID, sessionID string) string {
	return fmt.Sprintf("session:rooms:%s:%s", playerID, sessionID)
}

func SessionDataKey(playerID, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", playerID, sessionID)
}

func PlayerSessionsKey(playerID string) string {
	return "player:sessions:" + playerID
}

func SessionStateKey(playerID, sessionID string) string {
	return fmt.Sprintf("session:state:%s:%s", playerID, sessionID)
}

func ConnectionKey(playerID, sessionID string) string {
	return fmt.Sprintf("player:session:connection:%s:%s", playerID, sessionID)
}

func BlacklistKey(jti string) string {
	return BlacklistKeyPrefix + jti
}

func TransactionKey(txID string) string {
	return TransactionKeyPrefix + txID
}

func QueueKey(ruleSetID string) string {
	return MatchmakingQueuePrefix + ":" + ruleSetID
}

// QueueEntryKey holds the serialized entry of a queued session.
func QueueEntryKey(sessionKey, ruleSetID string) string {
	return fmt.Sprintf("matchmaking:player:%s:%s", sessionKey, ruleSetID)
}

// QueueMappingKey maps a queued session back to its ruleset.
func QueueMappingKey(sessionKey string) string {
	return fmt.Sprintf("matchmaking:player:%s:queue_mapping", sessionKey)
}

func EloKey(ruleSetID string) string {
	return "elo:" + ruleSetID
}
