// shared/lock/keys.go
package lock

import (
	"sort"

	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
)

// Well-known lock names.
const (
	KeyMatchmaking       = "matchmaking"
	KeyMatchmakingQueue  = "matchmaking:queue"
	KeyLeaderElection    = "matchmaking:leader:election"
	KeyServiceRegistry   = "service:registry"
	KeyTransactionPrefix = "transaction:"
)

func RoomCreateKey(roomID string) string {
	return "room:create:" + roomID
}

func PlayerActionKey(playerID string) string {
	return "player:action:" + playerID
}

func SessionActionKey(playerID, sessionID string) string {
	return "session:action:" + playerID + ":" + sessionID
}

func AuthTokenKey(jti string) string {
	return "auth:token:" + jti
}

// PairKey names the commit lock of a candidate pair. The session keys are sorted so
// both orderings of the same pair contend for one lock.
func PairKey(playerA, sessionA, playerB, sessionB string) string {
	keys := []string{redisu.SessionKey(playerA, sessionA), redisu.SessionKey(playerB, sessionB)}
	sort.Strings(keys)
	return "match:" + keys[0] + ":" + keys[1]
}
