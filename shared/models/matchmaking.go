// shared/models/matchmaking.go
package models

import "time"

// DefaultRuleSetID is used when a join request names no ruleset.
const DefaultRuleSetID = "standard"

// MatchmakingEntry is one queued session.
type MatchmakingEntry struct {
	PlayerID   string            `json:"playerId"`
	SessionID  string            `json:"sessionId"`
	RuleSetID  string            `json:"ruleSetId"`
	JoinTime   int64             `json:"joinTime"` // unix ms
	PlayerData PlayerPayload     `json:"playerData"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SessionKey is the queue member identifying the entry.
func (e MatchmakingEntry) SessionKey() string {
	return e.PlayerID + ":" + e.SessionID
}

// WaitTime is how long the entry has been queued at now.
func (e MatchmakingEntry) WaitTime(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.JoinTime))
}
