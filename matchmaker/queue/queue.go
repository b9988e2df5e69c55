// matchmaker/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

// Info summarizes one non-empty queue.
type Info struct {
	RuleSetID   string `json:"ruleSetId"`
	QueueKey    string `json:"queueKey"`
	PlayerCount int    `json:"playerCount"`
}

// Manager maintains the per-ruleset queue sets, the active ruleset index, the entry
// hashes and the session to ruleset mappings.
type Manager struct {
	store  *store.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewManager builds a queue manager whose keys live for ttl unless refreshed.
func NewManager(s *store.Store, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{store: s, ttl: ttl, logger: logging.OrNop(logger).Named("queue")}
}

// AddToQueue enqueues entry. Re-adding the same session overwrites its entry, and a
// session queued under another ruleset is moved out of that queue first.
func (m *Manager) AddToQueue(ctx context.Context, entry models.MatchmakingEntry) error {
	if entry.PlayerID == "" || entry.SessionID == "" {
		return eris.Wrap(errs.ErrValidation, "playerId and sessionId are required")
	}
	if entry.RuleSetID == "" {
		entry.RuleSetID = models.DefaultRuleSetID
	}
	fields, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	sk := entry.SessionKey()
	queueKey := m.store.Key(redisu.QueueKey(entry.RuleSetID))
	activeKey := m.store.Key(redisu.ActiveRuleSetsKey)
	entryKey := m.store.Key(redisu.QueueEntryKey(sk, entry.RuleSetID))
	mappingKey := m.store.Key(redisu.QueueMappingKey(sk))

	previous, queued, err := m.mappedRuleSet(ctx, sk)
	if err != nil {
		return err
	}
	if queued && previous != entry.RuleSetID {
		if err := m.remove(ctx, sk, previous); err != nil {
			return err
		}
		m.logger.Info("Session moved between queues", zap.String("sessionKey", sk),
			zap.String("from", previous), zap.String("to", entry.RuleSetID))
	}

	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, queueKey, sk)
		pipe.PExpire(ctx, queueKey, m.ttl)
		pipe.SAdd(ctx, activeKey, entry.RuleSetID)
		pipe.PExpire(ctx, activeKey, m.ttl)
		pipe.HSet(ctx, entryKey, fields)
		pipe.PExpire(ctx, entryKey, m.ttl)
		pipe.HSet(ctx, mappingKey, "ruleSetId", entry.RuleSetID, "queueKey", redisu.QueueKey(entry.RuleSetID))
		pipe.PExpire(ctx, mappingKey, m.ttl)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to enqueue %s", sk)
	}
	m.logger.Info("Session queued", zap.String("sessionKey", sk), zap.String("ruleSetId", entry.RuleSetID))
	return nil
}

// RemoveFromQueue dequeues one session. It reports false when the session was not queued.
func (m *Manager) RemoveFromQueue(ctx context.Context, playerID, sessionID string) (bool, error) {
	sk := redisu.SessionKey(playerID, sessionID)
	ruleSetID, ok, err := m.mappedRuleSet(ctx, sk)
	if err != nil || !ok {
		return false, err
	}
	if err := m.remove(ctx, sk, ruleSetID); err != nil {
		return false, err
	}
	return true, nil
}

// RemovePlayer dequeues every session of playerID and returns how many were removed.
func (m *Manager) RemovePlayer(ctx context.Context, playerID string) (int, error) {
	var sessionKeys []string
	pattern := redisu.QueueMappingKey(playerID + ":*")
	err := m.store.ScanKeys(ctx, pattern, func(key string) error {
		sk := strings.TrimSuffix(strings.TrimPrefix(key, "matchmaking:player:"), ":queue_mapping")
		if owner, _, ok := splitSessionKey(sk); ok && owner == playerID {
			sessionKeys = append(sessionKeys, sk)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sk := range sessionKeys {
		ruleSetID, ok, err := m.mappedRuleSet(ctx, sk)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		if err := m.remove(ctx, sk, ruleSetID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Lookup returns the queued entry of a session, reporting false when it is not queued
// or its entry expired.
func (m *Manager) Lookup(ctx context.Context, playerID, sessionID string) (models.MatchmakingEntry, bool, error) {
	sk := redisu.SessionKey(playerID, sessionID)
	ruleSetID, ok, err := m.mappedRuleSet(ctx, sk)
	if err != nil || !ok {
		return models.MatchmakingEntry{}, false, err
	}
	member, err := m.store.Client().SIsMember(ctx, m.store.Key(redisu.QueueKey(ruleSetID)), sk).Result()
	if err != nil {
		return models.MatchmakingEntry{}, false, eris.Wrapf(err, "failed to check queue membership of %s", sk)
	}
	if !member {
		return models.MatchmakingEntry{}, false, nil
	}
	fields, err := m.store.Client().HGetAll(ctx, m.store.Key(redisu.QueueEntryKey(sk, ruleSetID))).Result()
	if err != nil {
		return models.MatchmakingEntry{}, false, eris.Wrapf(err, "failed to read entry of %s", sk)
	}
	if len(fields) == 0 {
		return models.MatchmakingEntry{}, false, nil
	}
	entry, err := decodeEntry(fields)
	if err != nil {
		return models.MatchmakingEntry{}, false, err
	}
	return entry, true, nil
}

func (m *Manager) mappedRuleSet(ctx context.Context, sk string) (string, bool, error) {
	ruleSetID, err := m.store.Client().HGet(ctx, m.store.Key(redisu.QueueMappingKey(sk)), "ruleSetId").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "failed to read queue mapping of %s", sk)
	}
	if ruleSetID == "" {
		ruleSetID = models.DefaultRuleSetID
	}
	return ruleSetID, true, nil
}

func (m *Manager) remove(ctx context.Context, sk, ruleSetID string) error {
	queueKey := m.store.Key(redisu.QueueKey(ruleSetID))
	var card *redis.IntCmd
	_, err := m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, queueKey, sk)
		pipe.Del(ctx, m.store.Key(redisu.QueueEntryKey(sk, ruleSetID)), m.store.Key(redisu.QueueMappingKey(sk)))
		card = pipe.SCard(ctx, queueKey)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to dequeue %s", sk)
	}
	if card.Val() == 0 {
		if err := m.store.Client().SRem(ctx, m.store.Key(redisu.ActiveRuleSetsKey), ruleSetID).Err(); err != nil {
			return eris.Wrapf(err, "failed to drop %s from the active index", ruleSetID)
		}
	}
	m.logger.Debug("Session dequeued", zap.String("sessionKey", sk), zap.String("ruleSetId", ruleSetID),
		zap.Int64("remaining", card.Val()))
	return nil
}

// GetActiveRuleSetIds reads the active index and prunes rulesets whose queue is empty.
func (m *Manager) GetActiveRuleSetIds(ctx context.Context) ([]string, error) {
	activeKey := m.store.Key(redisu.ActiveRuleSetsKey)
	indexed, err := m.store.Client().SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to read active rulesets")
	}
	if len(indexed) == 0 {
		return nil, nil
	}

	cards := make([]*redis.IntCmd, len(indexed))
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, r := range indexed {
			cards[i] = pipe.SCard(ctx, m.store.Key(redisu.QueueKey(r)))
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to size active queues")
	}

	var active, empty []string
	for i, r := range indexed {
		if cards[i].Val() > 0 {
			active = append(active, r)
		} else {
			empty = append(empty, r)
		}
	}
	if len(empty) > 0 {
		if err := m.store.Client().SRem(ctx, activeKey, toAny(empty)...).Err(); err != nil {
			m.logger.Warn("Failed to prune empty rulesets", zap.Strings("ruleSets", empty), zap.Error(err))
		}
	}
	sort.Strings(active)
	return active, nil
}

// GetQueue returns the entries of ruleSetID ordered by join time. Members whose entry
// hash expired are pruned from the set.
func (m *Manager) GetQueue(ctx context.Context, ruleSetID string) ([]models.MatchmakingEntry, error) {
	queueKey := m.store.Key(redisu.QueueKey(ruleSetID))
	members, err := m.store.Client().SMembers(ctx, queueKey).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read queue %s", ruleSetID)
	}
	if len(members) == 0 {
		return nil, nil
	}

	reads := make([]*redis.MapStringStringCmd, len(members))
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, sk := range members {
			reads[i] = pipe.HGetAll(ctx, m.store.Key(redisu.QueueEntryKey(sk, ruleSetID)))
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read entries of %s", ruleSetID)
	}

	entries := make([]models.MatchmakingEntry, 0, len(members))
	var expired []string
	for i, sk := range members {
		fields := reads[i].Val()
		if len(fields) == 0 {
			expired = append(expired, sk)
			continue
		}
		entry, err := decodeEntry(fields)
		if err != nil {
			m.logger.Warn("Dropping undecodable queue entry", zap.String("sessionKey", sk), zap.Error(err))
			expired = append(expired, sk)
			continue
		}
		entries = append(entries, entry)
	}
	if len(expired) > 0 {
		if err := m.store.Client().SRem(ctx, queueKey, toAny(expired)...).Err(); err != nil {
			m.logger.Warn("Failed to prune expired queue members", zap.Error(err))
		} else {
			m.logger.Debug("Pruned expired queue members", zap.String("ruleSetId", ruleSetID), zap.Strings("members", expired))
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinTime != entries[j].JoinTime {
			return entries[i].JoinTime < entries[j].JoinTime
		}
		return entries[i].SessionKey() < entries[j].SessionKey()
	})
	return entries, nil
}

// QueueSize sums the sizes of all active queues.
func (m *Manager) QueueSize(ctx context.Context) (int, error) {
	queues, err := m.GetAllActiveQueues(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, q := range queues {
		total += q.PlayerCount
	}
	return total, nil
}

// GetAllActiveQueues scans every queue key and reports the non-empty ones.
func (m *Manager) GetAllActiveQueues(ctx context.Context) ([]Info, error) {
	var queues []Info
	prefix := redisu.MatchmakingQueuePrefix + ":"
	err := m.store.ScanKeys(ctx, prefix+"*", func(key string) error {
		if key == redisu.ActiveRuleSetsKey {
			return nil
		}
		n, err := m.store.Client().SCard(ctx, m.store.Key(key)).Result()
		if err != nil {
			return eris.Wrapf(err, "failed to size %s", key)
		}
		if n > 0 {
			queues = append(queues, Info{RuleSetID: strings.TrimPrefix(key, prefix), QueueKey: key, PlayerCount: int(n)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].RuleSetID < queues[j].RuleSetID })
	return queues, nil
}

// Reindex adds every non-empty queue back into the active index and returns the
// rulesets that were missing from it.
func (m *Manager) Reindex(ctx context.Context) ([]string, error) {
	queues, err := m.GetAllActiveQueues(ctx)
	if err != nil || len(queues) == 0 {
		return nil, err
	}
	ids := make([]any, 0, len(queues))
	for _, q := range queues {
		ids = append(ids, q.RuleSetID)
	}
	activeKey := m.store.Key(redisu.ActiveRuleSetsKey)
	var missing []string
	for _, q := range queues {
		ok, err := m.store.Client().SIsMember(ctx, activeKey, q.RuleSetID).Result()
		if err != nil {
			return nil, eris.Wrap(err, "failed to read active rulesets")
		}
		if !ok {
			missing = append(missing, q.RuleSetID)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, activeKey, ids...)
		pipe.PExpire(ctx, activeKey, m.ttl)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to reindex active rulesets")
	}
	m.logger.Info("Restored rulesets missing from the active index", zap.Strings("ruleSets", missing))
	return missing, nil
}

func encodeEntry(e models.MatchmakingEntry) (map[string]any, error) {
	fields := map[string]any{
		"playerId":  e.PlayerID,
		"sessionId": e.SessionID,
		"ruleSetId": e.RuleSetID,
		"joinTime":  strconv.FormatInt(e.JoinTime, 10),
	}
	if !e.PlayerData.IsZero() {
		payload, err := json.Marshal(e.PlayerData)
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode player data")
		}
		fields["playerData"] = string(payload)
	}
	if len(e.Metadata) > 0 {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode entry metadata")
		}
		fields["metadata"] = string(meta)
	}
	return fields, nil
}

func decodeEntry(fields map[string]string) (models.MatchmakingEntry, error) {
	e := models.MatchmakingEntry{
		PlayerID:  fields["playerId"],
		SessionID: fields["sessionId"],
		RuleSetID: fields["ruleSetId"],
	}
	joinTime, err := strconv.ParseInt(fields["joinTime"], 10, 64)
	if err != nil {
		return e, eris.Wrapf(err, "invalid joinTime %q", fields["joinTime"])
	}
	e.JoinTime = joinTime
	if raw := fields["playerData"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.PlayerData); err != nil {
			return e, eris.Wrap(err, "invalid player data")
		}
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return e, eris.Wrap(err, "invalid entry metadata")
		}
	}
	return e, nil
}

// splitSessionKey splits "player:session" at the last colon.
func splitSessionKey(sk string) (string, string, bool) {
	i := strings.LastIndexByte(sk, ':')
	if i <= 0 || i == len(sk)-1 {
		return "", "", false
	}
	return sk[:i], sk[i+1:], true
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
