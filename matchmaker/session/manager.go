// matchmaker/session/manager.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

const cleanupBatch = 50

// Options configures a Manager.
type Options struct {
	InstanceID  string
	MaxSessions int
	TTL         time.Duration
	LockTTL     time.Duration
}

// CreateOptions carries the token references of a new session.
type CreateOptions struct {
	AccessToken    string
	RefreshToken   string
	AccessTokenJTI string
	Metadata       map[string]string
}

// Stats summarizes the session index.
type Stats struct {
	TotalSessions   int64 `json:"totalSessions"`
	ActivePlayers   int64 `json:"activePlayers"`
	OldestCreatedAt int64 `json:"oldestCreatedAt,omitempty"`
}

// Manager is the per-player session registry.
type Manager struct {
	store     *store.Store
	locks     *lock.Manager
	blacklist *Blacklist
	opts      Options
	now       func() time.Time
	logger    *zap.Logger
}

func NewManager(s *store.Store, locks *lock.Manager, blacklist *Blacklist, opts Options, logger *zap.Logger) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 5
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	return &Manager{
		store:     s,
		locks:     locks,
		blacklist: blacklist,
		opts:      opts,
		now:       time.Now,
		logger:    logging.OrNop(logger).Named("session"),
	}
}

func (m *Manager) lockOpts() lock.Options {
	return lock.Options{TTL: m.opts.LockTTL, RetryCount: 10, RetryDelay: 100 * time.Millisecond}
}

// CreateSession opens a new session for playerID, evicting the least recently
// accessed sessions beyond the per-player limit.
func (m *Manager) CreateSession(ctx context.Context, playerID string, co CreateOptions) (*models.SessionData, error) {
	if playerID == "" {
		return nil, eris.Wrap(errs.ErrValidation, "playerId is required")
	}
	return lock.WithLockValue(ctx, m.locks, lock.PlayerActionKey(playerID), func(ctx context.Context) (*models.SessionData, error) {
		existing, err := m.GetPlayerSessions(ctx, playerID)
		if err != nil {
			return nil, err
		}
		if over := len(existing) - m.opts.MaxSessions + 1; over > 0 {
			sort.Slice(existing, func(i, j int) bool { return existing[i].LastAccessed < existing[j].LastAccessed })
			for _, old := range existing[:over] {
				if err := m.remove(ctx, old.PlayerID, old.SessionID); err != nil {
					return nil, err
				}
				m.logger.Info("Evicted least recently used session", zap.String("playerId", playerID),
					zap.String("sessionId", old.SessionID))
			}
		}

		now := m.now()
		sd := &models.SessionData{
			PlayerID:       playerID,
			SessionID:      uuid.NewString(),
			AccessToken:    co.AccessToken,
			RefreshToken:   co.RefreshToken,
			AccessTokenJTI: co.AccessTokenJTI,
			CreatedAt:      now.UnixMilli(),
			LastAccessed:   now.UnixMilli(),
			Expiry:         now.Add(m.opts.TTL).UnixMilli(),
			InstanceID:     m.opts.InstanceID,
			Metadata:       co.Metadata,
		}
		if err := m.write(ctx, sd); err != nil {
			return nil, err
		}
		return sd, nil
	}, m.lockOpts())
}

func (m *Manager) write(ctx context.Context, sd *models.SessionData) error {
	fields, err := encodeSession(sd)
	if err != nil {
		return err
	}
	sk := redisu.SessionKey(sd.PlayerID, sd.SessionID)
	dataKey := m.store.Key(redisu.SessionDataKey(sd.PlayerID, sd.SessionID))
	playerKey := m.store.Key(redisu.PlayerSessionsKey(sd.PlayerID))
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, dataKey, fields)
		pipe.PExpire(ctx, dataKey, m.opts.TTL)
		pipe.SAdd(ctx, playerKey, sd.SessionID)
		pipe.PExpire(ctx, playerKey, m.opts.TTL)
		pipe.ZAdd(ctx, m.store.Key(redisu.SessionsIndexKey), redis.Z{Score: float64(sd.CreatedAt), Member: sk})
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to write session %s", sk)
	}
	return nil
}

func (m *Manager) read(ctx context.Context, playerID, sessionID string) (*models.SessionData, error) {
	fields, err := m.store.Client().HGetAll(ctx, m.store.Key(redisu.SessionDataKey(playerID, sessionID))).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read session %s:%s", playerID, sessionID)
	}
	if len(fields) == 0 {
		return nil, eris.Wrapf(errs.ErrNotFound, "session %s:%s", playerID, sessionID)
	}
	return decodeSession(fields)
}

func (m *Manager) expired(sd *models.SessionData) bool {
	return sd.Expiry > 0 && sd.Expiry <= m.now().UnixMilli()
}

// GetSession returns a live session and refreshes its lastAccessed time.
func (m *Manager) GetSession(ctx context.Context, playerID, sessionID string) (*models.SessionData, error) {
	sd, err := m.read(ctx, playerID, sessionID)
	if err != nil {
		return nil, err
	}
	if m.expired(sd) {
		if err := m.remove(ctx, playerID, sessionID); err != nil {
			m.logger.Warn("Failed to drop expired session", zap.String("playerId", playerID), zap.Error(err))
		}
		return nil, eris.Wrapf(errs.ErrNotFound, "session %s:%s expired", playerID, sessionID)
	}
	sd.LastAccessed = m.now().UnixMilli()
	key := m.store.Key(redisu.SessionDataKey(playerID, sessionID))
	if err := m.store.Client().HSet(ctx, key, "lastAccessed", strconv.FormatInt(sd.LastAccessed, 10)).Err(); err != nil {
		return nil, eris.Wrapf(err, "failed to touch session %s:%s", playerID, sessionID)
	}
	return sd, nil
}

// IsSessionValid reports whether the session exists and has not expired.
func (m *Manager) IsSessionValid(ctx context.Context, playerID, sessionID string) (bool, error) {
	sd, err := m.read(ctx, playerID, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !m.expired(sd), nil
}

// UpdateSession applies fn to the stored session under the player's action lock, the
// lock eviction and removal take. The write is watched, so a session that vanished in
// between is reported as errs.ErrNotFound instead of being recreated. fn may run again
// when a concurrent touch wins the race.
func (m *Manager) UpdateSession(ctx context.Context, playerID, sessionID string, fn func(*models.SessionData)) error {
	return m.locks.WithLock(ctx, lock.PlayerActionKey(playerID), func(ctx context.Context) error {
		var err error
		for range updateAttempts {
			err = m.update(ctx, playerID, sessionID, fn)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return eris.Wrapf(err, "session %s:%s kept changing", playerID, sessionID)
	}, m.lockOpts())
}

const updateAttempts = 3

func (m *Manager) update(ctx context.Context, playerID, sessionID string, fn func(*models.SessionData)) error {
	key := redisu.SessionDataKey(playerID, sessionID)
	dataKey := m.store.Key(key)
	return m.store.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGetAll(ctx, dataKey).Result()
		if err != nil {
			return eris.Wrapf(err, "failed to read session %s:%s", playerID, sessionID)
		}
		if len(current) == 0 {
			return eris.Wrapf(errs.ErrNotFound, "session %s:%s", playerID, sessionID)
		}
		ttl, err := tx.PTTL(ctx, dataKey).Result()
		if err != nil {
			return eris.Wrapf(err, "failed to read ttl of session %s:%s", playerID, sessionID)
		}
		if ttl <= 0 {
			ttl = m.opts.TTL
		}
		sd, err := decodeSession(current)
		if err != nil {
			return err
		}
		fn(sd)
		sd.PlayerID, sd.SessionID = playerID, sessionID
		fields, err := encodeSession(sd)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dataKey, fields)
			pipe.PExpire(ctx, dataKey, ttl)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return eris.Wrapf(err, "failed to update session %s:%s", playerID, sessionID)
		}
		return err
	}, key)
}

// RemoveSession deletes one session.
func (m *Manager) RemoveSession(ctx context.Context, playerID, sessionID string) error {
	return m.locks.WithLock(ctx, lock.PlayerActionKey(playerID), func(ctx context.Context) error {
		return m.remove(ctx, playerID, sessionID)
	}, m.lockOpts())
}

func (m *Manager) remove(ctx context.Context, playerID, sessionID string) error {
	_, err := m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.store.Key(redisu.SessionDataKey(playerID, sessionID)))
		pipe.SRem(ctx, m.store.Key(redisu.PlayerSessionsKey(playerID)), sessionID)
		pipe.ZRem(ctx, m.store.Key(redisu.SessionsIndexKey), redisu.SessionKey(playerID, sessionID))
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to remove session %s:%s", playerID, sessionID)
	}
	return nil
}

// GetPlayerSessions lists the stored sessions of playerID, pruning dangling ids.
func (m *Manager) GetPlayerSessions(ctx context.Context, playerID string) ([]models.SessionData, error) {
	playerKey := m.store.Key(redisu.PlayerSessionsKey(playerID))
	ids, err := m.store.Client().SMembers(ctx, playerKey).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to list sessions of %s", playerID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	reads := make([]*redis.MapStringStringCmd, len(ids))
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			reads[i] = pipe.HGetAll(ctx, m.store.Key(redisu.SessionDataKey(playerID, id)))
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read sessions of %s", playerID)
	}

	var sessions []models.SessionData
	var dangling []any
	for i, id := range ids {
		fields := reads[i].Val()
		if len(fields) == 0 {
			dangling = append(dangling, id)
			continue
		}
		sd, err := decodeSession(fields)
		if err != nil {
			m.logger.Warn("Skipping undecodable session", zap.String("playerId", playerID), zap.String("sessionId", id), zap.Error(err))
			continue
		}
		sessions = append(sessions, *sd)
	}
	if len(dangling) > 0 {
		if err := m.store.Client().SRem(ctx, playerKey, dangling...).Err(); err != nil {
			m.logger.Warn("Failed to prune dangling session ids", zap.Error(err))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt < sessions[j].CreatedAt })
	return sessions, nil
}

// ForceLogoutPlayer removes every session of playerID and revokes their access tokens.
func (m *Manager) ForceLogoutPlayer(ctx context.Context, playerID, reason string) (int, error) {
	return lock.WithLockValue(ctx, m.locks, lock.PlayerActionKey(playerID), func(ctx context.Context) (int, error) {
		sessions, err := m.GetPlayerSessions(ctx, playerID)
		if err != nil {
			return 0, err
		}
		for i, sd := range sessions {
			if sd.AccessTokenJTI != "" && m.blacklist != nil {
				if err := m.blacklist.Add(ctx, sd.AccessTokenJTI, time.UnixMilli(sd.Expiry), reason); err != nil {
					return i, err
				}
			}
			if err := m.remove(ctx, playerID, sd.SessionID); err != nil {
				return i, err
			}
		}
		m.logger.Info("Player logged out everywhere", zap.String("playerId", playerID),
			zap.Int("sessions", len(sessions)), zap.String("reason", reason))
		return len(sessions), nil
	}, m.lockOpts())
}

// CleanupExpiredSessions inspects the oldest index entries and drops the ones whose
// record expired or vanished. It returns the number removed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	members, err := m.store.Client().ZRange(ctx, m.store.Key(redisu.SessionsIndexKey), 0, cleanupBatch-1).Result()
	if err != nil {
		return 0, eris.Wrap(err, "failed to read session index")
	}
	removed := 0
	for _, sk := range members {
		i := strings.LastIndexByte(sk, ':')
		if i <= 0 {
			if err := m.store.Client().ZRem(ctx, m.store.Key(redisu.SessionsIndexKey), sk).Err(); err != nil {
				return removed, eris.Wrap(err, "failed to prune session index")
			}
			removed++
			continue
		}
		playerID, sessionID := sk[:i], sk[i+1:]
		sd, err := m.read(ctx, playerID, sessionID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return removed, err
		}
		if sd != nil && !m.expired(sd) {
			continue
		}
		if err := m.remove(ctx, playerID, sessionID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("Expired sessions cleaned", zap.Int("removed", removed))
	}
	return removed, nil
}

// GetSessionStats reports index totals.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	var (
		total   *redis.IntCmd
		players *redis.IntCmd
		oldest  *redis.ZSliceCmd
	)
	_, err := m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.ZCard(ctx, m.store.Key(redisu.SessionsIndexKey))
		players = pipe.SCard(ctx, m.store.Key(redisu.PlayersActiveKey))
		oldest = pipe.ZRangeWithScores(ctx, m.store.Key(redisu.SessionsIndexKey), 0, 0)
		return nil
	})
	if err != nil {
		return Stats{}, eris.Wrap(err, "failed to read session stats")
	}
	st := Stats{TotalSessions: total.Val(), ActivePlayers: players.Val()}
	if z := oldest.Val(); len(z) > 0 {
		st.OldestCreatedAt = int64(z[0].Score)
	}
	return st, nil
}

func encodeSession(sd *models.SessionData) (map[string]any, error) {
	fields := map[string]any{
		"playerId":       sd.PlayerID,
		"sessionId":      sd.SessionID,
		"accessToken":    sd.AccessToken,
		"refreshToken":   sd.RefreshToken,
		"accessTokenJti": sd.AccessTokenJTI,
		"createdAt":      strconv.FormatInt(sd.CreatedAt, 10),
		"lastAccessed":   strconv.FormatInt(sd.LastAccessed, 10),
		"expiry":         strconv.FormatInt(sd.Expiry, 10),
		"instanceId":     sd.InstanceID,
	}
	meta := "{}"
	if len(sd.Metadata) > 0 {
		b, err := json.Marshal(sd.Metadata)
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode session metadata")
		}
		meta = string(b)
	}
	fields["metadata"] = meta
	return fields, nil
}

func decodeSession(f map[string]string) (*models.SessionData, error) {
	sd := &models.SessionData{
		PlayerID:       f["playerId"],
		SessionID:      f["sessionId"],
		AccessToken:    f["accessToken"],
		RefreshToken:   f["refreshToken"],
		AccessTokenJTI: f["accessTokenJti"],
		InstanceID:     f["instanceId"],
	}
	ints := []struct {
		name string
		dst  *int64
	}{{"createdAt", &sd.CreatedAt}, {"lastAccessed", &sd.LastAccessed}, {"expiry", &sd.Expiry}}
	for _, n := range ints {
		if raw := f[n.name]; raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "invalid session field %s", n.name)
			}
			*n.dst = v
		}
	}
	if raw := f["metadata"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &sd.Metadata); err != nil {
			return nil, eris.Wrap(err, "invalid session metadata")
		}
	}
	return sd, nil
}
