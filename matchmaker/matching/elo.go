// matchmaker/matching/elo.go
package matching

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

// DefaultRating is assumed for players without a stored rating.
const DefaultRating = 1200

// waitSimilarityWindow is the join-time gap at which wait similarity scores zero.
const waitSimilarityWindow = time.Minute

// EloConfig tunes rating-based matching.
type EloConfig struct {
	InitialRange            float64
	RangeExpansionPerSecond float64
	MaxEloDifference        float64
	MaxWaitTime             time.Duration
}

func DefaultEloConfig() EloConfig {
	return EloConfig{
		InitialRange:            100,
		RangeExpansionPerSecond: 10,
		MaxEloDifference:        500,
		MaxWaitTime:             300 * time.Second,
	}
}

// RatingSource reads player ratings for one ruleset.
type RatingSource interface {
	Ratings(ctx context.Context, ruleSetID string, playerIDs []string) (map[string]float64, error)
}

// StoreRatings reads ratings from the elo:<ruleSetId> hash.
type StoreRatings struct {
	store *store.Store
}

func NewStoreRatings(s *store.Store) *StoreRatings {
	return &StoreRatings{store: s}
}

// Ratings returns a rating for every id, DefaultRating for unknown or unparsable ones.
func (r *StoreRatings) Ratings(ctx context.Context, ruleSetID string, playerIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(playerIDs))
	if len(playerIDs) == 0 {
		return out, nil
	}
	vals, err := r.store.Client().HMGet(ctx, r.store.Key(redisu.EloKey(ruleSetID)), playerIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(err, "failed to read ratings of %s", ruleSetID)
	}
	for i, id := range playerIDs {
		out[id] = DefaultRating
		if i >= len(vals) {
			continue
		}
		if s, ok := vals[i].(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[id] = f
			}
		}
	}
	return out, nil
}

// SetRating stores a rating. Used by result processing and tests.
func (r *StoreRatings) SetRating(ctx context.Context, ruleSetID, playerID string, rating float64) error {
	if err := r.store.Client().HSet(ctx, r.store.Key(redisu.EloKey(ruleSetID)), playerID, rating).Err(); err != nil {
		return eris.Wrapf(err, "failed to store rating of %s", playerID)
	}
	return nil
}

// Elo pairs players whose ratings fall within a range that widens with wait time,
// preferring the closest ratings and similar join times.
type Elo struct {
	cfg     EloConfig
	ratings RatingSource
}

func NewElo(cfg EloConfig, ratings RatingSource) *Elo {
	return &Elo{cfg: cfg, ratings: ratings}
}

func (*Elo) Name() string { return StrategyELO }

type rated struct {
	entry  models.MatchmakingEntry
	rating float64
	wait   time.Duration
}

func (e *Elo) FindMatch(ctx context.Context, queue []models.MatchmakingEntry, now time.Time) (*Pair, error) {
	if len(queue) < 2 {
		return nil, nil
	}
	ids := make([]string, 0, len(queue))
	seen := make(map[string]bool, len(queue))
	for _, q := range queue {
		if !seen[q.PlayerID] {
			seen[q.PlayerID] = true
			ids = append(ids, q.PlayerID)
		}
	}
	ratings, err := e.ratings.Ratings(ctx, queue[0].RuleSetID, ids)
	if err != nil {
		return nil, err
	}

	players := make([]rated, len(queue))
	for i, q := range queue {
		players[i] = rated{entry: q, rating: ratings[q.PlayerID], wait: q.WaitTime(now)}
	}

	var best *Pair
	for i, p1 := range players {
		window := e.AcceptableRange(p1.wait)
		for _, p2 := range players[i+1:] {
			if p2.entry.PlayerID == p1.entry.PlayerID {
				continue
			}
			diff := math.Abs(p1.rating - p2.rating)
			if diff > window {
				continue
			}
			q := e.quality(diff, p1.entry, p2.entry)
			if best == nil || q > best.Quality {
				best = &Pair{Player1: p1.entry, Player2: p2.entry, Quality: q}
			}
		}
	}
	return best, nil
}

// AcceptableRange is the rating window of a player who has waited w.
func (e *Elo) AcceptableRange(w time.Duration) float64 {
	if w > e.cfg.MaxWaitTime {
		w = e.cfg.MaxWaitTime
	}
	if w < 0 {
		w = 0
	}
	r := e.cfg.InitialRange + w.Seconds()*e.cfg.RangeExpansionPerSecond
	return math.Min(r, e.cfg.MaxEloDifference)
}

func (e *Elo) quality(diff float64, a, b models.MatchmakingEntry) float64 {
	eloScore := math.Max(0, 1-diff/e.cfg.MaxEloDifference)
	gap := time.Duration(a.JoinTime-b.JoinTime) * time.Millisecond
	if gap < 0 {
		gap = -gap
	}
	waitScore := math.Max(0, 1-gap.Seconds()/waitSimilarityWindow.Seconds())
	return eloScore*0.8 + waitScore*0.2
}
