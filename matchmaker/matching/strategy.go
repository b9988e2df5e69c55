// matchmaker/matching/strategy.go
package matching

import (
	"context"
	"time"

	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Strategy names.
const (
	StrategyFIFO = "fifo"
	StrategyELO  = "elo"
)

// Pair is a proposed match. Player1 joined no later than Player2.
type Pair struct {
	Player1 models.MatchmakingEntry
	Player2 models.MatchmakingEntry
	Quality float64
}

// Strategy picks at most one pair out of queue, which is sorted by join time.
type Strategy interface {
	Name() string
	FindMatch(ctx context.Context, queue []models.MatchmakingEntry, now time.Time) (*Pair, error)
}

// FIFO pairs the earliest entry with the first later entry of a different player.
type FIFO struct{}

func (FIFO) Name() string { return StrategyFIFO }

func (FIFO) FindMatch(_ context.Context, queue []models.MatchmakingEntry, _ time.Time) (*Pair, error) {
	if len(queue) < 2 {
		return nil, nil
	}
	first := queue[0]
	for _, e := range queue[1:] {
		if e.PlayerID != first.PlayerID {
			return &Pair{Player1: first, Player2: e, Quality: 1}, nil
		}
	}
	return nil, nil
}
