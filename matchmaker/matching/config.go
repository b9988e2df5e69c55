// matchmaker/matching/config.go
package matching

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Ftotnem/arena-cluster/shared/models"
)

// eloTriggerWait is how long the oldest entry of an elo queue must wait before the
// periodic matcher tries it.
const eloTriggerWait = 30 * time.Second

// Config selects the strategy of one ruleset.
type Config struct {
	Strategy string
	Elo      EloConfig
}

// Registry maps rulesets to their matching configuration. Rulesets without an entry
// use FIFO.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Config
	fifo    FIFO
	ratings RatingSource
}

// NewRegistry builds a registry. ratings serves every elo ruleset.
func NewRegistry(ratings RatingSource) *Registry {
	return &Registry{configs: make(map[string]Config), ratings: ratings}
}

// DefaultRegistry registers competitive play as elo and everything else as FIFO.
func DefaultRegistry(ratings RatingSource) *Registry {
	r := NewRegistry(ratings)
	_ = r.Register("competitive", Config{Strategy: StrategyELO, Elo: DefaultEloConfig()})
	return r
}

// Register sets the configuration of ruleSetID.
func (r *Registry) Register(ruleSetID string, cfg Config) error {
	switch cfg.Strategy {
	case StrategyFIFO:
	case StrategyELO:
		if cfg.Elo.MaxEloDifference <= 0 {
			cfg.Elo = DefaultEloConfig()
		}
	default:
		return eris.Errorf("unknown matching strategy %q", cfg.Strategy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[ruleSetID] = cfg
	return nil
}

func (r *Registry) Config(ruleSetID string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[ruleSetID]; ok {
		return cfg
	}
	return Config{Strategy: StrategyFIFO}
}

// Strategy returns the strategy serving ruleSetID.
func (r *Registry) Strategy(ruleSetID string) Strategy {
	cfg := r.Config(ruleSetID)
	if cfg.Strategy == StrategyELO {
		return NewElo(cfg.Elo, r.ratings)
	}
	return r.fifo
}

// ShouldAttempt reports whether the periodic matcher should try the queue of
// ruleSetID: FIFO queues with two entries, elo queues once the oldest entry waited
// eloTriggerWait.
func (r *Registry) ShouldAttempt(ruleSetID string, queue []models.MatchmakingEntry, now time.Time) bool {
	if len(queue) < 2 {
		return false
	}
	if r.Config(ruleSetID).Strategy != StrategyELO {
		return true
	}
	return queue[0].WaitTime(now) >= eloTriggerWait
}
