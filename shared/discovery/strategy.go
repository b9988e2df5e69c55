// shared/discovery/strategy.go
package discovery

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Strategy names.
const (
	StrategySmart            = "smart"
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyWeightedLoad     = "weighted_load"
)

// Strategy picks the instance that should take new work. It returns nil when no
// candidate is healthy.
type Strategy interface {
	Name() string
	Select(candidates []models.ServiceInstance, preferredRegion string) *models.ServiceInstance
}

// RandFunc returns a uniform float in [0, 1).
type RandFunc func() float64

// NewStrategy builds the strategy named by cfg.Strategy. A nil rnd uses math/rand.
func NewStrategy(cfg config.LoadBalancingConfig, rnd RandFunc) (Strategy, error) {
	if rnd == nil {
		rnd = rand.Float64
	}
	switch cfg.Strategy {
	case "", StrategySmart:
		return NewSmartStrategy(cfg, rnd), nil
	case StrategyRoundRobin:
		return &RoundRobin{}, nil
	case StrategyLeastConnections:
		return LeastConnections{}, nil
	case StrategyWeightedLoad:
		return WeightedLoad{rand: rnd}, nil
	default:
		return nil, eris.Errorf("unknown load balancing strategy %q", cfg.Strategy)
	}
}

func healthy(candidates []models.ServiceInstance) []models.ServiceInstance {
	out := make([]models.ServiceInstance, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == models.StatusHealthy {
			out = append(out, c)
		}
	}
	return out
}

// RoundRobin cycles through the healthy candidates.
type RoundRobin struct {
	next atomic.Uint64
}

func (*RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Select(candidates []models.ServiceInstance, _ string) *models.ServiceInstance {
	hs := healthy(candidates)
	if len(hs) == 0 {
		return nil
	}
	i := (r.next.Add(1) - 1) % uint64(len(hs))
	return &hs[i]
}

// LeastConnections picks the healthy candidate with the fewest connections.
type LeastConnections struct{}

func (LeastConnections) Name() string { return StrategyLeastConnections }

func (LeastConnections) Select(candidates []models.ServiceInstance, _ string) *models.ServiceInstance {
	hs := healthy(candidates)
	if len(hs) == 0 {
		return nil
	}
	best := 0
	for i := range hs {
		if hs[i].Connections < hs[best].Connections {
			best = i
		}
	}
	return &hs[best]
}

// WeightedLoad draws a candidate with a weight that falls with load and connections.
type WeightedLoad struct {
	rand RandFunc
}

func (WeightedLoad) Name() string { return StrategyWeightedLoad }

func (w WeightedLoad) Select(candidates []models.ServiceInstance, _ string) *models.ServiceInstance {
	hs := healthy(candidates)
	if len(hs) == 0 {
		return nil
	}
	weights := make([]float64, len(hs))
	for i, inst := range hs {
		weights[i] = math.Max(1, 100-(inst.Load*50+float64(inst.Connections)*0.1))
	}
	return &hs[draw(weights, w.rand)]
}

// draw returns an index with probability proportional to its weight.
func draw(weights []float64, rnd RandFunc) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rnd() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r < cum {
			return i
		}
	}
	return len(weights) - 1
}
