// shared/discovery/smart.go
package discovery

import (
	"math"

	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

const minScore = 0.01

// SmartStrategy narrows candidates by health, region and thresholds, scores the rest
// on six resource figures and draws one at random weighted by score.
type SmartStrategy struct {
	cfg  config.LoadBalancingConfig
	rand RandFunc
}

// NewSmartStrategy normalizes the weights of cfg when they do not sum to one.
func NewSmartStrategy(cfg config.LoadBalancingConfig, rnd RandFunc) *SmartStrategy {
	sum := cfg.WeightCPU + cfg.WeightMemory + cfg.WeightBattles +
		cfg.WeightConnections + cfg.WeightResponseTime + cfg.WeightErrorRate
	if sum > 0 && math.Abs(sum-1) > 0.01 {
		cfg.WeightCPU /= sum
		cfg.WeightMemory /= sum
		cfg.WeightBattles /= sum
		cfg.WeightConnections /= sum
		cfg.WeightResponseTime /= sum
		cfg.WeightErrorRate /= sum
	}
	return &SmartStrategy{cfg: cfg, rand: rnd}
}

func (*SmartStrategy) Name() string { return StrategySmart }

func (s *SmartStrategy) Select(candidates []models.ServiceInstance, preferredRegion string) *models.ServiceInstance {
	pool := s.Candidates(candidates, preferredRegion)
	if len(pool) == 0 {
		return nil
	}
	scores := make([]float64, len(pool))
	for i, inst := range pool {
		scores[i] = s.Score(inst)
	}
	return &pool[draw(scores, s.rand)]
}

// Candidates applies the health, region and threshold filters. The region and
// threshold filters are skipped when they would leave nothing.
func (s *SmartStrategy) Candidates(candidates []models.ServiceInstance, preferredRegion string) []models.ServiceInstance {
	pool := healthy(candidates)
	if len(pool) == 0 {
		return nil
	}
	if s.cfg.PreferSameRegion && preferredRegion != "" {
		if same := filter(pool, func(i models.ServiceInstance) bool { return i.Region == preferredRegion }); len(same) > 0 {
			pool = same
		}
	}
	if s.cfg.EnableThresholdFiltering {
		if within := filter(pool, s.withinThresholds); len(within) > 0 {
			pool = within
		}
	}
	return pool
}

func (s *SmartStrategy) withinThresholds(i models.ServiceInstance) bool {
	p := i.Performance
	return p.CPUUsage <= s.cfg.CPUHigh &&
		p.MemoryUsage <= s.cfg.MemoryHigh &&
		float64(p.ActiveBattles) <= s.cfg.BattlesMax &&
		float64(i.Connections) <= s.cfg.ConnectionsMax &&
		p.AvgResponseTime <= s.cfg.ResponseTimeMax &&
		p.ErrorRate <= s.cfg.ErrorRateMax
}

// Score is the weighted fitness of an instance, at least 0.01.
func (s *SmartStrategy) Score(i models.ServiceInstance) float64 {
	p := i.Performance
	total := s.cfg.WeightCPU*headroom(p.CPUUsage, 100) +
		s.cfg.WeightMemory*headroom(p.MemoryUsage, 100) +
		s.cfg.WeightBattles*headroom(float64(p.ActiveBattles), s.cfg.BattlesMax) +
		s.cfg.WeightConnections*headroom(float64(i.Connections), s.cfg.ConnectionsMax) +
		s.cfg.WeightResponseTime*headroom(p.AvgResponseTime, s.cfg.ResponseTimeMax) +
		s.cfg.WeightErrorRate*headroom(p.ErrorRate, s.cfg.ErrorRateMax)
	return math.Max(minScore, total)
}

// headroom is 1 - v/limit clamped at 0. A zero limit leaves no headroom.
func headroom(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Max(0, 1-v/limit)
}

func filter(in []models.ServiceInstance, keep func(models.ServiceInstance) bool) []models.ServiceInstance {
	var out []models.ServiceInstance
	for _, i := range in {
		if keep(i) {
			out = append(out, i)
		}
	}
	return out
}
