// shared/registry/tracker.go
package registry

import (
	"math"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/Ftotnem/arena-cluster/shared/models"
)

const (
	responseWindow = 100
	cpuMetric      = "/cpu/classes/total:cpu-seconds"
)

// Tracker collects the performance snapshot an instance publishes with its heartbeat.
type Tracker struct {
	mu            sync.Mutex
	responseTimes []float64 // ms, ring of the latest responseWindow requests
	next          int
	requests      int64
	errors        int64
	queued        int

	lastCPU  float64
	lastWall time.Time

	activeBattles func() int
	connections   func() int
}

// NewTracker builds a tracker. The callbacks report live counts and may be nil.
func NewTracker(activeBattles, connections func() int) *Tracker {
	t := &Tracker{activeBattles: activeBattles, connections: connections}
	t.lastCPU, t.lastWall = readCPUSeconds(), time.Now()
	return t
}

// ObserveRequest records the latency and outcome of one handled request.
func (t *Tracker) ObserveRequest(d time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms := float64(d) / float64(time.Millisecond)
	if len(t.responseTimes) < responseWindow {
		t.responseTimes = append(t.responseTimes, ms)
	} else {
		t.responseTimes[t.next] = ms
		t.next = (t.next + 1) % responseWindow
	}
	t.requests++
	if failed {
		t.errors++
	}
}

// SetQueuedPlayers records the cluster queue size last seen by this instance.
func (t *Tracker) SetQueuedPlayers(n int) {
	t.mu.Lock()
	t.queued = n
	t.mu.Unlock()
}

// Connections is the number of client sessions attached to this instance.
func (t *Tracker) Connections() int {
	if t.connections == nil {
		return 0
	}
	return t.connections()
}

// Snapshot computes the current performance figures.
func (t *Tracker) Snapshot() models.Performance {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	perf := models.Performance{LastUpdated: now.UnixMilli(), QueuedPlayers: t.queued}

	cpu := readCPUSeconds()
	if wall := now.Sub(t.lastWall).Seconds(); wall > 0 {
		usage := (cpu - t.lastCPU) / (wall * float64(runtime.GOMAXPROCS(0))) * 100
		perf.CPUUsage = clamp(usage, 0, 100)
	}
	t.lastCPU, t.lastWall = cpu, now

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total := float64(ms.Sys)
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		total = float64(limit)
	}
	perf.MemoryUsedMB = math.Round(float64(ms.HeapInuse) / (1 << 20))
	perf.MemoryTotalMB = math.Round(total / (1 << 20))
	if total > 0 {
		perf.MemoryUsage = clamp(float64(ms.HeapInuse)/total*100, 0, 100)
	}

	if len(t.responseTimes) > 0 {
		var sum float64
		for _, v := range t.responseTimes {
			sum += v
		}
		perf.AvgResponseTime = math.Round(sum / float64(len(t.responseTimes)))
	}
	if t.requests > 0 {
		perf.ErrorRate = float64(t.errors) / float64(t.requests)
	}
	if t.activeBattles != nil {
		perf.ActiveBattles = t.activeBattles()
	}
	return perf
}

// Load folds a snapshot into the 0..1 load figure advertised in the registry.
func Load(p models.Performance) float64 {
	return clamp(0.4*p.CPUUsage/100+0.3*p.MemoryUsage/100+0.3*math.Min(1, float64(p.ActiveBattles)/100), 0, 1)
}

func readCPUSeconds() float64 {
	sample := []metrics.Sample{{Name: cpuMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return sample[0].Value.Float64()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
