// shared/worker/periodic.go
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
)

// Func is one run of a periodic job.
type Func func(ctx context.Context) error

// Config names and schedules a periodic job.
type Config struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
}

// Periodic runs a job on a ticker. A single completion token is passed between runs:
// a tick starts a run only if it can take the token, so a slow run causes the ticks
// that arrive meanwhile to be dropped rather than queued.
type Periodic struct {
	cfg     Config
	fn      Func
	token   chan struct{}
	skipped atomic.Int64
	runs    atomic.Int64
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewPeriodic(cfg Config, fn Func, m *metrics.Metrics, logger *zap.Logger) *Periodic {
	token := make(chan struct{}, 1)
	token <- struct{}{}
	return &Periodic{
		cfg:     cfg,
		fn:      fn,
		token:   token,
		metrics: metrics.OrNop(m),
		logger:  logging.OrNop(logger).Named("worker").With(zap.String("job", cfg.Name)),
	}
}

// Run blocks until ctx is done, then waits for an in-flight run to finish.
func (p *Periodic) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Periodic job started", zap.Duration("interval", p.cfg.Interval))
	if p.cfg.RunOnStart {
		p.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			<-p.token
			p.logger.Info("Periodic job stopped",
				zap.Int64("runs", p.runs.Load()), zap.Int64("skipped", p.skipped.Load()))
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Periodic) tick(ctx context.Context) {
	select {
	case <-p.token:
	default:
		p.skipped.Add(1)
		p.metrics.SweepRuns.WithLabelValues(p.cfg.Name, "skipped").Inc()
		p.logger.Debug("Previous run still in progress, skipping tick")
		return
	}
	go func() {
		defer func() { p.token <- struct{}{} }()
		defer func() {
			if r := recover(); r != nil {
				p.metrics.SweepRuns.WithLabelValues(p.cfg.Name, "panic").Inc()
				p.logger.Error("Periodic job panicked", zap.Any("panic", r))
			}
		}()
		p.runs.Add(1)
		if err := p.fn(ctx); err != nil {
			p.metrics.SweepRuns.WithLabelValues(p.cfg.Name, "error").Inc()
			if ctx.Err() == nil {
				p.logger.Warn("Periodic job failed", zap.Error(err))
			}
			return
		}
		p.metrics.SweepRuns.WithLabelValues(p.cfg.Name, "ok").Inc()
	}()
}

// Runs is the number of started runs.
func (p *Periodic) Runs() int64 { return p.runs.Load() }

// Skipped is the number of ticks dropped because a run was in flight.
func (p *Periodic) Skipped() int64 { return p.skipped.Load() }
