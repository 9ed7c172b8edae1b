package compensation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/clock"
	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/log"
)

// Poller waits for the pipeline cache to become populated.
type Poller struct {
	cache    PipelineCache
	clock    clock.Clock
	interval time.Duration
	metrics  MetricsSink // optional, nil = disabled
	logger   zerolog.Logger
}

// NewPoller creates a Poller reading cache every interval ticks of clk.
func NewPoller(cache PipelineCache, clk clock.Clock, interval time.Duration) *Poller {
	return &Poller{
		cache:    cache,
		clock:    clk,
		interval: interval,
		logger:   log.WithComponent("compensation"),
	}
}

// WithMetrics attaches a metrics sink to the poller.
func (p *Poller) WithMetrics(sink MetricsSink) *Poller {
	p.metrics = sink
	return p
}

// Await reads the cache on every tick until it returns at least one
// pipeline. Read errors are logged and retried without limit; only
// cancellation of ctx ends the wait early.
func (p *Poller) Await(ctx context.Context) ([]domain.Pipeline, error) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C():
			attempts++
			pipelines, err := p.read(ctx)
			if err != nil {
				p.logger.Warn().Err(err).Int("attempt", attempts).Msg("pipeline cache read failed, will retry")
				if p.metrics != nil {
					p.metrics.CacheReadFailed()
				}
				continue
			}
			if len(pipelines) == 0 {
				p.logger.Debug().Int("attempt", attempts).Msg("pipeline cache empty, will retry")
				continue
			}

			p.logger.Info().Int("attempt", attempts).Int("pipelines", len(pipelines)).Msg("pipeline cache ready")
			return pipelines, nil
		}
	}
}

// read isolates a panicking cache so that it counts as a failed read.
func (p *Poller) read(ctx context.Context) (pipelines []domain.Pipeline, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline cache panicked: %v", r)
		}
	}()
	return p.cache.Pipelines(ctx)
}
