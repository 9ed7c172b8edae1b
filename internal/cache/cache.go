// Package cache keeps an in-memory snapshot of pipeline definitions,
// refreshed periodically from a Source.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/clock"
	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/log"
)

// ErrNotLoaded is returned by Pipelines while every refresh so far has failed.
var ErrNotLoaded = errors.New("pipeline cache not loaded")

type Source interface {
	ListPipelines(ctx context.Context) ([]domain.Pipeline, error)
}

// MetricsSink defines the interface for recording cache metrics.
type MetricsSink interface {
	CacheRefreshed(pipelines int, err error)
}

type Config struct {
	RefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{RefreshInterval: 30 * time.Second}
}

type Cache struct {
	config  Config
	source  Source
	clock   clock.Clock
	metrics MetricsSink // optional, nil = disabled
	logger  zerolog.Logger

	mu          sync.RWMutex
	pipelines   []domain.Pipeline
	loaded      bool
	lastErr     error
	refreshedAt time.Time
}

func New(config Config, source Source) *Cache {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultConfig().RefreshInterval
	}
	return &Cache{
		config: config,
		source: source,
		clock:  clock.Real(),
		logger: log.WithComponent("cache"),
	}
}

// WithMetrics attaches a metrics sink to the cache.
func (c *Cache) WithMetrics(sink MetricsSink) *Cache {
	c.metrics = sink
	return c
}

// WithClock replaces the clock driving refreshes.
func (c *Cache) WithClock(clk clock.Clock) *Cache {
	c.clock = clk
	return c
}

// Run loads the cache immediately and then on every refresh interval until
// ctx is cancelled. Refresh errors are logged and the previous snapshot is
// kept.
func (c *Cache) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.config.RefreshInterval).Msg("started")
	c.refreshLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C():
			c.refreshLogged(ctx)
		}
	}
}

func (c *Cache) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("refresh failed")
	}
}

// Refresh replaces the snapshot with the current contents of the source.
func (c *Cache) Refresh(ctx context.Context) error {
	pipelines, err := c.source.ListPipelines(ctx)
	if c.metrics != nil {
		c.metrics.CacheRefreshed(len(pipelines), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.lastErr = err
		return fmt.Errorf("list pipelines: %w", err)
	}

	c.pipelines = pipelines
	c.loaded = true
	c.lastErr = nil
	c.refreshedAt = c.clock.Now()
	c.logger.Debug().Int("pipelines", len(pipelines)).Msg("refreshed")
	return nil
}

// Pipelines returns a copy of the current snapshot. Before the first
// refresh it is empty; if refreshes have only failed it returns ErrNotLoaded.
func (c *Cache) Pipelines(ctx context.Context) ([]domain.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.loaded {
		if c.lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotLoaded, c.lastErr)
		}
		return nil, nil
	}

	out := make([]domain.Pipeline, len(c.pipelines))
	copy(out, c.pipelines)
	return out, nil
}

// Status describes the cache for health reporting.
type Status struct {
	Loaded      bool      `json:"loaded"`
	Pipelines   int       `json:"pipelines"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		Loaded:      c.loaded,
		Pipelines:   len(c.pipelines),
		RefreshedAt: c.refreshedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
