// Package analytics counts compensated triggers in Redis, bucketed by time
// window per application and pipeline.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/log"
)

const keyPrefix = "catchup"

type RedisSink struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, logger: log.WithComponent("analytics")}
}

// Record writes event and logs failures. Analytics never affect delivery.
func (s *RedisSink) Record(ctx context.Context, event domain.TriggerEvent, config domain.AnalyticsConfig) {
	if err := s.Write(ctx, event, config); err != nil {
		s.logger.Warn().Err(err).Str("pipeline", event.PipelineID).Msg("failed to record trigger")
	}
}

// Write increments the application and pipeline counters for the bucket
// containing the event's fire time.
func (s *RedisSink) Write(ctx context.Context, event domain.TriggerEvent, config domain.AnalyticsConfig) error {
	if !config.Enabled {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, key := range keysFor(event, config.Window) {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, config.Retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func keysFor(event domain.TriggerEvent, window time.Duration) []string {
	return []string{
		applicationKey(event.Application, event.FiredAt, window),
		pipelineKey(event.Application, event.PipelineID, event.FiredAt, window),
	}
}

func applicationKey(application string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:a:%s:%s", keyPrefix, application, truncateToBucket(t, window))
}

func pipelineKey(application, pipelineID string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:a:%s:p:%s:%s", keyPrefix, application, pipelineID, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("200601021504")
	}
}
