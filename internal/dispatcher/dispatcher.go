// Package dispatcher delivers compensated trigger events to the pipeline
// orchestrator.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/log"
	"github.com/djlord-it/cron-catchup/internal/metrics"
)

var defaultBackoff = []time.Duration{
	0,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

const maxAttempts = 4

// DefaultDrainTimeout is the maximum time to wait for buffered events during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// ErrDeliveryFailed is returned when every attempt to start a pipeline failed
// or the orchestrator rejected the request.
var ErrDeliveryFailed = errors.New("trigger delivery failed")

type DeliveryRecorder interface {
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

type Sender interface {
	Send(ctx context.Context, req TriggerRequest) TriggerResult
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.TriggerEvent, config domain.AnalyticsConfig)
}

// CircuitBreaker guards orchestrator endpoints.
type CircuitBreaker interface {
	Allow(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Config struct {
	// OrchestratorURL is the base URL of the pipeline orchestrator.
	OrchestratorURL string

	// Secret signs request bodies. Empty disables signing.
	Secret string

	// Timeout bounds a single request.
	Timeout time.Duration

	DrainTimeout time.Duration

	Analytics domain.AnalyticsConfig
}

type TriggerRequest struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Payload   TriggerPayload
	AttemptID string
}

type TriggerPayload struct {
	EventID        string        `json:"event_id"`
	PipelineID     string        `json:"pipeline_id"`
	PipelineName   string        `json:"pipeline_name,omitempty"`
	Application    string        `json:"application,omitempty"`
	Trigger        TriggerDetail `json:"trigger"`
	FiredAt        string        `json:"fired_at"`
	IdempotencyKey string        `json:"idempotency_key"`
}

type TriggerDetail struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	CronExpression string `json:"cron_expression"`
	Compensated    bool   `json:"compensated"`
}

type TriggerResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r TriggerResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r TriggerResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type Dispatcher struct {
	config    Config
	recorder  DeliveryRecorder
	sender    Sender
	analytics AnalyticsSink  // optional, nil = disabled
	metrics   MetricsSink    // optional, nil = disabled
	breaker   CircuitBreaker // optional, nil = disabled
	backoff   []time.Duration
	clock     func() time.Time
	logger    zerolog.Logger
}

func New(config Config, recorder DeliveryRecorder, sender Sender) *Dispatcher {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	return &Dispatcher{
		config:   config,
		recorder: recorder,
		sender:   sender,
		backoff:  defaultBackoff,
		clock:    time.Now,
		logger:   log.WithComponent("dispatcher"),
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithCircuitBreaker guards each orchestrator endpoint with cb.
func (d *Dispatcher) WithCircuitBreaker(cb CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.TriggerEvent) {
	d.logger.Info().Str("orchestrator", d.config.OrchestratorURL).Msg("started")
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			d.logger.Info().Msg("stopped")
			return
		case event := <-ch:
			if err := d.Dispatch(ctx, event); err != nil {
				d.logger.Error().Err(err).Str("event", event.ID.String()).Msg("dispatch failed")
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.TriggerEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.logger.Warn().Int("processed", count).Msg("drain timeout")
			}
			return
		case event, ok := <-ch:
			if !ok {
				d.logger.Info().Int("processed", count).Msg("drain complete")
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				d.logger.Error().Err(err).Str("event", event.ID.String()).Msg("drain dispatch failed")
			}
			count++
		default:
			if count > 0 {
				d.logger.Info().Int("processed", count).Msg("drain complete")
			}
			return
		}
	}
}

// Dispatch asks the orchestrator to start the pipeline of event, retrying
// transient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.TriggerEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	logger := d.logger.With().
		Str("event", event.ID.String()).
		Str("pipeline", event.PipelineID).
		Str("trigger", event.TriggerID).
		Logger()

	// Analytics count compensated triggers, not successful deliveries.
	d.writeAnalytics(ctx, event)

	endpoint, err := TriggerURL(d.config.OrchestratorURL, event.PipelineID)
	if err != nil {
		d.outcome(metrics.OutcomeFailed)
		return fmt.Errorf("pipeline %s: trigger url: %w", event.PipelineID, err)
	}

	req := TriggerRequest{
		URL:     endpoint,
		Secret:  d.config.Secret,
		Timeout: d.config.Timeout,
		Payload: payloadFor(event),
	}

	var lastResult TriggerResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt(lastResult.IsRetryable())
			}

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			logger.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying")

			if err := sleep(ctx, backoff); err != nil {
				d.outcome(metrics.OutcomeAbandoned)
				return err
			}
		}

		if d.breaker != nil {
			if err := d.breaker.Allow(endpoint); err != nil {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("orchestrator circuit open")
				if d.metrics != nil {
					d.metrics.DeliveryAttemptCompleted(attempt, metrics.StatusClassCircuitOpen, 0)
				}
				d.outcome(metrics.OutcomeAbandoned)
				return fmt.Errorf("pipeline %s: %w", event.PipelineID, err)
			}
		}

		attemptID := uuid.New()
		req.AttemptID = attemptID.String()

		startedAt := d.clock().UTC()
		result := d.sender.Send(ctx, req)
		finishedAt := d.clock().UTC()
		lastResult = result

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		d.recordAttempt(ctx, logger, domain.DeliveryAttempt{
			ID:         attemptID,
			EventID:    event.ID,
			Attempt:    attempt,
			PipelineID: event.PipelineID,
			TriggerID:  event.TriggerID,
			StatusCode: result.StatusCode,
			Error:      errString(result.Error),
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		})

		if result.IsSuccess() {
			if d.breaker != nil {
				d.breaker.RecordSuccess(endpoint)
			}
			logger.Info().Int("attempt", attempt).Int("status", result.StatusCode).Msg("pipeline started")
			d.outcome(metrics.OutcomeSuccess)
			return nil
		}

		if !result.IsRetryable() {
			logger.Warn().Int("status", result.StatusCode).Msg("orchestrator rejected trigger")
			break
		}

		if d.breaker != nil {
			d.breaker.RecordFailure(endpoint)
		}
		logger.Warn().Err(result.Error).Int("attempt", attempt).Int("status", result.StatusCode).Msg("attempt failed")
	}

	d.outcome(metrics.OutcomeFailed)
	if lastResult.Error != nil {
		return fmt.Errorf("pipeline %s: %w: %v", event.PipelineID, ErrDeliveryFailed, lastResult.Error)
	}
	return fmt.Errorf("pipeline %s: %w: status %d", event.PipelineID, ErrDeliveryFailed, lastResult.StatusCode)
}

func (d *Dispatcher) recordAttempt(ctx context.Context, logger zerolog.Logger, attempt domain.DeliveryAttempt) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.InsertDeliveryAttempt(ctx, attempt); err != nil {
		logger.Warn().Err(err).Int("attempt", attempt.Attempt).Msg("failed to record attempt")
	}
}

func (d *Dispatcher) outcome(outcome string) {
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(outcome)
	}
}

// writeAnalytics records the trigger as a best-effort side-effect.
func (d *Dispatcher) writeAnalytics(ctx context.Context, event domain.TriggerEvent) {
	if !d.config.Analytics.Enabled {
		return
	}
	if d.analytics == nil {
		d.logger.Debug().Msg("analytics enabled but no sink configured")
		return
	}
	d.analytics.Record(ctx, event, d.config.Analytics)
}

func payloadFor(event domain.TriggerEvent) TriggerPayload {
	return TriggerPayload{
		EventID:      event.ID.String(),
		PipelineID:   event.PipelineID,
		PipelineName: event.PipelineName,
		Application:  event.Application,
		Trigger: TriggerDetail{
			ID:             event.TriggerID,
			Type:           string(domain.TriggerTypeCron),
			CronExpression: event.CronExpression,
			Compensated:    true,
		},
		FiredAt:        event.FiredAt.UTC().Format(time.RFC3339),
		IdempotencyKey: event.IdempotencyKey,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
