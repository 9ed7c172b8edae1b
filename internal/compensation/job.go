package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/clock"
	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/log"
)

// ErrAlreadyRan is returned by Run after the first call.
var ErrAlreadyRan = errors.New("compensation job already ran")

// PipelineCache provides snapshots of pipeline definitions. It may be empty
// or fail until it has been populated.
type PipelineCache interface {
	Pipelines(ctx context.Context) ([]domain.Pipeline, error)
}

// ExecutionHistory returns the latest executions of the given pipeline
// configurations, most recent first per pipeline.
type ExecutionHistory interface {
	LatestExecutions(ctx context.Context, ids []string) ([]domain.ExecutionRecord, error)
}

// TriggerService starts a pipeline execution. The pipeline carries the
// compensated trigger in its Trigger field.
type TriggerService interface {
	Start(ctx context.Context, pipeline domain.Pipeline) error
}

// MetricsSink defines the interface for recording compensation metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CacheReadFailed()
	HistoryQueryFailed()
	TriggerEvaluationFailed()
	TriggerInvocationFailed()
	TriggerCompensated()
	PassCompleted(duration time.Duration, evaluated, fired int)
}

// Config holds compensation configuration.
type Config struct {
	// Window is how far back a missed fire time is still compensated.
	// Default: 30 minutes.
	Window time.Duration

	// Timezone is the IANA zone cron expressions are evaluated in.
	// Default: America/Los_Angeles.
	Timezone string

	// PollInterval is how often the pipeline cache is checked for readiness.
	// Default: 5 seconds.
	PollInterval time.Duration

	// DryRun logs missed triggers without starting pipelines.
	DryRun bool
}

// DefaultConfig returns the default compensation configuration.
func DefaultConfig() Config {
	return Config{
		Window:       30 * time.Minute,
		Timezone:     "America/Los_Angeles",
		PollInterval: 5 * time.Second,
	}
}

type State int32

const (
	StateAwaitingCache State = iota
	StateEvaluating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingCache:
		return "awaiting_cache"
	case StateEvaluating:
		return "evaluating"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Report summarises a compensation pass.
type Report struct {
	Pipelines int `json:"pipelines"`
	Triggers  int `json:"triggers"`
	NeverRun  int `json:"never_run"`
	Evaluated int `json:"evaluated"`
	Missed    int `json:"missed"`
	Fired     int `json:"fired"`
	Failed    int `json:"failed"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Option configures a Job.
type Option func(*Job)

// WithClock sets the clock used for the window, polling and reporting.
func WithClock(c clock.Clock) Option {
	return func(j *Job) { j.clock = c }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(j *Job) { j.metrics = sink }
}

// Job is the single-shot compensation pass.
type Job struct {
	config   Config
	window   Window
	history  ExecutionHistory
	triggers TriggerService
	poller   *Poller
	detector *Detector
	metrics  MetricsSink // optional, nil = disabled
	clock    clock.Clock
	logger   zerolog.Logger

	once  sync.Once
	state atomic.Int32

	mu     sync.Mutex
	report Report
}

// New creates a Job. The lookback window is anchored at the current time of
// the job clock; an unknown time zone is returned as an error.
func New(config Config, cache PipelineCache, history ExecutionHistory, triggers TriggerService, opts ...Option) (*Job, error) {
	j := &Job{
		config:   config,
		history:  history,
		triggers: triggers,
		clock:    clock.Real(),
		logger:   log.WithComponent("compensation"),
	}
	for _, opt := range opts {
		opt(j)
	}

	window, err := NewWindow(config.Timezone, config.Window, j.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("compensation window: %w", err)
	}
	j.window = window

	interval := config.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}

	j.detector = NewDetector(window.Location)
	j.poller = NewPoller(cache, j.clock, interval)
	if j.metrics != nil {
		j.poller = j.poller.WithMetrics(j.metrics)
	}
	return j, nil
}

// Window returns the lookback window fixed at construction.
func (j *Job) Window() Window {
	return j.window
}

// State returns the current state of the job.
func (j *Job) State() State {
	return State(j.state.Load())
}

// Report returns the report of the pass so far.
func (j *Job) Report() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report
}

// Run waits for the pipeline cache, then evaluates and compensates missed
// triggers. It does its work at most once per Job; later calls return
// ErrAlreadyRan. A failed execution history query abandons the pass.
func (j *Job) Run(ctx context.Context) error {
	err := ErrAlreadyRan
	j.once.Do(func() {
		err = j.run(ctx)
	})
	return err
}

func (j *Job) run(ctx context.Context) error {
	defer j.state.Store(int32(StateDone))

	j.logger.Info().
		Time("window_floor", j.window.Floor).
		Time("window_now", j.window.Now).
		Str("timezone", j.window.Location.String()).
		Bool("dry_run", j.config.DryRun).
		Msg("awaiting pipeline cache")

	pipelines, err := j.poller.Await(ctx)
	if err != nil {
		j.logger.Info().Err(err).Msg("stopped before pipeline cache was ready")
		return fmt.Errorf("await pipeline cache: %w", err)
	}

	j.state.Store(int32(StateEvaluating))
	return j.evaluate(ctx, pipelines)
}

func (j *Job) evaluate(ctx context.Context, pipelines []domain.Pipeline) error {
	report := Report{
		Pipelines: len(pipelines),
		StartedAt: j.clock.Now(),
	}
	defer func() { j.finish(report) }()

	selected := SelectCronTriggers(pipelines)
	report.Triggers = len(selected)
	if len(selected) == 0 {
		return nil
	}

	ids := ConfigIDsToQuery(pipelines, selected)
	records, err := j.history.LatestExecutions(ctx, ids)
	if err != nil {
		j.logger.Error().Err(err).Int("pipelines", len(ids)).Msg("failed to query latest executions, abandoning compensation")
		if j.metrics != nil {
			j.metrics.HistoryQueryFailed()
		}
		report.Error = err.Error()
		return fmt.Errorf("query latest executions: %w", err)
	}

	latest := latestByPipeline(records)

	for _, s := range selected {
		if ctx.Err() != nil {
			j.logger.Info().Int("evaluated", report.Evaluated).Int("triggers", len(selected)).Msg("compensation interrupted")
			report.Error = ctx.Err().Error()
			return ctx.Err()
		}

		pipeline, trigger := s.Pipeline, s.Trigger
		logger := j.logger.With().
			Str("application", pipeline.Application).
			Str("pipeline", pipeline.ID).
			Str("trigger", trigger.ID).
			Str("cron", trigger.CronExpression).
			Logger()

		record, ok := latest[pipeline.ID]
		if !ok || !record.Started() {
			report.NeverRun++
			logger.Debug().Msg("pipeline has never run, skipping")
			continue
		}

		report.Evaluated++
		missed, err := j.detector.Missed(trigger.CronExpression, *record.StartTime, j.window.Floor, j.window.Now)
		if err != nil {
			report.Failed++
			logger.Warn().Err(err).Msg("failed to evaluate cron trigger")
			if j.metrics != nil {
				j.metrics.TriggerEvaluationFailed()
			}
			continue
		}
		if !missed {
			continue
		}

		report.Missed++
		logger = logger.With().Time("last_execution", *record.StartTime).Logger()

		if j.config.DryRun {
			logger.Info().Msg("dry run: would compensate missed cron trigger")
			continue
		}

		if err := j.triggers.Start(ctx, pipeline.WithTrigger(trigger)); err != nil {
			report.Failed++
			logger.Error().Err(err).Msg("failed to start missed pipeline")
			if j.metrics != nil {
				j.metrics.TriggerInvocationFailed()
			}
			continue
		}

		report.Fired++
		logger.Info().Msg("compensated missed cron trigger")
		if j.metrics != nil {
			j.metrics.TriggerCompensated()
		}
	}

	return nil
}

func (j *Job) finish(report Report) {
	report.FinishedAt = j.clock.Now()

	j.mu.Lock()
	j.report = report
	j.mu.Unlock()

	if j.metrics != nil {
		j.metrics.PassCompleted(report.FinishedAt.Sub(report.StartedAt), report.Evaluated, report.Fired)
	}

	j.logger.Info().
		Int("pipelines", report.Pipelines).
		Int("triggers", report.Triggers).
		Int("never_run", report.NeverRun).
		Int("evaluated", report.Evaluated).
		Int("missed", report.Missed).
		Int("fired", report.Fired).
		Int("failed", report.Failed).
		Msg("compensation complete")
}

// latestByPipeline keeps the first record per pipeline, which the history
// service orders most recent first.
func latestByPipeline(records []domain.ExecutionRecord) map[string]domain.ExecutionRecord {
	latest := make(map[string]domain.ExecutionRecord, len(records))
	for _, r := range records {
		if _, seen := latest[r.PipelineConfigID]; !seen {
			latest[r.PipelineConfigID] = r
		}
	}
	return latest
}
