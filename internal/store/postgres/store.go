package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/cron-catchup/internal/cache"
	"github.com/djlord-it/cron-catchup/internal/compensation"
	"github.com/djlord-it/cron-catchup/internal/dispatcher"
	"github.com/djlord-it/cron-catchup/internal/domain"
)

// DefaultHistoryLimit is the number of executions returned per pipeline.
const DefaultHistoryLimit = 1

// Store implements cache.Source, compensation.ExecutionHistory and
// dispatcher.DeliveryRecorder using PostgreSQL.
type Store struct {
	db           *sql.DB
	opTimeout    time.Duration
	historyLimit int
}

// New creates a new PostgreSQL store. A positive opTimeout bounds every
// operation.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout, historyLimit: DefaultHistoryLimit}
}

// WithHistoryLimit sets how many executions LatestExecutions returns per pipeline.
func (s *Store) WithHistoryLimit(n int) *Store {
	if n > 0 {
		s.historyLimit = n
	}
	return s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// pipelineRow is one row of the pipeline/trigger join. Trigger columns are
// null for pipelines without triggers.
type pipelineRow struct {
	pipelineID     string
	application    string
	name           string
	disabled       bool
	triggerID      sql.NullString
	triggerType    sql.NullString
	triggerEnabled sql.NullBool
	cronExpression sql.NullString
}

// ListPipelines returns every pipeline configuration with its triggers.
func (s *Store) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListPipelines)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pipelineRow
	for rows.Next() {
		var r pipelineRow
		err := rows.Scan(
			&r.pipelineID,
			&r.application,
			&r.name,
			&r.disabled,
			&r.triggerID,
			&r.triggerType,
			&r.triggerEnabled,
			&r.cronExpression,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assemblePipelines(result), nil
}

// assemblePipelines folds consecutive rows of the same pipeline into one
// Pipeline, keeping row order.
func assemblePipelines(rows []pipelineRow) []domain.Pipeline {
	var pipelines []domain.Pipeline
	for _, r := range rows {
		n := len(pipelines)
		if n == 0 || pipelines[n-1].ID != r.pipelineID {
			pipelines = append(pipelines, domain.Pipeline{
				ID:          r.pipelineID,
				Application: r.application,
				Name:        r.name,
				Disabled:    r.disabled,
			})
			n++
		}
		if !r.triggerID.Valid {
			continue
		}
		pipelines[n-1].Triggers = append(pipelines[n-1].Triggers, domain.Trigger{
			ID:             r.triggerID.String,
			Type:           domain.TriggerType(r.triggerType.String),
			Enabled:        r.triggerEnabled.Bool,
			CronExpression: r.cronExpression.String,
		})
	}
	return pipelines
}

// LatestExecutions returns the most recent executions of the given pipeline
// configurations, grouped by id and most recent first.
func (s *Store) LatestExecutions(ctx context.Context, ids []string) ([]domain.ExecutionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryLatestExecutions, pq.Array(ids), s.historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var startTime sql.NullTime

		if err := rows.Scan(&rec.PipelineConfigID, &startTime); err != nil {
			return nil, err
		}
		rec.StartTime = nullTimePtr(startTime)
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// InsertDeliveryAttempt inserts a new delivery attempt record.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		attempt.ID,
		attempt.EventID,
		attempt.Attempt,
		attempt.PipelineID,
		attempt.TriggerID,
		attempt.StatusCode,
		attempt.Error,
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	return err
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Compile-time interface assertions
var (
	_ cache.Source                  = (*Store)(nil)
	_ compensation.ExecutionHistory = (*Store)(nil)
	_ dispatcher.DeliveryRecorder   = (*Store)(nil)
)
