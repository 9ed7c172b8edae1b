package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/cron-catchup/internal/domain"
)

// ErrNoTrigger is returned by Start for a pipeline without an invoking trigger.
var ErrNoTrigger = errors.New("pipeline has no invoking trigger")

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// Invoker starts pipelines by emitting trigger events for the dispatcher.
type Invoker struct {
	emitter EventEmitter
	clock   func() time.Time
}

func NewInvoker(emitter EventEmitter) *Invoker {
	return &Invoker{emitter: emitter, clock: time.Now}
}

// Start emits a trigger event for pipeline and its invoking trigger. It
// returns once the event is queued, not when the pipeline has started.
func (i *Invoker) Start(ctx context.Context, pipeline domain.Pipeline) error {
	if pipeline.Trigger == nil {
		return fmt.Errorf("pipeline %s: %w", pipeline.ID, ErrNoTrigger)
	}

	now := i.clock().UTC()
	event := domain.TriggerEvent{
		ID:             uuid.New(),
		PipelineID:     pipeline.ID,
		PipelineName:   pipeline.Name,
		Application:    pipeline.Application,
		TriggerID:      pipeline.Trigger.ID,
		CronExpression: pipeline.Trigger.CronExpression,
		FiredAt:        now,
		IdempotencyKey: IdempotencyKey(pipeline.ID, pipeline.Trigger.ID, now),
	}

	if err := i.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	return nil
}

// IdempotencyKey identifies a compensated fire of trigger on pipeline within
// the minute of firedAt.
func IdempotencyKey(pipelineID, triggerID string, firedAt time.Time) string {
	data := fmt.Sprintf("%s:%s:%d", pipelineID, triggerID, firedAt.UTC().Truncate(time.Minute).Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
