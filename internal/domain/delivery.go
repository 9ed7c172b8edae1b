package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt records one request made to start a compensated pipeline.
type DeliveryAttempt struct {
	ID      uuid.UUID
	EventID uuid.UUID
	Attempt int

	PipelineID string
	TriggerID  string

	StatusCode int
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}
