package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerTypeCron    TriggerType = "cron"
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeManual  TriggerType = "manual"
)

// IsCron matches case-insensitively; upstream sources write "CRON".
func (t TriggerType) IsCron() bool {
	return strings.EqualFold(string(t), string(TriggerTypeCron))
}

type Trigger struct {
	ID             string      `json:"id" yaml:"id"`
	Type           TriggerType `json:"type" yaml:"type"`
	Enabled        bool        `json:"enabled" yaml:"enabled"`
	CronExpression string      `json:"cronExpression,omitempty" yaml:"cronExpression"`
}

// TriggerEvent is emitted when a missed cron trigger is re-fired.
type TriggerEvent struct {
	ID uuid.UUID

	PipelineID   string
	PipelineName string
	Application  string

	TriggerID      string
	CronExpression string

	FiredAt        time.Time
	IdempotencyKey string
}
