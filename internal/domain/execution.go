package domain

import "time"

// ExecutionRecord is the latest known execution of a pipeline configuration.
type ExecutionRecord struct {
	PipelineConfigID string

	// StartTime is nil when the execution never started.
	StartTime *time.Time
}

// Started reports whether the record carries a start time.
func (r ExecutionRecord) Started() bool {
	return r.StartTime != nil
}
