package api

import "time"

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type StatusResponse struct {
	State  string          `json:"state"`
	DryRun bool            `json:"dry_run"`
	Leader *bool           `json:"leader,omitempty"`
	Window *WindowResponse `json:"window,omitempty"`
	Report *ReportResponse `json:"report,omitempty"`
	Cache  *CacheResponse  `json:"cache,omitempty"`
}

type WindowResponse struct {
	Timezone string `json:"timezone"`
	Floor    string `json:"floor"`
	Now      string `json:"now"`
}

type ReportResponse struct {
	Pipelines  int    `json:"pipelines"`
	Triggers   int    `json:"triggers"`
	NeverRun   int    `json:"never_run"`
	Evaluated  int    `json:"evaluated"`
	Missed     int    `json:"missed"`
	Fired      int    `json:"fired"`
	Failed     int    `json:"failed"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`
}

type CacheResponse struct {
	Loaded      bool   `json:"loaded"`
	Pipelines   int    `json:"pipelines"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type PipelineResponse struct {
	ID           string            `json:"id"`
	Application  string            `json:"application"`
	Name         string            `json:"name"`
	Disabled     bool              `json:"disabled"`
	CronTriggers []TriggerResponse `json:"cron_triggers"`
}

type TriggerResponse struct {
	ID             string `json:"id"`
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cron_expression"`
}

type ListPipelinesResponse struct {
	Pipelines []PipelineResponse `json:"pipelines"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
