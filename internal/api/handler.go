// Package api serves the health and status endpoints of the compensation
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/cache"
	"github.com/djlord-it/cron-catchup/internal/compensation"
	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/log"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const healthCheckTimeout = 3 * time.Second

// PipelineCache is the read side of the pipeline cache.
type PipelineCache interface {
	Pipelines(ctx context.Context) ([]domain.Pipeline, error)
	Status() cache.Status
}

// JobStatus exposes the progress of the compensation job.
type JobStatus interface {
	State() compensation.State
	Window() compensation.Window
	Report() compensation.Report
}

// HealthChecker provides component health for verbose /health responses.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type LeaderStatus interface {
	IsLeader() bool
}

type Handler struct {
	cache  PipelineCache
	job    JobStatus // nil when compensation is disabled
	dryRun bool
	leader LeaderStatus // nil when leader election is disabled
	checks map[string]HealthChecker
	logger zerolog.Logger
}

func NewHandler(cache PipelineCache) *Handler {
	return &Handler{
		cache:  cache,
		checks: make(map[string]HealthChecker),
		logger: log.WithComponent("api"),
	}
}

// WithJob exposes job on /status.
func (h *Handler) WithJob(job JobStatus, dryRun bool) *Handler {
	h.job = job
	h.dryRun = dryRun
	return h
}

func (h *Handler) WithLeader(leader LeaderStatus) *Handler {
	h.leader = leader
	return h
}

// WithHealthChecker adds a named component to verbose /health responses.
func (h *Handler) WithHealthChecker(name string, checker HealthChecker) *Handler {
	h.checks[name] = checker
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/status" && r.Method == http.MethodGet:
		h.status(w, r)

	case path == "/pipelines" && r.Method == http.MethodGet:
		h.listPipelines(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	if h.cache != nil {
		if s := h.cache.Status(); s.Loaded {
			resp.Components["cache"] = "loaded"
		} else {
			resp.Components["cache"] = "not loaded"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{State: "disabled"}

	if h.job != nil {
		resp.State = h.job.State().String()
		resp.DryRun = h.dryRun

		window := h.job.Window()
		resp.Window = &WindowResponse{
			Timezone: window.Location.String(),
			Floor:    formatTime(window.Floor),
			Now:      formatTime(window.Now),
		}

		if h.job.State() == compensation.StateDone {
			report := toReportResponse(h.job.Report())
			resp.Report = &report
		}
	}

	if h.leader != nil {
		isLeader := h.leader.IsLeader()
		resp.Leader = &isLeader
	}

	if h.cache != nil {
		s := h.cache.Status()
		resp.Cache = &CacheResponse{
			Loaded:      s.Loaded,
			Pipelines:   s.Pipelines,
			RefreshedAt: formatTime(s.RefreshedAt),
			LastError:   s.LastError,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func toReportResponse(r compensation.Report) ReportResponse {
	resp := ReportResponse{
		Pipelines:  r.Pipelines,
		Triggers:   r.Triggers,
		NeverRun:   r.NeverRun,
		Evaluated:  r.Evaluated,
		Missed:     r.Missed,
		Fired:      r.Fired,
		Failed:     r.Failed,
		StartedAt:  formatTime(r.StartedAt),
		FinishedAt: formatTime(r.FinishedAt),
		Error:      r.Error,
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		resp.Duration = r.FinishedAt.Sub(r.StartedAt).String()
	}
	return resp
}

// listPipelines returns cached pipelines that own cron triggers, optionally
// filtered by ?application=.
func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipelines, err := h.cache.Pipelines(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("list pipelines")
		if errors.Is(err, cache.ErrNotLoaded) {
			writeError(w, http.StatusServiceUnavailable, "pipeline cache not loaded")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}

	matched := cronPipelines(pipelines, r.URL.Query().Get("application"))

	resp := ListPipelinesResponse{Pipelines: page(matched, limit, offset)}
	writeJSON(w, http.StatusOK, resp)
}

// cronPipelines keeps pipelines of application (any when empty) that own at
// least one cron trigger, listing only those triggers.
func cronPipelines(pipelines []domain.Pipeline, application string) []PipelineResponse {
	var matched []PipelineResponse
	for _, p := range pipelines {
		if application != "" && p.Application != application {
			continue
		}
		var triggers []TriggerResponse
		for _, t := range p.Triggers {
			if t.Type.IsCron() {
				triggers = append(triggers, TriggerResponse{ID: t.ID, Enabled: t.Enabled, CronExpression: t.CronExpression})
			}
		}
		if len(triggers) == 0 {
			continue
		}
		matched = append(matched, PipelineResponse{
			ID:           p.ID,
			Application:  p.Application,
			Name:         p.Name,
			Disabled:     p.Disabled,
			CronTriggers: triggers,
		})
	}
	return matched
}

func page(items []PipelineResponse, limit, offset int) []PipelineResponse {
	if offset >= len(items) {
		return []PipelineResponse{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("json encode error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
