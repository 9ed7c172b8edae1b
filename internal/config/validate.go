package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// Execution history and delivery attempts always live in Postgres.
	if cfg.DatabaseURL == "" {
		errs.add("DATABASE_URL", "required")
	}

	if cfg.OrchestratorURL == "" {
		errs.add("ORCHESTRATOR_URL", "required")
	} else if u, err := url.Parse(cfg.OrchestratorURL); err != nil {
		errs.add("ORCHESTRATOR_URL", "invalid url: %v", err)
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.add("ORCHESTRATOR_URL", "must be an absolute http(s) url, got %q", cfg.OrchestratorURL)
	}

	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			errs.add(d.env, "invalid duration: %v", err)
		} else if v <= 0 {
			errs.add(d.env, "must be positive")
		}
	}

	if cfg.CompensationTimezone == "" {
		errs.add("COMPENSATION_TIMEZONE", "required")
	} else if _, err := time.LoadLocation(cfg.CompensationTimezone); err != nil {
		errs.add("COMPENSATION_TIMEZONE", "unknown time zone %q", cfg.CompensationTimezone)
	}

	switch cfg.PipelineSource {
	case PipelineSourcePostgres:
	case PipelineSourceFile:
		if cfg.PipelineFile == "" {
			errs.add("PIPELINE_FILE", "required when PIPELINE_SOURCE=file")
		}
	default:
		errs.add("PIPELINE_SOURCE", "must be 'postgres' or 'file', got %q", cfg.PipelineSource)
	}

	if cfg.ExecutionHistoryLimit < 1 {
		errs.add("EXECUTION_HISTORY_LIMIT", "must be at least 1")
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs.add("LOG_LEVEL", "must be one of debug, info, warn, error; got %q", cfg.LogLevel)
	}

	if cfg.MetricsEnabled {
		if port, err := strconv.Atoi(cfg.MetricsPort); err != nil || port < 1 || port > 65535 {
			errs.add("METRICS_PORT", "must be a port number, got %q", cfg.MetricsPort)
		}
		if len(cfg.MetricsPath) == 0 || cfg.MetricsPath[0] != '/' {
			errs.add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
