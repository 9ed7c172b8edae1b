package config

import (
	"errors"
	"strings"
	"testing"
	_ "time/tzdata"
)

// validConfig mirrors Load's defaults with the required fields filled in.
func validConfig() Config {
	return Config{
		DatabaseURL:                 "postgres://localhost/catchup",
		OrchestratorURL:             "https://orchestrator.internal",
		LogLevel:                    "info",
		CompensationWindowStr:       "30m",
		CompensationTimezone:        "America/Los_Angeles",
		CompensationPollIntervalStr: "5s",
		PipelineSource:              PipelineSourcePostgres,
		CacheRefreshIntervalStr:     "30s",
		ExecutionHistoryLimit:       1,
		MetricsPath:                 "/metrics",
		MetricsPort:                 "9090",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	cfg.OrchestratorURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(verrs), err)
	}
	for _, field := range []string{"DATABASE_URL", "ORCHESTRATOR_URL"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s: %q", field, err.Error())
		}
	}
}

func TestValidate_Field(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		wantErr string
	}{
		{"unparseable window", func(c *Config) { c.CompensationWindowStr = "invalid" }, "COMPENSATION_WINDOW", "invalid duration"},
		{"negative window", func(c *Config) { c.CompensationWindowStr = "-1m" }, "COMPENSATION_WINDOW", "must be positive"},
		{"zero poll interval", func(c *Config) { c.CompensationPollIntervalStr = "0s" }, "COMPENSATION_POLL_INTERVAL", "must be positive"},
		{"unknown timezone", func(c *Config) { c.CompensationTimezone = "Mars/Olympus_Mons" }, "COMPENSATION_TIMEZONE", "unknown time zone"},
		{"empty timezone", func(c *Config) { c.CompensationTimezone = "" }, "COMPENSATION_TIMEZONE", "required"},
		{"bad pipeline source", func(c *Config) { c.PipelineSource = "etcd" }, "PIPELINE_SOURCE", "must be 'postgres' or 'file'"},
		{"file source without path", func(c *Config) { c.PipelineSource = PipelineSourceFile }, "PIPELINE_FILE", "required"},
		{"zero history limit", func(c *Config) { c.ExecutionHistoryLimit = 0 }, "EXECUTION_HISTORY_LIMIT", "at least 1"},
		{"relative orchestrator url", func(c *Config) { c.OrchestratorURL = "/pipelines" }, "ORCHESTRATOR_URL", "absolute http(s)"},
		{"non-http orchestrator url", func(c *Config) { c.OrchestratorURL = "ftp://host" }, "ORCHESTRATOR_URL", "absolute http(s)"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL", "must be one of"},
		{"bad metrics port", func(c *Config) { c.MetricsEnabled = true; c.MetricsPort = "http" }, "METRICS_PORT", "port number"},
		{"bad metrics path", func(c *Config) { c.MetricsEnabled = true; c.MetricsPath = "metrics" }, "METRICS_PATH", "start with '/'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %s: %q", tt.field, err.Error())
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should contain %q: %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidate_FileSourceWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.PipelineSource = PipelineSourceFile
	cfg.PipelineFile = "pipelines.yaml"

	if err := Validate(cfg); err != nil {
		t.Errorf("expected file source with path to be valid, got: %v", err)
	}
}

func TestValidate_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.MetricsPort = "not-a-port"

	if err := Validate(cfg); err != nil {
		t.Errorf("metrics port should not be checked when metrics are disabled, got: %v", err)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	single := ValidationErrors{{Field: "A", Message: "bad"}}
	if single.Error() != "A: bad" {
		t.Errorf("single error format: %q", single.Error())
	}

	multi := ValidationErrors{
		{Field: "A", Message: "bad"},
		{Field: "B", Message: "worse"},
	}
	want := "2 validation errors:\n  - A: bad\n  - B: worse"
	if multi.Error() != want {
		t.Errorf("multi error format:\ngot  %q\nwant %q", multi.Error(), want)
	}
}
