package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/djlord-it/cron-catchup/internal/log"
)

const (
	PipelineSourcePostgres = "postgres"
	PipelineSourceFile     = "file"
)

// Config holds all configuration for the catchup service.
// Values are loaded from environment variables; see the serve command help for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	CompensationEnabled bool `json:"compensation_enabled"`

	// CompensationWindow is how far back from process start a missed trigger is still fired.
	CompensationWindow    time.Duration `json:"-"`
	CompensationWindowStr string        `json:"compensation_window"`

	// CompensationTimezone must be an IANA zone name.
	CompensationTimezone string `json:"compensation_timezone"`

	CompensationPollInterval    time.Duration `json:"-"`
	CompensationPollIntervalStr string        `json:"compensation_poll_interval"`
	CompensationDryRun          bool          `json:"compensation_dry_run"`

	// PipelineSource: "postgres" or "file" (YAML at PipelineFile).
	PipelineSource string `json:"pipeline_source"`
	PipelineFile   string `json:"pipeline_file,omitempty"`

	CacheRefreshInterval    time.Duration `json:"-"`
	CacheRefreshIntervalStr string        `json:"cache_refresh_interval"`

	ExecutionHistoryLimit int `json:"execution_history_limit"`

	OrchestratorURL        string        `json:"orchestrator_url"`
	OrchestratorSecret     string        `json:"orchestrator_secret,omitempty"`
	OrchestratorTimeout    time.Duration `json:"-"`
	OrchestratorTimeoutStr string        `json:"orchestrator_timeout"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all replicas sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval pings the dedicated lock connection. It does not renew the lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// durationVar binds an environment variable to a raw string and its parsed value.
type durationVar struct {
	env string
	def string
	raw *string
	val *time.Duration
}

func (c *Config) durations() []durationVar {
	return []durationVar{
		{"COMPENSATION_WINDOW", "30m", &c.CompensationWindowStr, &c.CompensationWindow},
		{"COMPENSATION_POLL_INTERVAL", "5s", &c.CompensationPollIntervalStr, &c.CompensationPollInterval},
		{"CACHE_REFRESH_INTERVAL", "30s", &c.CacheRefreshIntervalStr, &c.CacheRefreshInterval},
		{"ORCHESTRATOR_TIMEOUT", "10s", &c.OrchestratorTimeoutStr, &c.OrchestratorTimeout},
		{"DB_OP_TIMEOUT", "5s", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", "30m", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", "5m", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", "10s", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", "30s", &c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout},
		{"CIRCUIT_BREAKER_COOLDOWN", "2m", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"LEADER_RETRY_INTERVAL", "5s", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", "2s", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

// Load reads configuration from environment variables with defaults.
// Malformed numbers and booleans fall back to their defaults with a warning;
// malformed durations are kept verbatim so Validate can report them.
func Load() Config {
	cfg := Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		HTTPAddr:             os.Getenv("HTTP_ADDR"),
		LogLevel:             envString("LOG_LEVEL", "info"),
		LogJSON:              envBool("LOG_JSON", true),
		CompensationEnabled:  envBool("COMPENSATION_ENABLED", true),
		CompensationTimezone: envString("COMPENSATION_TIMEZONE", "America/Los_Angeles"),
		CompensationDryRun:   envBool("COMPENSATION_DRY_RUN", false),
		PipelineSource:       envString("PIPELINE_SOURCE", PipelineSourcePostgres),
		PipelineFile:         os.Getenv("PIPELINE_FILE"),
		OrchestratorURL:      os.Getenv("ORCHESTRATOR_URL"),
		OrchestratorSecret:   os.Getenv("ORCHESTRATOR_SECRET"),
		MetricsEnabled:       envBool("METRICS_ENABLED", false),
		MetricsPath:          envString("METRICS_PATH", "/metrics"),
		MetricsPort:          envString("METRICS_PORT", "9090"),

		LeaderElectionEnabled: envBool("LEADER_ELECTION_ENABLED", false),

		ExecutionHistoryLimit: envPositiveInt("EXECUTION_HISTORY_LIMIT", 1),
		DBMaxOpenConns:        envPositiveInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:        envPositiveInt("DB_MAX_IDLE_CONNS", 2),
		EventBusBufferSize:    envPositiveInt("EVENTBUS_BUFFER_SIZE", 100),
		LeaderLockKey:         int64(envPositiveInt("LEADER_LOCK_KEY", 728380)),
	}

	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			warnInvalid("CIRCUIT_BREAKER_THRESHOLD", s, "5")
		}
	}

	// PORT is honoured as a fallback for platforms that only inject a port.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	for _, d := range cfg.durations() {
		*d.raw = envString(d.env, d.def)
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.val = v
		}
	}

	return cfg
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		warnInvalid(name, s, strconv.FormatBool(def))
		return def
	}
	return b
}

func envPositiveInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		warnInvalid(name, s, strconv.Itoa(def))
		return def
	}
	return n
}

func warnInvalid(name, value, def string) {
	logger := log.WithComponent("config")
	logger.Warn().
		Str("variable", name).
		Str("value", value).
		Str("default", def).
		Msg("invalid value, using default")
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.OrchestratorSecret = maskSecret(c.OrchestratorSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
