package main

import (
	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/config"
)

// logConfigWarnings flags configuration combinations an operator should know
// about before the compensation pass starts. P0 means triggers may be lost or
// fired twice; P1 means reduced visibility.
func logConfigWarnings(logger zerolog.Logger, cfg *config.Config) {
	if !cfg.CompensationEnabled {
		logger.Warn().Str("priority", "P0").
			Msg("COMPENSATION_ENABLED=false: triggers missed during downtime will not be fired")
	}

	if cfg.CompensationEnabled && cfg.CompensationDryRun {
		logger.Warn().Str("priority", "P0").
			Msg("COMPENSATION_DRY_RUN=true: missed triggers are only logged, no pipeline will be started")
	}

	if cfg.CompensationEnabled && !cfg.LeaderElectionEnabled {
		logger.Warn().Str("priority", "P0").
			Msg("LEADER_ELECTION_ENABLED=false: every replica runs compensation; run a single replica or missed triggers fire once per replica")
	}

	if !cfg.MetricsEnabled {
		logger.Warn().Str("priority", "P1").
			Msg("METRICS_ENABLED=false: compensation and delivery metrics are not exported")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		logger.Info().Msg("CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled, a failing orchestrator is retried for every trigger")
	}

	if cfg.RedisAddr == "" {
		logger.Info().Msg("REDIS_ADDR not set: analytics disabled")
	}
}
