package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/cron-catchup/internal/analytics"
	"github.com/djlord-it/cron-catchup/internal/api"
	"github.com/djlord-it/cron-catchup/internal/cache"
	"github.com/djlord-it/cron-catchup/internal/circuitbreaker"
	"github.com/djlord-it/cron-catchup/internal/compensation"
	"github.com/djlord-it/cron-catchup/internal/config"
	"github.com/djlord-it/cron-catchup/internal/dispatcher"
	"github.com/djlord-it/cron-catchup/internal/domain"
	"github.com/djlord-it/cron-catchup/internal/leaderelection"
	"github.com/djlord-it/cron-catchup/internal/log"
	"github.com/djlord-it/cron-catchup/internal/metrics"
	"github.com/djlord-it/cron-catchup/internal/store/postgres"
	"github.com/djlord-it/cron-catchup/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Analytics buckets compensated triggers per hour and keeps a week of them.
var analyticsConfig = domain.AnalyticsConfig{
	Enabled:   true,
	Window:    time.Hour,
	Retention: 7 * 24 * time.Hour,
}

func runServe(parent context.Context, cfg config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("catchup")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logConfigWarnings(logger, &cfg)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Info().
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Dur("max_idle_time", cfg.DBConnMaxIdleTime).
		Msg("db pool configured")

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	store := postgres.New(db, cfg.DBOpTimeout).WithHistoryLimit(cfg.ExecutionHistoryLimit)

	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	var source cache.Source = store
	if cfg.PipelineSource == config.PipelineSourceFile {
		source = cache.NewFileSource(cfg.PipelineFile)
	}
	pipelineCache := cache.New(cache.Config{RefreshInterval: cfg.CacheRefreshInterval}, source)
	if metricsSink != nil {
		pipelineCache = pipelineCache.WithMetrics(metricsSink)
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	disp := dispatcher.New(dispatcher.Config{
		OrchestratorURL: cfg.OrchestratorURL,
		Secret:          cfg.OrchestratorSecret,
		Timeout:         cfg.OrchestratorTimeout,
		DrainTimeout:    cfg.DispatcherDrainTimeout,
		Analytics:       analyticsFor(cfg),
	}, store, dispatcher.NewHTTPSender())
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	apiHandler := api.NewHandler(pipelineCache).WithHealthChecker("postgres", store)

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		sink := analytics.NewRedisSink(redisClient)
		disp = disp.WithAnalytics(sink)
		apiHandler = apiHandler.WithHealthChecker("redis", sink)
		logger.Info().Str("redis", cfg.RedisAddr).Msg("analytics enabled")
	}

	var job *compensation.Job
	var elector *leaderelection.Elector
	if cfg.CompensationEnabled {
		var jobOpts []compensation.Option
		if metricsSink != nil {
			jobOpts = append(jobOpts, compensation.WithMetrics(metricsSink))
		}
		job, err = compensation.New(compensation.Config{
			Window:       cfg.CompensationWindow,
			Timezone:     cfg.CompensationTimezone,
			PollInterval: cfg.CompensationPollInterval,
			DryRun:       cfg.CompensationDryRun,
		}, pipelineCache, store, dispatcher.NewInvoker(bus), jobOpts...)
		if err != nil {
			return err
		}
		apiHandler = apiHandler.WithJob(job, cfg.CompensationDryRun)

		if cfg.LeaderElectionEnabled {
			elector = leaderelection.New(
				leaderelection.Config{
					RetryInterval:     cfg.LeaderRetryInterval,
					HeartbeatInterval: cfg.LeaderHeartbeatInterval,
				},
				leaderelection.NewPostgresLocker(db, cfg.LeaderLockKey),
				func(leaderCtx context.Context) { runCompensation(leaderCtx, job, logger) },
				func() { logger.Info().Msg("leader duties stopped") },
			)
			if metricsSink != nil {
				elector = elector.WithMetrics(metricsSink)
			}
			apiHandler = apiHandler.WithLeader(elector)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The dispatcher outlives the producers so queued triggers drain after
	// the compensation job has stopped emitting.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	var producers sync.WaitGroup

	g.Go(func() error {
		if err := pipelineCache.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline cache: %w", err)
		}
		return nil
	})

	switch {
	case elector != nil:
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			elector.Run(gctx)
			return nil
		})
	case job != nil:
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			runCompensation(gctx, job, logger)
			return nil
		})
	}

	g.Go(func() error {
		defer close(dispatchDone)
		disp.Run(dispatchCtx, bus.Channel())
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		producers.Wait()
		logger.Info().Msg("compensation stopped")

		cancelDispatch()
		<-dispatchDone
		logger.Info().Msg("dispatcher stopped")

		shutdownServer(httpServer, cfg.HTTPShutdownTimeout, logger.With().Str("server", "http").Logger())
		if metricsServer != nil {
			shutdownServer(metricsServer, cfg.HTTPShutdownTimeout, logger.With().Str("server", "metrics").Logger())
		}
		return nil
	})

	logger.Info().
		Bool("compensation", cfg.CompensationEnabled).
		Bool("leader_election", cfg.LeaderElectionEnabled).
		Str("pipeline_source", cfg.PipelineSource).
		Str("http", cfg.HTTPAddr).
		Msg("started")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("stopped with error")
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

// runCompensation runs the single-shot job and logs its outcome. A job that
// already ran, for example after re-election, is a no-op.
func runCompensation(ctx context.Context, job *compensation.Job, logger zerolog.Logger) {
	err := job.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, compensation.ErrAlreadyRan):
		logger.Debug().Msg("compensation already ran in this process")
	case ctx.Err() != nil:
		logger.Warn().Err(err).Msg("compensation interrupted")
	default:
		logger.Error().Err(err).Msg("compensation failed")
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return
	}
	logger.Info().Msg("server stopped")
}

func analyticsFor(cfg config.Config) domain.AnalyticsConfig {
	if cfg.RedisAddr == "" {
		return domain.AnalyticsConfig{}
	}
	return analyticsConfig
}
