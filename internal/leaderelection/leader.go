// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres releases the
// lock server-side.
//
// The heartbeat ping only detects local connection death so the leader can
// stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/log"
)

// Reasons passed to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Locker acquires the leadership lock.
type Locker interface {
	// TryLock attempts the lock without blocking. When acquired is false the
	// returned session is nil.
	TryLock(ctx context.Context) (session Session, acquired bool, err error)
}

// Session is a held lock. Closing it releases the lock.
type Session interface {
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	// RetryInterval is how often a follower attempts lock acquisition.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its lock session.
	HeartbeatInterval time.Duration
}

// Elector manages leader election.
type Elector struct {
	config    Config
	locker    Locker
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	isLeader  atomic.Bool
	logger    zerolog.Logger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost, and demotion
// waits for onElected to return.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(config Config, locker Locker, onElected func(ctx context.Context), onDemoted func()) *Elector {
	return &Elector{
		config:    config,
		locker:    locker,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    log.WithComponent("leader"),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info().
		Dur("retry", e.config.RetryInterval).
		Dur("heartbeat", e.config.HeartbeatInterval).
		Msg("starting election loop")

	for {
		if ctx.Err() != nil {
			e.logger.Info().Msg("election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.logger.Info().Msg("election loop stopped")
			return
		}

		if reason != "" {
			e.logger.Warn().Str("reason", reason).Dur("retry", e.config.RetryInterval).Msg("lost leadership")
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	session, acquired, err := e.locker.TryLock(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("lock attempt failed")
		return ""
	}
	if !acquired {
		e.logger.Debug().Msg("lock held by another instance")
		return ""
	}
	defer session.Close()

	e.logger.Info().Msg("acquired leadership")
	e.isLeader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	elected := make(chan struct{})
	go func() {
		defer close(elected)
		e.onElected(leaderCtx)
	}()

	reason := e.holdLock(ctx, session)

	cancelLeader()
	<-elected
	e.onDemoted()
	e.isLeader.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.logger.Info().Str("reason", reason).Msg("released leadership")
	return reason
}

// holdLock blocks while pinging the session.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Error().Err(err).Msg("lock session ping failed")
				return ReasonConnLost
			}
		}
	}
}
