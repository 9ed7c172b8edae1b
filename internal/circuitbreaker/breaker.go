// Package circuitbreaker stops calls to an orchestrator endpoint after
// repeated failures and lets a single trial request through once a cooldown
// passes.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cron-catchup/internal/log"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type endpointState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks state per endpoint key, usually a URL.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*endpointState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	logger    zerolog.Logger
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		logger:    log.WithComponent("circuitbreaker"),
	}
}

// WithClock replaces the time source used for cooldowns.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.clock = now
	return cb
}

// Allow returns ErrCircuitOpen while endpoint is open, or while a half-open
// trial request is in flight.
func (cb *CircuitBreaker) Allow(endpoint string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = StateHalfOpen
			cb.logger.Info().Str("endpoint", endpoint).Msg("half-open, allowing trial request")
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return
	}
	if s.state != StateClosed {
		cb.logger.Info().Str("endpoint", endpoint).Msg("closed")
	}
	s.state = StateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		s = &endpointState{}
		cb.states[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		if s.state != StateOpen {
			cb.logger.Warn().
				Str("endpoint", endpoint).
				Int("failures", s.consecutiveFailures).
				Dur("cooldown", cb.cooldown).
				Msg("opened")
		}
		s.state = StateOpen
		s.openedAt = cb.clock()
	}
}

// State returns the current state of endpoint without transitioning it.
func (cb *CircuitBreaker) State(endpoint string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s, ok := cb.states[endpoint]; ok {
		return s.state
	}
	return StateClosed
}
