/*
 * Copyright 2026 Quorum Data, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package agentcomm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorumdata/agentlink/pkg/logger"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed - calls are allowed.
	BreakerClosed BreakerState = iota
	// BreakerOpen - calls are rejected until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen - the dependency is being probed for recovery.
	BreakerHalfOpen
)

// String returns a string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerStats is a point-in-time snapshot of a breaker's counters.
type BreakerStats struct {
	State               string    `json:"state"`
	TotalCalls          int64     `json:"total_calls"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime     time.Time `json:"last_success_time,omitempty"`
	StateChanges        int64     `json:"state_changes"`
}

// CircuitBreaker guards the outbound call path to a single agent. One
// instance exists per agent, with a lifetime independent of the socket.
// Its lock is never held across I/O.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	clock  Clock
	logger logger.Logger

	// isExpected classifies errors: only expected errors drive the state
	// machine, anything else propagates without touching the counters.
	isExpected func(error) bool

	mu                  sync.Mutex
	state               BreakerState
	totalCalls          int64
	successes           int64
	failures            int64
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
	lastSuccessTime     time.Time
	stateChanges        int64
}

// NewCircuitBreaker creates a closed breaker for the named agent.
func NewCircuitBreaker(name string, config BreakerConfig, log logger.Logger) *CircuitBreaker {
	config.setDefaults()

	return &CircuitBreaker{
		name:       name,
		config:     config,
		clock:      realClock{},
		logger:     log,
		isExpected: func(error) bool { return true },
		state:      BreakerClosed,
	}
}

// SetErrorFilter overrides the default classification that treats every
// error as expected. Must be called before the breaker is shared.
func (cb *CircuitBreaker) SetErrorFilter(isExpected func(error) bool) {
	cb.isExpected = isExpected
}

// Call executes fn through the breaker, bounded by the configured call
// timeout. A rejected call returns ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(cb.config.CallTimeout))
	defer cancel()

	err := fn(callCtx)

	if err != nil && !cb.isExpected(err) {
		// Unexpected error kinds bypass the state machine entirely.
		return err
	}

	cb.record(err)

	return err
}

// admit decides whether a call may proceed, transitioning Open to
// HalfOpen once the recovery timeout has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
	case BreakerOpen:
		if cb.clock.Now().Sub(cb.lastFailureTime) < time.Duration(cb.config.RecoveryTimeout) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
		}

		cb.transition(BreakerHalfOpen)
		cb.halfOpenSuccesses = 0
	}

	cb.totalCalls++

	return nil
}

// record updates the state machine with an expected call outcome.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
		return
	}

	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case BreakerClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(BreakerOpen)
			cb.logger.Warn().
				Str("breaker", cb.name).
				Int("consecutive_failures", cb.consecutiveFailures).
				Msg("Circuit breaker opened")
		}

	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
		cb.logger.Warn().
			Str("breaker", cb.name).
			Msg("Circuit breaker reopened after failed probe")

	case BreakerOpen:
		// A call admitted just before the transition can still report here.
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.successes++
	cb.consecutiveFailures = 0
	cb.lastSuccessTime = cb.clock.Now()

	if cb.state == BreakerHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transition(BreakerClosed)
			cb.logger.Info().
				Str("breaker", cb.name).
				Msg("Circuit breaker closed after recovery")
		}
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}

	cb.state = next
	cb.stateChanges++
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		State:               cb.state.String(),
		TotalCalls:          cb.totalCalls,
		Successes:           cb.successes,
		Failures:            cb.failures,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureTime:     cb.lastFailureTime,
		LastSuccessTime:     cb.lastSuccessTime,
		StateChanges:        cb.stateChanges,
	}
}
