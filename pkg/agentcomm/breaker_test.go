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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdata/agentlink/pkg/logger"
)

var errTestFailure = errors.New("test failure")

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  Duration(100 * time.Millisecond),
		SuccessThreshold: 2,
		CallTimeout:      Duration(time.Second),
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), logger.NewTestLogger())

	assert.Equal(t, BreakerClosed, cb.State())

	err := cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, cb.State())

	err = cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State())

	// Open breaker rejects without invoking fn.
	invoked := false

	err = cb.Call(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), logger.NewTestLogger())

	err := cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	require.Error(t, err)

	err = cb.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)

	// The streak restarted, so one more failure does not open the breaker.
	err = cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), logger.NewTestLogger())

	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	}

	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(150 * time.Millisecond)

	// First probe admits and succeeds; breaker is half-open until the
	// success threshold is met.
	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	err = cb.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), logger.NewTestLogger())

	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	}

	time.Sleep(150 * time.Millisecond)

	err := cb.Call(context.Background(), func(context.Context) error { return errTestFailure })
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	config := testBreakerConfig()
	config.CallTimeout = Duration(30 * time.Millisecond)

	cb := NewCircuitBreaker("test", config, logger.NewTestLogger())

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	for i := 0; i < 2; i++ {
		err := cb.Call(context.Background(), slow)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreaker_UnexpectedErrorBypassesBookkeeping(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), logger.NewTestLogger())
	cb.SetErrorFilter(func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})

	for i := 0; i < 5; i++ {
		err := cb.Call(context.Background(), func(context.Context) error { return context.Canceled })
		require.ErrorIs(t, err, context.Canceled)
	}

	stats := cb.Stats()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, int64(5), stats.TotalCalls)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), logger.NewTestLogger())

	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))
	_ = cb.Call(context.Background(), func(context.Context) error { return errTestFailure })

	stats := cb.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.False(t, stats.LastFailureTime.IsZero())
	assert.False(t, stats.LastSuccessTime.IsZero())
}

func TestBreakerConfig_Defaults(t *testing.T) {
	var config BreakerConfig

	config.setDefaults()

	assert.Equal(t, 5, config.FailureThreshold)
	assert.Equal(t, Duration(60*time.Second), config.RecoveryTimeout)
	assert.Equal(t, 2, config.SuccessThreshold)
	assert.Equal(t, Duration(30*time.Second), config.CallTimeout)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
