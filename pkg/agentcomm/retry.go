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
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is a stateless, reusable backoff policy for operations that
// are safe to repeat. It is independent of the circuit breaker and is not
// applied to the socket request/response path.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// ExponentialBase is the backoff multiplier (2.0 doubles each retry).
	ExponentialBase float64
	// Jitter scales each delay by a uniform random factor in [0.5, 1.0].
	Jitter bool
	// Retryable classifies errors; nil means every error is retryable.
	// A non-retryable error propagates immediately.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used for idempotent HTTP calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// RunWithRetry executes fn under the policy. It returns the first
// successful result, the first non-retryable error, or ErrRetryExhausted
// wrapping the last error once MaxAttempts retryable failures occurred.
func RunWithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(policy.backoff(attempt)):
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}

		lastErr = err
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}

// backoff computes the delay before the given 1-indexed attempt (n >= 2):
// min(base * expBase^(n-2), max), optionally jittered into [0.5x, 1.0x].
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 0 {
		base = 2.0
	}

	delay := float64(p.BaseDelay) * math.Pow(base, float64(attempt-2))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5 //nolint:gosec // backoff jitter does not need crypto randomness
	}

	return time.Duration(delay)
}
