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

import "errors"

var (
	// ErrCircuitOpen is returned without invoking the wrapped call while a
	// breaker is open and its recovery timeout has not yet elapsed.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrResponseTimeout is returned when no reply matched the request's
	// correlation id before the caller's deadline. The pending slot is
	// removed before the error is surfaced.
	ErrResponseTimeout = errors.New("timed out waiting for agent response")
	// ErrConnectionLost fails every pending request on a connection whose
	// socket closed before the matching reply arrived.
	ErrConnectionLost = errors.New("connection to agent lost")
	// ErrConnectTimeout indicates the socket dial did not complete within
	// the configured connect timeout.
	ErrConnectTimeout = errors.New("timed out connecting to agent")
	// ErrConnectionRefused indicates the agent actively refused the socket
	// dial, typically because its process is down.
	ErrConnectionRefused = errors.New("agent refused connection")
	// ErrMessageDecode indicates an inbound frame could not be parsed as an
	// envelope. The frame is dropped; the stream stays up.
	ErrMessageDecode = errors.New("failed to decode agent message")
	// ErrRetryExhausted is returned by RunWithRetry once every attempt has
	// failed with a retryable error.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrAgentNotFound indicates the agent type is not configured.
	ErrAgentNotFound = errors.New("agent not configured")
	// ErrAgentNotConnected indicates a socket send was requested while the
	// agent's connection is not established.
	ErrAgentNotConnected = errors.New("agent not connected")
	// ErrManagerStopped indicates the manager has been shut down.
	ErrManagerStopped = errors.New("agent manager is stopped")

	errInvalidDuration = errors.New("invalid duration")
)
