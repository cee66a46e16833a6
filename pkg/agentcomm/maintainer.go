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
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quorumdata/agentlink/pkg/logger"
	"github.com/quorumdata/agentlink/pkg/models"
)

// maintainer supervises one agent's socket: it establishes the
// connection, keeps a router running while connected, and re-establishes
// the socket after a disconnect. Once the reconnect budget is exhausted
// the record goes to Failed and the maintainer exits; nothing transitions
// Failed back, which matches the documented behavior of the platform.
type maintainer struct {
	conn     *Connection
	handlers *handlerRegistry
	logger   logger.Logger
}

func newMaintainer(conn *Connection, handlers *handlerRegistry, log logger.Logger) *maintainer {
	return &maintainer{
		conn:     conn,
		handlers: handlers,
		logger:   log,
	}
}

// run loops until the context is cancelled or the agent is marked Failed.
func (m *maintainer) run(ctx context.Context) {
	endpoint := m.conn.endpoint

	for ctx.Err() == nil {
		switch m.conn.State() {
		case StateConnected:
			err := newRouter(m.conn, m.handlers, m.logger).run(ctx)
			if ctx.Err() != nil {
				return
			}

			m.logger.Info().
				Str("agent", endpoint.AgentType).
				Err(err).
				Dur("reconnect_delay", time.Duration(endpoint.ReconnectDelay)).
				Msg("Connection lost, scheduling reconnect")

			if !sleepCtx(ctx, time.Duration(endpoint.ReconnectDelay)) {
				return
			}

		case StateFailed:
			m.logger.Error().
				Str("agent", endpoint.AgentType).
				Int("attempts", endpoint.MaxReconnectAttempts).
				Msg("Reconnect attempts exhausted, giving up on agent")

			return

		case StateDisconnected, StateConnecting, StateReconnecting:
			if err := m.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}

				if m.conn.State() == StateFailed {
					continue
				}

				if !sleepCtx(ctx, time.Duration(endpoint.ReconnectDelay)) {
					return
				}
			}
		}
	}
}

// connect performs a single dial attempt within the connect timeout.
func (m *maintainer) connect(ctx context.Context) error {
	endpoint := m.conn.endpoint

	m.conn.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(endpoint.ConnectTimeout),
	}

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(endpoint.ConnectTimeout))
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint.SocketURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		err = classifyDialError(err)
		attempts := m.conn.noteReconnectFailure(err)

		if attempts >= endpoint.MaxReconnectAttempts {
			m.conn.setState(StateFailed)
		} else {
			m.conn.setState(StateReconnecting)
		}

		m.logger.Warn().
			Str("agent", endpoint.AgentType).
			Str("socket_url", endpoint.SocketURL).
			Int("attempt", attempts).
			Int("max_attempts", endpoint.MaxReconnectAttempts).
			Err(err).
			Msg("Agent connection attempt failed")

		return err
	}

	m.conn.attach(conn)

	m.logger.Info().
		Str("agent", endpoint.AgentType).
		Str("socket_url", endpoint.SocketURL).
		Msg("Connected to agent")

	return nil
}

// classifyDialError maps dial failures onto the local taxonomy; other
// transport errors surface as-is. Either way the maintainer handles them
// locally and never throws them to callers.
func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}

	return err
}

// heartbeatLoop sends a fire-and-forget heartbeat while the connection is
// up. It runs alongside the maintainer and stops with it.
func heartbeatLoop(ctx context.Context, conn *Connection, log logger.Logger) {
	interval := time.Duration(conn.endpoint.HeartbeatInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.State() != StateConnected {
				continue
			}

			if err := conn.writeEnvelope(ctx, models.NewHeartbeat()); err != nil {
				log.Warn().
					Str("agent", conn.endpoint.AgentType).
					Err(err).
					Msg("Failed to send heartbeat")
			}
		}
	}
}

// sleepCtx sleeps for d, returning false when the context was cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
