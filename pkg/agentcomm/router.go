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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quorumdata/agentlink/pkg/logger"
	"github.com/quorumdata/agentlink/pkg/models"
)

// HandlerFunc processes an asynchronous inbound message that is not the
// terminal reply of a pending request.
type HandlerFunc func(agentType string, envelope *models.Envelope)

// handlerRegistry is the typed dispatch table shared by all routers.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]HandlerFunc)}
}

func (r *handlerRegistry) register(messageType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[messageType] = fn
}

func (r *handlerRegistry) lookup(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[messageType]

	return fn, ok
}

// router demultiplexes inbound frames from one connected socket, matching
// replies to pending slots and dispatching everything else to registered
// handlers. It owns exclusive read access to the socket and exits when the
// stream dies; restarting is the maintainer's job.
type router struct {
	conn     *Connection
	handlers *handlerRegistry
	logger   logger.Logger
}

func newRouter(conn *Connection, handlers *handlerRegistry, log logger.Logger) *router {
	return &router{
		conn:     conn,
		handlers: handlers,
		logger:   log,
	}
}

// run reads frames until the socket closes or the context is cancelled.
// On exit the record transitions to Disconnected and every outstanding
// slot fails with ErrConnectionLost.
func (r *router) run(ctx context.Context) error {
	socket := r.conn.socket()
	if socket == nil {
		return ErrAgentNotConnected
	}

	// A blocking read only unblocks when the socket closes, so tie the
	// socket's lifetime to the context.
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		select {
		case <-ctx.Done():
			r.conn.closeSocket()
		case <-readerDone:
		}
	}()

	agentType := r.conn.endpoint.AgentType

	var readErr error

	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var envelope models.Envelope

		if err := json.Unmarshal(frame, &envelope); err != nil {
			// A malformed frame is dropped; the stream itself is fine.
			r.conn.recordError(fmt.Errorf("%w: %w", ErrMessageDecode, err))
			r.logger.Warn().
				Str("agent", agentType).
				Err(err).
				Msg("Dropping undecodable frame")

			continue
		}

		r.conn.incrMessages()
		r.dispatch(ctx, agentType, &envelope)
	}

	r.conn.setState(StateDisconnected)
	r.conn.sweep(ErrConnectionLost)
	r.conn.closeSocket()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.logger.Info().
		Str("agent", agentType).
		Err(readErr).
		Msg("Agent socket closed")

	return readErr
}

// isStreamingType reports whether the message type may echo a request's
// correlation id without being its terminal answer.
func isStreamingType(messageType string) bool {
	switch messageType {
	case models.TypeProgressUpdate, models.TypeHeartbeat, models.TypeHeartbeatResponse:
		return true
	default:
		return false
	}
}

func (r *router) dispatch(ctx context.Context, agentType string, envelope *models.Envelope) {
	// Terminal replies win over type-based dispatch, except for streaming
	// frames that share a correlation id with an in-flight request.
	if envelope.ResponseTo != "" && !isStreamingType(envelope.Type) {
		if r.conn.fulfill(envelope.ResponseTo, envelope) {
			return
		}

		r.logger.Debug().
			Str("agent", agentType).
			Str("response_to", envelope.ResponseTo).
			Msg("Reply for unknown correlation id")
	}

	switch envelope.Type {
	case models.TypeHeartbeat:
		r.conn.touchHeartbeat()

		reply := models.NewHeartbeatResponse(envelope.MessageID)
		if err := r.conn.writeEnvelope(ctx, reply); err != nil {
			r.logger.Warn().
				Str("agent", agentType).
				Err(err).
				Msg("Failed to answer agent heartbeat")
		}

	case models.TypeHeartbeatResponse:
		r.conn.touchHeartbeat()

	case models.TypeConnectionEstablished:
		r.logger.Debug().
			Str("agent", agentType).
			Msg("Agent acknowledged connection")

	case models.TypeProgressUpdate, models.TypeError:
		if fn, ok := r.handlers.lookup(envelope.Type); ok {
			fn(agentType, envelope)
			return
		}

		r.logger.Info().
			Str("agent", agentType).
			Str("type", envelope.Type).
			Str("response_to", envelope.ResponseTo).
			Msg("Unhandled agent notification")

	default:
		if fn, ok := r.handlers.lookup(envelope.Type); ok {
			fn(agentType, envelope)
			return
		}

		r.logger.Debug().
			Str("agent", agentType).
			Str("type", envelope.Type).
			Msg("Dropping message with no registered handler")
	}
}
