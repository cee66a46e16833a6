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

// Package agentcomm is the coordinator's resilience and transport layer.
// It maintains one persistent socket per agent, guards every outbound
// call with a per-agent circuit breaker, correlates replies to requests
// by message id, and falls back to each agent's HTTP endpoint while the
// socket is down.
package agentcomm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumdata/agentlink/pkg/logger"
	"github.com/quorumdata/agentlink/pkg/models"
)

// agentRuntime bundles the per-agent pieces: the immutable endpoint, the
// mutable connection record, and the breaker guarding outbound calls.
type agentRuntime struct {
	endpoint *AgentEndpoint
	conn     *Connection
	breaker  *CircuitBreaker
}

// AgentStats is the externally visible per-agent snapshot.
type AgentStats struct {
	Name       string          `json:"name"`
	AgentType  string          `json:"agent_type"`
	UseSocket  bool            `json:"use_socket"`
	Connection ConnectionStats `json:"connection"`
	Breaker    BreakerStats    `json:"breaker"`
}

// Manager is the public facade over the communication layer. Construct it
// once, Start it, and share the handle; there is no hidden global state.
type Manager struct {
	config     *Config
	logger     logger.Logger
	handlers   *handlerRegistry
	httpClient *http.Client
	retry      RetryPolicy

	mu      sync.Mutex
	agents  map[string]*agentRuntime
	active  map[string]bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds the runtime for every configured agent. The config
// must already be validated.
func NewManager(config *Config, log logger.Logger) *Manager {
	m := &Manager{
		config:   config,
		logger:   log,
		handlers: newHandlerRegistry(),
		httpClient: &http.Client{
			Timeout: time.Duration(config.HTTPTimeout),
		},
		retry:  DefaultRetryPolicy(),
		agents: make(map[string]*agentRuntime, len(config.Agents)),
		active: make(map[string]bool, len(config.Agents)),
	}

	m.retry.Retryable = isRetryableHTTPError

	for agentType, endpoint := range config.Agents {
		breaker := NewCircuitBreaker(agentType, endpoint.Breaker, log)
		// Caller-initiated cancellation is not a dependency failure.
		breaker.SetErrorFilter(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		})

		m.agents[agentType] = &agentRuntime{
			endpoint: endpoint,
			conn:     newConnection(endpoint, log),
			breaker:  breaker,
		}
	}

	return m
}

// Start launches the maintenance supervisor. Connection attempts are
// driven by the supervisor's ticks (the first fires immediately), so a
// slow-starting agent only delays itself.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)

	go m.superviseLoop(runCtx)

	m.logger.Info().
		Int("agents", len(m.agents)).
		Dur("maintenance_interval", time.Duration(m.config.MaintenanceInterval)).
		Msg("Agent manager started")

	return nil
}

// superviseLoop periodically starts the maintainer/heartbeat pair for any
// configured agent that is Disconnected with no pair running. Agents that
// reached Failed are left alone.
func (m *Manager) superviseLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(m.config.MaintenanceInterval))
	defer ticker.Stop()

	m.kickDisconnected(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.kickDisconnected(ctx)
		}
	}
}

func (m *Manager) kickDisconnected(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for agentType, rt := range m.agents {
		if !rt.endpoint.UseSocket || m.active[agentType] {
			continue
		}

		if rt.conn.State() != StateDisconnected {
			continue
		}

		m.active[agentType] = true
		m.startAgentTasks(ctx, agentType, rt)
	}
}

// startAgentTasks runs one maintainer and one heartbeat loop for the
// agent. Must be called with m.mu held.
func (m *Manager) startAgentTasks(ctx context.Context, agentType string, rt *agentRuntime) {
	pairCtx, pairCancel := context.WithCancel(ctx)

	m.wg.Add(2)

	go func() {
		defer m.wg.Done()

		heartbeatLoop(pairCtx, rt.conn, m.logger)
	}()

	go func() {
		defer m.wg.Done()
		defer pairCancel()

		newMaintainer(rt.conn, m.handlers, m.logger).run(pairCtx)

		m.mu.Lock()
		m.active[agentType] = false
		m.mu.Unlock()
	}()
}

// Stop cancels every background task, closes all sockets, and fails any
// still-pending request. It is idempotent and safe to call before Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()

	if !m.running {
		m.mu.Unlock()
		return nil
	}

	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	for _, rt := range m.agents {
		rt.conn.closeSocket()
	}

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Routers sweep their own maps on socket close; this catches slots
	// created after the router already exited.
	for _, rt := range m.agents {
		rt.conn.sweep(ErrManagerStopped)
		rt.conn.setState(StateDisconnected)
	}

	m.logger.Info().Msg("Agent manager stopped")

	return err
}

// RegisterHandler installs fn for an asynchronous inbound message type
// (e.g. progress_update). Registering again replaces the previous handler.
func (m *Manager) RegisterHandler(messageType string, fn HandlerFunc) {
	m.handlers.register(messageType, fn)
}

// IsConnected reports whether the agent's socket is currently established.
func (m *Manager) IsConnected(agentType string) bool {
	rt, ok := m.runtime(agentType)
	if !ok {
		return false
	}

	return rt.conn.State() == StateConnected
}

// GetStats returns a snapshot of every agent's connection and breaker.
func (m *Manager) GetStats() map[string]AgentStats {
	stats := make(map[string]AgentStats, len(m.agents))

	for agentType, rt := range m.agents {
		stats[agentType] = AgentStats{
			Name:       rt.endpoint.Name,
			AgentType:  agentType,
			UseSocket:  rt.endpoint.UseSocket,
			Connection: rt.conn.Stats(),
			Breaker:    rt.breaker.Stats(),
		}
	}

	return stats
}

// Send delivers an opaque message to the agent and returns its reply.
// Transport is chosen once, up front: the socket when it is enabled and
// connected, the agent's HTTP endpoint otherwise. There is no automatic
// same-call fallback; callers that want one layer it on top.
func (m *Manager) Send(ctx context.Context, agentType string, message *models.Envelope, timeout time.Duration) (*models.Envelope, error) {
	rt, ok := m.runtime(agentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentType)
	}

	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	if rt.endpoint.UseSocket && rt.conn.State() == StateConnected {
		return m.sendSocket(ctx, rt, message, timeout)
	}

	return m.sendHTTP(ctx, rt, message)
}

func (m *Manager) runtime(agentType string) (*agentRuntime, bool) {
	rt, ok := m.agents[agentType]

	return rt, ok
}

// sendSocket runs the socket request inside the agent's breaker: register
// a correlation slot, write the envelope, then wait for the router to
// deliver the matching reply.
func (m *Manager) sendSocket(ctx context.Context, rt *agentRuntime, message *models.Envelope, timeout time.Duration) (*models.Envelope, error) {
	var response *models.Envelope

	err := rt.breaker.Call(ctx, func(callCtx context.Context) error {
		var sendErr error

		response, sendErr = m.awaitReply(callCtx, rt.conn, message, timeout)

		return sendErr
	})
	if err != nil {
		return nil, err
	}

	return response, nil
}

func (m *Manager) awaitReply(ctx context.Context, conn *Connection, message *models.Envelope, timeout time.Duration) (*models.Envelope, error) {
	id := uuid.New().String()

	request := *message
	request.MessageID = id
	request.Timestamp = time.Now()

	slot := conn.createSlot(id)

	if err := conn.writeEnvelope(ctx, &request); err != nil {
		conn.removeSlot(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-slot.ch:
		return result.envelope, result.err

	case <-timer.C:
		if conn.removeSlot(id) {
			return nil, fmt.Errorf("%w after %s", ErrResponseTimeout, timeout)
		}
		// The router completed the slot between the timeout firing and the
		// removal; the result is already buffered.
		result := <-slot.ch

		return result.envelope, result.err

	case <-ctx.Done():
		if conn.removeSlot(id) {
			return nil, ctx.Err()
		}

		result := <-slot.ch

		return result.envelope, result.err
	}
}

// httpStatusError carries a non-2xx fallback response status.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.status, e.body)
}

// isRetryableHTTPError retries transport failures and 5xx responses;
// anything the agent deliberately rejected (4xx) is final.
func isRetryableHTTPError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= http.StatusInternalServerError
	}

	return true
}

// sendHTTP posts the message to the agent's configured route and returns
// the JSON body verbatim. Agents flagged http_retry get the backoff
// policy; everything else is a single attempt.
func (m *Manager) sendHTTP(ctx context.Context, rt *agentRuntime, message *models.Envelope) (*models.Envelope, error) {
	do := func(ctx context.Context) (*models.Envelope, error) {
		return m.doHTTPPost(ctx, rt, message)
	}

	if rt.endpoint.HTTPRetry {
		return RunWithRetry(ctx, m.retry, do)
	}

	return do(ctx)
}

func (m *Manager) doHTTPPost(ctx context.Context, rt *agentRuntime, message *models.Envelope) (*models.Envelope, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	url := rt.endpoint.HTTPURL + rt.endpoint.HTTPRoute

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fallback to %s failed: %w", rt.endpoint.AgentType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageDecode, err)
	}

	return models.FromMap(obj), nil
}
