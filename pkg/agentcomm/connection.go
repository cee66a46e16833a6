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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quorumdata/agentlink/pkg/logger"
	"github.com/quorumdata/agentlink/pkg/models"
)

// ConnectionState tracks the lifecycle of a single agent connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns a string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// slotResult is the single-assignment outcome of a pending request.
type slotResult struct {
	envelope *models.Envelope
	err      error
}

// pendingSlot is one in-flight request/response correlation. The sender
// waits on ch; the router or a sweep delivers exactly one result. Removal
// from the map and delivery happen atomically under the record lock, so a
// slot is completed at most once.
type pendingSlot struct {
	id      string
	created time.Time
	ch      chan slotResult
}

// Connection is the mutable per-agent connection record. It lives for the
// whole process; the socket handle it owns is replaced on each reconnect.
type Connection struct {
	endpoint *AgentEndpoint
	logger   logger.Logger

	// mu guards state, the socket handle, counters and the pending map.
	// sendMu serializes physical writes so the broader lock is never held
	// during socket I/O.
	mu     sync.Mutex
	sendMu sync.Mutex

	state          ConnectionState
	conn           *websocket.Conn
	connectedAt    time.Time
	lastHeartbeat  time.Time
	reconnectCount int
	messageCount   int64
	errorCount     int64
	lastError      string
	pending        map[string]*pendingSlot
}

// ConnectionStats is a point-in-time snapshot of a connection record.
type ConnectionStats struct {
	State           string    `json:"state"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`
	ReconnectCount  int       `json:"reconnect_count"`
	MessageCount    int64     `json:"message_count"`
	ErrorCount      int64     `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	PendingRequests int       `json:"pending_requests"`
}

func newConnection(endpoint *AgentEndpoint, log logger.Logger) *Connection {
	return &Connection{
		endpoint: endpoint,
		logger:   log,
		state:    StateDisconnected,
		pending:  make(map[string]*pendingSlot),
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
}

// attach installs a freshly dialed socket and marks the record Connected.
func (c *Connection) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.lastHeartbeat = time.Now()
	c.reconnectCount = 0
}

// socket returns the current socket handle, or nil when disconnected.
func (c *Connection) socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// createSlot registers a new pending request under the correlation id.
func (c *Connection) createSlot(id string) *pendingSlot {
	slot := &pendingSlot{
		id:      id,
		created: time.Now(),
		ch:      make(chan slotResult, 1),
	}

	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()

	return slot
}

// removeSlot drops a pending slot without completing it. Returns false
// when the slot was already completed by the router or a sweep.
func (c *Connection) removeSlot(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}

	delete(c.pending, id)

	return true
}

// fulfill completes the pending slot matching the correlation id. Returns
// false when no such slot exists (late or unsolicited reply).
func (c *Connection) fulfill(id string, envelope *models.Envelope) bool {
	c.mu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	slot.ch <- slotResult{envelope: envelope}

	return true
}

// sweep fails every outstanding slot with the given error and clears the
// correlation map. Called on connection loss and on shutdown.
func (c *Connection) sweep(err error) {
	c.mu.Lock()
	swept := make([]*pendingSlot, 0, len(c.pending))

	for _, slot := range c.pending {
		swept = append(swept, slot)
	}

	c.pending = make(map[string]*pendingSlot)
	c.mu.Unlock()

	for _, slot := range swept {
		slot.ch <- slotResult{err: err}
	}

	if len(swept) > 0 {
		c.logger.Warn().
			Str("agent", c.endpoint.AgentType).
			Int("pending", len(swept)).
			Err(err).
			Msg("Failed outstanding requests")
	}
}

// pendingCount returns the number of in-flight correlations.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// writeEnvelope serializes one frame onto the socket. Concurrent senders
// and the router's heartbeat replies share the same physical stream, so
// writes go through sendMu.
func (c *Connection) writeEnvelope(ctx context.Context, envelope *models.Envelope) error {
	conn := c.socket()
	if conn == nil {
		return ErrAgentNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return conn.WriteJSON(envelope)
}

// closeSocket tears down the current socket handle, if any. The read loop
// unblocks with an error and performs its own state transition.
func (c *Connection) closeSocket() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// touchHeartbeat records liveness from an inbound heartbeat frame.
func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastHeartbeat = time.Now()
}

func (c *Connection) incrMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messageCount++
}

func (c *Connection) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorCount++
	c.lastError = err.Error()
}

// noteReconnectFailure counts a failed connection attempt and reports the
// new attempt count.
func (c *Connection) noteReconnectFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnectCount++
	c.lastError = err.Error()

	return c.reconnectCount
}

// Stats returns a snapshot of the connection record.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionStats{
		State:           c.state.String(),
		ConnectedAt:     c.connectedAt,
		LastHeartbeat:   c.lastHeartbeat,
		ReconnectCount:  c.reconnectCount,
		MessageCount:    c.messageCount,
		ErrorCount:      c.errorCount,
		LastError:       c.lastError,
		PendingRequests: c.pendingCount0(),
	}
}

// pendingCount0 must be called with mu held.
func (c *Connection) pendingCount0() int {
	return len(c.pending)
}
