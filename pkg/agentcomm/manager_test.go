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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdata/agentlink/pkg/logger"
	"github.com/quorumdata/agentlink/pkg/models"
)

// fakeAgent is a websocket test server standing in for a real agent
// process. onFrame runs in the read loop; it may write replies on the
// same conn.
type fakeAgent struct {
	server  *httptest.Server
	onFrame func(conn *websocket.Conn, frame map[string]interface{})

	mu     sync.Mutex
	frames []map[string]interface{}
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()

	fa := &fakeAgent{}
	upgrader := websocket.Upgrader{}

	fa.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer conn.Close()

		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}

			fa.mu.Lock()
			fa.frames = append(fa.frames, frame)
			onFrame := fa.onFrame
			fa.mu.Unlock()

			if onFrame != nil {
				onFrame(conn, frame)
			}
		}
	}))

	t.Cleanup(fa.server.Close)

	return fa
}

func (fa *fakeAgent) socketURL() string {
	return "ws" + strings.TrimPrefix(fa.server.URL, "http")
}

func (fa *fakeAgent) receivedType(messageType string) bool {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	for _, frame := range fa.frames {
		if frame["type"] == messageType {
			return true
		}
	}

	return false
}

// echoReply answers every non-heartbeat frame with a correlated result.
func echoReply(conn *websocket.Conn, frame map[string]interface{}) {
	if frame["type"] == models.TypeHeartbeat || frame["type"] == models.TypeHeartbeatResponse {
		return
	}

	reply := map[string]interface{}{
		"type":        "result",
		"response_to": frame["message_id"],
		"status":      "done",
	}

	if n, ok := frame["n"]; ok {
		reply["n"] = n
	}

	_ = conn.WriteJSON(reply)
}

func testManagerConfig(t *testing.T, socketURL string) *Config {
	t.Helper()

	cfg := &Config{
		Agents: map[string]*AgentEndpoint{
			"analyzer": {
				AgentType:            "analyzer",
				HTTPURL:              "http://127.0.0.1:1",
				HTTPRoute:            "/task",
				SocketURL:            socketURL,
				UseSocket:            socketURL != "",
				HeartbeatInterval:    Duration(time.Hour),
				ConnectTimeout:       Duration(time.Second),
				MaxReconnectAttempts: 100,
				ReconnectDelay:       Duration(20 * time.Millisecond),
			},
		},
		MaintenanceInterval: Duration(30 * time.Millisecond),
		HTTPTimeout:         Duration(2 * time.Second),
	}

	require.NoError(t, cfg.Validate())

	return cfg
}

func startManager(t *testing.T, cfg *Config) *Manager {
	t.Helper()

	m := NewManager(cfg, logger.NewTestLogger())
	require.NoError(t, m.Start(context.Background()))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = m.Stop(stopCtx)
	})

	return m
}

func waitConnected(t *testing.T, m *Manager, agentType string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return m.IsConnected(agentType)
	}, 2*time.Second, 10*time.Millisecond, "agent never connected")
}

func TestManager_SendOverSocket(t *testing.T) {
	fa := newFakeAgent(t)
	fa.onFrame = echoReply

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	reply, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "result", reply.Type)
	assert.Equal(t, "done", reply.Payload["status"])
}

func TestManager_ResponseTimeoutLeavesNoPending(t *testing.T) {
	fa := newFakeAgent(t) // never replies

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	_, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrResponseTimeout)

	assert.Equal(t, 0, m.agents["analyzer"].conn.pendingCount())
}

func TestManager_OutOfOrderRepliesCorrelate(t *testing.T) {
	fa := newFakeAgent(t)

	// Hold the first request until the second arrives, then answer in
	// reverse order.
	var held atomic.Pointer[map[string]interface{}]

	fa.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		if first := held.Swap(&frame); first != nil {
			echoReply(conn, frame)
			echoReply(conn, *first)
		}
	}

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	results := make(chan float64, 2)
	errs := make(chan error, 2)

	for i := 1; i <= 2; i++ {
		n := float64(i)

		go func() {
			reply, err := m.Send(context.Background(), "analyzer",
				&models.Envelope{Type: "task", Payload: map[string]interface{}{"n": n}}, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}

			if reply.Payload["n"] == n {
				results <- n
			} else {
				results <- -1
			}
		}()

		// Stagger so arrival order is deterministic.
		time.Sleep(50 * time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			t.Fatalf("send failed: %v", err)
		case n := <-results:
			assert.NotEqual(t, float64(-1), n, "reply correlated to wrong request")
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}
}

func TestManager_ConnectionLossFailsInFlightRequest(t *testing.T) {
	fa := newFakeAgent(t)
	fa.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		if frame["type"] != models.TypeHeartbeat {
			_ = conn.Close()
		}
	}

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	_, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, 2*time.Second)
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestManager_AnswersAgentHeartbeat(t *testing.T) {
	fa := &fakeAgent{}

	hbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer conn.Close()

		_ = conn.WriteJSON(map[string]interface{}{"type": models.TypeHeartbeat, "message_id": "hb-1"})

		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}

			fa.mu.Lock()
			fa.frames = append(fa.frames, frame)
			fa.mu.Unlock()
		}
	}))
	t.Cleanup(hbServer.Close)

	m := startManager(t, testManagerConfig(t, "ws"+strings.TrimPrefix(hbServer.URL, "http")))
	waitConnected(t, m, "analyzer")

	require.Eventually(t, func() bool {
		return fa.receivedType(models.TypeHeartbeatResponse)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat was never answered")
}

func TestManager_DispatchesProgressUpdates(t *testing.T) {
	fa := newFakeAgent(t)
	fa.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		_ = conn.WriteJSON(map[string]interface{}{
			"type":        models.TypeProgressUpdate,
			"response_to": frame["message_id"],
			"percent":     float64(50),
		})
		echoReply(conn, frame)
	}

	var progress atomic.Int32

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	m.RegisterHandler(models.TypeProgressUpdate, func(agentType string, envelope *models.Envelope) {
		if agentType == "analyzer" && envelope.Payload["percent"] == float64(50) {
			progress.Add(1)
		}
	})

	waitConnected(t, m, "analyzer")

	// The progress frame echoes the correlation id but must not consume
	// the pending slot; the terminal result still arrives.
	reply, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "result", reply.Type)

	require.Eventually(t, func() bool {
		return progress.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManager_UndecodableFrameKeepsStreamAlive(t *testing.T) {
	fa := newFakeAgent(t)
	fa.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		echoReply(conn, frame)
	}

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	reply, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "result", reply.Type)

	stats := m.agents["analyzer"].conn.Stats()
	assert.GreaterOrEqual(t, stats.ErrorCount, int64(1))
}

func TestManager_HTTPFallback(t *testing.T) {
	var gotPath atomic.Value

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"result","status":"ok"}`))
	}))
	t.Cleanup(agent.Close)

	cfg := testManagerConfig(t, "")
	cfg.Agents["analyzer"].HTTPURL = agent.URL

	m := startManager(t, cfg)

	reply, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "result", reply.Type)
	assert.Equal(t, "ok", reply.Payload["status"])
	assert.Equal(t, "/task", gotPath.Load())
}

func TestManager_HTTPRetryOnServerErrors(t *testing.T) {
	var calls atomic.Int32

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(agent.Close)

	cfg := testManagerConfig(t, "")
	cfg.Agents["analyzer"].HTTPURL = agent.URL
	cfg.Agents["analyzer"].HTTPRetry = true

	m := startManager(t, cfg)
	m.retry.BaseDelay = time.Millisecond

	reply, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Payload["status"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestManager_HTTPClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(agent.Close)

	cfg := testManagerConfig(t, "")
	cfg.Agents["analyzer"].HTTPURL = agent.URL
	cfg.Agents["analyzer"].HTTPRetry = true

	m := startManager(t, cfg)
	m.retry.BaseDelay = time.Millisecond

	_, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_BreakerOpensAfterRepeatedTimeouts(t *testing.T) {
	fa := newFakeAgent(t) // never replies

	cfg := testManagerConfig(t, fa.socketURL())
	cfg.Agents["analyzer"].Breaker = BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  Duration(time.Hour),
		SuccessThreshold: 1,
		CallTimeout:      Duration(50 * time.Millisecond),
	}

	m := startManager(t, cfg)
	waitConnected(t, m, "analyzer")

	for i := 0; i < 2; i++ {
		_, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, time.Second)
		require.Error(t, err)
	}

	_, err := m.Send(context.Background(), "analyzer", &models.Envelope{Type: "task"}, time.Second)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestManager_ExhaustedReconnectsAreTerminal(t *testing.T) {
	cfg := testManagerConfig(t, "ws://127.0.0.1:1")
	cfg.Agents["analyzer"].MaxReconnectAttempts = 2
	cfg.Agents["analyzer"].ConnectTimeout = Duration(200 * time.Millisecond)

	m := startManager(t, cfg)

	require.Eventually(t, func() bool {
		return m.agents["analyzer"].conn.State() == StateFailed
	}, 3*time.Second, 20*time.Millisecond, "agent never reached failed state")

	// The supervisor must not resurrect a failed agent.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateFailed, m.agents["analyzer"].conn.State())
	assert.Equal(t, 2, m.agents["analyzer"].conn.Stats().ReconnectCount)
}

func TestManager_SendToUnknownAgent(t *testing.T) {
	m := startManager(t, testManagerConfig(t, ""))

	_, err := m.Send(context.Background(), "nonexistent", &models.Envelope{Type: "task"}, time.Second)
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestManager_GetStats(t *testing.T) {
	fa := newFakeAgent(t)
	fa.onFrame = echoReply

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	stats := m.GetStats()
	require.Contains(t, stats, "analyzer")
	assert.Equal(t, "analyzer", stats["analyzer"].AgentType)
	assert.True(t, stats["analyzer"].UseSocket)
	assert.Equal(t, "connected", stats["analyzer"].Connection.State)
	assert.Equal(t, "closed", stats["analyzer"].Breaker.State)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	fa := newFakeAgent(t)

	m := startManager(t, testManagerConfig(t, fa.socketURL()))
	waitConnected(t, m, "analyzer")

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(stopCtx))
	require.NoError(t, m.Stop(stopCtx))

	assert.False(t, m.IsConnected("analyzer"))
}
