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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "duration string", input: `"30s"`, want: 30 * time.Second},
		{name: "nanosecond number", input: `5000000000`, want: 5 * time.Second},
		{name: "garbage string", input: `"soon"`, wantErr: true},
		{name: "wrong type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(d))
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	cfg := &Config{
		Agents: map[string]*AgentEndpoint{
			"analyzer": {
				HTTPURL: "http://localhost:8081",
			},
		},
	}

	require.NoError(t, cfg.Validate())

	assert.Equal(t, Duration(30*time.Second), cfg.MaintenanceInterval)
	assert.Equal(t, Duration(30*time.Second), cfg.HTTPTimeout)

	agent := cfg.Agents["analyzer"]
	assert.Equal(t, "analyzer", agent.AgentType, "agent_type defaults to the map key")
	assert.Equal(t, "analyzer", agent.Name)
	assert.Equal(t, Duration(30*time.Second), agent.HeartbeatInterval)
	assert.Equal(t, Duration(10*time.Second), agent.ConnectTimeout)
	assert.Equal(t, 10, agent.MaxReconnectAttempts)
	assert.Equal(t, Duration(5*time.Second), agent.ReconnectDelay)
	assert.Equal(t, 5, agent.Breaker.FailureThreshold)
}

func TestConfig_ValidateRejectsEmptyAgents(t *testing.T) {
	cfg := &Config{}
	require.ErrorIs(t, cfg.Validate(), errNoAgentsConfigured)
}

func TestConfig_ValidateRequiresHTTPURL(t *testing.T) {
	cfg := &Config{
		Agents: map[string]*AgentEndpoint{
			"analyzer": {},
		},
	}

	require.ErrorIs(t, cfg.Validate(), errHTTPURLRequired)
}

func TestConfig_ValidateRequiresSocketURLWhenEnabled(t *testing.T) {
	cfg := &Config{
		Agents: map[string]*AgentEndpoint{
			"analyzer": {
				HTTPURL:   "http://localhost:8081",
				UseSocket: true,
			},
		},
	}

	require.ErrorIs(t, cfg.Validate(), errSocketURLRequired)
}

func TestConfig_LoadFromJSON(t *testing.T) {
	raw := `{
		"listen_addr": ":8090",
		"api_key": "secret",
		"agents": {
			"analyzer": {
				"http_url": "http://localhost:8081",
				"http_route": "/task",
				"socket_url": "ws://localhost:8081/ws",
				"use_socket": true,
				"heartbeat_interval": "15s",
				"breaker": {
					"failure_threshold": 3,
					"recovery_timeout": "45s"
				}
			}
		},
		"maintenance_interval": "10s"
	}`

	var cfg Config

	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())

	agent := cfg.Agents["analyzer"]
	assert.Equal(t, Duration(15*time.Second), agent.HeartbeatInterval)
	assert.Equal(t, 3, agent.Breaker.FailureThreshold)
	assert.Equal(t, Duration(45*time.Second), agent.Breaker.RecoveryTimeout)
	assert.Equal(t, Duration(10*time.Second), cfg.MaintenanceInterval)
	assert.Equal(t, ":8090", cfg.ListenAddr)
}
