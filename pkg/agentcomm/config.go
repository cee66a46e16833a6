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
	"errors"
	"fmt"
	"time"

	"github.com/quorumdata/agentlink/pkg/logger"
)

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	defaultReconnectDelay       = 5 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultMaintenanceInterval  = 30 * time.Second
	defaultHTTPTimeout          = 30 * time.Second
	defaultSendTimeout          = 30 * time.Second
	defaultWriteTimeout         = 10 * time.Second

	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
	defaultSuccessThreshold = 2
	defaultCallTimeout      = 30 * time.Second
)

var (
	errNoAgentsConfigured = errors.New("at least one agent must be configured")
	errAgentTypeRequired  = errors.New("agent_type is required")
	errHTTPURLRequired    = errors.New("http_url is required")
	errSocketURLRequired  = errors.New("socket_url is required when use_socket is enabled")
)

// Duration is a wrapper around time.Duration for JSON unmarshaling.
// It accepts either a Go duration string ("30s") or a nanosecond number.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}

		*d = Duration(tmp)
	default:
		return errInvalidDuration
	}

	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// BreakerConfig holds the per-agent circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout"`
	SuccessThreshold int      `json:"success_threshold"`
	CallTimeout      Duration `json:"call_timeout"`
}

func (b *BreakerConfig) setDefaults() {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = defaultFailureThreshold
	}

	if b.RecoveryTimeout <= 0 {
		b.RecoveryTimeout = Duration(defaultRecoveryTimeout)
	}

	if b.SuccessThreshold <= 0 {
		b.SuccessThreshold = defaultSuccessThreshold
	}

	if b.CallTimeout <= 0 {
		b.CallTimeout = Duration(defaultCallTimeout)
	}
}

// AgentEndpoint is the immutable per-agent configuration, created once at
// startup and owned by the manager for the process lifetime.
type AgentEndpoint struct {
	Name                 string        `json:"name"`
	AgentType            string        `json:"agent_type"`
	HTTPURL              string        `json:"http_url"`
	HTTPRoute            string        `json:"http_route"`
	SocketURL            string        `json:"socket_url"`
	UseSocket            bool          `json:"use_socket"`
	HeartbeatInterval    Duration      `json:"heartbeat_interval"`
	ConnectTimeout       Duration      `json:"connect_timeout"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectDelay       Duration      `json:"reconnect_delay"`
	Breaker              BreakerConfig `json:"breaker"`
	// HTTPRetry enables the backoff retry policy on the HTTP fallback path.
	// Only set this for agents whose HTTP handler is idempotent.
	HTTPRetry bool `json:"http_retry"`
}

func (a *AgentEndpoint) setDefaults() {
	if a.Name == "" {
		a.Name = a.AgentType
	}

	if a.HeartbeatInterval <= 0 {
		a.HeartbeatInterval = Duration(defaultHeartbeatInterval)
	}

	if a.ConnectTimeout <= 0 {
		a.ConnectTimeout = Duration(defaultConnectTimeout)
	}

	if a.MaxReconnectAttempts <= 0 {
		a.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	if a.ReconnectDelay <= 0 {
		a.ReconnectDelay = Duration(defaultReconnectDelay)
	}

	a.Breaker.setDefaults()
}

func (a *AgentEndpoint) validate() error {
	if a.AgentType == "" {
		return errAgentTypeRequired
	}

	if a.HTTPURL == "" {
		return fmt.Errorf("%w (agent %q)", errHTTPURLRequired, a.AgentType)
	}

	if a.UseSocket && a.SocketURL == "" {
		return fmt.Errorf("%w (agent %q)", errSocketURLRequired, a.AgentType)
	}

	return nil
}

// Config is the coordinator communication layer configuration.
type Config struct {
	ListenAddr          string                    `json:"listen_addr"`
	APIKey              string                    `json:"api_key"`
	Agents              map[string]*AgentEndpoint `json:"agents"`
	MaintenanceInterval Duration                  `json:"maintenance_interval"`
	HTTPTimeout         Duration                  `json:"http_timeout"`
	Logging             *logger.Config            `json:"logging,omitempty"`
}

// Validate implements config.Validator. It also fills defaults so callers
// get a fully populated config after LoadAndValidate.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return errNoAgentsConfigured
	}

	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = Duration(defaultMaintenanceInterval)
	}

	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = Duration(defaultHTTPTimeout)
	}

	for agentType, endpoint := range c.Agents {
		if endpoint.AgentType == "" {
			endpoint.AgentType = agentType
		}

		endpoint.setDefaults()

		if err := endpoint.validate(); err != nil {
			return err
		}
	}

	return nil
}
