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

// Package api exposes a read-only admin surface over the agent manager:
// connection and breaker state per agent, plus a liveness endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/quorumdata/agentlink/pkg/agentcomm"
	srhttp "github.com/quorumdata/agentlink/pkg/http"
	"github.com/quorumdata/agentlink/pkg/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownGrace     = 5 * time.Second
)

// StatsSource is the slice of the manager the API needs.
type StatsSource interface {
	GetStats() map[string]agentcomm.AgentStats
	IsConnected(agentType string) bool
}

// Server serves the admin API. It implements lifecycle.Service.
type Server struct {
	listenAddr string
	apiKey     string
	source     StatsSource
	logger     logger.Logger
	httpServer *http.Server
}

// NewServer builds the admin server. apiKey may be empty to disable
// authentication, which is only sensible on a loopback listener.
func NewServer(listenAddr, apiKey string, source StatsSource, log logger.Logger) *Server {
	return &Server{
		listenAddr: listenAddr,
		apiKey:     apiKey,
		source:     source,
		logger:     log,
	}
}

// Start begins serving in the background. Listen errors after startup are
// logged, not returned.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/agents", s.handleAgents)
	apiMux.HandleFunc("GET /api/agents/{agent}", s.handleAgent)

	withAuth := srhttp.APIKeyMiddleware(s.apiKey, s.logger)
	mux.Handle("/api/", withAuth(apiMux))

	handler := srhttp.CommonMiddleware(s.logger)(mux)

	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Str("listen_addr", s.listenAddr).
				Err(err).
				Msg("Admin API server exited")
		}
	}()

	s.logger.Info().
		Str("listen_addr", s.listenAddr).
		Msg("Admin API listening")

	return nil
}

// Stop drains in-flight requests within the grace period.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the coordinator-level rollup returned by /api/status.
type statusResponse struct {
	AgentsTotal     int                             `json:"agents_total"`
	AgentsConnected int                             `json:"agents_connected"`
	Agents          map[string]agentcomm.AgentStats `json:"agents"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.source.GetStats()

	connected := 0

	for agentType := range stats {
		if s.source.IsConnected(agentType) {
			connected++
		}
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		AgentsTotal:     len(stats),
		AgentsConnected: connected,
		Agents:          stats,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.GetStats())
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentType := r.PathValue("agent")

	stats, ok := s.source.GetStats()[agentType]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode API response")
	}
}
