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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/quorumdata/agentlink/pkg/agentcomm"
	"github.com/quorumdata/agentlink/pkg/api"
	"github.com/quorumdata/agentlink/pkg/config"
	"github.com/quorumdata/agentlink/pkg/lifecycle"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/agentlink/coordinator.json", "Path to coordinator config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg agentcomm.Config

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	coordLogger, err := lifecycle.CreateComponentLogger(ctx, "coordinator", cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	manager := agentcomm.NewManager(&cfg, coordLogger)
	adminAPI := api.NewServer(cfg.ListenAddr, cfg.APIKey, manager, coordLogger)

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "coordinator",
		Service: &coordinatorService{
			manager: manager,
			api:     adminAPI,
		},
		Logger: coordLogger,
	})
}

// coordinatorService composes the agent manager and the admin API into
// one lifecycle-managed unit. The API stops first so stats handlers never
// observe a stopped manager.
type coordinatorService struct {
	manager *agentcomm.Manager
	api     *api.Server
}

func (s *coordinatorService) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return err
	}

	return s.api.Start(ctx)
}

func (s *coordinatorService) Stop(ctx context.Context) error {
	apiErr := s.api.Stop(ctx)

	if err := s.manager.Stop(ctx); err != nil {
		return err
	}

	return apiErr
}
