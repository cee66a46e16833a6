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

// Package lifecycle manages service startup, shutdown and logging setup.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quorumdata/agentlink/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is a long-running component managed by Run. Start must not
// block; Stop releases resources and may be called with a short deadline.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures Run.
type Options struct {
	ServiceName     string
	Service         Service
	Logger          logger.Logger
	ShutdownTimeout time.Duration
}

// Run starts the service and blocks until SIGINT or SIGTERM, then stops
// it within the shutdown timeout.
func Run(ctx context.Context, opts *Options) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := opts.Service.Start(ctx); err != nil {
		return err
	}

	log.Info().
		Str("service", opts.ServiceName).
		Msg("Service started")

	<-ctx.Done()

	log.Info().
		Str("service", opts.ServiceName).
		Msg("Shutdown signal received")

	timeout := opts.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := opts.Service.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().
			Str("service", opts.ServiceName).
			Err(err).
			Msg("Service stopped with error")

		return err
	}

	log.Info().
		Str("service", opts.ServiceName).
		Msg("Service stopped")

	return ShutdownLogger(stopCtx)
}
