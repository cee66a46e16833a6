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

package lifecycle

import (
	"context"
	"fmt"

	"github.com/quorumdata/agentlink/pkg/logger"
)

// CreateLogger creates a logger instance that can be injected into
// services. A nil config falls back to environment defaults.
func CreateLogger(ctx context.Context, config *logger.Config) (logger.Logger, error) {
	l, err := logger.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return l, nil
}

// CreateComponentLogger creates a logger scoped to a component name.
func CreateComponentLogger(ctx context.Context, component string, config *logger.Config) (logger.Logger, error) {
	l, err := logger.NewComponentLogger(ctx, component, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return l, nil
}

// ShutdownLogger flushes any pending log exports.
func ShutdownLogger(ctx context.Context) error {
	return logger.Shutdown(ctx)
}
