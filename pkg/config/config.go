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

// Package config loads service configuration from JSON files or the
// environment and validates it.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quorumdata/agentlink/pkg/logger"
)

var errInvalidConfigSource = errors.New("invalid CONFIG_SOURCE value")

const (
	configSourceFile = "file"
	configSourceEnv  = "env"

	defaultEnvPrefix = "AGENTLINK_"
)

// ConfigLoader reads configuration from some source into dst.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by config structs that can check themselves.
type Validator interface {
	Validate() error
}

// Config holds the configuration loading dependencies.
type Config struct {
	defaultLoader ConfigLoader
	logger        logger.Logger
}

// NewConfig initializes a Config with a file loader. A nil logger gets a
// minimal stderr logger, since config loading happens before the real
// logger exists.
func NewConfig(log logger.Logger) *Config {
	if log == nil {
		log = bootstrapLogger()
	}

	return &Config{
		defaultLoader: &FileConfigLoader{logger: log},
		logger:        log,
	}
}

// bootstrapLogger is used only during config loading.
func bootstrapLogger() logger.Logger {
	zlog := zerolog.New(os.Stderr).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Logger()

	return &stderrLogger{logger: zlog}
}

type stderrLogger struct {
	logger zerolog.Logger
}

func (b *stderrLogger) Trace() *zerolog.Event { return b.logger.Trace() }
func (b *stderrLogger) Debug() *zerolog.Event { return b.logger.Debug() }
func (b *stderrLogger) Info() *zerolog.Event  { return b.logger.Info() }
func (b *stderrLogger) Warn() *zerolog.Event  { return b.logger.Warn() }
func (b *stderrLogger) Error() *zerolog.Event { return b.logger.Error() }
func (b *stderrLogger) Fatal() *zerolog.Event { return b.logger.Fatal() }
func (b *stderrLogger) Panic() *zerolog.Event { return b.logger.Panic() }
func (b *stderrLogger) With() zerolog.Context { return b.logger.With() }
func (b *stderrLogger) WithComponent(component string) zerolog.Logger {
	return b.logger.With().Str("component", component).Logger()
}
func (b *stderrLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	return b.logger.With().Fields(fields).Logger()
}
func (b *stderrLogger) SetLevel(level zerolog.Level) { b.logger = b.logger.Level(level) }
func (b *stderrLogger) SetDebug(debug bool) {
	if debug {
		b.SetLevel(zerolog.DebugLevel)
	} else {
		b.SetLevel(zerolog.InfoLevel)
	}
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}

// LoadAndValidate loads a configuration from the source selected by
// CONFIG_SOURCE and validates it.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	loader, err := c.selectLoader()
	if err != nil {
		return err
	}

	if err := loader.Load(ctx, path, cfg); err != nil {
		return err
	}

	return ValidateConfig(cfg)
}

func (c *Config) selectLoader() (ConfigLoader, error) {
	source := strings.ToLower(os.Getenv("CONFIG_SOURCE"))

	switch source {
	case configSourceEnv:
		prefix := os.Getenv("CONFIG_ENV_PREFIX")
		if prefix == "" {
			prefix = defaultEnvPrefix
		}

		return NewEnvConfigLoader(c.logger, prefix), nil
	case configSourceFile, "":
		return c.defaultLoader, nil
	default:
		return nil, fmt.Errorf("%w: %s (expected '%s' or '%s')",
			errInvalidConfigSource, source, configSourceFile, configSourceEnv)
	}
}
