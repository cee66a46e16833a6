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

// Package logger provides JSON structured logging using zerolog, with
// optional mirroring to an OTLP collector.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log level, destination and OTel export.
type Config struct {
	Level      string     `json:"level"`
	Debug      bool       `json:"debug"`
	Output     string     `json:"output"`
	TimeFormat string     `json:"time_format"`
	OTel       OTelConfig `json:"otel"`
}

// zlog is the injected Logger implementation. It carries no global state;
// every service gets its own instance.
type zlog struct {
	logger zerolog.Logger
}

// New builds a Logger from the configuration. When OTel export is enabled
// the log stream is duplicated to the collector alongside the local
// writer.
func New(ctx context.Context, config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	if config.OTel.Enabled && config.OTel.Endpoint != "" {
		otelWriter, err := NewOTELWriter(ctx, config.OTel)
		if err != nil {
			return nil, err
		}

		output = NewMultiWriter(output, otelWriter)
	}

	timeFormat := time.RFC3339
	if config.TimeFormat != "" {
		timeFormat = config.TimeFormat
	}

	zerolog.TimeFieldFormat = timeFormat

	l := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &zlog{logger: l}, nil
}

func (l *zlog) Trace() *zerolog.Event { return l.logger.Trace() }
func (l *zlog) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *zlog) Info() *zerolog.Event  { return l.logger.Info() }
func (l *zlog) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *zlog) Error() *zerolog.Event { return l.logger.Error() }
func (l *zlog) Fatal() *zerolog.Event { return l.logger.Fatal() }
func (l *zlog) Panic() *zerolog.Event { return l.logger.Panic() }
func (l *zlog) With() zerolog.Context { return l.logger.With() }

func (l *zlog) WithComponent(component string) zerolog.Logger {
	return l.logger.With().Str("component", component).Logger()
}

func (l *zlog) WithFields(fields map[string]interface{}) zerolog.Logger {
	ctx := l.logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return ctx.Logger()
}

func (l *zlog) SetLevel(level zerolog.Level) {
	l.logger = l.logger.Level(level)
}

func (l *zlog) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}

// withComponent returns a component-scoped copy of the logger.
func withComponent(l Logger, component string) Logger {
	return &zlog{logger: l.WithComponent(component)}
}

// NewComponentLogger builds a Logger and scopes it to a component name.
func NewComponentLogger(ctx context.Context, component string, config *Config) (Logger, error) {
	base, err := New(ctx, config)
	if err != nil {
		return nil, err
	}

	return withComponent(base, component), nil
}

// Shutdown flushes pending OTel log exports. Safe to call when OTel was
// never enabled.
func Shutdown(ctx context.Context) error {
	return ShutdownOTEL(ctx)
}
