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

package logger

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.31.0"
	"google.golang.org/grpc/credentials"
)

var (
	ErrOTelLoggingDisabled  = errors.New("OTel logging is disabled")
	ErrOTelEndpointRequired = errors.New("OTel endpoint is required when enabled")
	ErrCACertAppend         = errors.New("failed to append CA certificate")
)

const maxAttributeValueLength = 4096

// OTelConfig controls the OTLP/gRPC log exporter.
type OTelConfig struct {
	Enabled      bool              `json:"enabled"`
	Endpoint     string            `json:"endpoint"`
	Headers      map[string]string `json:"headers"`
	ServiceName  string            `json:"service_name"`
	BatchTimeout Duration          `json:"batch_timeout"`
	Insecure     bool              `json:"insecure"`
	TLS          *TLSConfig        `json:"tls,omitempty"`
}

// TLSConfig holds file paths for mTLS toward the collector.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file,omitempty"`
}

// OTelWriter is an io.Writer that decodes zerolog's JSON lines and
// re-emits them as OTel log records. Records are attributed to a
// component-scoped logger when the line carries a component field.
type OTelWriter struct {
	provider *sdklog.LoggerProvider
	loggers  map[string]otellog.Logger
	mu       sync.Mutex
	ctx      context.Context
}

// otelProvider is retained for flushing on shutdown.
//
//nolint:gochecknoglobals // needed for proper OTel shutdown handling
var otelProvider *sdklog.LoggerProvider

// NewOTELWriter connects the exporter and builds the bridging writer.
func NewOTELWriter(ctx context.Context, config OTelConfig) (*OTelWriter, error) {
	if !config.Enabled {
		return nil, ErrOTelLoggingDisabled
	}

	if config.Endpoint == "" {
		return nil, ErrOTelEndpointRequired
	}

	opts := []otlploggrpc.Option{
		otlploggrpc.WithEndpoint(config.Endpoint),
	}

	if config.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else if config.TLS != nil {
		tlsConfig, err := setupTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to setup TLS configuration: %w", err)
		}

		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsConfig)))
	}

	if len(config.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(config.Headers))
	}

	exporter, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	batchTimeout := time.Duration(config.BatchTimeout)
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}

	processor := sdklog.NewBatchProcessor(exporter,
		sdklog.WithExportTimeout(batchTimeout),
	)

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	)

	otelProvider = provider
	global.SetLoggerProvider(provider)

	return &OTelWriter{
		provider: provider,
		loggers:  make(map[string]otellog.Logger),
		ctx:      ctx,
	}, nil
}

// loggerFor returns the cached component-scoped logger.
func (w *OTelWriter) loggerFor(component string) otellog.Logger {
	w.mu.Lock()
	defer w.mu.Unlock()

	if l, ok := w.loggers[component]; ok {
		return l
	}

	l := w.provider.Logger(component)
	w.loggers[component] = l

	return l
}

// Write decodes one zerolog JSON line into an OTel log record. Lines that
// are not valid JSON are passed through as plain string bodies rather
// than dropped.
func (w *OTelWriter) Write(p []byte) (int, error) {
	var entry map[string]interface{}

	var record otellog.Record

	component := "default"

	if err := json.Unmarshal(p, &entry); err != nil {
		record.SetTimestamp(time.Now())
		record.SetSeverity(otellog.SeverityInfo)
		record.SetBody(otellog.StringValue(string(p)))
		w.loggerFor(component).Emit(w.ctx, record)

		return len(p), nil
	}

	if c, ok := entry["component"].(string); ok && c != "" {
		component = c
		delete(entry, "component")
	}

	if ts, ok := entry["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			record.SetTimestamp(parsed)
		}

		delete(entry, "time")
	}

	if record.Timestamp().IsZero() {
		record.SetTimestamp(time.Now())
	}

	if level, ok := entry["level"].(string); ok {
		record.SetSeverity(mapZerologLevelToOTEL(level))
		record.SetSeverityText(level)
		delete(entry, "level")
	}

	if msg, ok := entry["message"].(string); ok {
		record.SetBody(otellog.StringValue(msg))
		delete(entry, "message")
	}

	for key, value := range entry {
		record.AddAttributes(otellog.KeyValue{
			Key:   key,
			Value: attributeValue(value),
		})
	}

	w.loggerFor(component).Emit(w.ctx, record)

	return len(p), nil
}

// attributeValue converts a decoded JSON value into an OTel attribute
// value, serializing structured values and capping string length.
func attributeValue(v interface{}) otellog.Value {
	switch value := v.(type) {
	case string:
		return otellog.StringValue(truncateString(value))
	case bool:
		return otellog.BoolValue(value)
	case float64:
		if value == float64(int64(value)) {
			return otellog.Int64Value(int64(value))
		}

		return otellog.Float64Value(value)
	case nil:
		return otellog.StringValue("")
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return otellog.StringValue(fmt.Sprintf("%v", value))
		}

		return otellog.StringValue(truncateString(string(encoded)))
	}
}

func truncateString(s string) string {
	if len(s) <= maxAttributeValueLength {
		return s
	}

	return s[:maxAttributeValueLength]
}

func mapZerologLevelToOTEL(level string) otellog.Severity {
	switch level {
	case "trace":
		return otellog.SeverityTrace
	case "debug":
		return otellog.SeverityDebug
	case "info":
		return otellog.SeverityInfo
	case "warn":
		return otellog.SeverityWarn
	case "error":
		return otellog.SeverityError
	case "fatal":
		return otellog.SeverityFatal
	case "panic":
		return otellog.SeverityFatal2
	default:
		return otellog.SeverityInfo
	}
}

func setupTLSConfig(config *TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if config.CAFile != "" {
		caCert, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, ErrCACertAppend
		}

		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// ShutdownOTEL flushes and stops the exporter, if one was started.
func ShutdownOTEL(ctx context.Context) error {
	if otelProvider == nil {
		return nil
	}

	err := otelProvider.Shutdown(ctx)
	otelProvider = nil

	return err
}

// MultiWriter duplicates writes to every underlying writer. Unlike
// io.MultiWriter it keeps going when one writer fails, so a collector
// outage never silences local logs.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter(writers ...io.Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(p []byte) (int, error) {
	for _, w := range m.writers {
		_, _ = w.Write(p)
	}

	return len(p), nil
}
