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
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"
)

const defaultServiceName = "agentlink"

// DefaultConfig builds a config from the environment, falling back to
// stdout JSON at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:      getEnvOrDefault("LOG_LEVEL", "info"),
		Debug:      getEnvBoolOrDefault("DEBUG", false),
		Output:     getEnvOrDefault("LOG_OUTPUT", "stdout"),
		TimeFormat: getEnvOrDefault("LOG_TIME_FORMAT", ""),
		OTel:       DefaultOTelConfig(),
	}
}

// DefaultOTelConfig reads the standard OTEL_* environment variables.
// Export stays disabled unless OTEL_LOGS_ENABLED is set.
func DefaultOTelConfig() OTelConfig {
	headers := make(map[string]string)

	if headerStr := os.Getenv("OTEL_EXPORTER_OTLP_LOGS_HEADERS"); headerStr != "" {
		for _, pair := range strings.Split(headerStr, ",") {
			if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
				headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}

	batchTimeout := 5 * time.Second

	if timeoutStr := os.Getenv("OTEL_EXPORTER_OTLP_LOGS_TIMEOUT"); timeoutStr != "" {
		if duration, err := time.ParseDuration(timeoutStr); err == nil {
			batchTimeout = duration
		}
	}

	return OTelConfig{
		Enabled:      getEnvBoolOrDefault("OTEL_LOGS_ENABLED", false),
		Endpoint:     getEnvOrDefault("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", ""),
		Headers:      headers,
		ServiceName:  getEnvOrDefault("OTEL_SERVICE_NAME", defaultServiceName),
		BatchTimeout: Duration(batchTimeout),
		Insecure:     getEnvBoolOrDefault("OTEL_EXPORTER_OTLP_LOGS_INSECURE", false),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	value = strings.ToLower(value)

	return value == "true" || value == "1" || value == "yes" || value == "on"
}

// Duration marshals as a duration string but also accepts a plain number
// of nanoseconds, so hand-written JSON configs can use either form.
type Duration time.Duration

var errInvalidDuration = errors.New("invalid duration value")

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}

		*d = Duration(parsed)

		return nil
	default:
		return errInvalidDuration
	}
}
