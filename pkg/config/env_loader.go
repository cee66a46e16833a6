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

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/quorumdata/agentlink/pkg/logger"
)

var (
	ErrDstMustBeNonNilPointer   = errors.New("dst must be a non-nil pointer")
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")
)

// EnvConfigLoader loads configuration from environment variables. A
// complete JSON config may be supplied in <prefix>CONFIG_JSON; otherwise
// individual variables map onto struct fields by their JSON tag, with
// nested structs separated by underscores (AGENTLINK_LOGGING_LEVEL maps
// to config.Logging.Level).
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates a new environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load implements ConfigLoader by reading from environment variables.
// The path argument is unused.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if jsonConfig := os.Getenv(e.prefix + "CONFIG_JSON"); jsonConfig != "" {
		if err := json.Unmarshal([]byte(jsonConfig), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		if e.logger != nil {
			e.logger.Info().Msg("Loaded configuration from CONFIG_JSON environment variable")
		}

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	return e.loadStruct(v, e.prefix)
}

// loadStruct recursively fills a struct from environment variables.
func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		fieldName := strings.Split(jsonTag, ",")[0]
		envName := prefix + strings.ToUpper(fieldName)

		if err := e.setField(field, envName); err != nil {
			if e.logger != nil {
				e.logger.Debug().
					Str("field", fieldName).
					Str("env", envName).
					Err(err).
					Msg("Failed to set field from environment variable")
			}

			continue
		}
	}

	return nil
}

// setField fills one field; nested structs recurse with an extended
// prefix, scalars parse the variable's string value.
func (e *EnvConfigLoader) setField(field reflect.Value, envName string) error {
	if field.Kind() == reflect.Struct {
		return e.loadStruct(field, envName+"_")
	}

	if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}

		return e.loadStruct(field.Elem(), envName+"_")
	}

	envValue := os.Getenv(envName)
	if envValue == "" {
		return nil
	}

	return e.setScalar(field, envName, envValue)
}

func (e *EnvConfigLoader) setScalar(field reflect.Value, envName, envValue string) error {
	// Types with their own JSON semantics (Duration wrappers, maps,
	// slices) go through the unmarshaler.
	if field.Kind() != reflect.String && field.Addr().Type().Implements(jsonUnmarshalerType) {
		return e.setJSON(field, envName, envValue)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)

	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", envName, err)
		}

		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return fmt.Errorf("invalid duration value for %s: %w", envName, err)
			}

			field.SetInt(int64(d))

			return nil
		}

		i, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", envName, err)
		}

		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %w", envName, err)
		}

		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(envValue, ",")
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))

			for i, v := range values {
				slice.Index(i).SetString(strings.TrimSpace(v))
			}

			field.Set(slice)

			return nil
		}

		return e.setJSON(field, envName, envValue)

	default:
		return e.setJSON(field, envName, envValue)
	}

	return nil
}

func (*EnvConfigLoader) setJSON(field reflect.Value, envName, envValue string) error {
	err := json.Unmarshal([]byte(envValue), field.Addr().Interface())
	if err == nil {
		return nil
	}

	// Bare values like "30s" are not valid JSON; retry as a string.
	if qerr := json.Unmarshal([]byte(strconv.Quote(envValue)), field.Addr().Interface()); qerr == nil {
		return nil
	}

	return fmt.Errorf("invalid value for %s: %w", envName, err)
}

var jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
