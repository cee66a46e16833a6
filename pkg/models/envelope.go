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

// Package models defines the shared wire types exchanged between the
// coordinator and its agents.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved envelope message types. Frames carrying one of the streaming
// types never terminate a pending request even when they echo its
// correlation id.
const (
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatResponse     = "heartbeat_response"
	TypeConnectionEstablished = "connection_established"
	TypeProgressUpdate        = "progress_update"
	TypeError                 = "error"
)

// CoordinatorName identifies the coordinator in outgoing heartbeats.
const CoordinatorName = "coordinator"

// Envelope is the framing for every socket message. Type is required;
// MessageID is set on outgoing requests, ResponseTo echoes the request's
// MessageID on replies. All other fields are opaque payload and survive
// an encode/decode round trip untouched.
type Envelope struct {
	Type       string
	MessageID  string
	ResponseTo string
	Timestamp  time.Time
	Payload    map[string]interface{}
}

const (
	keyType       = "type"
	keyMessageID  = "message_id"
	keyResponseTo = "response_to"
	keyTimestamp  = "timestamp"
)

var errMissingType = fmt.Errorf("envelope is missing required field %q", keyType)

// MarshalJSON flattens the envelope fields and the opaque payload into a
// single JSON object.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(e.Payload)+4)

	for k, v := range e.Payload {
		obj[k] = v
	}

	obj[keyType] = e.Type

	if e.MessageID != "" {
		obj[keyMessageID] = e.MessageID
	}

	if e.ResponseTo != "" {
		obj[keyResponseTo] = e.ResponseTo
	}

	if !e.Timestamp.IsZero() {
		obj[keyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(obj)
}

// UnmarshalJSON extracts the reserved fields and keeps everything else in
// Payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	typ, ok := obj[keyType].(string)
	if !ok || typ == "" {
		return errMissingType
	}

	e.Type = typ
	delete(obj, keyType)

	if id, ok := obj[keyMessageID].(string); ok {
		e.MessageID = id
		delete(obj, keyMessageID)
	}

	if rt, ok := obj[keyResponseTo].(string); ok {
		e.ResponseTo = rt
		delete(obj, keyResponseTo)
	}

	if ts, ok := obj[keyTimestamp].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
			delete(obj, keyTimestamp)
		}
	}

	if len(obj) > 0 {
		e.Payload = obj
	} else {
		e.Payload = nil
	}

	return nil
}

// FromMap builds an envelope from an already-decoded JSON object. Unlike
// UnmarshalJSON it does not require a type field, which suits HTTP
// fallback responses that are plain JSON bodies rather than frames.
func FromMap(obj map[string]interface{}) *Envelope {
	env := &Envelope{}

	if typ, ok := obj[keyType].(string); ok {
		env.Type = typ
		delete(obj, keyType)
	}

	if id, ok := obj[keyMessageID].(string); ok {
		env.MessageID = id
		delete(obj, keyMessageID)
	}

	if rt, ok := obj[keyResponseTo].(string); ok {
		env.ResponseTo = rt
		delete(obj, keyResponseTo)
	}

	if ts, ok := obj[keyTimestamp].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.Timestamp = parsed
			delete(obj, keyTimestamp)
		}
	}

	if len(obj) > 0 {
		env.Payload = obj
	}

	return env
}

// NewHeartbeat builds the coordinator's outgoing heartbeat frame.
func NewHeartbeat() *Envelope {
	return &Envelope{
		Type:      TypeHeartbeat,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"from": CoordinatorName,
		},
	}
}

// NewHeartbeatResponse builds the reply to an inbound heartbeat.
// correlationID may be empty when the heartbeat carried no message id.
func NewHeartbeatResponse(correlationID string) *Envelope {
	env := &Envelope{
		Type:      TypeHeartbeatResponse,
		Timestamp: time.Now(),
	}

	if correlationID != "" {
		env.Payload = map[string]interface{}{
			"correlation_id": correlationID,
		}
	}

	return env
}
