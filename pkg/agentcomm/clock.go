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

package agentcomm

import "time"

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// realClock implements Clock using the real time package.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time {
	return r.t.C
}

func (r *realTicker) Stop() {
	r.t.Stop()
}
