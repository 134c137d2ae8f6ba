// Copyright The Hiberlib Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"golang.org/x/time/rate"
)

// Reporter delivers one-way narrative status updates. It is never
// queried and never blocks; progress updates are rate limited so a
// tight copy loop cannot flood the log.
type Reporter interface {
	// Status reports a phase transition or notable event.
	Status(format string, args ...interface{})
	// Progress reports completion of a long-running phase. Updates may
	// be dropped, except that done == total is always delivered.
	Progress(phase string, done, total int)
}

type logReporter struct {
	limiter *rate.Limiter
}

// NewReporter returns a Reporter writing to the session log, with
// progress updates limited to the given number per second.
func NewReporter(updatesPerSecond int) Reporter {
	if updatesPerSecond <= 0 {
		updatesPerSecond = DefaultStatusInterval
	}
	return &logReporter{
		limiter: rate.NewLimiter(rate.Limit(updatesPerSecond), 1),
	}
}

func (r *logReporter) Status(format string, args ...interface{}) {
	log.Info(format, args...)
}

func (r *logReporter) Progress(phase string, done, total int) {
	if done < total && !r.limiter.Allow() {
		return
	}
	if total <= 0 {
		total = 1
	}
	log.Info("%s: %d/%d (%d%%)", phase, done, total, done*100/total)
}

// nullReporter drops everything, for tests.
type nullReporter struct{}

// NullReporter returns a Reporter that discards all updates.
func NullReporter() Reporter {
	return nullReporter{}
}

func (nullReporter) Status(string, ...interface{}) {}
func (nullReporter) Progress(string, int, int)     {}
