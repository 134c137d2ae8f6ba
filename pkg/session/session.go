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

// Package session tracks the state of one hibernation attempt: its
// policy, its accumulating result states and its status reporting.
package session

import (
	"sync"

	"github.com/google/uuid"

	logger "github.com/containers/hiberlib/pkg/log"
)

var log = logger.Get("session")

// Session is the context of a single hibernation attempt.
type Session struct {
	sync.Mutex
	id       uuid.UUID
	cfg      *Config
	result   Result
	reporter Reporter
}

// Option is an opaque session option applied with New.
type Option func(*Session)

// WithConfig sets the attempt policy.
func WithConfig(cfg *Config) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

// WithReporter sets the status reporter.
func WithReporter(r Reporter) Option {
	return func(s *Session) {
		s.reporter = r
	}
}

// New creates a session for one hibernation attempt.
func New(options ...Option) *Session {
	s := &Session{
		id: uuid.New(),
	}
	for _, o := range options {
		o(s)
	}
	if s.cfg == nil {
		s.cfg = DefaultConfig()
	}
	if s.reporter == nil {
		s.reporter = NewReporter(DefaultStatusInterval)
	}

	log.Info("attempt %s starting", s.id)
	return s
}

// ID returns the attempt identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Config returns the attempt policy.
func (s *Session) Config() *Config {
	return s.cfg
}

// Reporter returns the status reporter.
func (s *Session) Reporter() Reporter {
	return s.reporter
}

// SetResult flags the given result states.
func (s *Session) SetResult(states Result) {
	s.Lock()
	defer s.Unlock()
	s.result |= states
}

// Result returns the accumulated result states.
func (s *Session) Result() Result {
	s.Lock()
	defer s.Unlock()
	return s.result
}

// Abort flags the given abort reason together with the umbrella
// Aborted state and reports it. Aborting an already aborted attempt
// accumulates further reasons.
func (s *Session) Abort(reason Result, format string, args ...interface{}) {
	s.Lock()
	s.result |= Aborted | reason
	s.Unlock()

	log.Error("attempt %s aborted (%s)", s.id, reason)
	s.reporter.Status("aborting: "+format, args...)
}

// RequestAbort cancels the attempt from outside its control flow, the
// way an operator interrupt does. The attempt notices at its next
// phase boundary.
func (s *Session) RequestAbort(why string) {
	s.Abort(AbortRequested, "abort requested: %s", why)
}

// Aborted returns true if any abort reason has been flagged.
func (s *Session) Aborted() bool {
	s.Lock()
	defer s.Unlock()
	return s.result&Aborted != 0
}
