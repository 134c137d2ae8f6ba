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

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Logger is the interface for producing log messages for or from a
// particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// Fatal formats and emits an error message and exits.
	Fatal(format string, args ...interface{})

	// DebugBlock emits a multiline debug message, prefixing each line.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline information message, prefixing each line.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logging encapsulates the full state of logging.
type logging struct {
	sync.RWMutex
	loggers map[string]*logger // source-specific loggers
	dbgmap  map[string]bool    // per-source debugging state
	dbgall  bool               // debugging forced for all sources
}

// logger implements Logger for a single source.
type logger struct {
	source string
	prefix string
	debug  bool
}

const (
	// DefaultSource is the source used when none is given.
	DefaultSource = "hiberlib"
	// debugEnvVar seeds per-source debugging from the environment.
	debugEnvVar = "HIBERLIB_DEBUG"
)

var (
	log = &logging{
		loggers: make(map[string]*logger),
		dbgmap:  make(map[string]bool),
	}
	deflog = Get(DefaultSource)
)

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Default returns the Logger for the default source.
func Default() Logger {
	return deflog
}

// EnableDebug enables or disables debugging for the given source.
func EnableDebug(source string, enabled bool) {
	log.Lock()
	defer log.Unlock()

	log.dbgmap[source] = enabled
	if l, ok := log.loggers[source]; ok {
		l.debug = enabled || log.dbgall
	}
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

func (log *logging) get(source string) *logger {
	if l, ok := log.loggers[source]; ok {
		return l
	}

	l := &logger{
		source: source,
		prefix: "[" + source + "] ",
		debug:  log.dbgall || log.dbgmap[source] || log.dbgmap["*"],
	}
	log.loggers[source] = l

	return l
}

func (l *logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	klog.InfoDepth(1, l.prefix+"D: "+fmt.Sprintf(format, args...))
}

func (l *logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }

func (l *logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+"fatal error: "+fmt.Sprintf(format, args...))
	klog.Flush()
	os.Exit(1)
}

func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.debug {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, l.prefix+"D: "+prefix+line)
	}
}

func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, l.prefix+prefix+line)
	}
}

func (l *logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	old := l.debug
	l.debug = enabled
	log.dbgmap[l.source] = enabled

	return old
}

func (l *logger) DebugEnabled() bool {
	return l.debug
}

func (l *logger) Source() string {
	return l.source
}

// Seed per-source debugging from the environment. The value is a
// comma-separated list of sources, with 'all' or '*' enabling every
// source.
func init() {
	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return
	}

	log.Lock()
	defer log.Unlock()

	for _, src := range strings.Split(value, ",") {
		if src = strings.TrimSpace(src); src == "" {
			continue
		}
		if src == "all" || src == "*" {
			log.dbgall = true
			src = "*"
		}
		log.dbgmap[src] = true
	}
	for _, l := range log.loggers {
		l.debug = log.dbgall || log.dbgmap[l.source] || log.dbgmap["*"]
	}
}
