// Copyright 2018 The gVisor Authors.
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

// Package log implements the rd tracer's logger: a module-scoped,
// level-filtered sink that mirrors the RD_LOG/RD_LOG_BUFFER environment
// variables of the original tool (RD_LOG_FILE is mapped onto the log
// file setting by internal/config).
package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity, ordered from least to most verbose.
type Level int

const (
	// Fatal logs are always emitted and abort the process.
	Fatal Level = iota
	// Error indicates a per-step tracee error.
	Error
	// Warning indicates a recoverable but noteworthy condition.
	Warning
	// Info is the default level.
	Info
	// Debug is the most verbose level.
	Debug
)

func (l Level) String() string {
	switch l {
	case Fatal:
		return "fatal"
	case Error:
		return "error"
	case Warning:
		return "warn"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func parseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "fatal":
		return Fatal, true
	case "error":
		return Error, true
	case "warn", "warning":
		return Warning, true
	case "info":
		return Info, true
	case "debug":
		return Debug, true
	default:
		return Info, false
	}
}

// Emitter is a sink for already-formatted log lines.
type Emitter interface {
	Emit(depth int, level Level, timestamp time.Time, module, format string, args ...any)
}

// MultiEmitter fans a single log line out to several emitters.
type MultiEmitter []Emitter

// Emit implements Emitter.Emit.
func (m MultiEmitter) Emit(depth int, level Level, timestamp time.Time, module, format string, args ...any) {
	for _, e := range m {
		e.Emit(depth+1, level, timestamp, module, format, args...)
	}
}

// Writer wraps an io.Writer, optionally buffering it. Next is the
// underlying destination (a file, stderr, or io.Discard).
type Writer struct {
	mu   sync.Mutex
	Next io.Writer
	buf  *bufio.Writer
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf != nil {
		return w.buf.Write(p)
	}
	return w.Next.Write(p)
}

// Flush flushes any buffered data to Next.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf != nil {
		return w.buf.Flush()
	}
	return nil
}

// SetBufferSize enables buffering with the given byte capacity. A size
// of zero disables buffering.
func (w *Writer) SetBufferSize(size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if size <= 0 {
		w.buf = nil
		return
	}
	w.buf = bufio.NewWriterSize(w.Next, size)
}

// GoogleEmitter formats lines the way the teacher's text emitter does:
// "Lmmdd hh:mm:ss.uuuuuu module] message".
type GoogleEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, module, format string, args ...any) {
	fmt.Fprintf(g.Writer, "%c%s %s] %s\n",
		"FEWID"[level], timestamp.Format("0102 15:04:05.000000"), module, fmt.Sprintf(format, args...))
}

// JSONEmitter formats each line as a small JSON object.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (j JSONEmitter) Emit(depth int, level Level, timestamp time.Time, module, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(j.Writer, "{%q:%q,%q:%q,%q:%q,%q:%q}\n",
		"time", timestamp.Format(time.RFC3339Nano),
		"level", level.String(),
		"module", module,
		"message", msg)
}

var (
	mu           sync.Mutex
	target       Emitter = GoogleEmitter{&Writer{Next: os.Stderr}}
	defaultLevel         = Info
	moduleLevel          = map[string]Level{}
)

// SetTarget installs the emitter that all subsequent log calls write to.
func SetTarget(e Emitter) {
	mu.Lock()
	defer mu.Unlock()
	target = e
}

// SetLevel sets the default level applied to modules with no explicit
// entry in RD_LOG.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	defaultLevel = l
}

// Configure parses the RD_LOG environment variable: a comma-separated
// list of "module:level" pairs, or "all:level" to set the default.
// RD_LOG_BUFFER, if set, configures the write buffer size on Writer
// targets that embed one.
func Configure() {
	mu.Lock()
	defer mu.Unlock()
	moduleLevel = map[string]Level{}
	spec := os.Getenv("RD_LOG")
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		lvl, ok := parseLevel(parts[1])
		if !ok {
			continue
		}
		if parts[0] == "all" {
			defaultLevel = lvl
			continue
		}
		moduleLevel[parts[0]] = lvl
	}
	if n, err := strconv.Atoi(os.Getenv("RD_LOG_BUFFER")); err == nil && n > 0 {
		if w, ok := target.(interface{ SetBufferSize(int) }); ok {
			w.SetBufferSize(n)
		}
	}
}

func levelFor(module string) Level {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := moduleLevel[module]; ok {
		return l
	}
	return defaultLevel
}

func emit(level Level, module, format string, args ...any) {
	if level > levelFor(module) {
		return
	}
	mu.Lock()
	e := target
	mu.Unlock()
	e.Emit(2, level, time.Now(), module, format, args...)
}

// Infof logs at Info level under the "rd" module.
func Infof(format string, args ...any) { emit(Info, "rd", format, args...) }

// Debugf logs at Debug level under the "rd" module.
func Debugf(format string, args ...any) { emit(Debug, "rd", format, args...) }

// Warningf logs at Warning level under the "rd" module.
func Warningf(format string, args ...any) { emit(Warning, "rd", format, args...) }

// Errorf logs at Error level under the "rd" module.
func Errorf(format string, args ...any) { emit(Error, "rd", format, args...) }

// Module returns a logger scoped to a module name, so that RD_LOG
// entries of the form "module:level" can filter it independently.
func Module(name string) *ModuleLogger {
	return &ModuleLogger{name: name}
}

// ModuleLogger is a logger bound to a fixed module name.
type ModuleLogger struct {
	name string
}

// Infof logs at Info level.
func (m *ModuleLogger) Infof(format string, args ...any) { emit(Info, m.name, format, args...) }

// Debugf logs at Debug level.
func (m *ModuleLogger) Debugf(format string, args ...any) { emit(Debug, m.name, format, args...) }

// Warningf logs at Warning level.
func (m *ModuleLogger) Warningf(format string, args ...any) { emit(Warning, m.name, format, args...) }

// Errorf logs at Error level.
func (m *ModuleLogger) Errorf(format string, args ...any) { emit(Error, m.name, format, args...) }
