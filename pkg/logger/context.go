// Copyright 2025 Kadir Pekel
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

package logger

import "log/slog"

// Logger is a thin fluent wrapper over *slog.Logger carrying orchestration
// context (session/story/gate/domain) through a chain of With* calls so
// call sites never repeat slog.Attr boilerplate.
type Logger struct {
	l *slog.Logger
}

// Get returns a Logger wrapping the process-wide default slog logger.
func Get() *Logger {
	return &Logger{l: GetLogger()}
}

// From wraps an arbitrary *slog.Logger.
func From(l *slog.Logger) *Logger {
	return &Logger{l: l}
}

func (lg *Logger) with(attrs ...any) *Logger {
	return &Logger{l: lg.l.With(attrs...)}
}

// WithComponent scopes subsequent log lines to a named component (e.g. "checkpoint", "executor").
func (lg *Logger) WithComponent(component string) *Logger {
	return lg.with("component", component)
}

// WithSession scopes subsequent log lines to a session id.
func (lg *Logger) WithSession(sessionID string) *Logger {
	return lg.with("session_id", sessionID)
}

// WithStory scopes subsequent log lines to a story id.
func (lg *Logger) WithStory(storyID string) *Logger {
	return lg.with("story_id", storyID)
}

// WithDomain scopes subsequent log lines to a domain tag (fe, be, qa, pm, cto, ...).
func (lg *Logger) WithDomain(domain string) *Logger {
	return lg.with("domain", domain)
}

// WithGate scopes subsequent log lines to a gate label (gate-0 .. gate-7).
func (lg *Logger) WithGate(gate string) *Logger {
	return lg.with("gate", gate)
}

// WithTask scopes subsequent log lines to a task id.
func (lg *Logger) WithTask(taskID string) *Logger {
	return lg.with("task_id", taskID)
}

func (lg *Logger) Debug(msg string, args ...any) { lg.l.Debug(msg, args...) }
func (lg *Logger) Info(msg string, args ...any)  { lg.l.Info(msg, args...) }
func (lg *Logger) Warn(msg string, args ...any)  { lg.l.Warn(msg, args...) }
func (lg *Logger) Error(msg string, args ...any) { lg.l.Error(msg, args...) }

// Slog exposes the underlying *slog.Logger for callers that need it directly
// (e.g. passing into a library that accepts a slog.Logger).
func (lg *Logger) Slog() *slog.Logger { return lg.l }
