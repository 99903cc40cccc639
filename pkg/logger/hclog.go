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

import (
	"context"
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// hclogAdapter bridges hashicorp/go-plugin's required hclog.Logger interface
// onto the shared slog pipeline, so a subprocess worker plugin's handshake
// and transport logs flow through the same filtering/format as the rest of
// wave instead of hclog's own default writer.
type hclogAdapter struct {
	name string
	l    *slog.Logger
}

// HCLog returns an hclog.Logger named name, backed by the default slog
// logger, suitable for plugin.ClientConfig.Logger / plugin.ServeConfig.
func HCLog(name string) hclog.Logger {
	return &hclogAdapter{name: name, l: GetLogger().With("component", name)}
}

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch {
	case level <= hclog.Debug:
		h.l.Debug(msg, args...)
	case level == hclog.Info:
		h.l.Info(msg, args...)
	case level == hclog.Warn:
		h.l.Warn(msg, args...)
	default:
		h.l.Error(msg, args...)
	}
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.l.Debug(msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.l.Debug(msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.l.Info(msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.l.Warn(msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.l.Error(msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return h.l.Enabled(context.Background(), slog.LevelDebug) }
func (h *hclogAdapter) IsDebug() bool { return h.l.Enabled(context.Background(), slog.LevelDebug) }
func (h *hclogAdapter) IsInfo() bool  { return h.l.Enabled(context.Background(), slog.LevelInfo) }
func (h *hclogAdapter) IsWarn() bool  { return h.l.Enabled(context.Background(), slog.LevelWarn) }
func (h *hclogAdapter) IsError() bool { return h.l.Enabled(context.Background(), slog.LevelError) }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{name: h.name, l: h.l.With(args...)}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	return &hclogAdapter{name: h.name + "." + name, l: h.l.With("subsystem", name)}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{name: name, l: h.l}
}

// SetLevel is a no-op: verbosity is governed by the shared slog logger's
// level, configured once at process startup via Init.
func (h *hclogAdapter) SetLevel(hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level {
	switch {
	case h.l.Enabled(context.Background(), slog.LevelDebug):
		return hclog.Debug
	case h.l.Enabled(context.Background(), slog.LevelWarn):
		return hclog.Info
	case h.l.Enabled(context.Background(), slog.LevelError):
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (h *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return slog.NewLogLogger(h.l.Handler(), slog.LevelInfo)
}

func (h *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
