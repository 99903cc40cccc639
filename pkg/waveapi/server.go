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

// Package waveapi exposes the orchestrator over HTTP: starting a story run,
// checking its status, triggering an emergency stop, publishing the JSON
// schema of its start-session request body for tooling, and serving
// Prometheus metrics.
package waveapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/wave/pkg/checkpoint"
	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/safety"
	"github.com/kadirpekel/wave/pkg/supervisor"
	"github.com/kadirpekel/wave/pkg/wavemetrics"
)

// Server is the orchestrator's HTTP external interface.
type Server struct {
	addr        string
	supervisor  *supervisor.Supervisor
	checkpoints *checkpoint.Manager
	estop       *safety.EmergencyStop
	metrics     *wavemetrics.Metrics

	httpServer *http.Server
	log        *logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEmergencyStop wires an EmergencyStop the stop endpoint can trigger.
func WithEmergencyStop(es *safety.EmergencyStop) Option {
	return func(s *Server) { s.estop = es }
}

// WithMetrics wires a Metrics instance served at GET /metrics.
func WithMetrics(m *wavemetrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a Server bound to addr, driving sup and reading session state
// from checkpoints.
func New(addr string, sup *supervisor.Supervisor, checkpoints *checkpoint.Manager, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		supervisor:  sup,
		checkpoints: checkpoints,
		log:         logger.Get().WithComponent("waveapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/schema/start", s.handleSchema)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/status", s.handleSessionStatus)
			r.Get("/stories/{storyID}", s.handleStoryStatus)
			r.Post("/stop", s.handleStop)
			r.Post("/recover", s.handleRecoverSession)
		})
	})

	return r
}

// Start runs the HTTP server until ctx is cancelled or ListenAndServe
// returns a non-shutdown error.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Addr returns the address the server is configured to bind to.
func (s *Server) Addr() string { return s.addr }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, ww.Status(), duration)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", duration)
	})
}
