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

package wavemetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the orchestrator's own domain.
// A nil *Metrics is always safe to call methods on (every recorder method
// guards against it), so callers can embed a possibly-disabled Metrics
// without branching at every call site.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	gateEvaluations *prometheus.CounterVec
	gateDuration    *prometheus.HistogramVec

	storyTransitions *prometheus.CounterVec
	storiesActive    *prometheus.GaugeVec

	queueDepth        *prometheus.GaugeVec
	queueTaskDuration *prometheus.HistogramVec
	queueTasksTotal   *prometheus.CounterVec

	workerErrors *prometheus.CounterVec

	safetyChecks *prometheus.CounterVec
	safetyBlocks *prometheus.CounterVec

	budgetChecks   *prometheus.CounterVec
	budgetExceeded *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics instance from cfg. Returns nil, nil when metrics are
// disabled, matching the nil-safe-everywhere convention every Record method
// relies on.
func New(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{config: cfg, registry: prometheus.NewRegistry()}
	m.initGateMetrics()
	m.initStoryMetrics()
	m.initQueueMetrics()
	m.initWorkerMetrics()
	m.initSafetyMetrics()
	m.initBudgetMetrics()
	m.initHTTPMetrics()
	return m, nil
}

func (m *Metrics) initGateMetrics() {
	m.gateEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "gate", Name: "evaluations_total",
		Help: "Total number of gate evaluations, by gate and outcome",
	}, []string{"gate", "status"})

	m.gateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "gate", Name: "duration_seconds",
		Help: "Gate evaluation duration in seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"gate"})

	m.registry.MustRegister(m.gateEvaluations, m.gateDuration)
}

func (m *Metrics) initStoryMetrics() {
	m.storyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "story", Name: "transitions_total",
		Help: "Total number of story status transitions",
	}, []string{"from", "to"})

	m.storiesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.config.Namespace, Subsystem: "story", Name: "active",
		Help: "Number of stories currently in progress",
	}, []string{"domain"})

	m.registry.MustRegister(m.storyTransitions, m.storiesActive)
}

func (m *Metrics) initQueueMetrics() {
	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.config.Namespace, Subsystem: "queue", Name: "depth",
		Help: "Number of tasks currently queued, by domain",
	}, []string{"domain"})

	m.queueTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "queue", Name: "task_duration_seconds",
		Help: "Task processing duration in seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"domain"})

	m.queueTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "queue", Name: "tasks_total",
		Help: "Total number of tasks processed, by domain and outcome",
	}, []string{"domain", "status"})

	m.registry.MustRegister(m.queueDepth, m.queueTaskDuration, m.queueTasksTotal)
}

func (m *Metrics) initWorkerMetrics() {
	m.workerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "worker", Name: "errors_total",
		Help: "Total number of worker-reported errors, by domain",
	}, []string{"domain", "error_type"})

	m.registry.MustRegister(m.workerErrors)
}

func (m *Metrics) initSafetyMetrics() {
	m.safetyChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "safety", Name: "checks_total",
		Help: "Total number of constitutional safety checks performed",
	}, []string{"domain"})

	m.safetyBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "safety", Name: "blocks_total",
		Help: "Total number of safety checks that resulted in a block",
	}, []string{"domain", "principle"})

	m.registry.MustRegister(m.safetyChecks, m.safetyBlocks)
}

func (m *Metrics) initBudgetMetrics() {
	m.budgetChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "budget", Name: "checks_total",
		Help: "Total number of budget checks performed",
	}, []string{"story_id"})

	m.budgetExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "budget", Name: "exceeded_total",
		Help: "Total number of budget checks that exceeded a limit",
	}, []string{"story_id", "limit_type"})

	m.registry.MustRegister(m.budgetChecks, m.budgetExceeded)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordGateEvaluation records one gate evaluation outcome and duration.
func (m *Metrics) RecordGateEvaluation(gate, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gateEvaluations.WithLabelValues(gate, status).Inc()
	m.gateDuration.WithLabelValues(gate).Observe(duration.Seconds())
}

// RecordStoryTransition records a story status transition.
func (m *Metrics) RecordStoryTransition(from, to string) {
	if m == nil {
		return
	}
	m.storyTransitions.WithLabelValues(from, to).Inc()
}

// SetStoriesActive sets the current in-progress story count for domain.
func (m *Metrics) SetStoriesActive(domain string, count int) {
	if m == nil {
		return
	}
	m.storiesActive.WithLabelValues(domain).Set(float64(count))
}

// SetQueueDepth sets the current queue depth for domain.
func (m *Metrics) SetQueueDepth(domain string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(domain).Set(float64(depth))
}

// RecordTaskProcessed records a completed task's duration and outcome.
func (m *Metrics) RecordTaskProcessed(domain, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.queueTasksTotal.WithLabelValues(domain, status).Inc()
	m.queueTaskDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordWorkerError records a worker-reported error.
func (m *Metrics) RecordWorkerError(domain, errorType string) {
	if m == nil {
		return
	}
	m.workerErrors.WithLabelValues(domain, errorType).Inc()
}

// RecordSafetyCheck records a constitutional safety check and, if blocked,
// which principle triggered it.
func (m *Metrics) RecordSafetyCheck(domain string, blocked bool, principle string) {
	if m == nil {
		return
	}
	m.safetyChecks.WithLabelValues(domain).Inc()
	if blocked {
		m.safetyBlocks.WithLabelValues(domain, principle).Inc()
	}
}

// RecordBudgetCheck records a budget check and, if exceeded, which limit.
func (m *Metrics) RecordBudgetCheck(storyID string, exceeded bool, limitType string) {
	if m == nil {
		return
	}
	m.budgetChecks.WithLabelValues(storyID).Inc()
	if exceeded {
		m.budgetExceeded.WithLabelValues(storyID, limitType).Inc()
	}
}

// RecordHTTPRequest records one HTTP request's outcome and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusCodeLabel(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format. A disabled Metrics serves 503 so a misconfigured scrape target
// fails loudly instead of silently returning an empty body.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry, e.g. to register
// additional collectors from other packages.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
