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
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName is the instrumentation scope every span in this package is
// recorded under.
const tracerName = "github.com/kadirpekel/wave/pkg/wavemetrics"

// Attribute keys carried on gate/story/task spans.
const (
	AttrGateID  = "wave.gate.id"
	AttrStoryID = "wave.story.id"
	AttrDomain  = "wave.domain"
	AttrAgentID = "wave.agent.id"
	AttrTaskID  = "wave.task.id"
	AttrStatus  = "wave.status"
)

// InitTracerProvider builds a trace.TracerProvider from cfg and installs it
// as the global provider. Disabled tracing returns a no-op provider so
// every Start call downstream is a safe zero-cost no-op.
func InitTracerProvider(ctx context.Context, cfg TracingConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("wavemetrics: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "stdout" {
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("wavemetrics: create stdout exporter: %w", err)
		}
		return exp, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("wavemetrics: create OTLP exporter: %w", err)
	}
	return exp, nil
}

// Tracer wraps an OTel tracer with the orchestrator's own span vocabulary.
type Tracer struct {
	t trace.Tracer
}

// NewTracer returns a Tracer drawing spans from the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{t: otel.Tracer(tracerName)}
}

// StartGate starts a span covering one gate evaluation.
func (tr *Tracer) StartGate(ctx context.Context, gateID, storyID, domain string) (context.Context, trace.Span) {
	return tr.t.Start(ctx, "gate.evaluate", trace.WithAttributes(
		attribute.String(AttrGateID, gateID),
		attribute.String(AttrStoryID, storyID),
		attribute.String(AttrDomain, domain),
	))
}

// StartStory starts a span covering one story's full run through the gate
// sequence.
func (tr *Tracer) StartStory(ctx context.Context, storyID, domain, agentID string) (context.Context, trace.Span) {
	return tr.t.Start(ctx, "story.run", trace.WithAttributes(
		attribute.String(AttrStoryID, storyID),
		attribute.String(AttrDomain, domain),
		attribute.String(AttrAgentID, agentID),
	))
}

// StartTask starts a span covering one worker task's processing.
func (tr *Tracer) StartTask(ctx context.Context, taskID, domain string) (context.Context, trace.Span) {
	return tr.t.Start(ctx, "worker.process_task", trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrDomain, domain),
	))
}

// EndWithStatus sets the span's status attribute and ends it. cause is
// recorded as a span error when non-nil.
func EndWithStatus(span trace.Span, status string, cause error) {
	span.SetAttributes(attribute.String(AttrStatus, status))
	if cause != nil {
		span.RecordError(cause)
	}
	span.End()
}
