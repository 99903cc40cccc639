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

package main

import (
	"context"
	"fmt"

	"github.com/kadirpekel/wave/pkg/budget"
	"github.com/kadirpekel/wave/pkg/checkpoint"
	"github.com/kadirpekel/wave/pkg/gate"
	"github.com/kadirpekel/wave/pkg/pubsub"
	"github.com/kadirpekel/wave/pkg/queue"
	"github.com/kadirpekel/wave/pkg/safety"
	"github.com/kadirpekel/wave/pkg/supervisor"
	"github.com/kadirpekel/wave/pkg/waveconfig"
	"github.com/kadirpekel/wave/pkg/wavemetrics"
)

// system holds every long-lived component wired from a waveconfig.Config,
// shared by every subcommand that needs to drive or inspect a supervisor.
type system struct {
	cfg         *waveconfig.Config
	checkpoints *checkpoint.Manager
	queue       *queue.TaskQueue
	safety      *safety.Checker
	estop       *safety.EmergencyStop
	publisher   *pubsub.Publisher
	metrics     *wavemetrics.Metrics
	tracer      *wavemetrics.Tracer
	supervisor  *supervisor.Supervisor
}

// buildSystem wires every component named by cfg. The Redis connection and
// domain worker processors are the two pieces left to the deployment: a
// missing pubsub.url degrades to no event emission, and attaching
// Processors to pull from the queue is left to whatever drives the actual
// coding agents for each domain.
func buildSystem(ctx context.Context, cfg *waveconfig.Config) (*system, error) {
	checkpoints, err := checkpoint.NewManager(ctx, &cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	executor := gate.NewExecutor(nil)
	if err := executor.RegisterValidator(gate.NewSelfReviewValidator([]string{"checklist_complete"})); err != nil {
		return nil, fmt.Errorf("register self-review validator: %w", err)
	}
	if err := executor.RegisterValidator(gate.NewBuildValidator()); err != nil {
		return nil, fmt.Errorf("register build validator: %w", err)
	}
	if err := executor.RegisterValidator(gate.NewTestValidator(0)); err != nil {
		return nil, fmt.Errorf("register test validator: %w", err)
	}
	machine := gate.NewMachine(checkpoints, executor)

	q := queue.New()
	checker := safety.NewChecker(nil)

	budgetOpts := []budget.Option{budget.WithThresholds(cfg.Budget.WarningThreshold, cfg.Budget.CriticalThreshold)}
	if cfg.Budget.SoftLimit {
		budgetOpts = append(budgetOpts, budget.WithSoftLimit())
	}
	tracker := budget.NewTracker(budgetOpts...)

	var publisher *pubsub.Publisher
	if cfg.Pubsub.URL != "" {
		client, err := pubsub.NewClient(ctx, cfg.Pubsub.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		publisher = pubsub.NewPublisher(client, cfg.Project, "wave")
	}

	estop := safety.New(publisher)

	metrics, err := wavemetrics.New(&cfg.Observability.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	if _, err := wavemetrics.InitTracerProvider(ctx, cfg.Observability.Tracing); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	tracer := wavemetrics.NewTracer()

	sup := supervisor.New(supervisor.Config{
		Checkpoints: checkpoints,
		Gates:       machine,
		Queue:       q,
		Safety:      checker,
		Budget:      tracker,
		EStop:       estop,
		Publisher:   publisher,
		Metrics:     metrics,
		Tracer:      tracer,
		ProjectName: cfg.Project,
		TaskTimeout: cfg.TaskTimeout,
	})

	return &system{
		cfg:         cfg,
		checkpoints: checkpoints,
		queue:       q,
		safety:      checker,
		estop:       estop,
		publisher:   publisher,
		metrics:     metrics,
		tracer:      tracer,
		supervisor:  sup,
	}, nil
}

func (s *system) Close() {
	if s.estop != nil {
		s.estop.Close()
	}
	if s.checkpoints != nil {
		_ = s.checkpoints.Close()
	}
}
