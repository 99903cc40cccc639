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

// Package worker implements the domain worker poll loop: dequeue, publish
// busy, heartbeat, process, safety-score the output, submit the result,
// publish ready. One Worker runs one domain's queue; a fleet of workers
// (one per domain, optionally scaled with an agent_id suffix) drains every
// queue.TaskQueue domain concurrently.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/pubsub"
	"github.com/kadirpekel/wave/pkg/queue"
)

// DefaultBlockThreshold is the constitutional safety score below which a
// result is rewritten to blocked, absent an explicit override.
const DefaultBlockThreshold = 0.85

// Processor executes one domain's task logic. Implementations return a
// result map; the worker looks for "code" or "content" keys to run the
// safety check against.
type Processor interface {
	Domain() queue.Domain
	Process(ctx context.Context, task *queue.Task) (map[string]any, error)
}

// SafetyScorer scores free-form content for constitutional safety
// violations. A real implementation is provided by the safety package (C12);
// tests and simple deployments can supply a stub.
type SafetyScorer interface {
	Score(content string) (score float64, violations []string)
}

// AlwaysSafe is a SafetyScorer that never blocks, useful for workers whose
// processor never produces file content (e.g. planning/review domains).
type AlwaysSafe struct{}

// Score always reports a perfect score with no violations.
func (AlwaysSafe) Score(string) (float64, []string) { return 1.0, nil }

// Config tunes one Worker's poll/heartbeat cadence and safety threshold.
type Config struct {
	ID                string
	BlockThreshold    float64
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// SetDefaults fills PollTimeout (10s), HeartbeatInterval (30s) and
// BlockThreshold (0.85) when left zero.
func (c *Config) SetDefaults() {
	if c.PollTimeout == 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BlockThreshold == 0 {
		c.BlockThreshold = DefaultBlockThreshold
	}
}

// Worker drains one domain's queue, reporting progress and results through
// an optional pubsub.Publisher.
type Worker struct {
	cfg       Config
	processor Processor
	queue     *queue.TaskQueue
	safety    SafetyScorer
	publisher *pubsub.Publisher
	log       *logger.Logger

	mu             sync.Mutex
	tasksProcessed int
	current        *queue.Task
}

// New returns a Worker for processor's domain, draining q, scoring output
// with safety (AlwaysSafe if nil) and publishing progress via publisher (no
// publishing if nil).
func New(cfg Config, processor Processor, q *queue.TaskQueue, safety SafetyScorer, publisher *pubsub.Publisher) *Worker {
	cfg.SetDefaults()
	if safety == nil {
		safety = AlwaysSafe{}
	}
	return &Worker{
		cfg:       cfg,
		processor: processor,
		queue:     q,
		safety:    safety,
		publisher: publisher,
		log:       logger.Get().WithComponent("worker").WithDomain(string(processor.Domain())),
	}
}

// TasksProcessed reports how many tasks this worker has completed.
func (w *Worker) TasksProcessed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasksProcessed
}

// Run polls the worker's domain queue until ctx is cancelled, finishing any
// task already in flight before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", "id", w.cfg.ID, "poll_timeout", w.cfg.PollTimeout, "block_threshold", w.cfg.BlockThreshold)
	w.publish(ctx, pubsub.EventAgentReady, nil, "")

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping", "id", w.cfg.ID, "tasks_processed", w.TasksProcessed())
			return ctx.Err()
		}

		task := w.queue.Dequeue(ctx, w.processor.Domain(), w.cfg.PollTimeout)
		if task == nil {
			continue
		}

		// Processing a claimed task is never interrupted mid-flight by a
		// shutdown signal; only intake stops.
		w.handleTask(context.WithoutCancel(ctx), task)
	}
}

func (w *Worker) handleTask(ctx context.Context, task *queue.Task) {
	w.mu.Lock()
	w.current = task
	w.mu.Unlock()

	w.log.Info("task received", "task_id", task.ID, "story_id", task.StoryID, "action", task.Action)
	w.queue.MarkInProgress(task.ID, w.cfg.ID)
	w.publish(ctx, pubsub.EventAgentBusy, map[string]any{"task_id": task.ID}, task.StoryID)

	stopHeartbeat := w.startHeartbeat(ctx, task.StoryID)
	result := w.process(ctx, task)
	stopHeartbeat()

	w.queue.SubmitResult(result)
	w.log.Info("task completed", "task_id", task.ID, "status", result.Status, "duration_s", result.DurationSeconds, "safety_score", result.SafetyScore)

	if result.Status == queue.StatusFailed {
		w.publish(ctx, pubsub.EventAgentError, map[string]any{"task_id": task.ID, "error": result.Error}, task.StoryID)
	} else {
		w.publish(ctx, pubsub.EventAgentReady, nil, "")
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.current = nil
	w.mu.Unlock()
}

// process runs the domain processor, isolating a panic as a failed result,
// then applies the constitutional safety check before returning.
func (w *Worker) process(ctx context.Context, task *queue.Task) (result *queue.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = &queue.Result{
				TaskID: task.ID, Status: queue.StatusFailed, Domain: task.Domain, AgentID: w.cfg.ID,
				Error: fmt.Sprintf("panic processing task: %v", r), DurationSeconds: time.Since(start).Seconds(),
			}
		}
	}()

	data, err := w.processor.Process(ctx, task)
	duration := time.Since(start).Seconds()
	if err != nil {
		return &queue.Result{
			TaskID: task.ID, Status: queue.StatusFailed, Domain: task.Domain, AgentID: w.cfg.ID,
			Error: err.Error(), DurationSeconds: duration,
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	content, _ := data["code"].(string)
	if content == "" {
		content, _ = data["content"].(string)
	}

	score, violations := w.safety.Score(content)
	status := queue.StatusCompleted
	errMsg := ""
	if score < w.cfg.BlockThreshold {
		status = queue.StatusBlocked
		errMsg = "failed constitutional safety check"
		w.log.Warn("safety block", "task_id", task.ID, "score", score, "violations", violations)
	}

	return &queue.Result{
		TaskID: task.ID, Status: status, Domain: task.Domain, AgentID: w.cfg.ID,
		Data: data, DurationSeconds: duration, SafetyScore: score, SafetyViolations: violations, Error: errMsg,
	}
}

// startHeartbeat publishes agent.busy on HeartbeatInterval cadence until the
// returned stop func is called.
func (w *Worker) startHeartbeat(ctx context.Context, storyID string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.publish(ctx, pubsub.EventAgentBusy, map[string]any{"heartbeat": true}, storyID)
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (w *Worker) publish(ctx context.Context, eventType pubsub.EventType, payload map[string]any, storyID string) {
	if w.publisher == nil {
		return
	}
	var opts []pubsub.PublishOption
	if storyID != "" {
		opts = append(opts, pubsub.WithStoryID(storyID))
	}
	if _, err := w.publisher.PublishToAgent(ctx, w.cfg.ID, eventType, payload, opts...); err != nil {
		w.log.Warn("failed to publish agent event", "event", eventType, "error", err)
	}
}
