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

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
)

// domainQueue is an unbounded FIFO with a timed, cancellable pop. Rather
// than a buffered channel (which would force a capacity decision an
// orchestrator queue has no business making) it keeps a plain slice behind
// a mutex and wakes blocked poppers through a replaced-on-push channel.
type domainQueue struct {
	mu    sync.Mutex
	tasks []*Task
	wake  chan struct{}
}

func newDomainQueue() *domainQueue {
	return &domainQueue{wake: make(chan struct{})}
}

func (q *domainQueue) push(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	ch := q.wake
	q.wake = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

func (q *domainQueue) pop(ctx context.Context, timeout time.Duration) *Task {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			t := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return t
		}
		ch := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (q *domainQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// TaskQueue is the per-domain FIFO task queue (one logical queue per
// Domain), a claim map, and a results mapping with wake-on-submit waiters.
type TaskQueue struct {
	mu      sync.RWMutex
	domains map[Domain]*domainQueue
	claims  map[string]*Claim
	results map[string]*Result
	waiters map[string]chan struct{}
	log     *logger.Logger
}

// New returns an empty TaskQueue.
func New() *TaskQueue {
	return &TaskQueue{
		domains: make(map[Domain]*domainQueue),
		claims:  make(map[string]*Claim),
		results: make(map[string]*Result),
		waiters: make(map[string]chan struct{}),
		log:     logger.Get().WithComponent("queue"),
	}
}

func (q *TaskQueue) domainQueueFor(d Domain) *domainQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.domains[d]
	if !ok {
		dq = newDomainQueue()
		q.domains[d] = dq
	}
	return dq
}

// Enqueue appends task to its domain's queue. Never blocks.
func (q *TaskQueue) Enqueue(task *Task) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	q.domainQueueFor(task.Domain).push(task)
	q.log.Debug("task enqueued", "task_id", task.ID, "domain", task.Domain, "action", task.Action)
}

// Dequeue blocks up to timeout (or until ctx is done) waiting for a task on
// domain's queue. Returns nil if nothing arrived in time.
func (q *TaskQueue) Dequeue(ctx context.Context, domain Domain, timeout time.Duration) *Task {
	return q.domainQueueFor(domain).pop(ctx, timeout)
}

// QueueDepth reports how many tasks are currently waiting on domain.
func (q *TaskQueue) QueueDepth(domain Domain) int {
	return q.domainQueueFor(domain).len()
}

// MarkInProgress records that workerID has claimed taskID.
func (q *TaskQueue) MarkInProgress(taskID, workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claims[taskID] = &Claim{TaskID: taskID, WorkerID: workerID, ClaimedAt: time.Now().UTC()}
}

// Claim returns the current claim for taskID, if any.
func (q *TaskQueue) Claim(taskID string) (*Claim, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	c, ok := q.claims[taskID]
	return c, ok
}

// Expect registers interest in taskID's eventual result, so a later Wait
// call can block on it even if SubmitResult races ahead of the Wait call.
func (q *TaskQueue) Expect(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.waiters[taskID]; !ok {
		q.waiters[taskID] = make(chan struct{})
	}
}

// SubmitResult records result and wakes any waiter blocked on its task id.
func (q *TaskQueue) SubmitResult(result *Result) {
	q.mu.Lock()
	q.results[result.TaskID] = result
	delete(q.claims, result.TaskID)
	ch, waiting := q.waiters[result.TaskID]
	q.mu.Unlock()

	if waiting {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	q.log.Debug("result submitted", "task_id", result.TaskID, "status", result.Status)
}

// GetResult returns a previously submitted result without blocking.
func (q *TaskQueue) GetResult(taskID string) (*Result, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.results[taskID]
	return r, ok
}

// Wait blocks until taskID's result arrives or timeout elapses. A result
// that was already submitted is returned at once; Expect is not required
// beforehand.
func (q *TaskQueue) Wait(taskID string, timeout time.Duration) (*Result, bool) {
	q.mu.Lock()
	if r, ok := q.results[taskID]; ok {
		delete(q.results, taskID)
		delete(q.waiters, taskID)
		q.mu.Unlock()
		return r, true
	}
	ch, ok := q.waiters[taskID]
	if !ok {
		ch = make(chan struct{})
		q.waiters[taskID] = ch
	}
	q.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.waiters, taskID)
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[taskID]
	delete(q.results, taskID)
	delete(q.waiters, taskID)
	return r, ok
}
