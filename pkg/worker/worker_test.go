package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/wave/pkg/queue"
)

type fakeProcessor struct {
	domain queue.Domain
	result map[string]any
	err    error
	delay  time.Duration
}

func (f *fakeProcessor) Domain() queue.Domain { return f.domain }
func (f *fakeProcessor) Process(ctx context.Context, task *queue.Task) (map[string]any, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result, f.err
}

type fakeScorer struct {
	score      float64
	violations []string
}

func (f fakeScorer) Score(string) (float64, []string) { return f.score, f.violations }

func runOneTask(t *testing.T, proc Processor, safety SafetyScorer, task *queue.Task) (*queue.Result, *Worker) {
	t.Helper()
	q := queue.New()
	w := New(Config{ID: "BE-1", PollTimeout: 50 * time.Millisecond, HeartbeatInterval: time.Hour}, proc, q, safety, nil)
	q.Enqueue(task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	result, ok := pollForResult(q, task.ID, time.Second)
	require.True(t, ok, "expected a result to be submitted")

	cancel()
	<-done
	return result, w
}

func pollForResult(q *queue.TaskQueue, taskID string, timeout time.Duration) (*queue.Result, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok := q.GetResult(taskID); ok {
			return r, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

func TestWorkerCompletesTask(t *testing.T) {
	proc := &fakeProcessor{domain: queue.DomainBackend, result: map[string]any{"status": "ok"}}
	result, w := runOneTask(t, proc, AlwaysSafe{}, &queue.Task{ID: "t1", Domain: queue.DomainBackend})
	require.Equal(t, queue.StatusCompleted, result.Status)
	require.Equal(t, 1, w.TasksProcessed())
}

func TestWorkerReportsProcessorError(t *testing.T) {
	proc := &fakeProcessor{domain: queue.DomainBackend, err: errors.New("boom")}
	result, _ := runOneTask(t, proc, AlwaysSafe{}, &queue.Task{ID: "t1", Domain: queue.DomainBackend})
	require.Equal(t, queue.StatusFailed, result.Status)
	require.Equal(t, "boom", result.Error)
}

func TestWorkerBlocksOnLowSafetyScore(t *testing.T) {
	proc := &fakeProcessor{domain: queue.DomainFrontend, result: map[string]any{"code": "os.system('rm -rf /')"}}
	scorer := fakeScorer{score: 0.2, violations: []string{"CRITICAL: dangerous pattern"}}
	result, _ := runOneTask(t, proc, scorer, &queue.Task{ID: "t1", Domain: queue.DomainFrontend})
	require.Equal(t, queue.StatusBlocked, result.Status)
	require.Equal(t, "failed constitutional safety check", result.Error)
	require.Equal(t, []string{"CRITICAL: dangerous pattern"}, result.SafetyViolations)
}

func TestWorkerPassesSafetyAtThreshold(t *testing.T) {
	proc := &fakeProcessor{domain: queue.DomainBackend, result: map[string]any{"code": "fine"}}
	scorer := fakeScorer{score: DefaultBlockThreshold}
	result, _ := runOneTask(t, proc, scorer, &queue.Task{ID: "t1", Domain: queue.DomainBackend})
	require.Equal(t, queue.StatusCompleted, result.Status)
}

func TestWorkerRecoversFromProcessorPanic(t *testing.T) {
	q := queue.New()
	w := New(Config{ID: "BE-1", PollTimeout: 50 * time.Millisecond, HeartbeatInterval: time.Hour}, panicProcessor{}, q, AlwaysSafe{}, nil)
	q.Enqueue(&queue.Task{ID: "t1", Domain: queue.DomainBackend})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	result, ok := pollForResult(q, "t1", time.Second)
	require.True(t, ok)
	require.Equal(t, queue.StatusFailed, result.Status)
	require.Contains(t, result.Error, "panic")

	cancel()
	<-done
}

type panicProcessor struct{}

func (panicProcessor) Domain() queue.Domain { return queue.DomainBackend }
func (panicProcessor) Process(ctx context.Context, task *queue.Task) (map[string]any, error) {
	panic("processor exploded")
}

func TestWorkerFinishesInFlightTaskOnShutdown(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{domain: queue.DomainQA, result: map[string]any{"status": "ok"}, delay: 100 * time.Millisecond}
	w := New(Config{ID: "QA-1", PollTimeout: 20 * time.Millisecond, HeartbeatInterval: time.Hour}, proc, q, AlwaysSafe{}, nil)
	q.Enqueue(&queue.Task{ID: "t1", Domain: queue.DomainQA})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond) // ensure the task has been claimed
	cancel()                          // stop intake while the task is mid-flight

	<-done
	result, ok := q.GetResult("t1")
	require.True(t, ok, "in-flight task must still complete and report its result")
	require.Equal(t, queue.StatusCompleted, result.Status)
}
