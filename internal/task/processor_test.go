package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/observability/alerting"
	"DataPilot/internal/observability/metrics"
)

type countingRunner struct {
	processed atomic.Int32
	latency   time.Duration
}

func (r *countingRunner) Run(ctx context.Context, job Job) (*Response, error) {
	if r.latency > 0 {
		select {
		case <-time.After(r.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.processed.Add(1)
	return &Response{Answer: "ok " + job.Request.TaskDescription, Success: true, Artifacts: []Artifact{}}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

func startProcessor(t *testing.T, ctx context.Context, processor *Processor) {
	t.Helper()
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func waitForStatus(t *testing.T, svc *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("等待任务 %s 完成失败: %v", id, err)
	}
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &countingRunner{latency: 10 * time.Millisecond}

	service := NewService(store, queue, nil, WithMaxAttempts(3))
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(8))
	startProcessor(t, ctx, processor)

	total := 200
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		receipt, err := service.SubmitAsync(ctx, Request{TaskDescription: fmt.Sprintf("task-%d", i)}, nil)
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		ids = append(ids, receipt.ID)
	}

	for _, id := range ids {
		task := waitForStatus(t, service, id)
		if task.Status != StatusCompleted {
			t.Fatalf("任务 %s 状态异常: %s", id, task.Status)
		}
	}
	if got := int(runner.processed.Load()); got != total {
		t.Fatalf("expected %d processed tasks, got %d", total, got)
	}

	view, err := service.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Answer != "ok task-0" || view.Status != StatusCompleted || view.ID != ids[0] {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &stubRunner{errs: []error{
		xerrors.New(xerrors.CodeLLMFailure, "rate limited"),
		xerrors.New(xerrors.CodeSandboxFailure, "sandbox busy"),
	}}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, nil, WithMaxAttempts(3))
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))
	startProcessor(t, ctx, processor)

	receipt, err := service.SubmitAsync(ctx, Request{TaskDescription: "analyse"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, service, receipt.ID)
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed after retries, got %s", task.Status)
	}
	if task.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", task.Attempts)
	}
	if runner.calls() != 3 {
		t.Fatalf("expected 3 runs, got %d", runner.calls())
	}
	if events := alerts.snapshot(); len(events) != 0 {
		t.Fatalf("expected no alerts, got %+v", events)
	}
}

func TestProcessorMarksTerminalFailureAndAlerts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &stubRunner{errs: []error{
		xerrors.New(xerrors.CodeRecursionLimit, "Recursion limit of 250 reached without hitting a stop condition"),
	}}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, nil, WithMaxAttempts(3))
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))
	startProcessor(t, ctx, processor)

	receipt, err := service.SubmitAsync(ctx, Request{TaskDescription: "analyse"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, service, receipt.ID)
	if task.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Fatalf("non-retryable failure must not retry, attempts=%d", task.Attempts)
	}
	if task.ErrorCode != string(xerrors.CodeRecursionLimit) {
		t.Fatalf("unexpected error code %s", task.ErrorCode)
	}

	view, err := service.Get(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Success || view.Answer != FailedAnswer {
		t.Fatalf("unexpected failure view %+v", view)
	}

	events := alerts.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	event := events[0]
	if event.TaskID != receipt.ID || event.Code != xerrors.CodeRecursionLimit || event.Attempts != 1 || event.MaxAttempts != 3 {
		t.Fatalf("unexpected alert %+v", event)
	}
	if event.Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alert stage %q", event.Metadata["stage"])
	}
}

func TestProcessorExhaustsAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	flaky := xerrors.New(xerrors.CodeLLMFailure, "provider unavailable")
	runner := &stubRunner{errs: []error{flaky, flaky, flaky}}

	service := NewService(store, queue, nil, WithMaxAttempts(2))
	processor := NewProcessor(runner, store, queue, queue)
	startProcessor(t, ctx, processor)

	receipt, err := service.SubmitAsync(ctx, Request{TaskDescription: "analyse"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, service, receipt.ID)
	if task.Status != StatusFailed || task.Attempts != 2 {
		t.Fatalf("unexpected task %+v", task)
	}
	if runner.calls() != 2 {
		t.Fatalf("expected 2 runs, got %d", runner.calls())
	}
}

func TestProcessorAppliesTaskTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	runner := &countingRunner{latency: time.Second}

	service := NewService(store, queue, nil)
	processor := NewProcessor(runner, store, queue, queue, WithTaskTimeout(20*time.Millisecond))
	startProcessor(t, ctx, processor)

	receipt, err := service.SubmitAsync(ctx, Request{TaskDescription: "slow"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, service, receipt.ID)
	if task.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected timeout code, got %s", task.ErrorCode)
	}
}

func TestProcessorSkipsCompletedTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &countingRunner{}
	processor := NewProcessor(runner, store, nil, nil)

	if err := store.Create(ctx, &Task{ID: "done", Status: StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, Job{TaskID: "done"}); err != nil {
		t.Fatalf("handle completed: %v", err)
	}
	if err := processor.handle(ctx, Job{TaskID: "missing"}); err != nil {
		t.Fatalf("handle missing: %v", err)
	}
	if runner.processed.Load() != 0 {
		t.Fatal("runner must not be invoked for skipped tasks")
	}
}

func TestProcessorRetryDoesNotBlockOnFullQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	runner := &stubRunner{
		errs:  []error{xerrors.New(xerrors.CodeLLMFailure, "rate limited")},
		delay: 50 * time.Millisecond,
	}
	service := NewService(store, queue, nil, WithMaxAttempts(2))
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(1))
	startProcessor(t, ctx, processor)

	first, err := service.SubmitAsync(ctx, Request{TaskDescription: "a"}, nil)
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	second, err := service.SubmitAsync(ctx, Request{TaskDescription: "b"}, nil)
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		if task := waitForStatus(t, service, id); task.Status != StatusCompleted {
			t.Fatalf("任务 %s 状态异常: %s", id, task.Status)
		}
	}
	if got := runner.calls(); got != 3 {
		t.Fatalf("expected 3 runs, got %d", got)
	}
}

type closedProducer struct{}

func (closedProducer) Publish(context.Context, Job) error { return errors.New("channel closed") }
func (closedProducer) Close() error                       { return nil }

func TestProcessorRequeueFailureMarksFailed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	runner := &stubRunner{errs: []error{xerrors.New(xerrors.CodeSandboxFailure, "sandbox busy")}}
	alerts := &recordingDispatcher{}
	service := NewService(store, queue, nil, WithMaxAttempts(3))
	processor := NewProcessor(runner, store, queue, closedProducer{}, WithAlertDispatcher(alerts))
	startProcessor(t, ctx, processor)

	receipt, err := service.SubmitAsync(ctx, Request{TaskDescription: "analyse"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, service, receipt.ID)
	if task.Status != StatusFailed {
		t.Fatalf("expected failed after requeue error, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", task.Attempts)
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Code != CodeTaskPublish {
		t.Fatalf("expected one publish alert, got %+v", events)
	}
}

func inProgressGauge(t *testing.T) float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, line := range strings.Split(string(body), "\n") {
		if value, ok := strings.CutPrefix(line, "datapilot_tasks_in_progress "); ok {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				t.Fatalf("parse gauge %q: %v", line, err)
			}
			return v
		}
	}
	t.Fatal("datapilot_tasks_in_progress not exported")
	return 0
}

func TestProcessorInterruptedRunReleasesGauge(t *testing.T) {
	store := NewMemoryStore()
	processor := NewProcessor(&countingRunner{latency: time.Second}, store, nil, nil)
	if err := store.Create(context.Background(), &Task{ID: "t1", Status: StatusInProgress}); err != nil {
		t.Fatalf("create: %v", err)
	}

	before := inProgressGauge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := processor.handle(ctx, Job{TaskID: "t1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected interrupted run, got %v", err)
	}
	if got := inProgressGauge(t); got != before {
		t.Fatalf("expected gauge %v after interruption, got %v", before, got)
	}
	task, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusInProgress {
		t.Fatalf("interrupted task must stay in_progress, got %s", task.Status)
	}
}
