package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakyTask fails until it has been executed failures+1 times.
type flakyTask struct {
	Task
	failures int
	err      error
	attempts atomic.Int32
	done     chan struct{}
	once     sync.Once
}

func newFlakyTask(failures int, err error) *flakyTask {
	return &flakyTask{
		Task:     NewTask(TaskTypeGeneratePlans, "user-1", ""),
		failures: failures,
		err:      err,
		done:     make(chan struct{}),
	}
}

func (t *flakyTask) Execute(ctx context.Context) error {
	n := int(t.attempts.Add(1))
	if n <= t.failures {
		return t.err
	}
	t.once.Do(func() { close(t.done) })
	return nil
}

func startScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := NewScheduler(workers, time.Second)
	s.retryUnit = time.Millisecond
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(0, 0)

	if s.workerCount != 1 {
		t.Errorf("Expected worker count 1, got %d", s.workerCount)
	}
	if s.taskTimeout != DefaultTaskTimeout {
		t.Errorf("Expected default task timeout, got %v", s.taskTimeout)
	}
	if cap(s.taskQueue) != queueSize {
		t.Errorf("Expected queue capacity %d, got %d", queueSize, cap(s.taskQueue))
	}
}

func TestScheduler_RetriesUntilSuccess(t *testing.T) {
	s := startScheduler(t, 2)
	task := newFlakyTask(2, errors.New("temporary"))

	if err := s.EnqueueTask(task); err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}

	select {
	case <-task.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Task did not succeed after retries")
	}

	if got := task.attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if task.GetRetryCount() != 2 {
		t.Errorf("Expected retry count 2, got %d", task.GetRetryCount())
	}
}

func TestScheduler_StopsAfterMaxRetries(t *testing.T) {
	s := startScheduler(t, 1)
	task := newFlakyTask(100, errors.New("always"))

	if err := s.EnqueueTask(task); err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for task.attempts.Load() < int32(DefaultMaxRetries+1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := task.attempts.Load(); got != int32(DefaultMaxRetries+1) {
		t.Errorf("Expected %d attempts, got %d", DefaultMaxRetries+1, got)
	}
}

func TestScheduler_PermanentFailureNotRetried(t *testing.T) {
	s := startScheduler(t, 1)
	task := newFlakyTask(100, fmt.Errorf("%w: bad payload", ErrPermanent))

	if err := s.EnqueueTask(task); err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := task.attempts.Load(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestScheduler_RetryDelayCapped(t *testing.T) {
	s := NewScheduler(1, time.Second)

	tests := []struct {
		retry    int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := s.retryDelay(tt.retry); got != tt.expected {
			t.Errorf("retryDelay(%d) = %v, expected %v", tt.retry, got, tt.expected)
		}
	}
}

func TestScheduler_EnqueueAfterStop(t *testing.T) {
	s := NewScheduler(1, time.Second)
	s.Start()
	s.Stop()

	if err := s.EnqueueTask(newFlakyTask(0, nil)); err == nil {
		t.Error("Expected enqueue on a stopped scheduler to fail")
	}
}

func TestTask_RetryAccounting(t *testing.T) {
	task := NewTask(TaskTypeGeneratePlans, "user-1", "run-1")

	if task.GetID() != "run-1" || task.GetUserID() != "user-1" {
		t.Errorf("Unexpected task identity %+v", task)
	}
	if task.GetDuration() != 0 {
		t.Error("Expected zero duration before start")
	}

	for i := 0; i < DefaultMaxRetries; i++ {
		if !task.CanRetry() {
			t.Fatalf("Expected retry %d to be allowed", i+1)
		}
		task.IncrementRetryCount()
	}
	if task.CanRetry() {
		t.Error("Expected retries to be exhausted")
	}

	if generated := NewTask(TaskTypeGeneratePlans, "user-1", ""); generated.GetID() == "" {
		t.Error("Expected a generated id")
	}
}
