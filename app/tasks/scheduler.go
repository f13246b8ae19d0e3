package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	queueSize          = 300
	DefaultTaskTimeout = 5 * time.Minute
	maxRetryDelay      = 30 * time.Second
)

// ErrPermanent marks a task failure that no retry can fix.
var ErrPermanent = errors.New("permanent task failure")

var _ TaskSchedulerInterface = (*Scheduler)(nil)

// Scheduler is an in-process queue with a fixed worker pool. Failed tasks
// are re-enqueued with a capped exponential delay until they run out of
// retries, which gives at-least-once execution while the process lives.
type Scheduler struct {
	workerCount int
	taskTimeout time.Duration
	retryUnit   time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	retries     sync.WaitGroup
	taskQueue   chan TaskInterface
}

func NewScheduler(workerCount int, taskTimeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if workerCount < 1 {
		workerCount = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}

	return &Scheduler{
		workerCount: workerCount,
		taskTimeout: taskTimeout,
		retryUnit:   time.Second,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, queueSize),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	slog.Debug("Task scheduler started", "workers", s.workerCount)
}

// Stop cancels running tasks and waits for workers and pending retries to
// exit. Queued tasks that were not started are dropped.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.retries.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.taskQueue <- task:
		slog.Debug("Task enqueued", "type", string(task.GetType()), "id", task.GetID(), "user_id", task.GetUserID())
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task, ok := <-s.taskQueue:
			if !ok {
				return
			}
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		slog.Debug("Task completed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "duration", task.GetDuration().String())
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if errors.Is(err, ErrPermanent) {
		slog.Error("Task failed permanently", "type", string(task.GetType()), "id", task.GetID(), "error", err)
		return
	}

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := s.retryDelay(task.GetRetryCount())

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "user_id", task.GetUserID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.retries.Add(1)
	go func() {
		defer s.retries.Done()

		timer := time.NewTimer(retryDelay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
			return
		case <-timer.C:
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}

func (s *Scheduler) retryDelay(retry int) time.Duration {
	delay := time.Duration(1<<uint(retry-1)) * s.retryUnit
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
