package tasks

import "context"

// Queue accepts tasks for at-least-once execution.
type Queue interface {
	EnqueueTask(task TaskInterface) error
}

// TaskSchedulerInterface is a Queue backed by a local worker pool.
// Example usage:
//
//	scheduler := NewScheduler(workerCount)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewGeneratePlansTask(payload, dispatcher))
type TaskSchedulerInterface interface {
	Queue
	Start()
	Stop()
}

// Executor runs the pipeline for one task payload. It must be safe to call
// more than once with the same payload.
type Executor interface {
	Execute(ctx context.Context, p TaskPayload) error
}
