package tasks

import (
	"context"
	"log/slog"

	"github.com/lysyi3m/outing-planner/app/planner"
)

// TaskPayload is the body of a queued pipeline run: the trigger plus the run
// id minted at enqueue time.
type TaskPayload struct {
	RunID   string          `json:"runId"`
	Trigger planner.Trigger `json:"trigger"`
}

type GeneratePlansTask struct {
	Task
	payload  TaskPayload
	executor Executor
}

func NewGeneratePlansTask(payload TaskPayload, executor Executor) *GeneratePlansTask {
	return &GeneratePlansTask{
		Task:     NewTask(TaskTypeGeneratePlans, payload.Trigger.UserID, payload.RunID),
		payload:  payload,
		executor: executor,
	}
}

func (t *GeneratePlansTask) Payload() TaskPayload {
	return t.payload
}

func (t *GeneratePlansTask) Execute(ctx context.Context) error {
	slog.Debug("Generating plans", "run_id", t.payload.RunID, "user_id", t.UserID, "attempt", t.RetryCount+1)
	return t.executor.Execute(ctx, t.payload)
}
