package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/outing-planner/app/planner"
	"github.com/lysyi3m/outing-planner/app/runs"
)

var _ Executor = (*Dispatcher)(nil)

type Pipeline interface {
	Run(ctx context.Context, runID string, t planner.Trigger) (*planner.Outcome, error)
}

// RunTracker is the part of the run manager the dispatcher needs.
type RunTracker interface {
	NewRunID() (string, error)
	Begin(ctx context.Context, userID, runID string) error
	Committed(ctx context.Context, userID, runID string) (bool, error)
	Fail(ctx context.Context, userID, runID string, meta planner.RunMetadata, cause error) error
}

// TaskHandle is returned by Enqueue. Progress is read from the user's status
// document, not from the handle.
type TaskHandle struct {
	TaskID string `json:"taskId"`
	RunID  string `json:"runId"`
	UserID string `json:"userId"`
	Status string `json:"planGenerationStatus"`
}

// Dispatcher starts pipeline runs either inline or through a Queue.
type Dispatcher struct {
	pipeline Pipeline
	runs     RunTracker
	queue    Queue
	loc      *time.Location
	now      func() time.Time
}

func NewDispatcher(pipeline Pipeline, tracker RunTracker, queue Queue, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		pipeline: pipeline,
		runs:     tracker,
		queue:    queue,
		loc:      loc,
		now:      time.Now,
	}
}

// Enqueue validates the trigger, marks the user in_progress under a new run
// id and hands the run to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, t planner.Trigger) (*TaskHandle, error) {
	if d.queue == nil {
		return nil, errors.New("no task queue configured")
	}

	runID, err := d.begin(ctx, &t)
	if err != nil {
		return nil, err
	}

	task := NewGeneratePlansTask(TaskPayload{RunID: runID, Trigger: t}, d)
	if err := d.queue.EnqueueTask(task); err != nil {
		cause := fmt.Errorf("failed to enqueue run %s: %w", runID, err)
		if ferr := d.runs.Fail(context.WithoutCancel(ctx), t.UserID, runID, planner.RunMetadata{Input: t}, cause); ferr != nil {
			slog.Error("Failed to record enqueue failure", "run_id", runID, "user_id", t.UserID, "error", ferr)
		}
		return nil, cause
	}

	slog.Info("Run enqueued", "run_id", runID, "user_id", t.UserID, "task_id", task.GetID())

	return &TaskHandle{
		TaskID: task.GetID(),
		RunID:  runID,
		UserID: t.UserID,
		Status: runs.StatusInProgress,
	}, nil
}

// RunInline executes the pipeline on the caller's goroutine.
func (d *Dispatcher) RunInline(ctx context.Context, t planner.Trigger) (*planner.Outcome, error) {
	runID, err := d.begin(ctx, &t)
	if err != nil {
		return nil, err
	}
	return d.pipeline.Run(ctx, runID, t)
}

// Execute runs a queued payload. Redelivery of a committed run is a no-op,
// and a payload whose user is held by a different active run is dropped.
func (d *Dispatcher) Execute(ctx context.Context, p TaskPayload) error {
	if p.RunID == "" {
		return fmt.Errorf("%w: %w: runId is required", ErrPermanent, planner.ErrInvalidInput)
	}

	t := p.Trigger
	t.Normalize(d.now(), d.loc)
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	committed, err := d.runs.Committed(ctx, t.UserID, p.RunID)
	if err != nil {
		return err
	}
	if committed {
		slog.Info("Run already committed, skipping redelivery", "run_id", p.RunID, "user_id", t.UserID)
		return nil
	}

	err = d.runs.Begin(ctx, t.UserID, p.RunID)
	if errors.Is(err, runs.ErrRunInProgress) {
		slog.Warn("Another run holds the user, dropping redelivery", "run_id", p.RunID, "user_id", t.UserID)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = d.pipeline.Run(ctx, p.RunID, t)
	return err
}

func (d *Dispatcher) begin(ctx context.Context, t *planner.Trigger) (string, error) {
	t.Normalize(d.now(), d.loc)
	if err := t.Validate(); err != nil {
		return "", err
	}

	runID, err := d.runs.NewRunID()
	if err != nil {
		return "", err
	}
	if err := d.runs.Begin(ctx, t.UserID, runID); err != nil {
		return "", err
	}
	return runID, nil
}
