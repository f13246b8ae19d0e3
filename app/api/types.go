package api

import (
	"context"
	"time"

	"github.com/lysyi3m/outing-planner/app/planner"
	"github.com/lysyi3m/outing-planner/app/runs"
	"github.com/lysyi3m/outing-planner/app/tasks"
)

type DispatcherInterface interface {
	Enqueue(ctx context.Context, t planner.Trigger) (*tasks.TaskHandle, error)
	RunInline(ctx context.Context, t planner.Trigger) (*planner.Outcome, error)
	Execute(ctx context.Context, p tasks.TaskPayload) error
}

type PlanStoreInterface interface {
	Status(ctx context.Context, userID string) (*runs.Status, error)
	CurrentPlans(ctx context.Context, userID string) ([]planner.SuggestedPlan, error)
	History(ctx context.Context, userID string, limit int) ([]runs.Run, error)
	Run(ctx context.Context, userID, runID string) (*runs.Run, error)
	Acknowledge(ctx context.Context, userID string) error
}

var (
	_ DispatcherInterface = (*tasks.Dispatcher)(nil)
	_ PlanStoreInterface  = (*runs.Manager)(nil)
)

type Handler struct {
	dispatcher DispatcherInterface
	store      PlanStoreInterface
	version    string
	startedAt  time.Time
}

// generateRequest is the body of POST /api/users/:user/plans. The user id
// comes from the path.
type generateRequest struct {
	Location      string                `json:"location"`
	Interests     []string              `json:"interests"`
	TransportMode planner.TransportMode `json:"transportMode"`
	MaxResults    int                   `json:"maxResults"`
	DateRange     planner.DateRange     `json:"dateRange"`
}
