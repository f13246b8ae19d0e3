package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

type TaskType string

const (
	TaskTypeGeneratePlans TaskType = "generate_plans"
	TaskTypeDeliverPlans  TaskType = "deliver_generate_plans"
)

const (
	DefaultMaxRetries = 3
	// DeliveryMaxRetries bounds redelivery of callback tasks.
	DeliveryMaxRetries = 10
)

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetUserID() string
	GetRetryCount() int
	GetMaxRetries() int
	IncrementRetryCount()
	CanRetry() bool
	Start()
	GetDuration() time.Duration
}

type Task struct {
	ID         string
	Type       TaskType
	UserID     string
	RetryCount int
	MaxRetries int
	StartedAt  *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetUserID() string {
	return t.UserID
}

func (t *Task) GetRetryCount() int {
	return t.RetryCount
}

func (t *Task) GetMaxRetries() int {
	return t.MaxRetries
}

func (t *Task) IncrementRetryCount() {
	t.RetryCount++
}

func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

// NewTask creates a task. An empty id gets a generated one.
func NewTask(taskType TaskType, userID, id string) Task {
	if id == "" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Intn(10000))
	}

	return Task{
		ID:         id,
		Type:       taskType,
		UserID:     userID,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}
}
