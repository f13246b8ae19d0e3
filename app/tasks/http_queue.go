package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var _ Queue = (*HTTPQueue)(nil)

// HTTPQueue delivers pipeline runs to an authenticated callback endpoint,
// typically another instance of this service behind a load balancer. The
// POST is retried by the underlying scheduler until the endpoint accepts it.
type HTTPQueue struct {
	scheduler   Queue
	client      *http.Client
	callbackURL string
	key         string
}

func NewHTTPQueue(scheduler Queue, client *http.Client, callbackURL, key string) *HTTPQueue {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPQueue{
		scheduler:   scheduler,
		client:      client,
		callbackURL: callbackURL,
		key:         key,
	}
}

// EnqueueTask accepts tasks that carry a TaskPayload.
func (q *HTTPQueue) EnqueueTask(task TaskInterface) error {
	carrier, ok := task.(interface{ Payload() TaskPayload })
	if !ok {
		return fmt.Errorf("task %s of type %s has no payload to deliver", task.GetID(), task.GetType())
	}

	return q.scheduler.EnqueueTask(&DeliverTask{
		Task: Task{
			ID:         task.GetID(),
			Type:       TaskTypeDeliverPlans,
			UserID:     task.GetUserID(),
			MaxRetries: DeliveryMaxRetries,
		},
		payload: carrier.Payload(),
		queue:   q,
	})
}

// DeliverTask POSTs one payload to the callback endpoint.
type DeliverTask struct {
	Task
	payload TaskPayload
	queue   *HTTPQueue
}

func (t *DeliverTask) Execute(ctx context.Context) error {
	body, err := json.Marshal(t.payload)
	if err != nil {
		return fmt.Errorf("%w: failed to encode payload: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.queue.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.queue.key)

	resp, err := t.queue.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver run %s: %w", t.payload.RunID, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Info("Run delivered", "run_id", t.payload.RunID, "user_id", t.UserID, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: callback rejected run %s with status %d: %s", ErrPermanent, t.payload.RunID, resp.StatusCode, bytes.TrimSpace(detail))
	default:
		return fmt.Errorf("callback returned status %d for run %s", resp.StatusCode, t.payload.RunID)
	}
}
