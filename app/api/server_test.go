package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lysyi3m/outing-planner/app/database"
	"github.com/lysyi3m/outing-planner/app/planner"
	"github.com/lysyi3m/outing-planner/app/runs"
	"github.com/lysyi3m/outing-planner/app/tasks"
)

const (
	testAPIKey  = "api-secret"
	testTaskKey = "task-secret"
)

type mockDispatcher struct {
	enqueued   []planner.Trigger
	inline     []planner.Trigger
	executed   []tasks.TaskPayload
	err        error
	executeErr error
}

func (m *mockDispatcher) Enqueue(ctx context.Context, t planner.Trigger) (*tasks.TaskHandle, error) {
	m.enqueued = append(m.enqueued, t)
	if m.err != nil {
		return nil, m.err
	}
	return &tasks.TaskHandle{TaskID: "run-1", RunID: "run-1", UserID: t.UserID, Status: runs.StatusInProgress}, nil
}

func (m *mockDispatcher) RunInline(ctx context.Context, t planner.Trigger) (*planner.Outcome, error) {
	m.inline = append(m.inline, t)
	if m.err != nil {
		return nil, m.err
	}
	return &planner.Outcome{
		RunID: "run-inline",
		Plans: []planner.SuggestedPlan{{ID: "p1", PlanName: "Dinosaur day"}},
	}, nil
}

func (m *mockDispatcher) Execute(ctx context.Context, p tasks.TaskPayload) error {
	m.executed = append(m.executed, p)
	return m.executeErr
}

type mockStore struct {
	status   *runs.Status
	plans    []planner.SuggestedPlan
	history  []runs.Run
	limit    int
	ackErr   error
	err      error
	acked    bool
	runFound bool
}

func (m *mockStore) Status(ctx context.Context, userID string) (*runs.Status, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.status == nil {
		return &runs.Status{UserID: userID, Status: runs.StatusIdle}, nil
	}
	return m.status, nil
}

func (m *mockStore) CurrentPlans(ctx context.Context, userID string) ([]planner.SuggestedPlan, error) {
	return m.plans, m.err
}

func (m *mockStore) History(ctx context.Context, userID string, limit int) ([]runs.Run, error) {
	m.limit = limit
	return m.history, m.err
}

func (m *mockStore) Run(ctx context.Context, userID, runID string) (*runs.Run, error) {
	if !m.runFound {
		return nil, fmt.Errorf("get run: %w", database.ErrNotFound)
	}
	return &runs.Run{RunID: runID}, nil
}

func (m *mockStore) Acknowledge(ctx context.Context, userID string) error {
	if m.ackErr != nil {
		return m.ackErr
	}
	m.acked = true
	m.status = &runs.Status{UserID: userID, Status: runs.StatusIdle}
	return nil
}

func newTestServer(d *mockDispatcher, s *mockStore) http.Handler {
	return NewServer(NewHandler(d, s, "test"), testAPIKey, testTaskKey)
}

func do(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	w := do(t, newTestServer(&mockDispatcher{}, &mockStore{}), http.MethodGet, "/health", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected health body %s", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(&mockDispatcher{}, &mockStore{})

	tests := []struct {
		name     string
		header   string
		value    string
		expected int
	}{
		{"missing key", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"header key", "X-API-Key", testAPIKey, http.StatusOK},
		{"bearer key", "Authorization", "Bearer " + testAPIKey, http.StatusOK},
		{"task key on api", "X-API-Key", testTaskKey, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users/u1/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	h := NewServer(NewHandler(&mockDispatcher{}, &mockStore{}, "test"), "", "")

	if w := do(t, h, http.MethodGet, "/api/users/u1/status", "anything", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with API disabled, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks/generate-plans", "anything", "{}"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with task endpoint disabled, got %d", w.Code)
	}
}

func TestCreatePlans_Enqueue(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestServer(d, &mockStore{})

	body := `{"location":"Yokohama","interests":["dinosaurs"],"transportMode":"car","maxResults":3}`
	w := do(t, h, http.MethodPost, "/api/users/u1/plans", testAPIKey, body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(d.enqueued) != 1 {
		t.Fatalf("Expected one enqueued trigger, got %d", len(d.enqueued))
	}
	got := d.enqueued[0]
	if got.UserID != "u1" || got.Location != "Yokohama" || got.TransportMode != planner.TransportCar || got.MaxResults != 3 {
		t.Errorf("Unexpected trigger %+v", got)
	}

	var handle tasks.TaskHandle
	if err := json.Unmarshal(w.Body.Bytes(), &handle); err != nil {
		t.Fatalf("Failed to decode handle: %v", err)
	}
	if handle.RunID != "run-1" || handle.Status != runs.StatusInProgress {
		t.Errorf("Unexpected handle %+v", handle)
	}
}

func TestCreatePlans_Inline(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestServer(d, &mockStore{})

	w := do(t, h, http.MethodPost, "/api/users/u1/plans?mode=inline", testAPIKey, `{"location":"Yokohama","interests":["dinosaurs"]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(d.inline) != 1 || len(d.enqueued) != 0 {
		t.Errorf("Expected an inline run only, got inline=%d enqueued=%d", len(d.inline), len(d.enqueued))
	}
	if !strings.Contains(w.Body.String(), `"runId":"run-inline"`) || !strings.Contains(w.Body.String(), "Dinosaur day") {
		t.Errorf("Unexpected inline body %s", w.Body.String())
	}
}

func TestCreatePlans_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		expected int
	}{
		{"malformed body", `{"location":`, nil, http.StatusBadRequest},
		{"invalid trigger", `{"location":""}`, fmt.Errorf("%w: location is required", planner.ErrInvalidInput), http.StatusBadRequest},
		{"run in progress", `{"location":"Tokyo","interests":["trains"]}`, runs.ErrRunInProgress, http.StatusConflict},
		{"persistence failure", `{"location":"Tokyo","interests":["trains"]}`, errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&mockDispatcher{err: tt.err}, &mockStore{})
			w := do(t, h, http.MethodPost, "/api/users/u1/plans", testAPIKey, tt.body)
			if w.Code != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestGetPlansAndStatus(t *testing.T) {
	s := &mockStore{
		plans:  []planner.SuggestedPlan{{ID: "p1"}, {ID: "p2"}},
		status: &runs.Status{UserID: "u1", Status: runs.StatusCompleted, LastPlanRunID: "run-1"},
	}
	h := newTestServer(&mockDispatcher{}, s)

	w := do(t, h, http.MethodGet, "/api/users/u1/plans", testAPIKey, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":2`) {
		t.Errorf("Unexpected plans response %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/users/u1/status", testAPIKey, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"planGenerationStatus":"completed"`) {
		t.Errorf("Unexpected status response %d %s", w.Code, w.Body.String())
	}

	s.err = errors.New("database is locked")
	if w := do(t, h, http.MethodGet, "/api/users/u1/plans", testAPIKey, ""); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 on store failure, got %d", w.Code)
	}
}

func TestAcknowledgeStatus(t *testing.T) {
	s := &mockStore{status: &runs.Status{UserID: "u1", Status: runs.StatusCompleted}}
	h := newTestServer(&mockDispatcher{}, s)

	w := do(t, h, http.MethodPost, "/api/users/u1/status/ack", testAPIKey, "")
	if w.Code != http.StatusOK || !s.acked {
		t.Fatalf("Expected acknowledge to succeed, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"planGenerationStatus":"idle"`) {
		t.Errorf("Expected idle status in response, got %s", w.Body.String())
	}

	s.ackErr = runs.ErrRunInProgress
	if w := do(t, h, http.MethodPost, "/api/users/u1/status/ack", testAPIKey, ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while running, got %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	s := &mockStore{history: []runs.Run{{RunID: "run-2"}, {RunID: "run-1"}}}
	h := newTestServer(&mockDispatcher{}, s)

	tests := []struct {
		query    string
		code     int
		expected int
	}{
		{"", http.StatusOK, defaultRunsLimit},
		{"?limit=5", http.StatusOK, 5},
		{"?limit=1000", http.StatusOK, maxRunsLimit},
		{"?limit=zero", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		s.limit = 0
		w := do(t, h, http.MethodGet, "/api/users/u1/runs"+tt.query, testAPIKey, "")
		if w.Code != tt.code {
			t.Errorf("%q: expected %d, got %d", tt.query, tt.code, w.Code)
		}
		if s.limit != tt.expected {
			t.Errorf("%q: expected limit %d, got %d", tt.query, tt.expected, s.limit)
		}
	}
}

func TestGetRun(t *testing.T) {
	s := &mockStore{}
	h := newTestServer(&mockDispatcher{}, s)

	if w := do(t, h, http.MethodGet, "/api/users/u1/runs/run-9", testAPIKey, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown run, got %d", w.Code)
	}

	s.runFound = true
	w := do(t, h, http.MethodGet, "/api/users/u1/runs/run-9", testAPIKey, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"runId":"run-9"`) {
		t.Errorf("Unexpected run response %d %s", w.Code, w.Body.String())
	}
}

func TestGeneratePlansTask(t *testing.T) {
	payload := `{"runId":"run-1","trigger":{"userId":"u1","location":"Yokohama","interests":["dinosaurs"]}}`

	tests := []struct {
		name     string
		key      string
		body     string
		err      error
		expected int
	}{
		{"accepted", testTaskKey, payload, nil, http.StatusOK},
		{"api key rejected", testAPIKey, payload, nil, http.StatusUnauthorized},
		{"malformed payload", testTaskKey, `{"runId":`, nil, http.StatusBadRequest},
		{"permanent failure", testTaskKey, payload, fmt.Errorf("%w: runId is required", tasks.ErrPermanent), http.StatusBadRequest},
		{"commit failure", testTaskKey, payload, errors.New("commit failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{executeErr: tt.err}
			w := do(t, newTestServer(d, &mockStore{}), http.MethodPost, "/tasks/generate-plans", tt.key, tt.body)
			if w.Code != tt.expected {
				t.Fatalf("Expected %d, got %d: %s", tt.expected, w.Code, w.Body.String())
			}
			if tt.expected == http.StatusOK && (len(d.executed) != 1 || d.executed[0].RunID != "run-1" || d.executed[0].Trigger.UserID != "u1") {
				t.Errorf("Unexpected executed payloads %+v", d.executed)
			}
		})
	}
}
