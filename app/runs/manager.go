// Package runs owns the persisted outcome of pipeline runs: the user's
// current plan set, the append-only run history, and the per-user status
// document.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lysyi3m/outing-planner/app/database"
	"github.com/lysyi3m/outing-planner/app/planner"
)

var ErrRunInProgress = errors.New("another run is in progress")

const (
	StatusIdle       = "idle"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusError      = "error"

	// DefaultStaleAfter is how long an in_progress status may go without
	// an update before a new run may take over.
	DefaultStaleAfter = 15 * time.Minute
)

var _ planner.Recorder = (*Manager)(nil)

// Status is the per-user status document.
type Status struct {
	UserID        string    `json:"userId"`
	Status        string    `json:"planGenerationStatus"`
	LastPlanRunID string    `json:"lastPlanRunId,omitempty"`
	ActiveRunID   string    `json:"activeRunId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Run is one entry of the run history.
type Run struct {
	RunID         string                     `json:"runId"`
	CreatedAt     time.Time                  `json:"createdAt"`
	Input         planner.Trigger            `json:"inputParams"`
	PlanCount     int                        `json:"planCount"`
	PlanIDs       []string                   `json:"suggestedPlanIds"`
	Alternatives  []planner.AlternativeGroup `json:"alternatives,omitempty"`
	Justification string                     `json:"justification,omitempty"`
	Stats         planner.Stats              `json:"stats"`
	Outcome       string                     `json:"outcome"`
	Error         string                     `json:"error,omitempty"`
}

type Manager struct {
	repo       *database.PlanRepository
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
}

func NewManager(repo *database.PlanRepository) *Manager {
	return &Manager{
		repo:       repo,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// NewRunID returns a time-ordered unique run id.
func (m *Manager) NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	return id.String(), nil
}

// Begin moves the user to in_progress for runID. It fails with
// ErrRunInProgress while a different, recently updated run holds the user.
// Beginning the run that already holds the user succeeds, so redelivered
// tasks can proceed.
func (m *Manager) Begin(ctx context.Context, userID, runID string) error {
	cur, err := m.repo.GetStatus(ctx, userID)
	if err != nil {
		return err
	}

	now := m.now()
	next := database.StatusRecord{
		UserID:        userID,
		Status:        StatusInProgress,
		LastPlanRunID: lastRunID(cur),
		ActiveRunID:   runID,
		UpdatedAt:     now,
	}

	ok, err := m.repo.TransitionStatus(ctx, next, []string{StatusIdle, StatusCompleted, StatusError}, now.Add(-m.staleAfter))
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunInProgress
	}
	return nil
}

// Commit replaces the user's plan set, appends the run record and marks the
// status completed in one transaction. An empty plan set is stored as a
// single placeholder. Committing an already committed run is a no-op.
func (m *Manager) Commit(ctx context.Context, userID, runID string, plans []planner.SuggestedPlan, meta planner.RunMetadata) error {
	now := m.now()
	planCount := len(plans)

	if planCount == 0 {
		plans = []planner.SuggestedPlan{{
			ID:          m.newID(),
			RunID:       runID,
			CreatedAt:   now,
			Placeholder: true,
		}}
	}

	records := make([]database.PlanRecord, 0, len(plans))
	ids := make([]string, 0, len(plans))
	for i, p := range plans {
		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode plan %s: %w", p.ID, err)
		}
		records = append(records, database.PlanRecord{
			ID:          p.ID,
			UserID:      userID,
			RunID:       runID,
			Position:    i,
			Placeholder: p.Placeholder,
			Document:    doc,
			CreatedAt:   p.CreatedAt,
		})
		ids = append(ids, p.ID)
	}

	run, err := runRecord(userID, runID, now, meta)
	if err != nil {
		return err
	}
	run.PlanCount = planCount
	run.PlanIDs = ids
	run.Outcome = database.OutcomeCommitted

	status := database.StatusRecord{
		UserID:        userID,
		Status:        StatusCompleted,
		LastPlanRunID: runID,
		UpdatedAt:     now,
	}

	err = m.repo.ReplacePlans(ctx, userID, records, run, status)
	if errors.Is(err, database.ErrRunCommitted) {
		slog.Info("Run already committed", "run_id", runID, "user_id", userID)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("Plans committed", "run_id", runID, "user_id", userID, "plans", planCount)
	return nil
}

// Fail marks the user's status as error and writes an audit record with no
// plans. The current plan set is left as it was.
func (m *Manager) Fail(ctx context.Context, userID, runID string, meta planner.RunMetadata, cause error) error {
	cur, err := m.repo.GetStatus(ctx, userID)
	if err != nil {
		return err
	}

	now := m.now()
	run, err := runRecord(userID, runID, now, meta)
	if err != nil {
		return err
	}
	run.Outcome = database.OutcomeFailed
	if cause != nil {
		run.Error = cause.Error()
	}

	status := database.StatusRecord{
		UserID:        userID,
		Status:        StatusError,
		LastPlanRunID: lastRunID(cur),
		UpdatedAt:     now,
	}

	if err := m.repo.RecordFailure(ctx, run, status); err != nil {
		return err
	}

	slog.Warn("Run failed", "run_id", runID, "user_id", userID, "error", run.Error)
	return nil
}

// Acknowledge returns a completed or errored user to idle. Idle users are
// left alone; users with a run in progress get ErrRunInProgress.
func (m *Manager) Acknowledge(ctx context.Context, userID string) error {
	cur, err := m.repo.GetStatus(ctx, userID)
	if err != nil {
		return err
	}
	if cur == nil || cur.Status == StatusIdle {
		return nil
	}

	next := database.StatusRecord{
		UserID:        userID,
		Status:        StatusIdle,
		LastPlanRunID: cur.LastPlanRunID,
		UpdatedAt:     m.now(),
	}

	ok, err := m.repo.TransitionStatus(ctx, next, []string{StatusCompleted, StatusError}, time.Time{})
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunInProgress
	}
	return nil
}

// Committed reports whether runID already has a committed record.
func (m *Manager) Committed(ctx context.Context, userID, runID string) (bool, error) {
	run, err := m.repo.GetRun(ctx, userID, runID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.Outcome == database.OutcomeCommitted, nil
}

func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	rec, err := m.repo.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Status{UserID: userID, Status: StatusIdle}, nil
	}
	return &Status{
		UserID:        rec.UserID,
		Status:        rec.Status,
		LastPlanRunID: rec.LastPlanRunID,
		ActiveRunID:   rec.ActiveRunID,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

// CurrentPlans returns the user's current plan set in display order. A
// single placeholder means the last run found nothing.
func (m *Manager) CurrentPlans(ctx context.Context, userID string) ([]planner.SuggestedPlan, error) {
	records, err := m.repo.ListPlans(ctx, userID)
	if err != nil {
		return nil, err
	}

	plans := make([]planner.SuggestedPlan, 0, len(records))
	for _, rec := range records {
		var p planner.SuggestedPlan
		if err := json.Unmarshal(rec.Document, &p); err != nil {
			return nil, fmt.Errorf("failed to decode plan %s: %w", rec.ID, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (m *Manager) History(ctx context.Context, userID string, limit int) ([]Run, error) {
	records, err := m.repo.ListRuns(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(records))
	for _, rec := range records {
		r, err := decodeRun(rec)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

func (m *Manager) Run(ctx context.Context, userID, runID string) (*Run, error) {
	rec, err := m.repo.GetRun(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	return decodeRun(*rec)
}

func runRecord(userID, runID string, now time.Time, meta planner.RunMetadata) (database.RunRecord, error) {
	input, err := json.Marshal(meta.Input)
	if err != nil {
		return database.RunRecord{}, fmt.Errorf("failed to encode run input: %w", err)
	}
	alternatives, err := json.Marshal(meta.Alternatives)
	if err != nil {
		return database.RunRecord{}, fmt.Errorf("failed to encode alternatives: %w", err)
	}
	stats, err := json.Marshal(runStats{Stats: meta.Stats, Justification: meta.Justification})
	if err != nil {
		return database.RunRecord{}, fmt.Errorf("failed to encode stats: %w", err)
	}

	return database.RunRecord{
		UserID:       userID,
		RunID:        runID,
		CreatedAt:    now,
		Input:        input,
		Alternatives: alternatives,
		Stats:        stats,
	}, nil
}

// runStats is the stored form of the stats column.
type runStats struct {
	planner.Stats
	Justification string `json:"justification,omitempty"`
}

func decodeRun(rec database.RunRecord) (*Run, error) {
	r := &Run{
		RunID:     rec.RunID,
		CreatedAt: rec.CreatedAt,
		PlanCount: rec.PlanCount,
		PlanIDs:   rec.PlanIDs,
		Outcome:   rec.Outcome,
		Error:     rec.Error,
	}

	if err := json.Unmarshal(rec.Input, &r.Input); err != nil {
		return nil, fmt.Errorf("failed to decode run input: %w", err)
	}
	if len(rec.Alternatives) > 0 {
		if err := json.Unmarshal(rec.Alternatives, &r.Alternatives); err != nil {
			return nil, fmt.Errorf("failed to decode alternatives: %w", err)
		}
	}

	var stats runStats
	if len(rec.Stats) > 0 {
		if err := json.Unmarshal(rec.Stats, &stats); err != nil {
			return nil, fmt.Errorf("failed to decode stats: %w", err)
		}
	}
	r.Stats = stats.Stats
	r.Justification = stats.Justification

	return r, nil
}

func lastRunID(s *database.StatusRecord) string {
	if s == nil {
		return ""
	}
	return s.LastPlanRunID
}
