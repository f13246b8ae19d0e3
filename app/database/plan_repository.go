package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
)

// ErrRunCommitted is returned when a run id already has a committed record.
var ErrRunCommitted = errors.New("run already committed")

type PlanRecord struct {
	ID          string
	UserID      string
	RunID       string
	Position    int
	Placeholder bool
	Document    []byte
	CreatedAt   time.Time
}

type RunRecord struct {
	UserID       string
	RunID        string
	CreatedAt    time.Time
	Input        []byte
	PlanCount    int
	PlanIDs      []string
	Alternatives []byte
	Stats        []byte
	Outcome      string
	Error        string
}

type StatusRecord struct {
	UserID        string
	Status        string
	LastPlanRunID string
	ActiveRunID   string
	UpdatedAt     time.Time
}

type PlanRepository struct {
	db *DB
}

func NewPlanRepository(db *DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// ReplacePlans swaps the user's current plan set, appends the run record and
// writes the status in one transaction. Any failure leaves the previous set
// untouched.
func (r *PlanRepository) ReplacePlans(ctx context.Context, userID string, plans []PlanRecord, run RunRecord, status StatusRecord) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var outcome string
	err = tx.QueryRowContext(ctx,
		`SELECT outcome FROM plan_runs WHERE user_id = ? AND run_id = ?`, userID, run.RunID).Scan(&outcome)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("failed to check run record: %w", err)
	case outcome == OutcomeCommitted:
		return ErrRunCommitted
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM suggested_plans WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete current plans: %w", err)
	}

	for _, p := range plans {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO suggested_plans (id, user_id, run_id, position, placeholder, document, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, userID, p.RunID, p.Position, p.Placeholder, string(p.Document), toMillis(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert plan %s: %w", p.ID, err)
		}
	}

	if err = upsertRun(ctx, tx, run); err != nil {
		return err
	}

	if err = upsertStatus(ctx, tx, status); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plans: %w", err)
	}
	return nil
}

// RecordFailure writes a failed run record and status without touching the
// current plan set. A committed record for the same run is never downgraded.
func (r *PlanRepository) RecordFailure(ctx context.Context, run RunRecord, status StatusRecord) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = upsertRun(ctx, tx, run); err != nil {
		return err
	}
	if err = upsertStatus(ctx, tx, status); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure record: %w", err)
	}
	return nil
}

func upsertRun(ctx context.Context, tx *sql.Tx, run RunRecord) error {
	planIDs, err := json.Marshal(nonNil(run.PlanIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal plan ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plan_runs (user_id, run_id, created_at, input, plan_count, plan_ids, alternatives, stats, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, run_id) DO UPDATE SET
			created_at = excluded.created_at,
			input = excluded.input,
			plan_count = excluded.plan_count,
			plan_ids = excluded.plan_ids,
			alternatives = excluded.alternatives,
			stats = excluded.stats,
			outcome = excluded.outcome,
			error = excluded.error
		WHERE plan_runs.outcome = 'failed'`,
		run.UserID, run.RunID, toMillis(run.CreatedAt), jsonOr(run.Input, "{}"), run.PlanCount,
		string(planIDs), jsonOr(run.Alternatives, "[]"), jsonOr(run.Stats, "{}"), run.Outcome, run.Error)
	if err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

func upsertStatus(ctx context.Context, tx *sql.Tx, s StatusRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO plan_status (user_id, status, last_plan_run_id, active_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_plan_run_id = excluded.last_plan_run_id,
			active_run_id = excluded.active_run_id,
			updated_at = excluded.updated_at`,
		s.UserID, s.Status, s.LastPlanRunID, s.ActiveRunID, toMillis(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// TransitionStatus writes next only when the stored status is one of from,
// when the stored active run equals next.ActiveRunID, or when an in_progress
// status was last updated before staleBefore. It reports whether the write
// happened. A user without a status row always transitions.
func (r *PlanRepository) TransitionStatus(ctx context.Context, next StatusRecord, from []string, staleBefore time.Time) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	if placeholders == "" {
		placeholders = "''"
	}

	args := []any{next.UserID, next.Status, next.LastPlanRunID, next.ActiveRunID, toMillis(next.UpdatedAt)}
	for _, s := range from {
		args = append(args, s)
	}
	args = append(args, next.ActiveRunID, toMillis(staleBefore))

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO plan_status (user_id, status, last_plan_run_id, active_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_plan_run_id = excluded.last_plan_run_id,
			active_run_id = excluded.active_run_id,
			updated_at = excluded.updated_at
		WHERE plan_status.status IN (`+placeholders+`)
			OR (plan_status.active_run_id != '' AND plan_status.active_run_id = ?)
			OR (plan_status.status = 'in_progress' AND plan_status.updated_at < ?)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// GetStatus returns nil, nil for users that never ran the pipeline.
func (r *PlanRepository) GetStatus(ctx context.Context, userID string) (*StatusRecord, error) {
	var s StatusRecord
	var updatedAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, status, last_plan_run_id, active_run_id, updated_at
		FROM plan_status WHERE user_id = ?`, userID).
		Scan(&s.UserID, &s.Status, &s.LastPlanRunID, &s.ActiveRunID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

func (r *PlanRepository) ListPlans(ctx context.Context, userID string) ([]PlanRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, run_id, position, placeholder, document, created_at
		FROM suggested_plans WHERE user_id = ? ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []PlanRecord
	for rows.Next() {
		var p PlanRecord
		var document string
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.RunID, &p.Position, &p.Placeholder, &document, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		p.Document = []byte(document)
		p.CreatedAt = fromMillis(createdAt)
		plans = append(plans, p)
	}

	return plans, rows.Err()
}

func (r *PlanRepository) GetRun(ctx context.Context, userID, runID string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, run_id, created_at, input, plan_count, plan_ids, alternatives, stats, outcome, error
		FROM plan_runs WHERE user_id = ? AND run_id = ?`, userID, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the user's run history, newest first.
func (r *PlanRepository) ListRuns(ctx context.Context, userID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, run_id, created_at, input, plan_count, plan_ids, alternatives, stats, outcome, error
		FROM plan_runs WHERE user_id = ? ORDER BY run_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	var createdAt int64
	var input, planIDs, alternatives, stats string

	if err := row.Scan(&run.UserID, &run.RunID, &createdAt, &input, &run.PlanCount,
		&planIDs, &alternatives, &stats, &run.Outcome, &run.Error); err != nil {
		return nil, err
	}

	run.CreatedAt = fromMillis(createdAt)
	run.Input = []byte(input)
	run.Alternatives = []byte(alternatives)
	run.Stats = []byte(stats)
	if err := json.Unmarshal([]byte(planIDs), &run.PlanIDs); err != nil {
		return nil, fmt.Errorf("failed to decode plan ids: %w", err)
	}
	return &run, nil
}

func jsonOr(data []byte, fallback string) string {
	if len(data) == 0 {
		return fallback
	}
	return string(data)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
