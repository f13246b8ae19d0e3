package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, dirty, err := RunMigrations(db); err != nil || dirty {
		t.Fatalf("Failed to run migrations: dirty=%v err=%v", dirty, err)
	}

	return db
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := RunMigrations(db)
	if err != nil {
		t.Fatalf("Expected second migration run to succeed, got %v", err)
	}
	if dirty {
		t.Error("Expected clean migration state")
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}
}

func TestNewCacheRepository_UnknownTable(t *testing.T) {
	db := setupTestDB(t)

	if _, err := NewCacheRepository(db, "users; DROP TABLE x"); err == nil {
		t.Error("Expected error for unknown table")
	}
}

func TestCacheRepository_PutGetTouch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	repo, err := NewCacheRepository(db, TableFetchCache)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	missing, err := repo.Get(ctx, "absent")
	if err != nil || missing != nil {
		t.Fatalf("Expected nil, nil for miss, got %v, %v", missing, err)
	}

	fetchedAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := CacheRecord{
		Key:          "k1",
		Payload:      []byte("<html>body</html>"),
		FetchedAt:    fetchedAt,
		ETag:         `"v1"`,
		LastModified: "Fri, 01 May 2026 10:00:00 GMT",
		TTLSeconds:   3600,
	}
	if err := repo.Put(ctx, rec); err != nil {
		t.Fatalf("Failed to put record: %v", err)
	}

	got, err := repo.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("Expected payload %q, got %q", rec.Payload, got.Payload)
	}
	if !got.FetchedAt.Equal(fetchedAt) {
		t.Errorf("Expected fetched_at %v, got %v", fetchedAt, got.FetchedAt)
	}
	if got.ETag != `"v1"` || got.TTLSeconds != 3600 {
		t.Errorf("Unexpected validators/ttl: %+v", got)
	}

	touchedAt := fetchedAt.Add(2 * time.Hour)
	if err := repo.Touch(ctx, "k1", touchedAt); err != nil {
		t.Fatalf("Failed to touch record: %v", err)
	}

	got, _ = repo.Get(ctx, "k1")
	if !got.FetchedAt.Equal(touchedAt) {
		t.Errorf("Expected touched fetched_at %v, got %v", touchedAt, got.FetchedAt)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Error("Expected payload to survive touch")
	}

	if err := repo.Touch(ctx, "absent", touchedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound when touching a missing key, got %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil || count != 1 {
		t.Errorf("Expected count 1, got %d (err %v)", count, err)
	}
}

func testPlans(userID, runID string, ids ...string) []PlanRecord {
	plans := make([]PlanRecord, 0, len(ids))
	for i, id := range ids {
		plans = append(plans, PlanRecord{
			ID:        id,
			UserID:    userID,
			RunID:     runID,
			Position:  i,
			Document:  []byte(`{"planName":"` + id + `"}`),
			CreatedAt: time.Now(),
		})
	}
	return plans
}

func committedRun(userID, runID string, planIDs ...string) RunRecord {
	return RunRecord{
		UserID:    userID,
		RunID:     runID,
		CreatedAt: time.Now(),
		Input:     []byte(`{"location":"Yokohama"}`),
		PlanCount: len(planIDs),
		PlanIDs:   planIDs,
		Outcome:   OutcomeCommitted,
	}
}

func TestPlanRepository_ReplacePlans(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	status := StatusRecord{UserID: "u1", Status: "completed", LastPlanRunID: "r1", UpdatedAt: time.Now()}
	if err := repo.ReplacePlans(ctx, "u1", testPlans("u1", "r1", "a", "b"), committedRun("u1", "r1", "a", "b"), status); err != nil {
		t.Fatalf("Failed to replace plans: %v", err)
	}

	status.LastPlanRunID = "r2"
	if err := repo.ReplacePlans(ctx, "u1", testPlans("u1", "r2", "c"), committedRun("u1", "r2", "c"), status); err != nil {
		t.Fatalf("Failed to replace plans: %v", err)
	}

	plans, err := repo.ListPlans(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to list plans: %v", err)
	}
	if len(plans) != 1 || plans[0].ID != "c" {
		t.Errorf("Expected only plan c after replacement, got %+v", plans)
	}

	runs, err := repo.ListRuns(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 run records, got %d", len(runs))
	}
	if runs[0].RunID != "r2" {
		t.Errorf("Expected newest run first, got %s", runs[0].RunID)
	}
	if len(runs[1].PlanIDs) != 2 {
		t.Errorf("Expected 2 plan ids on first run, got %v", runs[1].PlanIDs)
	}

	got, err := repo.GetStatus(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("Expected status, got %v (err %v)", got, err)
	}
	if got.LastPlanRunID != "r2" {
		t.Errorf("Expected last run r2, got %s", got.LastPlanRunID)
	}
}

func TestPlanRepository_ReplacePlansIsAtomic(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	status := StatusRecord{UserID: "u1", Status: "completed", LastPlanRunID: "r1", UpdatedAt: time.Now()}
	if err := repo.ReplacePlans(ctx, "u1", testPlans("u1", "r1", "a", "b"), committedRun("u1", "r1", "a", "b"), status); err != nil {
		t.Fatalf("Failed to replace plans: %v", err)
	}

	// The duplicate id fails the second insert after the delete already ran.
	bad := testPlans("u1", "r2", "x", "x")
	status.LastPlanRunID = "r2"
	if err := repo.ReplacePlans(ctx, "u1", bad, committedRun("u1", "r2", "x", "x"), status); err == nil {
		t.Fatal("Expected error for duplicate plan id")
	}

	plans, _ := repo.ListPlans(ctx, "u1")
	if len(plans) != 2 || plans[0].ID != "a" || plans[1].ID != "b" {
		t.Errorf("Expected previous plan set intact, got %+v", plans)
	}

	if _, err := repo.GetRun(ctx, "u1", "r2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no run record for failed commit, got %v", err)
	}

	got, _ := repo.GetStatus(ctx, "u1")
	if got.LastPlanRunID != "r1" {
		t.Errorf("Expected status untouched, got last run %s", got.LastPlanRunID)
	}
}

func TestPlanRepository_ReplacePlansRejectsCommittedRun(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	status := StatusRecord{UserID: "u1", Status: "completed", LastPlanRunID: "r1", UpdatedAt: time.Now()}
	if err := repo.ReplacePlans(ctx, "u1", testPlans("u1", "r1", "a"), committedRun("u1", "r1", "a"), status); err != nil {
		t.Fatalf("Failed to replace plans: %v", err)
	}

	err := repo.ReplacePlans(ctx, "u1", testPlans("u1", "r1", "z"), committedRun("u1", "r1", "z"), status)
	if !errors.Is(err, ErrRunCommitted) {
		t.Errorf("Expected ErrRunCommitted, got %v", err)
	}

	plans, _ := repo.ListPlans(ctx, "u1")
	if len(plans) != 1 || plans[0].ID != "a" {
		t.Errorf("Expected plan set unchanged, got %+v", plans)
	}
}

func TestPlanRepository_RecordFailure(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	failed := RunRecord{UserID: "u1", RunID: "r1", CreatedAt: time.Now(), Outcome: OutcomeFailed, Error: "disk full"}
	status := StatusRecord{UserID: "u1", Status: "error", UpdatedAt: time.Now()}
	if err := repo.RecordFailure(ctx, failed, status); err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}

	run, err := repo.GetRun(ctx, "u1", "r1")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if run.PlanCount != 0 || run.Outcome != OutcomeFailed {
		t.Errorf("Expected failed run with 0 plans, got %+v", run)
	}

	// A successful retry supersedes the failure record.
	status = StatusRecord{UserID: "u1", Status: "completed", LastPlanRunID: "r1", UpdatedAt: time.Now()}
	if err := repo.ReplacePlans(ctx, "u1", testPlans("u1", "r1", "a"), committedRun("u1", "r1", "a"), status); err != nil {
		t.Fatalf("Failed to commit retry: %v", err)
	}

	// A late failure must not downgrade the committed record.
	if err := repo.RecordFailure(ctx, failed, StatusRecord{UserID: "u1", Status: "error", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Failed to record late failure: %v", err)
	}

	run, _ = repo.GetRun(ctx, "u1", "r1")
	if run.Outcome != OutcomeCommitted || run.PlanCount != 1 {
		t.Errorf("Expected committed record to survive, got %+v", run)
	}
}

func TestPlanRepository_TransitionStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()
	now := time.Now()
	from := []string{"idle", "completed", "error"}

	ok, err := repo.TransitionStatus(ctx, StatusRecord{UserID: "u1", Status: "in_progress", ActiveRunID: "r1", UpdatedAt: now}, from, now.Add(-time.Hour))
	if err != nil || !ok {
		t.Fatalf("Expected first transition to succeed, got %v (err %v)", ok, err)
	}

	ok, err = repo.TransitionStatus(ctx, StatusRecord{UserID: "u1", Status: "in_progress", ActiveRunID: "r2", UpdatedAt: now}, from, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Error("Expected transition to be rejected while another run is in progress")
	}

	ok, _ = repo.TransitionStatus(ctx, StatusRecord{UserID: "u1", Status: "in_progress", ActiveRunID: "r1", UpdatedAt: now}, from, now.Add(-time.Hour))
	if !ok {
		t.Error("Expected re-entry by the active run to succeed")
	}

	ok, _ = repo.TransitionStatus(ctx, StatusRecord{UserID: "u1", Status: "in_progress", ActiveRunID: "r3", UpdatedAt: now}, from, now.Add(time.Minute))
	if !ok {
		t.Error("Expected stale in_progress status to be overridden")
	}

	got, _ := repo.GetStatus(ctx, "u1")
	if got.ActiveRunID != "r3" {
		t.Errorf("Expected active run r3, got %s", got.ActiveRunID)
	}
}
