package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	if db.Path() != path {
		t.Errorf("Path() = %s, want %s", db.Path(), path)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	started := time.Now().UTC().Truncate(time.Second)
	run := &Run{
		ID:         "run-1",
		PlanID:     "plan-1",
		Status:     RunRunning,
		TotalTasks: 3,
		StartedAt:  started,
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.PlanID != "plan-1" || got.Status != RunRunning || got.TotalTasks != 3 {
		t.Errorf("got %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected nil completed_at, got %v", got.CompletedAt)
	}

	completed := started.Add(time.Minute)
	run.Status = RunCompleted
	run.CompletedTasks = 3
	run.CompletedAt = &completed
	if err := db.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err = db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if got.Status != RunCompleted || got.CompletedTasks != 3 {
		t.Errorf("got %+v after update", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed = %v, want %v", got.CompletedAt, completed)
	}
}

func TestGetRunMissing(t *testing.T) {
	db := setupTestDB(t)
	got, err := db.GetRun("ghost")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	for i, status := range []RunStatus{RunCompleted, RunFailed, RunCompleted} {
		run := &Run{
			ID:        "run-" + string(rune('a'+i)),
			PlanID:    "plan",
			Status:    status,
			StartedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := db.CreateRun(run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	completed := RunCompleted
	runs, err := db.ListRuns(&completed)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d completed runs, want 2", len(runs))
	}

	all, err := db.ListRuns(nil)
	if err != nil {
		t.Fatalf("ListRuns(nil): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d runs, want 3", len(all))
	}
}

func TestSaveTaskExecutionUpserts(t *testing.T) {
	db := setupTestDB(t)

	started := time.Now().UTC().Truncate(time.Second)
	exec := &models.TaskExecution{
		TaskID:    "t1",
		Status:    models.TaskStatusRunning,
		WorkerID:  "w1",
		StartedAt: &started,
	}
	if err := db.SaveTaskExecution("run-1", exec); err != nil {
		t.Fatalf("SaveTaskExecution: %v", err)
	}

	completed := started.Add(time.Minute)
	exec.Status = models.TaskStatusCompleted
	exec.CompletedAt = &completed
	if err := db.SaveTaskExecution("run-1", exec); err != nil {
		t.Fatalf("SaveTaskExecution upsert: %v", err)
	}

	execs, err := db.ListTaskExecutions("run-1")
	if err != nil {
		t.Fatalf("ListTaskExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	if execs[0].Status != models.TaskStatusCompleted || execs[0].WorkerID != "w1" {
		t.Errorf("got %+v", execs[0])
	}
}

func TestRoutingDecisionsAndDailyCost(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().UTC()
	for i, cost := range []float64{1.5, 2.5} {
		rec := &RoutingRecord{
			RunID:         "run-1",
			TaskID:        "t" + string(rune('1'+i)),
			WorkerID:      "w1",
			EstimatedCost: cost,
			Score:         0.8,
			Reason:        "lowest estimated cost",
			DecidedAt:     now,
		}
		if err := db.SaveRoutingDecision(rec); err != nil {
			t.Fatalf("SaveRoutingDecision: %v", err)
		}
	}

	recs, err := db.ListRoutingDecisions("run-1")
	if err != nil {
		t.Fatalf("ListRoutingDecisions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d decisions, want 2", len(recs))
	}

	total, err := db.DailyCost()
	if err != nil {
		t.Fatalf("DailyCost: %v", err)
	}
	if total != 4.0 {
		t.Errorf("daily cost = %f, want 4.0", total)
	}
}

func TestDailyCostEmpty(t *testing.T) {
	db := setupTestDB(t)
	total, err := db.DailyCost()
	if err != nil {
		t.Fatalf("DailyCost: %v", err)
	}
	if total != 0 {
		t.Errorf("daily cost = %f, want 0", total)
	}
}
