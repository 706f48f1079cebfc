package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run represents one execution of a plan.
type Run struct {
	ID             string     `json:"id"`
	PlanID         string     `json:"plan_id"`
	Status         RunStatus  `json:"status"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// RoutingRecord is one selector decision, persisted for cost auditing.
type RoutingRecord struct {
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	WorkerID      string    `json:"worker_id"`
	EstimatedCost float64   `json:"estimated_cost"`
	Score         float64   `json:"score"`
	Reason        string    `json:"reason"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Run CRUD operations

// CreateRun creates a new run record.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, plan_id, status, total_tasks, completed_tasks, failed_tasks, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PlanID, string(r.Status), r.TotalTasks, r.CompletedTasks, r.FailedTasks,
		formatTime(r.StartedAt), formatNullableTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil when no run exists.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, plan_id, status, total_tasks, completed_tasks, failed_tasks, started_at, completed_at
		FROM runs WHERE id = ?
	`, id)

	var r Run
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&r.ID, &r.PlanID, &r.Status, &r.TotalTasks, &r.CompletedTasks, &r.FailedTasks, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	r.StartedAt, _ = parseTime(startedAt)
	r.CompletedAt = parseNullableTime(completedAt)
	return &r, nil
}

// UpdateRun updates a run record.
func (db *DB) UpdateRun(r *Run) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, total_tasks = ?, completed_tasks = ?, failed_tasks = ?, completed_at = ?
		WHERE id = ?
	`, string(r.Status), r.TotalTasks, r.CompletedTasks, r.FailedTasks, formatNullableTime(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns lists all runs, optionally filtered by status, newest first.
func (db *DB) ListRuns(status *RunStatus) ([]Run, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, plan_id, status, total_tasks, completed_tasks, failed_tasks, started_at, completed_at
			FROM runs WHERE status = ? ORDER BY started_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, plan_id, status, total_tasks, completed_tasks, failed_tasks, started_at, completed_at
			FROM runs ORDER BY started_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Status, &r.TotalTasks, &r.CompletedTasks, &r.FailedTasks, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = parseTime(startedAt)
		r.CompletedAt = parseNullableTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Task execution records

// SaveTaskExecution upserts the execution record for one task of a run.
func (db *DB) SaveTaskExecution(runID string, exec *models.TaskExecution) error {
	_, err := db.Exec(`
		INSERT INTO task_executions (run_id, task_id, worker_id, status, retries, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			status = excluded.status,
			retries = excluded.retries,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, runID, exec.TaskID, exec.WorkerID, string(exec.Status), exec.Retries, exec.Error,
		formatNullableTime(exec.StartedAt), formatNullableTime(exec.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task execution: %w", err)
	}
	return nil
}

// ListTaskExecutions lists the execution records of a run in task-id order.
func (db *DB) ListTaskExecutions(runID string) ([]models.TaskExecution, error) {
	rows, err := db.Query(`
		SELECT task_id, worker_id, status, retries, error, started_at, completed_at
		FROM task_executions WHERE run_id = ? ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()

	var execs []models.TaskExecution
	for rows.Next() {
		var e models.TaskExecution
		var workerID, errMsg sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&e.TaskID, &workerID, &e.Status, &e.Retries, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		e.WorkerID = workerID.String
		e.Error = errMsg.String
		e.StartedAt = parseNullableTime(startedAt)
		e.CompletedAt = parseNullableTime(completedAt)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// Routing decision records

// SaveRoutingDecision appends one selector decision to the audit log.
func (db *DB) SaveRoutingDecision(rec *RoutingRecord) error {
	_, err := db.Exec(`
		INSERT INTO routing_decisions (run_id, task_id, worker_id, estimated_cost, score, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.TaskID, rec.WorkerID, rec.EstimatedCost, rec.Score, rec.Reason, formatTime(rec.DecidedAt))
	if err != nil {
		return fmt.Errorf("save routing decision: %w", err)
	}
	return nil
}

// ListRoutingDecisions lists the decisions of a run in decision order.
func (db *DB) ListRoutingDecisions(runID string) ([]RoutingRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, task_id, worker_id, estimated_cost, score, reason, decided_at
		FROM routing_decisions WHERE run_id = ? ORDER BY decided_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list routing decisions: %w", err)
	}
	defer rows.Close()

	var recs []RoutingRecord
	for rows.Next() {
		var rec RoutingRecord
		var reason sql.NullString
		var decidedAt string
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.WorkerID, &rec.EstimatedCost, &rec.Score, &reason, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		rec.Reason = reason.String
		rec.DecidedAt, _ = parseTime(decidedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DailyCost sums the estimated cost of all routing decisions made today,
// feeding the selector's daily budget gate.
func (db *DB) DailyCost() (float64, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var total sql.NullFloat64
	row := db.QueryRow(`
		SELECT SUM(estimated_cost) FROM routing_decisions WHERE decided_at >= ?
	`, formatTime(dayStart))
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("daily cost: %w", err)
	}
	return total.Float64, nil
}
