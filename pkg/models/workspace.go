package models

import "time"

// Workspace is an isolated, branch-backed working copy used by exactly one
// task at a time. Owned exclusively by the workspace manager.
type Workspace struct {
	// ID is the globally unique workspace identifier.
	ID string `json:"id"`
	// Path is the absolute path to the working directory.
	Path string `json:"path"`
	// BranchName is the branch backing this workspace.
	BranchName string `json:"branch_name"`
	// TaskID is the task the workspace was created for.
	TaskID string `json:"task_id"`
	// CreatedAt is when the workspace was created.
	CreatedAt time.Time `json:"created_at"`
	// AssignedWorkerID is the worker currently bound to the workspace, if any.
	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
}
