// Package workspace manages isolated, branch-backed working copies.
// Each task gets its own git worktree, created before the task is handed to
// a worker and destroyed after merge or on task failure.
package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/git"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

// Sentinel errors for workspace operations.
var (
	// ErrNotARepository indicates the base repository path is not a git repo.
	ErrNotARepository = errors.New("not a git repository")
	// ErrCreateFailed indicates the underlying worktree creation failed.
	ErrCreateFailed = errors.New("workspace create failed")
	// ErrRemoveFailed indicates the workspace directory could not be removed.
	ErrRemoveFailed = errors.New("workspace remove failed")
	// ErrMergeFailed indicates git itself could not complete the merge.
	ErrMergeFailed = errors.New("workspace merge failed")
	// ErrUnknownWorkspace indicates an operation referenced an id the manager
	// does not track. This is a programmer error, raised immediately.
	ErrUnknownWorkspace = errors.New("unknown workspace")
	// ErrWorkspaceAssigned indicates the workspace is bound to a worker.
	ErrWorkspaceAssigned = errors.New("workspace is assigned to a worker")
)

// branchPrefix namespaces workspace branches to avoid collisions with user branches.
const branchPrefix = "stagehand/"

// MergeOptions controls how a workspace branch is merged into the base branch.
type MergeOptions struct {
	// Squash collapses the workspace's commits into a single commit.
	Squash bool
	// Message overrides the default merge commit message.
	Message string
}

// Manager creates and destroys isolated workspaces and merges their changes
// back into the base branch. The registry is the only shared mutable state;
// all mutations are atomic under one mutex.
type Manager struct {
	baseDir    string // Base directory where worktrees are created
	repoPath   string // Path to the main git repository
	baseBranch string // Branch workspaces are merged into
	git        git.Runner

	workspaces map[string]*models.Workspace
	mu         sync.Mutex

	// mergeMu serializes merges into the base branch. Git cannot run two
	// merges against the same branch at once.
	mergeMu sync.Mutex

	// removeAll is os.RemoveAll, swappable in tests.
	removeAll func(path string) error
}

// NewManager creates a workspace manager for the repository at repoPath.
// baseDir defaults to <repoPath>/.stagehand/workspaces when empty.
func NewManager(baseDir, repoPath, baseBranch string) (*Manager, error) {
	return NewManagerWithRunner(baseDir, repoPath, baseBranch, git.NewRunner(repoPath))
}

// NewManagerWithRunner creates a manager with a custom git runner (for testing).
func NewManagerWithRunner(baseDir, repoPath, baseBranch string, runner git.Runner) (*Manager, error) {
	if baseDir == "" {
		baseDir = filepath.Join(repoPath, ".stagehand", "workspaces")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}

	return &Manager{
		baseDir:    baseDir,
		repoPath:   repoPath,
		baseBranch: baseBranch,
		git:        runner,
		workspaces: make(map[string]*models.Workspace),
		removeAll:  os.RemoveAll,
	}, nil
}

// newWorkspaceID builds a globally unique workspace id. The task id keeps it
// readable, the nanosecond component orders it, and the random suffix keeps
// repeated task ids (retries) and concurrent creates from colliding.
func newWorkspaceID(taskID string) string {
	return fmt.Sprintf("%s-%d-%s", taskID, time.Now().UnixNano(), uuid.New().String()[:8])
}

// Create creates a new isolated workspace for the given task.
// Returns ErrNotARepository if the base repository is invalid and
// ErrCreateFailed if the worktree cannot be created; any partial directory
// is cleaned up before the error propagates.
func (m *Manager) Create(taskID string) (*models.Workspace, error) {
	if !m.git.IsRepository() {
		return nil, fmt.Errorf("%w: %s", ErrNotARepository, m.repoPath)
	}

	id := newWorkspaceID(taskID)
	branch := branchPrefix + id
	path := filepath.Join(m.baseDir, id)

	if err := m.git.WorktreeAddNewBranch(path, branch); err != nil {
		// Clean up whatever the failed add left behind.
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	ws := &models.Workspace{
		ID:         id,
		Path:       path,
		BranchName: branch,
		TaskID:     taskID,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.workspaces[id] = ws
	m.mu.Unlock()

	logging.Debugf("[workspace] created %s at %s (branch %s)", id, path, branch)
	return ws, nil
}

// Remove destroys the workspace and best-effort deletes its branch.
// Removing an unknown id is a no-op, which makes Remove idempotent and safe
// under concurrent calls: the registry entry is claimed under the lock, so
// only one caller performs the underlying directory removal. A failed
// removal puts the entry back, keeping the id retryable.
func (m *Manager) Remove(workspaceID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if ws.AssignedWorkerID != "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s held by %s", ErrWorkspaceAssigned, workspaceID, ws.AssignedWorkerID)
	}
	delete(m.workspaces, workspaceID)
	m.mu.Unlock()

	if err := m.git.WorktreeRemove(ws.Path); err != nil {
		// Worktree removal failed; fall back to removing the directory.
		if rmErr := m.removeAll(ws.Path); rmErr != nil {
			m.mu.Lock()
			m.workspaces[workspaceID] = ws
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrRemoveFailed, rmErr)
		}
		_ = m.git.WorktreePruneExpireNow()
	}

	// Branch cleanup is best-effort: a failure here must not cascade.
	if err := m.git.DeleteBranch(ws.BranchName); err != nil {
		logging.Debugf("[workspace] branch cleanup failed for %s: %v", ws.BranchName, err)
	}

	logging.Debugf("[workspace] removed %s", workspaceID)
	return nil
}

// Merge merges the workspace's branch into the base branch.
// Returns ErrMergeFailed when git itself cannot complete the merge; semantic
// conflict resolution across workers is the merge coordinator's job, not ours.
func (m *Manager) Merge(workspaceID string, opts MergeOptions) error {
	ws, err := m.Get(workspaceID)
	if err != nil {
		return err
	}

	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("Merge workspace %s (task %s)", ws.ID, ws.TaskID)
	}

	merge := m.git.MergeNoFFMessage
	if opts.Squash {
		merge = m.git.MergeSquash
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if err := merge(ws.BranchName, message); err != nil {
		// Leave the base branch clean before reporting the failure.
		_ = m.git.MergeAbort()
		return fmt.Errorf("%w: branch %s: %v", ErrMergeFailed, ws.BranchName, err)
	}

	logging.Debugf("[workspace] merged %s into %s", ws.BranchName, m.baseBranch)
	return nil
}

// ChangeSet collects the files the workspace's branch changed relative to the
// base branch, with their content at the branch tip.
func (m *Manager) ChangeSet(workspaceID string) (*models.ChangeSet, error) {
	ws, err := m.Get(workspaceID)
	if err != nil {
		return nil, err
	}

	files, err := m.git.ChangedFilesRelative(ws.BranchName, m.baseBranch)
	if err != nil {
		return nil, fmt.Errorf("changed files for %s: %w", ws.BranchName, err)
	}

	cs := &models.ChangeSet{
		WorkerID: ws.AssignedWorkerID,
		Files:    make(map[string]string, len(files)),
	}
	for _, f := range files {
		content, err := m.git.ShowFile(ws.BranchName, f)
		if err != nil {
			// Deleted on the branch; record the deletion as empty content.
			content = ""
		}
		cs.Files[f] = content
	}
	return cs, nil
}

// Assign binds the workspace to a worker. A workspace holds at most one
// worker at a time; assigning an already-assigned workspace is an error.
func (m *Manager) Assign(workspaceID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, workspaceID)
	}
	if ws.AssignedWorkerID != "" && ws.AssignedWorkerID != workerID {
		return fmt.Errorf("%w: %s held by %s", ErrWorkspaceAssigned, workspaceID, ws.AssignedWorkerID)
	}
	ws.AssignedWorkerID = workerID
	return nil
}

// Release clears the workspace's worker binding.
func (m *Manager) Release(workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, workspaceID)
	}
	ws.AssignedWorkerID = ""
	return nil
}

// Get returns the workspace for the given id.
func (m *Manager) Get(workspaceID string) (*models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, workspaceID)
	}
	return ws, nil
}

// List returns all live workspaces.
func (m *Manager) List() []*models.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws)
	}
	return out
}

// CleanupOld removes workspaces older than maxAge and returns the count
// removed. Assigned workspaces are skipped. Both the registry and the base
// directory on disk are swept: a fresh process has an empty registry, but
// directories staged by earlier runs still age by modification time.
func (m *Manager) CleanupOld(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for id, ws := range m.workspaces {
		if ws.CreatedAt.Before(cutoff) && ws.AssignedWorkerID == "" {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range stale {
		if err := m.Remove(id); err != nil {
			logging.Debugf("[workspace] cleanup of %s failed: %v", id, err)
			continue
		}
		removed++
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return removed, fmt.Errorf("scan %s: %w", m.baseDir, err)
	}

	m.mu.Lock()
	tracked := make(map[string]bool, len(m.workspaces))
	for id := range m.workspaces {
		tracked[id] = true
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() || tracked[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		// Directory names are workspace ids, so the branch name follows.
		path := filepath.Join(m.baseDir, entry.Name())
		if err := m.git.WorktreeRemove(path); err != nil {
			if err := m.removeAll(path); err != nil {
				logging.Debugf("[workspace] cleanup of %s failed: %v", path, err)
				continue
			}
			_ = m.git.WorktreePruneExpireNow()
		}
		branch := branchPrefix + entry.Name()
		if err := m.git.DeleteBranch(branch); err != nil {
			logging.Debugf("[workspace] branch cleanup failed for %s: %v", branch, err)
		}
		removed++
		logging.Debugf("[workspace] removed aged directory %s", path)
	}
	return removed, nil
}

// PruneOrphans removes worktrees left behind by a previous crashed run:
// anything git tracks under our branch prefix that the registry does not
// know about. Returns the paths removed.
func (m *Manager) PruneOrphans() ([]string, error) {
	output, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	m.mu.Lock()
	live := make(map[string]bool, len(m.workspaces))
	for _, ws := range m.workspaces {
		live[ws.Path] = true
	}
	m.mu.Unlock()

	var removed []string
	for _, wt := range parseWorktreeList(output) {
		if !strings.HasPrefix(wt.branch, branchPrefix) {
			continue
		}
		if wt.path == m.repoPath || live[wt.path] {
			continue
		}

		_ = m.git.WorktreeUnlock(wt.path) // may not be locked
		if err := m.git.WorktreeRemove(wt.path); err != nil {
			if err := os.RemoveAll(wt.path); err != nil {
				continue
			}
		}
		if err := m.git.DeleteBranch(wt.branch); err != nil {
			logging.Debugf("[workspace] orphan branch cleanup failed for %s: %v", wt.branch, err)
		}
		removed = append(removed, wt.path)
	}

	_ = m.git.WorktreePruneExpireNow()
	return removed, nil
}

// BaseDir returns the base directory where workspaces are created.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// BaseBranch returns the branch workspaces are merged into.
func (m *Manager) BaseBranch() string {
	return m.baseBranch
}

// worktreeEntry is one record parsed from 'git worktree list --porcelain'.
type worktreeEntry struct {
	path   string
	branch string
}

// parseWorktreeList parses the porcelain worktree listing.
func parseWorktreeList(output string) []worktreeEntry {
	var entries []worktreeEntry
	var current *worktreeEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current != nil {
				entries = append(entries, *current)
				current = nil
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current = &worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		} else if strings.HasPrefix(line, "branch ") && current != nil {
			// Format: branch refs/heads/<name>
			ref := strings.TrimPrefix(line, "branch ")
			current.branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}

	if current != nil {
		entries = append(entries, *current)
	}

	return entries
}
