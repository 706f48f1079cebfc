package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeRunner implements git.Runner for tests.
type fakeRunner struct {
	isRepo       bool
	addErr       error
	removeErr    error
	mergeErr     error
	abortCalled  bool
	addedPaths   []string
	removedPaths []string
	deletedBr    []string
	changedFiles []string
	fileContent  map[string]string
	porcelain    string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{isRepo: true, fileContent: make(map[string]string)}
}

func (f *fakeRunner) IsRepository() bool                  { return f.isRepo }
func (f *fakeRunner) CurrentBranch() (string, error)      { return "main", nil }
func (f *fakeRunner) BranchExists(string) (bool, error)   { return true, nil }
func (f *fakeRunner) DeleteBranch(name string) error      { f.deletedBr = append(f.deletedBr, name); return nil }
func (f *fakeRunner) CheckoutBranch(string) error         { return nil }
func (f *fakeRunner) HasChanges() (bool, error)           { return false, nil }
func (f *fakeRunner) ShowFile(_, path string) (string, error) {
	content, ok := f.fileContent[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}
func (f *fakeRunner) ChangedFilesRelative(string, string) ([]string, error) {
	return f.changedFiles, nil
}
func (f *fakeRunner) MergeNoFFMessage(string, string) error { return f.mergeErr }
func (f *fakeRunner) MergeSquash(string, string) error      { return f.mergeErr }
func (f *fakeRunner) MergeAbort() error                     { f.abortCalled = true; return nil }
func (f *fakeRunner) WorktreeAddNewBranch(path, _ string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.addedPaths = append(f.addedPaths, path)
	return nil
}
func (f *fakeRunner) WorktreeRemove(path string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removedPaths = append(f.removedPaths, path)
	return nil
}
func (f *fakeRunner) WorktreeUnlock(string) error              { return nil }
func (f *fakeRunner) WorktreeListPorcelain() (string, error)   { return f.porcelain, nil }
func (f *fakeRunner) WorktreePruneExpireNow() error            { return nil }

func newTestManager(t *testing.T, runner *fakeRunner) *Manager {
	t.Helper()
	m, err := NewManagerWithRunner(t.TempDir(), t.TempDir(), "main", runner)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func TestCreateReturnsUniqueIDs(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		ws, err := m.Create("task-1")
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if seen[ws.ID] {
			t.Fatalf("duplicate workspace id %s", ws.ID)
		}
		seen[ws.ID] = true
	}
}

func TestCreateNotARepository(t *testing.T) {
	runner := newFakeRunner()
	runner.isRepo = false
	m := newTestManager(t, runner)

	_, err := m.Create("task-1")
	if !errors.Is(err, ErrNotARepository) {
		t.Errorf("expected ErrNotARepository, got %v", err)
	}
}

func TestCreateFailurePropagates(t *testing.T) {
	runner := newFakeRunner()
	runner.addErr = errors.New("disk full")
	m := newTestManager(t, runner)

	_, err := m.Create("task-1")
	if !errors.Is(err, ErrCreateFailed) {
		t.Errorf("expected ErrCreateFailed, got %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("failed create must not register a workspace")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	ws, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := m.Remove(ws.ID); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	if err := m.Remove(ws.ID); err != nil {
		t.Errorf("second remove should be a no-op, got %v", err)
	}
	if err := m.Remove("never-existed"); err != nil {
		t.Errorf("removing unknown id should be a no-op, got %v", err)
	}
}

func TestRemoveDeletesBranchBestEffort(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner)

	ws, _ := m.Create("task-1")
	if err := m.Remove(ws.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if len(runner.deletedBr) != 1 || runner.deletedBr[0] != ws.BranchName {
		t.Errorf("expected branch %s deleted, got %v", ws.BranchName, runner.deletedBr)
	}
}

func TestRemoveRefusedWhileAssigned(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	ws, _ := m.Create("task-1")
	if err := m.Assign(ws.ID, "worker-1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if err := m.Remove(ws.ID); !errors.Is(err, ErrWorkspaceAssigned) {
		t.Errorf("expected ErrWorkspaceAssigned, got %v", err)
	}

	if err := m.Release(ws.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := m.Remove(ws.ID); err != nil {
		t.Errorf("remove after release failed: %v", err)
	}
}

func TestAssignRejectsDoubleBooking(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	ws, _ := m.Create("task-1")
	if err := m.Assign(ws.ID, "worker-1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := m.Assign(ws.ID, "worker-2"); !errors.Is(err, ErrWorkspaceAssigned) {
		t.Errorf("expected ErrWorkspaceAssigned for second worker, got %v", err)
	}
	// Re-assigning the same worker is fine.
	if err := m.Assign(ws.ID, "worker-1"); err != nil {
		t.Errorf("re-assign of holder failed: %v", err)
	}
}

func TestAssignUnknownWorkspace(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	if err := m.Assign("nope", "worker-1"); !errors.Is(err, ErrUnknownWorkspace) {
		t.Errorf("expected ErrUnknownWorkspace, got %v", err)
	}
}

func TestMergeFailureAborts(t *testing.T) {
	runner := newFakeRunner()
	runner.mergeErr = errors.New("CONFLICT (content)")
	m := newTestManager(t, runner)

	ws, _ := m.Create("task-1")
	err := m.Merge(ws.ID, MergeOptions{})
	if !errors.Is(err, ErrMergeFailed) {
		t.Errorf("expected ErrMergeFailed, got %v", err)
	}
	if !runner.abortCalled {
		t.Error("expected merge --abort after failed merge")
	}
}

func TestChangeSetCollectsFiles(t *testing.T) {
	runner := newFakeRunner()
	runner.changedFiles = []string{"src/a.go", "src/b.go"}
	runner.fileContent["src/a.go"] = "package a\n"
	// src/b.go deleted on the branch: ShowFile errors, recorded as empty.
	m := newTestManager(t, runner)

	ws, _ := m.Create("task-1")
	cs, err := m.ChangeSet(ws.ID)
	if err != nil {
		t.Fatalf("change set failed: %v", err)
	}

	if cs.Files["src/a.go"] != "package a\n" {
		t.Errorf("unexpected content for src/a.go: %q", cs.Files["src/a.go"])
	}
	if content, ok := cs.Files["src/b.go"]; !ok || content != "" {
		t.Errorf("expected deleted file recorded as empty, got %q (present=%v)", content, ok)
	}
}

func TestCleanupOldRemovesStale(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	old, _ := m.Create("task-old")
	fresh, _ := m.Create("task-fresh")

	// Age the first workspace past the threshold.
	oldWs, _ := m.Get(old.ID)
	oldWs.CreatedAt = time.Now().Add(-2 * time.Hour)

	removed, err := m.CleanupOld(time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Error("fresh workspace should survive cleanup")
	}
	if _, err := m.Get(old.ID); err == nil {
		t.Error("stale workspace should be gone")
	}
}

func TestCleanupOldSweepsUntrackedDirs(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner)

	// Directories left behind by an earlier process: not in this manager's
	// registry, aged only by mtime.
	staleDir := filepath.Join(m.BaseDir(), "task-9-1-deadbeef")
	if err := os.Mkdir(staleDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(staleDir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	freshDir := filepath.Join(m.BaseDir(), "task-9-2-cafebabe")
	if err := os.Mkdir(freshDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	removed, err := m.CleanupOld(time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if len(runner.removedPaths) != 1 || runner.removedPaths[0] != staleDir {
		t.Errorf("expected worktree removal of %s, got %v", staleDir, runner.removedPaths)
	}
	if len(runner.deletedBr) != 1 || runner.deletedBr[0] != "stagehand/task-9-1-deadbeef" {
		t.Errorf("expected matching branch deleted, got %v", runner.deletedBr)
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Error("fresh directory should survive the sweep")
	}
}

func TestRemoveFailureKeepsWorkspaceTracked(t *testing.T) {
	runner := newFakeRunner()
	runner.removeErr = errors.New("worktree is locked")
	m := newTestManager(t, runner)
	m.removeAll = func(string) error { return errors.New("device busy") }

	ws, _ := m.Create("task-1")
	if err := m.Remove(ws.ID); !errors.Is(err, ErrRemoveFailed) {
		t.Fatalf("expected ErrRemoveFailed, got %v", err)
	}
	if _, err := m.Get(ws.ID); err != nil {
		t.Error("failed remove must keep the workspace tracked for retry")
	}

	// Retry once the directory can actually go.
	m.removeAll = func(string) error { return nil }
	if err := m.Remove(ws.ID); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if _, err := m.Get(ws.ID); err == nil {
		t.Error("workspace should be gone after successful retry")
	}
}

func TestParseWorktreeList(t *testing.T) {
	output := "worktree /repo\nbranch refs/heads/main\n\n" +
		"worktree /tmp/ws/task-1-123-abcd\nbranch refs/heads/stagehand/task-1-123-abcd\n"

	entries := parseWorktreeList(output)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].branch != "stagehand/task-1-123-abcd" {
		t.Errorf("unexpected branch: %s", entries[1].branch)
	}
}
