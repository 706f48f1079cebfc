// Package git provides an interface for git operations.
package git

// RepoOperations defines the interface for repository-level checks.
type RepoOperations interface {
	// IsRepository returns true if the runner's path is inside a git work tree.
	IsRepository() bool
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
}

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ChangedFilesRelative returns files changed on a branch relative to
	// another, using the triple-dot diff (relativeTo...branch).
	ChangedFilesRelative(branch, relativeTo string) ([]string, error)
	// ShowFile returns the contents of a file at a specific ref.
	ShowFile(ref, path string) (string, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the branch with --no-ff and a custom message.
	MergeNoFFMessage(branch, message string) error
	// MergeSquash stages the branch's changes with --squash, then commits
	// with the given message.
	MergeSquash(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a new worktree with a new branch (git worktree add -b).
	WorktreeAddNewBranch(path, branch string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeUnlock unlocks a locked worktree.
	WorktreeUnlock(path string) error
	// WorktreeListPorcelain returns the raw porcelain output for parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes stale worktree entries with --expire now.
	WorktreePruneExpireNow() error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	RepoOperations
	BranchOperations
	DiffOperations
	MergeOperations
	WorktreeOperations
}
