// Package worktree provides Git worktree management for isolated agent
// execution.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when a worktree already exists for the
	// execution.
	ErrWorktreeExists = errors.New("worktree already exists for execution")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchExists is returned when the execution branch already exists in
	// the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrWorktreeCorrupted is returned when the created worktree directory is
	// not usable.
	ErrWorktreeCorrupted = errors.New("worktree directory is corrupted")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
