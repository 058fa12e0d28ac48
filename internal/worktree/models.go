package worktree

import "time"

// Worktree is the persisted record of one execution's worktree.
type Worktree struct {
	ExecutionID string    `db:"execution_id" json:"executionId"`
	RepoPath    string    `db:"repo_path" json:"repoPath"`
	Path        string    `db:"path" json:"path"`
	Branch      string    `db:"branch" json:"branch"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
