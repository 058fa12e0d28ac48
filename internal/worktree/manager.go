package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/database"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/common/tracing"
)

// Manager creates and destroys Git worktrees for execution isolation. One
// worktree per execution, on a branch derived from the execution ID. Git
// operations on the same repository are serialised with a per-repo lock.
type Manager struct {
	cfg    config.WorktreeConfig
	db     *database.DB
	logger *logger.Logger

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// New creates a worktree manager backed by the given database for its
// records.
func New(cfg config.WorktreeConfig, dbPath string, log *logger.Logger) (*Manager, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree database: %w", err)
	}
	m := &Manager{
		cfg:       cfg,
		db:        db,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
	if err := m.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) initSchema() error {
	_, err := m.db.Writer.Exec(`
		CREATE TABLE IF NOT EXISTS worktrees (
			execution_id TEXT PRIMARY KEY,
			repo_path TEXT NOT NULL,
			path TEXT NOT NULL,
			branch TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create worktrees table: %w", err)
	}
	return nil
}

// getRepoLock returns the mutex for a repository path, creating it if needed.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[repoPath] = lock
	}
	return lock
}

// BranchName returns the branch used for an execution's worktree.
func (m *Manager) BranchName(executionID string) string {
	short := executionID
	if len(short) > 8 {
		short = short[:8]
	}
	return m.cfg.BranchPrefix + short
}

// Create builds a new worktree for an execution. The branch is created off
// baseBranch and the directory is verified before the record is persisted.
// On any failure after the git command runs, the partial worktree is removed
// so no half-created state survives.
func (m *Manager) Create(ctx context.Context, repoPath, executionID, baseBranch string) (*Worktree, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution ID is required")
	}
	if baseBranch == "" {
		baseBranch = m.cfg.DefaultBranch
	}

	branchName := m.BranchName(executionID)
	ctx, span := tracing.TraceWorktreeOp(ctx, "create", repoPath, branchName)
	defer span.End()

	if existing, err := m.Get(ctx, executionID); err == nil && existing != nil {
		tracing.RecordResult(span, ErrWorktreeExists)
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, executionID)
	}

	if !m.isGitRepo(repoPath) {
		tracing.RecordResult(span, ErrRepoNotGit)
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, repoPath)
	}
	if !m.branchExists(repoPath, baseBranch) {
		tracing.RecordResult(span, ErrInvalidBaseBranch)
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseBranch)
	}
	if m.branchExists(repoPath, branchName) {
		tracing.RecordResult(span, ErrBranchExists)
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branchName)
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	worktreePath := filepath.Join(m.cfg.BasePath, executionID)
	if _, err := os.Stat(worktreePath); err == nil {
		tracing.RecordResult(span, ErrWorktreeExists)
		return nil, fmt.Errorf("%w: directory %s", ErrWorktreeExists, worktreePath)
	}
	if err := os.MkdirAll(m.cfg.BasePath, 0o755); err != nil {
		tracing.RecordResult(span, err)
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branchName,
		worktreePath,
		baseBranch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("Failed to create worktree",
			zap.String("execution_id", executionID),
			zap.String("branch", branchName),
			zap.String("output", string(output)),
			zap.Error(err))
		tracing.RecordResult(span, err)
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	if !m.isValid(worktreePath) {
		m.removeWorktreeDir(ctx, worktreePath, repoPath)
		m.deleteBranch(ctx, repoPath, branchName)
		tracing.RecordResult(span, ErrWorktreeCorrupted)
		return nil, fmt.Errorf("%w: %s", ErrWorktreeCorrupted, worktreePath)
	}

	wt := &Worktree{
		ExecutionID: executionID,
		RepoPath:    repoPath,
		Path:        worktreePath,
		Branch:      branchName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.persist(ctx, wt); err != nil {
		m.removeWorktreeDir(ctx, worktreePath, repoPath)
		m.deleteBranch(ctx, repoPath, branchName)
		tracing.RecordResult(span, err)
		return nil, fmt.Errorf("failed to persist worktree record: %w", err)
	}

	m.logger.Info("Created worktree",
		zap.String("execution_id", executionID),
		zap.String("path", worktreePath),
		zap.String("branch", branchName),
		zap.String("base_branch", baseBranch))
	tracing.RecordResult(span, nil)
	return wt, nil
}

// Get returns the worktree record for an execution, or ErrWorktreeNotFound.
func (m *Manager) Get(ctx context.Context, executionID string) (*Worktree, error) {
	var wt Worktree
	err := m.db.Reader.GetContext(ctx, &wt,
		`SELECT execution_id, repo_path, path, branch, created_at FROM worktrees WHERE execution_id = ?`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, executionID)
	}
	return &wt, nil
}

// Destroy removes an execution's worktree directory, branch, and record.
// Destroying a worktree that does not exist is a no-op so cleanup can be
// retried safely.
func (m *Manager) Destroy(ctx context.Context, executionID string) error {
	wt, err := m.Get(ctx, executionID)
	if err != nil {
		return nil
	}

	ctx, span := tracing.TraceWorktreeOp(ctx, "destroy", wt.RepoPath, wt.Branch)
	defer span.End()

	repoLock := m.getRepoLock(wt.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	m.removeWorktreeDir(ctx, wt.Path, wt.RepoPath)
	m.deleteBranch(ctx, wt.RepoPath, wt.Branch)

	if _, err := m.db.Writer.ExecContext(ctx,
		`DELETE FROM worktrees WHERE execution_id = ?`, executionID); err != nil {
		tracing.RecordResult(span, err)
		return fmt.Errorf("failed to delete worktree record: %w", err)
	}

	m.logger.Info("Removed worktree",
		zap.String("execution_id", executionID),
		zap.String("path", wt.Path),
		zap.String("branch", wt.Branch))
	tracing.RecordResult(span, nil)
	return nil
}

// Reconcile removes every worktree whose execution is not in the keep set.
// Called on startup after crash recovery so orphaned directories do not
// accumulate; callers pass the executions whose worktrees should survive.
func (m *Manager) Reconcile(ctx context.Context, keepExecutionIDs []string) error {
	keep := make(map[string]bool, len(keepExecutionIDs))
	for _, id := range keepExecutionIDs {
		keep[id] = true
	}

	var records []Worktree
	if err := m.db.Reader.SelectContext(ctx, &records,
		`SELECT execution_id, repo_path, path, branch, created_at FROM worktrees`); err != nil {
		return fmt.Errorf("failed to list worktree records: %w", err)
	}
	for _, wt := range records {
		if keep[wt.ExecutionID] {
			continue
		}
		m.logger.Info("Cleaning up orphaned worktree",
			zap.String("execution_id", wt.ExecutionID),
			zap.String("path", wt.Path))
		if err := m.Destroy(ctx, wt.ExecutionID); err != nil {
			m.logger.Warn("Failed to remove orphaned worktree",
				zap.String("execution_id", wt.ExecutionID),
				zap.Error(err))
		}
	}

	// Sweep directories with no record at all
	entries, err := os.ReadDir(m.cfg.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		if _, err := m.Get(ctx, entry.Name()); err == nil {
			continue
		}
		orphanPath := filepath.Join(m.cfg.BasePath, entry.Name())
		m.logger.Info("Removing untracked worktree directory", zap.String("path", orphanPath))
		if err := os.RemoveAll(orphanPath); err != nil {
			m.logger.Warn("Failed to remove untracked worktree directory",
				zap.String("path", orphanPath),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, wt *Worktree) error {
	_, err := m.db.Writer.ExecContext(ctx, `
		INSERT INTO worktrees (execution_id, repo_path, path, branch, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		wt.ExecutionID, wt.RepoPath, wt.Path, wt.Branch, wt.CreatedAt)
	return err
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to direct removal plus a prune of stale entries.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			m.logger.Warn("Failed to remove worktree directory",
				zap.String("path", worktreePath),
				zap.Error(err))
		}

		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
}

func (m *Manager) deleteBranch(ctx context.Context, repoPath, branch string) {
	cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("Failed to delete execution branch",
			zap.String("branch", branch),
			zap.String("output", string(output)),
			zap.Error(err))
	}
}

// isGitRepo checks if a path is a Git repository.
func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a branch exists in the repository.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// isValid checks that a worktree directory is usable. Worktrees carry a .git
// file pointing back at the main repository, not a .git directory.
func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}
