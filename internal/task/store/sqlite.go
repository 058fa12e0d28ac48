package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/common/database"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/task/models"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// SQLiteStore is the SQLite-backed task store.
type SQLiteStore struct {
	db     *database.DB
	logger *logger.Logger

	subMu       sync.Mutex
	subscribers map[int]chan Change
	nextSubID   int
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the task database and initialises the schema.
func NewSQLiteStore(dbPath string, log *logger.Logger) (*SQLiteStore, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to open task database", err)
	}
	s := &SQLiteStore{
		db:          db,
		logger:      log.WithFields(zap.String("component", "task-store")),
		subscribers: make(map[int]chan Change),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, apierr.Wrap(apierr.KindIO, "failed to initialize task schema", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT 'opencode',
		base_branch TEXT NOT NULL DEFAULT 'main',
		model TEXT DEFAULT '',
		kanban_status TEXT NOT NULL DEFAULT 'todo',
		current_execution_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_workspace_id ON tasks(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_kanban_status ON tasks(kanban_status);
	`
	_, err := s.db.Writer.Exec(schema)
	return err
}

// CreateTask creates a new task. Defaults are applied for agent type, base
// branch, and kanban status.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.Title == "" {
		return apierr.New(apierr.KindValidation, "task title is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.AgentType == "" {
		task.AgentType = v1.AgentOpenCode
	}
	if !validAgentType(task.AgentType) {
		return apierr.Newf(apierr.KindValidation, "unknown agent type: %s", task.AgentType)
	}
	if task.BaseBranch == "" {
		task.BaseBranch = "main"
	}
	if task.KanbanStatus == "" {
		task.KanbanStatus = v1.KanbanTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.Writer.ExecContext(ctx, `
		INSERT INTO tasks (id, workspace_id, project_id, title, description, agent_type, base_branch, model, kanban_status, current_execution_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.WorkspaceID, task.ProjectID, task.Title, task.Description, task.AgentType, task.BaseBranch, task.Model, task.KanbanStatus, task.CurrentExecutionID, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to insert task", err)
	}

	s.notify(Change{TaskID: task.ID, Before: nil, After: cloneTask(task)})
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	err := s.db.Reader.GetContext(ctx, task, `
		SELECT id, workspace_id, project_id, title, description, agent_type, base_branch, model, kanban_status, current_execution_id, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	if err == sql.ErrNoRows {
		return nil, apierr.Newf(apierr.KindNotFound, "task not found: %s", id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to read task", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter Filter) ([]*models.Task, error) {
	query := `
		SELECT id, workspace_id, project_id, title, description, agent_type, base_branch, model, kanban_status, current_execution_id, created_at, updated_at
		FROM tasks`
	var conds []string
	var args []interface{}
	if filter.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.KanbanStatus != "" {
		conds = append(conds, "kanban_status = ?")
		args = append(args, filter.KanbanStatus)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var tasks []*models.Task
	if err := s.db.Reader.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to list tasks", err)
	}
	return tasks, nil
}

// UpdateTaskMeta updates the task's user-editable fields.
func (s *SQLiteStore) UpdateTaskMeta(ctx context.Context, task *models.Task) error {
	before, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if !validAgentType(task.AgentType) {
		return apierr.Newf(apierr.KindValidation, "unknown agent type: %s", task.AgentType)
	}
	task.UpdatedAt = time.Now().UTC()

	result, err := s.db.Writer.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, agent_type = ?, base_branch = ?, model = ?, updated_at = ?
		WHERE id = ?
	`, task.Title, task.Description, task.AgentType, task.BaseBranch, task.Model, task.UpdatedAt, task.ID)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to update task", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierr.Newf(apierr.KindNotFound, "task not found: %s", task.ID)
	}

	s.notify(Change{TaskID: task.ID, Before: before, After: cloneTask(task)})
	return nil
}

// DeleteTask removes a task. Rejected while the task has an active execution.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	before, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if before.KanbanStatus == v1.KanbanDoing {
		return apierr.Newf(apierr.KindPrecondition, "task %s has an active execution", id)
	}

	result, err := s.db.Writer.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to delete task", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierr.Newf(apierr.KindNotFound, "task not found: %s", id)
	}

	s.notify(Change{TaskID: id, Before: before, After: nil})
	return nil
}

// SetExecutionState records the current execution and kanban projection in
// one write. The change stream observes the transition atomically.
func (s *SQLiteStore) SetExecutionState(ctx context.Context, taskID string, executionID *string, status v1.KanbanStatus) error {
	before, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.Writer.ExecContext(ctx, `
		UPDATE tasks SET current_execution_id = ?, kanban_status = ?, updated_at = ? WHERE id = ?
	`, executionID, status, now, taskID)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to update task execution state", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierr.Newf(apierr.KindNotFound, "task not found: %s", taskID)
	}

	after := cloneTask(before)
	after.CurrentExecutionID = executionID
	after.KanbanStatus = status
	after.UpdatedAt = now
	s.notify(Change{TaskID: taskID, Before: before, After: after})
	return nil
}

// Changes returns a buffered change stream. Slow subscribers lose changes
// rather than blocking writers.
func (s *SQLiteStore) Changes(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *SQLiteStore) notify(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			s.logger.Warn("Task change dropped for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("task_id", change.TaskID))
		}
	}
}

// Close closes the change stream and the database.
func (s *SQLiteStore) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

func cloneTask(t *models.Task) *models.Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.CurrentExecutionID != nil {
		id := *t.CurrentExecutionID
		clone.CurrentExecutionID = &id
	}
	return &clone
}

func validAgentType(agent v1.AgentType) bool {
	switch agent {
	case v1.AgentOpenCode, v1.AgentClaudeCode, v1.AgentCodex, v1.AgentGeminiCLI, v1.AgentCustom:
		return true
	}
	return false
}
