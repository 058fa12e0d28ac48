// Package store provides the authoritative task store backing the kanban
// projection.
package store

import (
	"context"

	"github.com/vibekan/vibekan/internal/task/models"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// Filter narrows a task listing.
type Filter struct {
	WorkspaceID  string
	ProjectID    string
	KanbanStatus v1.KanbanStatus
}

// Change is one observable task mutation. Before is nil on create, After is
// nil on delete.
type Change struct {
	TaskID string
	Before *models.Task
	After  *models.Task
}

// Store is the task store contract.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter Filter) ([]*models.Task, error)
	UpdateTaskMeta(ctx context.Context, task *models.Task) error
	// DeleteTask removes a task. It is rejected while the task's current
	// execution is non-terminal.
	DeleteTask(ctx context.Context, id string) error

	// SetExecutionState records the task's current execution and moves the
	// kanban projection accordingly.
	SetExecutionState(ctx context.Context, taskID string, executionID *string, status v1.KanbanStatus) error

	// Changes returns a stream of task mutations. The returned cancel
	// function detaches the subscriber.
	Changes(buffer int) (<-chan Change, func())

	Close() error
}
