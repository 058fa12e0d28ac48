// Package models holds the persistent domain entities for tasks and
// executions.
package models

import (
	"time"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// Task is a user-visible unit of work shown on the kanban board.
type Task struct {
	ID                 string          `db:"id"`
	WorkspaceID        string          `db:"workspace_id"`
	ProjectID          string          `db:"project_id"`
	Title              string          `db:"title"`
	Description        string          `db:"description"`
	AgentType          v1.AgentType    `db:"agent_type"`
	BaseBranch         string          `db:"base_branch"`
	Model              string          `db:"model"`
	KanbanStatus       v1.KanbanStatus `db:"kanban_status"`
	CurrentExecutionID *string         `db:"current_execution_id"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// ToAPI converts the task to its wire representation.
func (t *Task) ToAPI() v1.Task {
	return v1.Task{
		ID:                 t.ID,
		WorkspaceID:        t.WorkspaceID,
		ProjectID:          t.ProjectID,
		Title:              t.Title,
		Description:        t.Description,
		AgentType:          t.AgentType,
		BaseBranch:         t.BaseBranch,
		Model:              t.Model,
		KanbanStatus:       t.KanbanStatus,
		CurrentExecutionID: t.CurrentExecutionID,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

// Prompt returns the text submitted to the agent: the description when set,
// the title otherwise.
func (t *Task) Prompt() string {
	if t.Description != "" {
		return t.Description
	}
	return t.Title
}

// Execution is one attempt to run a task.
type Execution struct {
	ID           string            `db:"id"`
	TaskID       string            `db:"task_id"`
	HostID       string            `db:"host_id"`
	AgentType    v1.AgentType      `db:"agent_type"`
	State        v1.ExecutionState `db:"state"`
	WorktreePath string            `db:"worktree_path"`
	BranchName   string            `db:"branch_name"`
	Error        string            `db:"error"`
	EventCount   int64             `db:"event_count"`
	CreatedAt    time.Time         `db:"created_at"`
	StartedAt    *time.Time        `db:"started_at"`
	EndedAt      *time.Time        `db:"ended_at"`
}

// ToAPI converts the execution to its wire representation.
func (e *Execution) ToAPI() v1.Execution {
	return v1.Execution{
		ID:           e.ID,
		TaskID:       e.TaskID,
		HostID:       e.HostID,
		State:        e.State,
		WorktreePath: e.WorktreePath,
		BranchName:   e.BranchName,
		Error:        e.Error,
		EventCount:   e.EventCount,
		CreatedAt:    e.CreatedAt,
		StartedAt:    e.StartedAt,
		EndedAt:      e.EndedAt,
	}
}

// DurationMs returns the run duration in milliseconds, 0 while running.
func (e *Execution) DurationMs() int64 {
	if e.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if e.EndedAt != nil {
		end = *e.EndedAt
	}
	return end.Sub(*e.StartedAt).Milliseconds()
}
