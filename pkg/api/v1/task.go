// Package v1 defines the wire DTOs exposed over REST and WebSocket.
package v1

import "time"

// KanbanStatus is the board column a task sits in.
type KanbanStatus string

const (
	KanbanTodo  KanbanStatus = "todo"
	KanbanDoing KanbanStatus = "doing"
	KanbanDone  KanbanStatus = "done"
)

// AgentType identifies the external agent CLI driving a task.
type AgentType string

const (
	AgentOpenCode   AgentType = "opencode"
	AgentClaudeCode AgentType = "claude-code"
	AgentCodex      AgentType = "codex"
	AgentGeminiCLI  AgentType = "gemini-cli"
	AgentCustom     AgentType = "custom"
)

// Task represents a kanban task
type Task struct {
	ID                 string       `json:"id"`
	WorkspaceID        string       `json:"workspace_id"`
	ProjectID          string       `json:"project_id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	AgentType          AgentType    `json:"agent_type"`
	BaseBranch         string       `json:"base_branch"`
	Model              string       `json:"model,omitempty"`
	KanbanStatus       KanbanStatus `json:"kanban_status"`
	CurrentExecutionID *string      `json:"current_execution_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// CreateTaskRequest for creating a new task
type CreateTaskRequest struct {
	Title       string    `json:"title" binding:"required,max=500"`
	Description string    `json:"description"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	AgentType   AgentType `json:"agent_type,omitempty"`
	BaseBranch  string    `json:"base_branch,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// UpdateTaskRequest for updating task metadata
type UpdateTaskRequest struct {
	Title       *string    `json:"title,omitempty" binding:"omitempty,max=500"`
	Description *string    `json:"description,omitempty"`
	AgentType   *AgentType `json:"agent_type,omitempty"`
	BaseBranch  *string    `json:"base_branch,omitempty"`
	Model       *string    `json:"model,omitempty"`
}

// ExecuteTaskRequest starts an execution of a task
type ExecuteTaskRequest struct {
	AgentType  AgentType `json:"agent_type,omitempty"`
	BaseBranch string    `json:"base_branch,omitempty"`
	Model      string    `json:"model,omitempty"`
	HostID     string    `json:"host_id,omitempty"` // explicit host, empty = auto select
}

// ExecuteTaskResponse carries the allocated execution ID
type ExecuteTaskResponse struct {
	ExecutionID string `json:"execution_id"`
}

// SendInputRequest forwards mid-run input to the active agent
type SendInputRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendInputResponse reports whether the input was delivered
type SendInputResponse struct {
	Delivered bool `json:"delivered"`
}

// TaskStatusNotification is pushed when a task's kanban status changes
type TaskStatusNotification struct {
	TaskID       string       `json:"task_id"`
	KanbanStatus KanbanStatus `json:"kanban_status"`
	ExecutionID  string       `json:"execution_id,omitempty"`
}

// BoardSnapshot is the full kanban projection
type BoardSnapshot struct {
	Todo  []Task `json:"todo"`
	Doing []Task `json:"doing"`
	Done  []Task `json:"done"`
}
