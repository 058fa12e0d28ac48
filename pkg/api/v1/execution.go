package v1

import (
	"encoding/json"
	"time"
)

// ExecutionState is the state of one execution attempt.
type ExecutionState string

const (
	ExecutionInitializing     ExecutionState = "initializing"
	ExecutionCreatingWorktree ExecutionState = "creating_worktree"
	ExecutionStarting         ExecutionState = "starting"
	ExecutionRunning          ExecutionState = "running"
	ExecutionPaused           ExecutionState = "paused"
	ExecutionCompleted        ExecutionState = "completed"
	ExecutionFailed           ExecutionState = "failed"
	ExecutionCancelled        ExecutionState = "cancelled"
	ExecutionCleaningUp       ExecutionState = "cleaning_up"
)

// Execution represents one attempt to run a task
type Execution struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	HostID       string         `json:"host_id"`
	State        ExecutionState `json:"state"`
	WorktreePath string         `json:"worktree_path,omitempty"`
	BranchName   string         `json:"branch_name,omitempty"`
	Error        string         `json:"error,omitempty"`
	EventCount   int64          `json:"event_count"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// EventKind discriminates ExecutionEvent payloads.
type EventKind string

const (
	EventStatusChanged  EventKind = "status_changed"
	EventSessionStarted EventKind = "session_started"
	EventSessionEnded   EventKind = "session_ended"
	EventProgress       EventKind = "progress"
	EventAgentEvent     EventKind = "agent_event"
)

// ExecutionEvent is one entry in a run timeline. Payload holds the
// kind-specific variant encoded as JSON.
type ExecutionEvent struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	TaskID      string          `json:"task_id"`
	Seq         int64           `json:"seq"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// StatusChangedPayload for kind=status_changed
type StatusChangedPayload struct {
	OldState ExecutionState `json:"old_state"`
	NewState ExecutionState `json:"new_state"`
}

// SessionStartedPayload for kind=session_started
type SessionStartedPayload struct {
	WorktreePath string `json:"worktree_path"`
	BranchName   string `json:"branch_name"`
}

// SessionEndedPayload for kind=session_ended
type SessionEndedPayload struct {
	FinalState ExecutionState `json:"final_state"`
	DurationMs int64          `json:"duration_ms"`
}

// ProgressPayload for kind=progress
type ProgressPayload struct {
	Message    string `json:"message"`
	Percentage *int   `json:"percentage,omitempty"`
}

// AgentEventKind discriminates the nested agent event union.
type AgentEventKind string

const (
	AgentEventThinking   AgentEventKind = "thinking"
	AgentEventCommand    AgentEventKind = "command"
	AgentEventFileChange AgentEventKind = "file_change"
	AgentEventToolCall   AgentEventKind = "tool_call"
	AgentEventMessage    AgentEventKind = "message"
	AgentEventError      AgentEventKind = "error"
	AgentEventCompleted  AgentEventKind = "completed"
	AgentEventRawOutput  AgentEventKind = "raw_output"
)

// AgentEventPayload for kind=agent_event. Exactly one variant field is set,
// matching Kind. Decoders treat unknown kinds as raw_output.
type AgentEventPayload struct {
	Kind       AgentEventKind     `json:"kind"`
	Thinking   *ThinkingEvent     `json:"thinking,omitempty"`
	Command    *CommandEvent      `json:"command,omitempty"`
	FileChange *FileChangeEvent   `json:"file_change,omitempty"`
	ToolCall   *ToolCallEvent     `json:"tool_call,omitempty"`
	Message    *MessageEvent      `json:"message,omitempty"`
	Error      *AgentErrorEvent   `json:"error,omitempty"`
	Completed  *CompletedEvent    `json:"completed,omitempty"`
	RawOutput  *RawOutputEvent    `json:"raw_output,omitempty"`
}

// ThinkingEvent carries incremental reasoning text
type ThinkingEvent struct {
	Content string `json:"content"`
}

// CommandEvent carries a shell command run by the agent
type CommandEvent struct {
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// FileChangeEvent carries a file modification
type FileChangeEvent struct {
	Path   string `json:"path"`
	Action string `json:"action"` // created, modified, deleted, renamed
	Diff   string `json:"diff,omitempty"`
}

// ToolCallEvent carries a structured tool invocation
type ToolCallEvent struct {
	Tool   string `json:"tool"`
	Args   string `json:"args,omitempty"`
	Result string `json:"result,omitempty"`
}

// MessageEvent carries assistant text
type MessageEvent struct {
	Content string `json:"content"`
}

// AgentErrorEvent carries an agent-reported error
type AgentErrorEvent struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// CompletedEvent carries the agent's end-of-task signal
type CompletedEvent struct {
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
}

// RawOutputEvent carries unparsed agent output
type RawOutputEvent struct {
	Stream  string `json:"stream"` // stdout or stderr
	Content string `json:"content"`
}

// RunSummary is the per-execution summary returned by the runs listing
type RunSummary struct {
	ExecutionID   string         `json:"execution_id"`
	TaskID        string         `json:"task_id"`
	AgentType     AgentType      `json:"agent_type"`
	State         ExecutionState `json:"state"`
	PromptPreview string         `json:"prompt_preview,omitempty"`
	EventCount    int64          `json:"event_count"`
	DurationMs    int64          `json:"duration_ms"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// EventPage is one page of a run timeline
type EventPage struct {
	Events []ExecutionEvent `json:"events"`
	Total  int64            `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
}

// ExecuteHistoryRequest requests a replay over the subscription channel
type ExecuteHistoryRequest struct {
	TaskID   string `json:"task_id" binding:"required"`
	SinceSeq int64  `json:"since_seq,omitempty"`
}
