package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// ExecutionEvent is one entry in a run timeline. Seq is assigned by the
// event log on append; it is zero until then.
type ExecutionEvent struct {
	ID          string       `db:"id"`
	ExecutionID string       `db:"execution_id"`
	TaskID      string       `db:"task_id"`
	Seq         int64        `db:"seq"`
	Kind        v1.EventKind `db:"kind"`
	Payload     []byte       `db:"payload"`
	Timestamp   time.Time    `db:"timestamp"`
}

// ToAPI converts the event to its wire representation.
func (e *ExecutionEvent) ToAPI() v1.ExecutionEvent {
	return v1.ExecutionEvent{
		ID:          e.ID,
		ExecutionID: e.ExecutionID,
		TaskID:      e.TaskID,
		Seq:         e.Seq,
		Kind:        e.Kind,
		Payload:     json.RawMessage(e.Payload),
		Timestamp:   e.Timestamp,
	}
}

func newEvent(executionID, taskID string, kind v1.EventKind, payload any) *ExecutionEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return &ExecutionEvent{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		TaskID:      taskID,
		Kind:        kind,
		Payload:     data,
		Timestamp:   time.Now().UTC(),
	}
}

// NewStatusChanged builds a status_changed event.
func NewStatusChanged(executionID, taskID string, oldState, newState v1.ExecutionState) *ExecutionEvent {
	return newEvent(executionID, taskID, v1.EventStatusChanged, v1.StatusChangedPayload{
		OldState: oldState,
		NewState: newState,
	})
}

// NewSessionStarted builds a session_started event.
func NewSessionStarted(executionID, taskID, worktreePath, branchName string) *ExecutionEvent {
	return newEvent(executionID, taskID, v1.EventSessionStarted, v1.SessionStartedPayload{
		WorktreePath: worktreePath,
		BranchName:   branchName,
	})
}

// NewSessionEnded builds a session_ended event.
func NewSessionEnded(executionID, taskID string, finalState v1.ExecutionState, durationMs int64) *ExecutionEvent {
	return newEvent(executionID, taskID, v1.EventSessionEnded, v1.SessionEndedPayload{
		FinalState: finalState,
		DurationMs: durationMs,
	})
}

// NewProgress builds a progress event.
func NewProgress(executionID, taskID, message string, percentage *int) *ExecutionEvent {
	return newEvent(executionID, taskID, v1.EventProgress, v1.ProgressPayload{
		Message:    message,
		Percentage: percentage,
	})
}

// NewAgentEvent wraps a normalised agent event.
func NewAgentEvent(executionID, taskID string, payload v1.AgentEventPayload) *ExecutionEvent {
	return newEvent(executionID, taskID, v1.EventAgentEvent, payload)
}

// DecodeAgentEvent parses the payload of an agent_event entry. Unknown inner
// kinds decode as raw_output for forward compatibility.
func (e *ExecutionEvent) DecodeAgentEvent() (v1.AgentEventPayload, error) {
	var payload v1.AgentEventPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, err
	}
	switch payload.Kind {
	case v1.AgentEventThinking, v1.AgentEventCommand, v1.AgentEventFileChange,
		v1.AgentEventToolCall, v1.AgentEventMessage, v1.AgentEventError,
		v1.AgentEventCompleted, v1.AgentEventRawOutput:
		return payload, nil
	}
	return v1.AgentEventPayload{
		Kind:      v1.AgentEventRawOutput,
		RawOutput: &v1.RawOutputEvent{Stream: "stdout", Content: string(e.Payload)},
	}, nil
}

// DecodeSessionEnded parses the payload of a session_ended entry.
func (e *ExecutionEvent) DecodeSessionEnded() (v1.SessionEndedPayload, error) {
	var payload v1.SessionEndedPayload
	err := json.Unmarshal(e.Payload, &payload)
	return payload, err
}

// DecodeStatusChanged parses the payload of a status_changed entry.
func (e *ExecutionEvent) DecodeStatusChanged() (v1.StatusChangedPayload, error) {
	var payload v1.StatusChangedPayload
	err := json.Unmarshal(e.Payload, &payload)
	return payload, err
}
