package models

import (
	"fmt"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// allowedTransitions is the execution state machine. Every state change goes
// through Transition; nothing mutates Execution.State directly.
var allowedTransitions = map[v1.ExecutionState][]v1.ExecutionState{
	v1.ExecutionInitializing: {
		v1.ExecutionCreatingWorktree,
		v1.ExecutionFailed,
		v1.ExecutionCancelled,
	},
	v1.ExecutionCreatingWorktree: {
		v1.ExecutionStarting,
		v1.ExecutionFailed,
		v1.ExecutionCancelled,
	},
	v1.ExecutionStarting: {
		v1.ExecutionRunning,
		v1.ExecutionFailed,
		v1.ExecutionCancelled,
	},
	v1.ExecutionRunning: {
		v1.ExecutionPaused,
		v1.ExecutionCompleted,
		v1.ExecutionFailed,
		v1.ExecutionCancelled,
	},
	v1.ExecutionPaused: {
		v1.ExecutionRunning,
		v1.ExecutionFailed,
		v1.ExecutionCancelled,
	},
	v1.ExecutionCompleted: {v1.ExecutionCleaningUp},
	v1.ExecutionFailed:    {v1.ExecutionCleaningUp},
	v1.ExecutionCancelled: {v1.ExecutionCleaningUp},
	v1.ExecutionCleaningUp: {},
}

// IsTerminal reports whether the state is one of the three run outcomes.
// cleaning_up is post-terminal housekeeping, not an outcome by itself.
func IsTerminal(state v1.ExecutionState) bool {
	switch state {
	case v1.ExecutionCompleted, v1.ExecutionFailed, v1.ExecutionCancelled, v1.ExecutionCleaningUp:
		return true
	}
	return false
}

// IsActive reports whether the state is a non-terminal run state.
func IsActive(state v1.ExecutionState) bool {
	return !IsTerminal(state)
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to v1.ExecutionState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition applies a state change to the execution, rejecting anything the
// transition table does not allow.
func (e *Execution) Transition(to v1.ExecutionState) error {
	if e.State == to {
		return nil
	}
	if !CanTransition(e.State, to) {
		return fmt.Errorf("invalid execution transition %s -> %s", e.State, to)
	}
	e.State = to
	return nil
}

// KanbanStatusFor maps a terminal execution state onto the task's board
// column. Only completed runs land in done.
func KanbanStatusFor(state v1.ExecutionState) v1.KanbanStatus {
	if state == v1.ExecutionCompleted {
		return v1.KanbanDone
	}
	return v1.KanbanTodo
}
