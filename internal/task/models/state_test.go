package models

import (
	"testing"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    v1.ExecutionState
		to      v1.ExecutionState
		allowed bool
	}{
		{v1.ExecutionInitializing, v1.ExecutionCreatingWorktree, true},
		{v1.ExecutionInitializing, v1.ExecutionFailed, true},
		{v1.ExecutionInitializing, v1.ExecutionRunning, false},
		{v1.ExecutionCreatingWorktree, v1.ExecutionStarting, true},
		{v1.ExecutionCreatingWorktree, v1.ExecutionCancelled, true},
		{v1.ExecutionStarting, v1.ExecutionRunning, true},
		{v1.ExecutionRunning, v1.ExecutionCompleted, true},
		{v1.ExecutionRunning, v1.ExecutionCancelled, true},
		{v1.ExecutionRunning, v1.ExecutionInitializing, false},
		{v1.ExecutionCompleted, v1.ExecutionCleaningUp, true},
		{v1.ExecutionCompleted, v1.ExecutionRunning, false},
		{v1.ExecutionFailed, v1.ExecutionCleaningUp, true},
		{v1.ExecutionCancelled, v1.ExecutionCleaningUp, true},
		{v1.ExecutionCleaningUp, v1.ExecutionRunning, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestTransitionRejectsIllegalChange(t *testing.T) {
	exec := &Execution{ID: "e1", State: v1.ExecutionCompleted}

	if err := exec.Transition(v1.ExecutionRunning); err == nil {
		t.Fatal("expected error leaving a terminal state")
	}
	if exec.State != v1.ExecutionCompleted {
		t.Errorf("state mutated on rejected transition: %s", exec.State)
	}

	if err := exec.Transition(v1.ExecutionCleaningUp); err != nil {
		t.Fatalf("cleaning_up after terminal should be allowed: %v", err)
	}
}

func TestTransitionSameStateIsNoop(t *testing.T) {
	exec := &Execution{ID: "e1", State: v1.ExecutionRunning}
	if err := exec.Transition(v1.ExecutionRunning); err != nil {
		t.Fatalf("same-state transition should be a no-op: %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []v1.ExecutionState{
		v1.ExecutionCompleted, v1.ExecutionFailed, v1.ExecutionCancelled, v1.ExecutionCleaningUp,
	}
	active := []v1.ExecutionState{
		v1.ExecutionInitializing, v1.ExecutionCreatingWorktree,
		v1.ExecutionStarting, v1.ExecutionRunning, v1.ExecutionPaused,
	}

	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range active {
		if IsTerminal(s) {
			t.Errorf("expected %s to be active", s)
		}
	}
}

func TestKanbanStatusFor(t *testing.T) {
	if got := KanbanStatusFor(v1.ExecutionCompleted); got != v1.KanbanDone {
		t.Errorf("completed should map to done, got %s", got)
	}
	if got := KanbanStatusFor(v1.ExecutionFailed); got != v1.KanbanTodo {
		t.Errorf("failed should map to todo, got %s", got)
	}
	if got := KanbanStatusFor(v1.ExecutionCancelled); got != v1.KanbanTodo {
		t.Errorf("cancelled should map to todo, got %s", got)
	}
}

func TestDecodeAgentEventUnknownKind(t *testing.T) {
	ev := NewAgentEvent("e1", "t1", v1.AgentEventPayload{
		Kind:    v1.AgentEventKind("holographic"),
		Message: &v1.MessageEvent{Content: "hi"},
	})

	payload, err := ev.DecodeAgentEvent()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Kind != v1.AgentEventRawOutput {
		t.Errorf("unknown kind should decode as raw_output, got %s", payload.Kind)
	}
	if payload.RawOutput == nil || payload.RawOutput.Content == "" {
		t.Error("raw_output fallback should carry the original payload")
	}
}
