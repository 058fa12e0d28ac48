package adapter

import (
	"testing"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want v1.AgentEventKind
	}{
		{"thinking", "⏳ Thinking...", v1.AgentEventThinking},
		{"tool", "🔧 Running tool: write_file", v1.AgentEventToolCall},
		{"completed", "✅ Task completed", v1.AgentEventCompleted},
		{"error", "❌ Error: out of tokens", v1.AgentEventError},
		{"task creation", "[TASK] Creating: Add login page", v1.AgentEventMessage},
		{"plain output", "compiling module...", v1.AgentEventRawOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, ok := ParseLine("stdout", tt.line)
			if !ok {
				t.Fatal("expected an event")
			}
			if event.Agent == nil {
				t.Fatal("expected an agent event")
			}
			if event.Agent.Kind != tt.want {
				t.Errorf("ParseLine(%q) kind = %s, want %s", tt.line, event.Agent.Kind, tt.want)
			}
		})
	}
}

func TestParseLineToolName(t *testing.T) {
	event, _ := ParseLine("stdout", "🔧 Running tool: bash")
	if event.Agent.ToolCall == nil || event.Agent.ToolCall.Tool != "bash" {
		t.Errorf("unexpected tool call: %+v", event.Agent.ToolCall)
	}
}

func TestParseLineErrorMessage(t *testing.T) {
	event, _ := ParseLine("stdout", "❌ Error: rate limit exceeded")
	if event.Agent.Error == nil {
		t.Fatal("expected error payload")
	}
	if event.Agent.Error.Message != "rate limit exceeded" {
		t.Errorf("unexpected message: %q", event.Agent.Error.Message)
	}
	if !event.Agent.Error.Recoverable {
		t.Error("line-level errors should be recoverable")
	}

	event, _ = ParseLine("stdout", "❌ Error")
	if event.Agent.Error.Message == "" {
		t.Error("bare error marker should still carry a message")
	}
}

func TestParseLineProgress(t *testing.T) {
	event, ok := ParseLine("stdout", "progress: 42%")
	if !ok {
		t.Fatal("expected an event")
	}
	if event.Progress == nil {
		t.Fatal("expected a progress event")
	}
	if event.Progress.Percentage == nil || *event.Progress.Percentage != 42 {
		t.Errorf("unexpected percentage: %+v", event.Progress.Percentage)
	}
}

func TestParseLineCompletedSummary(t *testing.T) {
	event, _ := ParseLine("stdout", "✅ Task completed: wrote 3 files")
	if event.Agent.Completed == nil || !event.Agent.Completed.Success {
		t.Fatalf("unexpected payload: %+v", event.Agent.Completed)
	}
	if event.Agent.Completed.Summary != "wrote 3 files" {
		t.Errorf("unexpected summary: %q", event.Agent.Completed.Summary)
	}
}

func TestParseLineRawPreservesStream(t *testing.T) {
	event, _ := ParseLine("stderr", "warning: deprecated flag")
	if event.Agent.RawOutput == nil || event.Agent.RawOutput.Stream != "stderr" {
		t.Errorf("unexpected raw output: %+v", event.Agent.RawOutput)
	}
}

func TestParseLineBlank(t *testing.T) {
	if _, ok := ParseLine("stdout", "   "); ok {
		t.Error("blank lines should not produce events")
	}
}
