package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vibekan/vibekan/internal/agent/adapter"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

func TestScenarioFor(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"plain prompt", "Write a README file.", "build"},
		{"named scenario", "scenario:error", "error"},
		{"scenario with trailing prompt", "scenario:slow take your time", "slow"},
		{"leading whitespace", "  scenario:echo", "echo"},
		{"prefix mid-prompt is ignored", "run scenario:error now", "build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scenarioFor(tt.prompt); got != tt.want {
				t.Errorf("scenarioFor(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestScenarioBuildEmitsParsableRun(t *testing.T) {
	stepDelay = 0
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	var out bytes.Buffer
	if code := scenarioBuild(&out, "Write a README file."); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if _, err := os.Stat(filepath.Join(dir, "MOCK_AGENT.md")); err != nil {
		t.Errorf("expected MOCK_AGENT.md in working dir: %v", err)
	}

	// Every line must parse, and the run must end with a successful
	// completion so the gateway marks the execution completed.
	var kinds []v1.AgentEventKind
	progress := 0
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		event, ok := adapter.ParseLine("stdout", line)
		if !ok {
			t.Fatalf("line produced no event: %q", line)
		}
		if event.Progress != nil {
			progress++
			continue
		}
		if event.Agent.Kind == v1.AgentEventRawOutput {
			t.Errorf("unexpected raw output line: %q", line)
		}
		kinds = append(kinds, event.Agent.Kind)
	}
	if progress != 3 {
		t.Errorf("expected 3 progress events, got %d", progress)
	}
	if len(kinds) == 0 {
		t.Fatal("no agent events emitted")
	}
	if last := kinds[len(kinds)-1]; last != v1.AgentEventCompleted {
		t.Errorf("expected completed as final event, got %s", last)
	}
}

func TestScenarioErrorExitsNonZero(t *testing.T) {
	stepDelay = 0
	var out bytes.Buffer
	if code := scenarioError(&out); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "❌ Error: simulated failure") {
		t.Errorf("expected error marker, got %q", out.String())
	}
}

func TestScenarioEchoMirrorsInput(t *testing.T) {
	stepDelay = 0
	in := bufio.NewScanner(strings.NewReader("hello\nworld\ndone\n"))
	var out bytes.Buffer

	if code := scenarioEcho(&out, in); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	got := out.String()
	for _, want := range []string{"echo: hello", "echo: world", "✅ Task completed: echo finished"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
