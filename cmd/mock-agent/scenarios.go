package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// stepDelay paces marker output so event streams look live in demos. Tests
// zero it.
var stepDelay = 200 * time.Millisecond

// runScenario dispatches to a named scenario and returns the process exit
// code.
func runScenario(w io.Writer, scanner *bufio.Scanner, prompt string) int {
	switch name := scenarioFor(prompt); name {
	case "build":
		return scenarioBuild(w, prompt)
	case "error":
		return scenarioError(w)
	case "slow":
		return scenarioSlow(w)
	case "echo":
		return scenarioEcho(w, scanner)
	default:
		emit(w, "❌ Error: unknown scenario "+name+". Available: build, error, slow, echo")
		return 1
	}
}

// scenarioBuild walks a representative run: thinking, tool calls, progress,
// a file written into the working directory, completion.
func scenarioBuild(w io.Writer, prompt string) int {
	emit(w, "⏳ Thinking...")
	emit(w, "[TASK] Creating: "+firstLine(prompt))
	emit(w, "🔧 Running tool: read_file")
	emit(w, "progress: 25%")
	emit(w, "🔧 Running tool: edit_file")
	content := "Generated by mock-agent.\n\nPrompt:\n" + prompt + "\n"
	if err := os.WriteFile("MOCK_AGENT.md", []byte(content), 0o644); err != nil {
		emit(w, "❌ Error: write MOCK_AGENT.md: "+err.Error())
		return 1
	}
	emit(w, "progress: 75%")
	emit(w, "🔧 Running tool: bash")
	emit(w, "progress: 100%")
	emit(w, "✅ Task completed: wrote MOCK_AGENT.md")
	return 0
}

// scenarioError reports a failure and exits non-zero, so the run ends failed.
func scenarioError(w io.Writer) int {
	emit(w, "⏳ Thinking...")
	emit(w, "❌ Error: simulated failure")
	return 1
}

// scenarioSlow emits progress over ~20 steps with one-second gaps. Long
// enough to exercise abort and mid-run input against a live run.
func scenarioSlow(w io.Writer) int {
	emit(w, "⏳ Thinking...")
	for pct := 5; pct <= 100; pct += 5 {
		fmt.Fprintf(w, "progress: %d%%\n", pct)
		time.Sleep(time.Second)
	}
	emit(w, "✅ Task completed: slow run finished")
	return 0
}

// scenarioEcho mirrors mid-run input back until a "done" line, then
// completes. Exercises the task:input path end to end.
func scenarioEcho(w io.Writer, scanner *bufio.Scanner) int {
	emit(w, "⏳ Thinking...")
	emit(w, "echoing input; send done to finish")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "done" {
			emit(w, "✅ Task completed: echo finished")
			return 0
		}
		emit(w, "echo: "+line)
	}
	// Stdin closed without "done": treated as an abort by the caller.
	return 0
}

func emit(w io.Writer, line string) {
	fmt.Fprintln(w, line)
	time.Sleep(stepDelay)
}
