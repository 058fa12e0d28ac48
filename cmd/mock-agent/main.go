// Package main implements a mock coding agent that speaks the gateway's CLI
// line protocol over stdin/stdout. It simulates agent runs for demos and
// manual gateway testing: point `agent.commands.custom` at this binary and
// execute a task with agentType custom.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	// The first line is the task prompt; later lines are mid-run input.
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "mock-agent: no prompt on stdin")
		os.Exit(1)
	}
	prompt := scanner.Text()

	os.Exit(runScenario(os.Stdout, scanner, prompt))
}

// scenarioFor picks the scenario named by a "scenario:<name>" prompt prefix.
// Prompts without the prefix run the default build scenario.
func scenarioFor(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if !strings.HasPrefix(trimmed, "scenario:") {
		return "build"
	}
	name := strings.TrimPrefix(trimmed, "scenario:")
	if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

// firstLine returns the prompt's first line, for task titles.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
