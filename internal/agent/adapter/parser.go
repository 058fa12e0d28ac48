package adapter

import (
	"regexp"
	"strconv"
	"strings"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// Line markers emitted by the CLI agents.
const (
	markerThinking  = "⏳ Thinking..."
	markerTool      = "🔧 Running tool: "
	markerCompleted = "✅ Task completed"
	markerError     = "❌ Error"
	markerTask      = "[TASK] Creating: "
)

var progressRe = regexp.MustCompile(`^progress:\s*(\d+)%`)

// ParseLine converts one line of CLI agent output into an event. Recognised
// markers become structured events; everything else is raw output tagged
// with its stream. Blank lines produce no event.
func ParseLine(stream, line string) (Event, bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return Event{}, false
	}

	switch {
	case trimmed == markerThinking:
		return Event{Agent: &v1.AgentEventPayload{
			Kind:     v1.AgentEventThinking,
			Thinking: &v1.ThinkingEvent{Content: "Thinking..."},
		}}, true

	case strings.HasPrefix(trimmed, markerTool):
		return Event{Agent: &v1.AgentEventPayload{
			Kind:     v1.AgentEventToolCall,
			ToolCall: &v1.ToolCallEvent{Tool: strings.TrimSpace(strings.TrimPrefix(trimmed, markerTool))},
		}}, true

	case strings.HasPrefix(trimmed, markerCompleted):
		summary := strings.TrimSpace(strings.TrimPrefix(trimmed, markerCompleted))
		summary = strings.TrimPrefix(summary, ": ")
		return Event{Agent: &v1.AgentEventPayload{
			Kind:      v1.AgentEventCompleted,
			Completed: &v1.CompletedEvent{Success: true, Summary: summary},
		}}, true

	case strings.HasPrefix(trimmed, markerError):
		message := strings.TrimSpace(strings.TrimPrefix(trimmed, markerError))
		message = strings.TrimSpace(strings.TrimPrefix(message, ":"))
		if message == "" {
			message = "agent reported an error"
		}
		return Event{Agent: &v1.AgentEventPayload{
			Kind:  v1.AgentEventError,
			Error: &v1.AgentErrorEvent{Message: message, Recoverable: true},
		}}, true

	case strings.HasPrefix(trimmed, markerTask):
		return Event{Agent: &v1.AgentEventPayload{
			Kind:    v1.AgentEventMessage,
			Message: &v1.MessageEvent{Content: "Creating: " + strings.TrimSpace(strings.TrimPrefix(trimmed, markerTask))},
		}}, true
	}

	if match := progressRe.FindStringSubmatch(trimmed); match != nil {
		if pct, err := strconv.Atoi(match[1]); err == nil {
			return Event{Progress: &v1.ProgressPayload{
				Message:    trimmed,
				Percentage: &pct,
			}}, true
		}
	}

	return Event{Agent: &v1.AgentEventPayload{
		Kind:      v1.AgentEventRawOutput,
		RawOutput: &v1.RawOutputEvent{Stream: stream, Content: trimmed},
	}}, true
}
