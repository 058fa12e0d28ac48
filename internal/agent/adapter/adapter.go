// Package adapter drives coding agents and normalises their output into
// structured events. The OpenCode adapter speaks the REST/SSE server
// protocol; the CLI adapters line-stream a subprocess and parse recognised
// markers.
package adapter

import (
	"context"
	"errors"

	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

var (
	// ErrStartFailed is returned when the agent cannot be launched or does not
	// become ready within the warm-up window.
	ErrStartFailed = errors.New("adapter start failed")

	// ErrNotReady is returned when a prompt is submitted before the agent
	// signalled readiness.
	ErrNotReady = errors.New("adapter not ready")

	// ErrAlreadySubmitted is returned on a second SubmitPrompt for the same
	// handle. Prompt delivery is at-most-once.
	ErrAlreadySubmitted = errors.New("prompt already submitted")

	// ErrUnknownAgentType is returned for agent types with no adapter.
	ErrUnknownAgentType = errors.New("unknown agent type")
)

// Event is one item from a running agent's stream. Exactly one field is set.
type Event struct {
	Agent    *v1.AgentEventPayload
	Progress *v1.ProgressPayload
}

// Handle is one running agent session.
type Handle interface {
	// Events returns the finite event stream. The channel closes when the
	// agent signals completion, its process exits, or the handle is aborted.
	// A crash surfaces a synthetic error event before the close.
	Events() <-chan Event

	// SubmitPrompt delivers the task prompt. At-most-once per handle.
	SubmitPrompt(ctx context.Context, prompt, model string) error

	// SendInput forwards mid-run user input to the agent, best-effort.
	SendInput(ctx context.Context, text string) error

	// Abort terminates the session. Idempotent; Events closes within the
	// abort grace period.
	Abort(ctx context.Context) error
}

// Factory starts agent sessions by agent type.
type Factory struct {
	cfg    config.AgentConfig
	logger *logger.Logger
}

// NewFactory creates an adapter factory.
func NewFactory(cfg config.AgentConfig, log *logger.Logger) *Factory {
	return &Factory{cfg: cfg, logger: log}
}

// Start launches an agent of the given type in workingDir and returns its
// handle once the agent is ready for a prompt.
func (f *Factory) Start(ctx context.Context, agentType v1.AgentType, workingDir string, env map[string]string) (Handle, error) {
	switch agentType {
	case v1.AgentOpenCode:
		return startOpenCode(ctx, f.cfg, workingDir, env, f.logger)
	case v1.AgentClaudeCode, v1.AgentCodex, v1.AgentGeminiCLI, v1.AgentCustom:
		command := f.cfg.Command(string(agentType))
		if len(command) == 0 {
			return nil, ErrUnknownAgentType
		}
		return startCLI(ctx, f.cfg, command, workingDir, env, string(agentType), f.logger)
	default:
		return nil, ErrUnknownAgentType
	}
}

func agentError(message string, recoverable bool) Event {
	return Event{Agent: &v1.AgentEventPayload{
		Kind:  v1.AgentEventError,
		Error: &v1.AgentErrorEvent{Message: message, Recoverable: recoverable},
	}}
}
