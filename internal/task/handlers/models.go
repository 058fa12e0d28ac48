package handlers

import v1 "github.com/vibekan/vibekan/pkg/api/v1"

// agentModels is the static model catalogue served for the local host. A
// remote host would report its own list over the worker channel.
func agentModels(agent v1.AgentType) []v1.HostModel {
	switch agent {
	case v1.AgentOpenCode:
		return []v1.HostModel{
			{ID: "anthropic/claude-sonnet-4-20250514", Provider: "anthropic", Name: "Claude Sonnet 4"},
			{ID: "openai/gpt-4.1", Provider: "openai", Name: "GPT-4.1"},
			{ID: "google/gemini-2.5-pro", Provider: "google", Name: "Gemini 2.5 Pro"},
		}
	case v1.AgentClaudeCode:
		return []v1.HostModel{
			{ID: "claude-sonnet-4-20250514", Provider: "anthropic", Name: "Claude Sonnet 4"},
			{ID: "claude-opus-4-20250514", Provider: "anthropic", Name: "Claude Opus 4"},
		}
	case v1.AgentCodex:
		return []v1.HostModel{
			{ID: "gpt-5-codex", Provider: "openai", Name: "GPT-5 Codex"},
			{ID: "o4-mini", Provider: "openai", Name: "o4-mini"},
		}
	case v1.AgentGeminiCLI:
		return []v1.HostModel{
			{ID: "gemini-2.5-pro", Provider: "google", Name: "Gemini 2.5 Pro"},
			{ID: "gemini-2.5-flash", Provider: "google", Name: "Gemini 2.5 Flash"},
		}
	default:
		return nil
	}
}
