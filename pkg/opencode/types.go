// Package opencode provides types and a client for the OpenCode server
// protocol. OpenCode runs as a local HTTP server and communicates via a REST
// API plus Server-Sent Events (SSE) for streaming output.
package opencode

import (
	"encoding/json"
)

// SDK event types from the /event SSE stream
const (
	SDKEventMessageUpdated     = "message.updated"
	SDKEventMessagePartUpdated = "message.part.updated"
	SDKEventPermissionAsked    = "permission.asked"
	SDKEventSessionIdle        = "session.idle"
	SDKEventSessionError       = "session.error"
)

// Part types
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool status values
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values
const (
	PermissionReplyOnce   = "once"
	PermissionReplyReject = "reject"
)

// HealthResponse from GET /global/health
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec for prompt requests
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput for prompt request parts
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// PermissionReplyRequest for POST /permission/{id}/reply
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// SDKEventEnvelope is the base structure for all SSE events
type SDKEventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated events
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo contains message metadata
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"` // "user", "assistant"
}

// MessagePartUpdatedProperties for message.part.updated events
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part represents a message part (text, reasoning, or tool)
type Part struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	MessageID string           `json:"messageID"`
	SessionID string           `json:"sessionID"`
	Text      string           `json:"text,omitempty"`   // For text/reasoning, cumulative snapshot
	CallID    string           `json:"callID,omitempty"` // For tool
	Tool      string           `json:"tool,omitempty"`   // For tool
	State     *ToolStateUpdate `json:"state,omitempty"`  // For tool
}

// ToolStateUpdate represents tool execution state
type ToolStateUpdate struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PermissionAskedProperties for permission.asked events
type PermissionAskedProperties struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionErrorProperties for session.error events
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *SDKError `json:"error,omitempty"`
}

// SDKError represents an error from the SDK
type SDKError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage returns the error message
func (e *SDKError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// GetKind returns the error kind/type
func (e *SDKError) GetKind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

func parseProps[T any](data json.RawMessage) (*T, error) {
	var props T
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSDKEvent decodes one SSE frame into its envelope.
func ParseSDKEvent(data []byte) (*SDKEventEnvelope, error) {
	return parseProps[SDKEventEnvelope](data)
}

// ParseMessageUpdated decodes message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdatedProperties, error) {
	return parseProps[MessageUpdatedProperties](data)
}

// ParseMessagePartUpdated decodes message.part.updated properties.
func ParseMessagePartUpdated(data json.RawMessage) (*MessagePartUpdatedProperties, error) {
	return parseProps[MessagePartUpdatedProperties](data)
}

// ParsePermissionAsked decodes permission.asked properties.
func ParsePermissionAsked(data json.RawMessage) (*PermissionAskedProperties, error) {
	return parseProps[PermissionAskedProperties](data)
}

// ParseSessionError decodes session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	return parseProps[SessionErrorProperties](data)
}
