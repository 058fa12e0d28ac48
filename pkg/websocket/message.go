// Package websocket defines the wire protocol spoken on the gateway's
// WebSocket endpoints: a JSON envelope plus the action vocabulary.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType distinguishes the four envelope kinds.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope for every frame in both directions. Responses and
// errors echo the request ID; notifications carry none.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the body of a MessageTypeError frame.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newMessage(typ MessageType, id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest builds a client-to-server request frame.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeRequest, id, action, payload)
}

// NewResponse builds the reply to a request.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeResponse, id, action, payload)
}

// NewNotification builds a server-push frame with no request ID.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeNotification, "", action, payload)
}

// NewError builds an error reply carrying a machine-readable code.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(MessageTypeError, id, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload unmarshals the payload into v. A frame without a payload
// leaves v untouched.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
