package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task actions (client -> server)
	ActionTaskList    = "task.list"
	ActionTaskCreate  = "task.create"
	ActionTaskGet     = "task.get"
	ActionTaskUpdate  = "task.update"
	ActionTaskDelete  = "task.delete"
	ActionTaskExecute = "task:execute"
	ActionTaskStop    = "task:stop"
	ActionTaskInput   = "task:input"
	ActionTaskHistory = "task:history"

	// Kanban actions
	ActionKanbanRequestSync = "kanban:request-sync"

	// Host actions (worker channel)
	ActionHostRegister  = "host.register"
	ActionHostHeartbeat = "host.heartbeat"
	ActionHostList      = "host.list"

	// Notification actions (server -> client)
	ActionTaskExecutionEvent = "task:execution_event"
	ActionTaskStatus         = "task:status"
	ActionKanbanSync         = "kanban:sync"
	ActionHostUpdate         = "host:update"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
