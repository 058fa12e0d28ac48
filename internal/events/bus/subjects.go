package bus

// Subjects published by the gateway. External consumers can subscribe with
// NATS-style wildcards, e.g. "task.execution.*" for all lifecycle changes.
const (
	// SubjectExecutionPrefix is the prefix for execution lifecycle subjects.
	// The full subject is task.execution.<state>, e.g. task.execution.running.
	SubjectExecutionPrefix = "task.execution."

	// SubjectTaskEventsPrefix is the prefix for per-task execution event
	// streams. The full subject is task.events.<taskID>.
	SubjectTaskEventsPrefix = "task.events."

	// SubjectTaskChanged carries kanban board projection updates.
	SubjectTaskChanged = "task.changed"

	// SubjectHostUpdated carries host registry changes (register, heartbeat
	// lapse, load changes).
	SubjectHostUpdated = "host.updated"
)

// ExecutionSubject returns the subject for an execution state transition.
func ExecutionSubject(state string) string {
	return SubjectExecutionPrefix + state
}

// TaskEventsSubject returns the subject carrying one task's event stream.
func TaskEventsSubject(taskID string) string {
	return SubjectTaskEventsPrefix + taskID
}
