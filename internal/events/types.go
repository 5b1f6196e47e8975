// Package events provides event types and subject helpers for task activity.
package events

// Event types for task runs
const (
	// TaskExecute is emitted before the host call so the navigation
	// collaborator can prepare the browsing context.
	TaskExecute = "task.execute"
	// TaskOutput carries one stdout or stderr chunk of a run.
	TaskOutput = "task.output"
	// TaskBlocked hands a blocked run off to a human.
	TaskBlocked = "task.blocked"
	// TaskCompleted reports the terminal outcome of a run.
	TaskCompleted = "task.completed"
)

// Event types for task records
const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"
	TaskDeleted = "task.deleted"
)

// Event types for hosts
const (
	HostLost      = "host.lost"
	HostRecovered = "host.recovered"
)

// TaskWildcardSubject matches every task event.
const TaskWildcardSubject = "task.>"

// HostWildcardSubject matches every host event.
const HostWildcardSubject = "host.>"

// BuildTaskSubject creates the subject of a task event for a specific task
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildHostSubject creates the subject of a host event for a specific address
func BuildHostSubject(eventType, address string) string {
	return eventType + "." + address
}
