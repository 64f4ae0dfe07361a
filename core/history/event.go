package history

import "time"

// EventType names one kind of history event.
type EventType string

const (
	EventProcessInstanceStarted EventType = "process-instance-started"
	EventProcessInstanceEnded   EventType = "process-instance-ended"
	EventActivityStarted        EventType = "activity-started"
	EventActivityEnded          EventType = "activity-ended"

	EventTaskCreated   EventType = "task-created"
	EventTaskCompleted EventType = "task-completed"
	EventTaskDeleted   EventType = "task-deleted"

	EventFilterCreated EventType = "filter-created"
	EventFilterUpdated EventType = "filter-updated"
	EventFilterDeleted EventType = "filter-deleted"

	EventAuthorizationCreated EventType = "authorization-created"
	EventAuthorizationUpdated EventType = "authorization-updated"
	EventAuthorizationDeleted EventType = "authorization-deleted"

	EventJobCreated   EventType = "job-created"
	EventJobCompleted EventType = "job-completed"
	EventJobFailed    EventType = "job-failed"

	EventIncidentCreated  EventType = "incident-created"
	EventIncidentResolved EventType = "incident-resolved"

	EventVariableCreated EventType = "variable-created"
	EventVariableUpdated EventType = "variable-updated"
	EventVariableDeleted EventType = "variable-deleted"
)

// Event is one immutable history record. InstanceID is empty for events about
// entities that live outside a process instance, such as authorizations.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	InstanceID  string         `json:"instance_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Entity      string         `json:"entity,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
