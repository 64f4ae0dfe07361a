package task

import (
	"time"

	"github.com/google/uuid"
)

// State of a user task.
type State string

const (
	StateOpen      State = "open"
	StateCompleted State = "completed"
)

// Task is a unit of human work attached to an execution. Assignee is the
// single user working on it; candidate groups may claim it.
type Task struct {
	ID              string     `json:"id"`
	InstanceID      string     `json:"instance_id,omitempty"`
	ExecutionID     string     `json:"execution_id,omitempty"`
	Name            string     `json:"name"`
	Assignee        string     `json:"assignee,omitempty"`
	Owner           string     `json:"owner,omitempty"`
	CandidateGroups []string   `json:"candidate_groups,omitempty"`
	Priority        int        `json:"priority"`
	State           State      `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// New builds an open task.
func New(instanceID, executionID, name string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		ExecutionID: executionID,
		Name:        name,
		Priority:    50,
		State:       StateOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Complete marks the task done.
func (t *Task) Complete() {
	now := time.Now().UTC()
	t.State = StateCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
}
