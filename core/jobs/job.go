package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State of a stored job.
type State string

const (
	// StatePending jobs are waiting in the due set, possibly leased.
	StatePending State = "pending"
	// StateFailed jobs exhausted their retries and sit in the incident set
	// until retried or deleted by an operator.
	StateFailed State = "failed"
)

// Job is a unit of asynchronous work bound to an execution. Retries counts
// the attempts left; Attempts counts those already made. Exclusive jobs of
// one instance never run concurrently.
type Job struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	ExecutionID string         `json:"execution_id"`
	Handler     string         `json:"handler"`
	Payload     map[string]any `json:"payload,omitempty"`
	Due         time.Time      `json:"due"`
	Retries     int            `json:"retries"`
	Attempts    int            `json:"attempts"`
	Exclusive   bool           `json:"exclusive"`
	State       State          `json:"state"`
	LockOwner   string         `json:"lock_owner,omitempty"`
	LockExpires time.Time      `json:"lock_expires,omitempty"`
	LastFailure string         `json:"last_failure,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// New builds a pending job due immediately.
func New(instanceID, executionID, handler string, payload map[string]any, retries int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		ExecutionID: executionID,
		Handler:     handler,
		Payload:     payload,
		Due:         now,
		Retries:     retries,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) payloadJSON() string {
	if len(j.Payload) == 0 {
		return ""
	}
	data, err := json.Marshal(j.Payload)
	if err != nil {
		return ""
	}
	return string(data)
}
