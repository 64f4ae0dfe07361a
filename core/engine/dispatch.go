package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prozess-io/prozess/core/command"
	"github.com/prozess-io/prozess/core/delegate"
	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/jobs"
)

// systemIdentity is what jobs run as. Job commands carry no permission
// requirements; access was checked when the job was scheduled.
var systemIdentity = command.Identity{UserID: "engine"}

// dispatchJob runs one acquired job through the command pipeline, so the
// handler's variable writes, the job's history event, and any follow-up jobs
// commit atomically.
func (e *Engine) dispatchJob(ctx context.Context, job *jobs.Job) error {
	cmd := &engineCommand{
		name: "run-job",
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(job.InstanceID)
			if err != nil {
				return nil, err
			}
			if in.Ended() {
				return nil, execution.ErrInstanceEnded
			}
			ex, err := in.Get(job.ExecutionID)
			if err != nil {
				return nil, err
			}
			if ex.State == execution.StateEnded {
				return nil, execution.ErrExecutionEnded
			}

			scope, err := in.ScopeOf(job.ExecutionID)
			if err != nil {
				return nil, err
			}
			bindings, err := decodeBindings(job.Payload)
			if err != nil {
				return nil, err
			}
			if err := e.delegates.Invoke(cctx.Ctx(), job.Handler, bindings, scope); err != nil {
				return nil, delegateFault(err)
			}

			cctx.SaveInstance(in)
			cctx.EmitHistory(history.Event{
				Type:        history.EventJobCompleted,
				InstanceID:  job.InstanceID,
				ExecutionID: job.ExecutionID,
				Entity:      "Job",
				EntityID:    job.ID,
				Details:     map[string]any{"handler": job.Handler},
			})
			return nil, nil
		},
	}
	_, err := e.pipeline.Execute(ctx, systemIdentity, cmd)
	return err
}

// delegateFault classifies a handler failure as a business fault, keeping
// engine faults and user-code faults distinct for callers and metrics.
func delegateFault(err error) error {
	if err == nil || command.IsBusinessError(err) {
		return err
	}
	return command.WrapBusinessError("delegate_fault", err)
}

// decodeBindings reads delegate field bindings from the job payload's
// "fields" entry.
func decodeBindings(payload map[string]any) ([]delegate.FieldBinding, error) {
	raw, ok := payload["fields"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode field bindings: %w", err)
	}
	var bindings []delegate.FieldBinding
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("decode field bindings: %w", err)
	}
	return bindings, nil
}
