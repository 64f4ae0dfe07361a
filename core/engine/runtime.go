package engine

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/command"
	"github.com/prozess-io/prozess/core/delegate"
	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/jobs"
)

// RuntimeService drives process instances: starting them, moving their
// execution trees, reading and writing variables, and scheduling jobs. Every
// operation is one atomic command.
type RuntimeService struct {
	engine *Engine
}

func instanceReq(perm authorization.Permission, instanceID string) []authorization.Requirement {
	return []authorization.Requirement{{
		Resource:   authorization.ResourceProcessInstance,
		ResourceID: instanceID,
		Permission: perm,
	}}
}

// Start creates a process instance with an active root execution and the
// given initial variables.
func (s *RuntimeService) Start(ctx context.Context, identity command.Identity, processKey, businessKey string, variables map[string]any) (*execution.Instance, error) {
	cmd := &engineCommand{
		name: "start-process-instance",
		reqs: instanceReq(authorization.PermissionCreate, ""),
		run: func(cctx *command.Context) (any, error) {
			in := cctx.NewInstance(processKey, businessKey)
			for name, value := range variables {
				if _, err := in.SetVariable(in.RootID, name, value); err != nil {
					return nil, err
				}
				cctx.EmitHistory(history.Event{
					Type:        history.EventVariableCreated,
					InstanceID:  in.ID,
					ExecutionID: in.RootID,
					Details:     map[string]any{"name": name},
				})
			}
			cctx.EmitHistory(history.Event{
				Type:       history.EventProcessInstanceStarted,
				InstanceID: in.ID,
				Details:    map[string]any{"process_key": processKey, "business_key": businessKey},
			})
			return in, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*execution.Instance), nil
}

// Get loads an instance. The caller needs READ on it.
func (s *RuntimeService) Get(ctx context.Context, identity command.Identity, instanceID string) (*execution.Instance, error) {
	cmd := &engineCommand{
		name: "get-process-instance",
		reqs: instanceReq(authorization.PermissionRead, instanceID),
		run: func(cctx *command.Context) (any, error) {
			return cctx.Instance(instanceID)
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*execution.Instance), nil
}

// GetByBusinessKey resolves the business key, then loads the instance under
// the usual READ check.
func (s *RuntimeService) GetByBusinessKey(ctx context.Context, identity command.Identity, businessKey string) (*execution.Instance, error) {
	in, err := s.engine.instances.GetByBusinessKey(ctx, businessKey)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, identity, in.ID)
}

// EnterActivity creates a child execution pointing at an activity.
func (s *RuntimeService) EnterActivity(ctx context.Context, identity command.Identity, instanceID, parentExecutionID, activityID string) (*execution.Execution, error) {
	cmd := &engineCommand{
		name: "enter-activity",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			child, err := in.CreateChild(parentExecutionID, activityID)
			if err != nil {
				return nil, err
			}
			cctx.SaveInstance(in)
			cctx.EmitHistory(history.Event{
				Type:        history.EventActivityStarted,
				InstanceID:  in.ID,
				ExecutionID: child.ID,
				Details:     map[string]any{"activity_id": activityID},
			})
			return child, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*execution.Execution), nil
}

// CompleteActivity ends an execution and its descendants.
func (s *RuntimeService) CompleteActivity(ctx context.Context, identity command.Identity, instanceID, executionID string) error {
	cmd := &engineCommand{
		name: "complete-activity",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			ex, err := in.Get(executionID)
			if err != nil {
				return nil, err
			}
			if err := in.End(executionID); err != nil {
				return nil, err
			}
			cctx.SaveInstance(in)
			cctx.EmitHistory(history.Event{
				Type:        history.EventActivityEnded,
				InstanceID:  in.ID,
				ExecutionID: executionID,
				Details:     map[string]any{"activity_id": ex.ActivityID},
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// Fork opens concurrent branches under an execution, one per activity.
func (s *RuntimeService) Fork(ctx context.Context, identity command.Identity, instanceID, parentExecutionID string, activityIDs ...string) ([]*execution.Execution, error) {
	cmd := &engineCommand{
		name: "fork-execution",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			branches, err := in.Fork(parentExecutionID, activityIDs...)
			if err != nil {
				return nil, err
			}
			cctx.SaveInstance(in)
			for _, branch := range branches {
				cctx.EmitHistory(history.Event{
					Type:        history.EventActivityStarted,
					InstanceID:  in.ID,
					ExecutionID: branch.ID,
					Details:     map[string]any{"activity_id": branch.ActivityID},
				})
			}
			return branches, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]*execution.Execution), nil
}

// Join verifies every concurrent branch under the execution has completed.
// It fails with execution.ErrJoinNotReady while branches are still live.
func (s *RuntimeService) Join(ctx context.Context, identity command.Identity, instanceID, parentExecutionID string) error {
	cmd := &engineCommand{
		name: "join-execution",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			return nil, in.Join(parentExecutionID)
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// End finishes the whole instance.
func (s *RuntimeService) End(ctx context.Context, identity command.Identity, instanceID string) error {
	cmd := &engineCommand{
		name: "end-process-instance",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			if err := in.End(in.RootID); err != nil {
				return nil, err
			}
			cctx.SaveInstance(in)
			cctx.EmitHistory(history.Event{
				Type:       history.EventProcessInstanceEnded,
				InstanceID: in.ID,
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// Delete removes an instance, optionally with its history.
func (s *RuntimeService) Delete(ctx context.Context, identity command.Identity, instanceID string, withHistory bool) error {
	cmd := &engineCommand{
		name: "delete-process-instance",
		reqs: instanceReq(authorization.PermissionDelete, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			cctx.DeleteInstance(in)
			if withHistory {
				cctx.Stage(nil, func(pipe redis.Pipeliner) error {
					s.engine.histStore.StageDeleteByInstance(pipe, instanceID)
					return nil
				})
			}
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// SetVariable writes a variable into an execution's scope.
func (s *RuntimeService) SetVariable(ctx context.Context, identity command.Identity, instanceID, executionID, name string, value any) error {
	cmd := &engineCommand{
		name: "set-variable",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			created, err := in.SetVariable(executionID, name, value)
			if err != nil {
				return nil, err
			}
			cctx.SaveInstance(in)
			eventType := history.EventVariableUpdated
			if created {
				eventType = history.EventVariableCreated
			}
			cctx.EmitHistory(history.Event{
				Type:        eventType,
				InstanceID:  in.ID,
				ExecutionID: executionID,
				Details:     map[string]any{"name": name},
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// GetVariable resolves a variable through the execution's scope chain.
func (s *RuntimeService) GetVariable(ctx context.Context, identity command.Identity, instanceID, executionID, name string) (any, bool, error) {
	type varResult struct {
		value any
		found bool
	}
	cmd := &engineCommand{
		name: "get-variable",
		reqs: instanceReq(authorization.PermissionRead, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			value, found, err := in.GetVariable(executionID, name)
			if err != nil {
				return nil, err
			}
			return varResult{value: value, found: found}, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, false, err
	}
	res := result.(varResult)
	return res.value, res.found, nil
}

// Signal invokes a named delegate synchronously against an execution's
// variable scope. The handler's variable writes commit with the command.
func (s *RuntimeService) Signal(ctx context.Context, identity command.Identity, instanceID, executionID, handler string, bindings []delegate.FieldBinding) error {
	cmd := &engineCommand{
		name: "signal-execution",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			ex, err := in.Get(executionID)
			if err != nil {
				return nil, err
			}
			if ex.State == execution.StateEnded {
				return nil, execution.ErrExecutionEnded
			}
			scope, err := in.ScopeOf(executionID)
			if err != nil {
				return nil, err
			}
			if err := s.engine.delegates.Invoke(cctx.Ctx(), handler, bindings, scope); err != nil {
				return nil, delegateFault(err)
			}
			cctx.SaveInstance(in)
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// ScheduleJob stages an asynchronous continuation for an execution. The job
// is created atomically with the command commit and picked up by the
// executor.
func (s *RuntimeService) ScheduleJob(ctx context.Context, identity command.Identity, instanceID, executionID, handler string, payload map[string]any, exclusive bool) (*jobs.Job, error) {
	cmd := &engineCommand{
		name: "schedule-job",
		reqs: instanceReq(authorization.PermissionUpdate, instanceID),
		run: func(cctx *command.Context) (any, error) {
			in, err := cctx.Instance(instanceID)
			if err != nil {
				return nil, err
			}
			ex, err := in.Get(executionID)
			if err != nil {
				return nil, err
			}
			if ex.State == execution.StateEnded {
				return nil, execution.ErrExecutionEnded
			}
			job := jobs.New(in.ID, ex.ID, handler, payload, s.engine.cfg.JobRetries)
			job.Exclusive = exclusive
			cctx.ScheduleJob(job)
			cctx.EmitHistory(history.Event{
				Type:        history.EventJobCreated,
				InstanceID:  in.ID,
				ExecutionID: ex.ID,
				Entity:      "Job",
				EntityID:    job.ID,
				Details:     map[string]any{"handler": handler},
			})
			return job, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*jobs.Job), nil
}

// List returns the instances the caller may read.
func (s *RuntimeService) List(ctx context.Context, identity command.Identity) ([]*execution.Instance, error) {
	cmd := &engineCommand{
		name: "list-process-instances",
		run: func(cctx *command.Context) (any, error) {
			all, err := s.engine.instances.List(cctx.Ctx())
			if err != nil {
				return nil, err
			}
			if !s.engine.cfg.AuthorizationEnabled {
				return all, nil
			}
			out := make([]*execution.Instance, 0, len(all))
			for _, in := range all {
				ok, err := s.engine.checker.Check(cctx.Ctx(), identity.UserID, identity.Groups,
					authorization.ResourceProcessInstance, in.ID, authorization.PermissionRead)
				if err == nil && ok {
					out = append(out, in)
				}
			}
			return out, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]*execution.Instance), nil
}
