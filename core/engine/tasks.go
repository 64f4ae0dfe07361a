package engine

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/command"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/task"
)

// TaskService manages user tasks attached to executions.
type TaskService struct {
	engine *Engine
}

func taskReq(perm authorization.Permission, taskID string) []authorization.Requirement {
	return []authorization.Requirement{{
		Resource:   authorization.ResourceTask,
		ResourceID: taskID,
		Permission: perm,
	}}
}

// Create opens a task under an execution.
func (s *TaskService) Create(ctx context.Context, identity command.Identity, instanceID, executionID, name, assignee string, candidateGroups []string) (*task.Task, error) {
	cmd := &engineCommand{
		name: "create-task",
		reqs: taskReq(authorization.PermissionCreate, ""),
		run: func(cctx *command.Context) (any, error) {
			if instanceID != "" {
				in, err := cctx.Instance(instanceID)
				if err != nil {
					return nil, err
				}
				if _, err := in.Get(executionID); err != nil {
					return nil, err
				}
			}
			t := task.New(instanceID, executionID, name)
			t.Assignee = assignee
			t.CandidateGroups = candidateGroups
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				return s.engine.taskStore.StageSave(pipe, t)
			})
			cctx.EmitHistory(history.Event{
				Type:        history.EventTaskCreated,
				InstanceID:  instanceID,
				ExecutionID: executionID,
				Entity:      string(authorization.ResourceTask),
				EntityID:    t.ID,
				Details:     map[string]any{"name": name, "assignee": assignee},
			})
			return t, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*task.Task), nil
}

// Get loads one task.
func (s *TaskService) Get(ctx context.Context, identity command.Identity, taskID string) (*task.Task, error) {
	cmd := &engineCommand{
		name: "get-task",
		reqs: taskReq(authorization.PermissionRead, taskID),
		run: func(cctx *command.Context) (any, error) {
			return s.engine.taskStore.Get(cctx.Ctx(), taskID)
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*task.Task), nil
}

// Complete marks a task done.
func (s *TaskService) Complete(ctx context.Context, identity command.Identity, taskID string) error {
	cmd := &engineCommand{
		name: "complete-task",
		reqs: taskReq(authorization.PermissionUpdate, taskID),
		run: func(cctx *command.Context) (any, error) {
			t, err := s.engine.taskStore.Get(cctx.Ctx(), taskID)
			if err != nil {
				return nil, err
			}
			if t.State == task.StateCompleted {
				return nil, command.NewBusinessError("task_already_completed", "task %s is already completed", taskID)
			}
			t.Complete()
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				return s.engine.taskStore.StageSave(pipe, t)
			})
			cctx.EmitHistory(history.Event{
				Type:        history.EventTaskCompleted,
				InstanceID:  t.InstanceID,
				ExecutionID: t.ExecutionID,
				Entity:      string(authorization.ResourceTask),
				EntityID:    t.ID,
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// Delete removes a task.
func (s *TaskService) Delete(ctx context.Context, identity command.Identity, taskID string) error {
	cmd := &engineCommand{
		name: "delete-task",
		reqs: taskReq(authorization.PermissionDelete, taskID),
		run: func(cctx *command.Context) (any, error) {
			t, err := s.engine.taskStore.Get(cctx.Ctx(), taskID)
			if err != nil {
				return nil, err
			}
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				s.engine.taskStore.StageDelete(pipe, t)
				return nil
			})
			cctx.EmitHistory(history.Event{
				Type:       history.EventTaskDeleted,
				InstanceID: t.InstanceID,
				Entity:     string(authorization.ResourceTask),
				EntityID:   t.ID,
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}
