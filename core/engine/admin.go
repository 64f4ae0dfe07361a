package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/command"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/jobs"
)

// AuthorizationService manages authorization records. The records themselves
// are a protected resource.
type AuthorizationService struct {
	engine *Engine
}

func authReq(perm authorization.Permission, recordID string) []authorization.Requirement {
	return []authorization.Requirement{{
		Resource:   authorization.ResourceAuthorization,
		ResourceID: recordID,
		Permission: perm,
	}}
}

// Create stores a new authorization record.
func (s *AuthorizationService) Create(ctx context.Context, identity command.Identity, rec *authorization.Authorization) (*authorization.Authorization, error) {
	cmd := &engineCommand{
		name: "create-authorization",
		reqs: authReq(authorization.PermissionCreate, ""),
		run: func(cctx *command.Context) (any, error) {
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			if rec.Type == "" {
				rec.Type = authorization.TypeGrant
			}
			if rec.ResourceID == "" {
				rec.ResourceID = authorization.Any
			}
			if rec.Type == authorization.TypeGlobal {
				rec.UserID = authorization.Any
				rec.GroupID = ""
			} else if rec.UserID == "" && rec.GroupID == "" {
				return nil, command.NewBusinessError("invalid_authorization", "grant and revoke records need a user or group")
			}
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				return s.engine.authStore.StageSave(pipe, rec)
			})
			cctx.EmitHistory(history.Event{
				Type:     history.EventAuthorizationCreated,
				Entity:   string(authorization.ResourceAuthorization),
				EntityID: rec.ID,
				Details:  map[string]any{"resource": string(rec.Resource), "resource_id": rec.ResourceID},
			})
			return rec, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*authorization.Authorization), nil
}

// Update rewrites an existing authorization record in place.
func (s *AuthorizationService) Update(ctx context.Context, identity command.Identity, rec *authorization.Authorization) error {
	cmd := &engineCommand{
		name: "update-authorization",
		reqs: authReq(authorization.PermissionUpdate, rec.ID),
		run: func(cctx *command.Context) (any, error) {
			existing, err := s.engine.authStore.Get(cctx.Ctx(), rec.ID)
			if err != nil {
				return nil, err
			}
			rec.CreatedAt = existing.CreatedAt
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				if existing.Resource != rec.Resource {
					s.engine.authStore.StageDelete(pipe, existing)
				}
				return s.engine.authStore.StageSave(pipe, rec)
			})
			cctx.EmitHistory(history.Event{
				Type:     history.EventAuthorizationUpdated,
				Entity:   string(authorization.ResourceAuthorization),
				EntityID: rec.ID,
				Details:  map[string]any{"resource": string(rec.Resource), "resource_id": rec.ResourceID},
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// Delete removes an authorization record.
func (s *AuthorizationService) Delete(ctx context.Context, identity command.Identity, recordID string) error {
	cmd := &engineCommand{
		name: "delete-authorization",
		reqs: authReq(authorization.PermissionDelete, recordID),
		run: func(cctx *command.Context) (any, error) {
			rec, err := s.engine.authStore.Get(cctx.Ctx(), recordID)
			if err != nil {
				return nil, err
			}
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				s.engine.authStore.StageDelete(pipe, rec)
				return nil
			})
			cctx.EmitHistory(history.Event{
				Type:     history.EventAuthorizationDeleted,
				Entity:   string(authorization.ResourceAuthorization),
				EntityID: rec.ID,
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// ListByResource returns the records guarding one resource type.
func (s *AuthorizationService) ListByResource(ctx context.Context, identity command.Identity, resource authorization.Resource) ([]authorization.Authorization, error) {
	cmd := &engineCommand{
		name: "list-authorizations",
		reqs: authReq(authorization.PermissionRead, ""),
		run: func(cctx *command.Context) (any, error) {
			return s.engine.authStore.ListByResource(cctx.Ctx(), resource)
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]authorization.Authorization), nil
}

// Query returns the records matching the criteria. A resource criterion
// narrows the scan to that resource's index.
func (s *AuthorizationService) Query(ctx context.Context, identity command.Identity, q authorization.Query) ([]authorization.Authorization, error) {
	cmd := &engineCommand{
		name: "query-authorizations",
		reqs: authReq(authorization.PermissionRead, ""),
		run: func(cctx *command.Context) (any, error) {
			var (
				all []authorization.Authorization
				err error
			)
			if q.Resource != "" {
				all, err = s.engine.authStore.ListByResource(cctx.Ctx(), q.Resource)
			} else {
				all, err = s.engine.authStore.List(cctx.Ctx())
			}
			if err != nil {
				return nil, err
			}
			out := make([]authorization.Authorization, 0, len(all))
			for _, rec := range all {
				if q.Matches(&rec) {
					out = append(out, rec)
				}
			}
			return out, nil
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]authorization.Authorization), nil
}

// IsUserAuthorized evaluates the stored records directly, without running a
// command. Useful for callers deciding what to offer before acting.
func (s *AuthorizationService) IsUserAuthorized(ctx context.Context, userID string, groups []string, perm authorization.Permission, resource authorization.Resource, resourceID string) (bool, error) {
	return s.engine.checker.Check(ctx, userID, groups, resource, resourceID, perm)
}

// HistoryService reads the audit trail.
type HistoryService struct {
	engine *Engine
}

// Level returns the configured history level.
func (s *HistoryService) Level() history.Level { return s.engine.level }

// InstanceEvents returns an instance's history in append order.
func (s *HistoryService) InstanceEvents(ctx context.Context, identity command.Identity, instanceID string) ([]history.Event, error) {
	cmd := &engineCommand{
		name: "get-instance-history",
		reqs: instanceReq(authorization.PermissionRead, instanceID),
		run: func(cctx *command.Context) (any, error) {
			return s.engine.histStore.ListByInstance(cctx.Ctx(), instanceID)
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]history.Event), nil
}

// GlobalEvents returns the history of entities outside any instance.
func (s *HistoryService) GlobalEvents(ctx context.Context, identity command.Identity) ([]history.Event, error) {
	cmd := &engineCommand{
		name: "get-global-history",
		reqs: instanceReq(authorization.PermissionRead, ""),
		run: func(cctx *command.Context) (any, error) {
			return s.engine.histStore.ListByInstance(cctx.Ctx(), "")
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]history.Event), nil
}

// JobService exposes job and incident management.
type JobService struct {
	engine *Engine
}

// Incidents returns permanently failed jobs, oldest first.
func (s *JobService) Incidents(ctx context.Context, identity command.Identity) ([]*jobs.Job, error) {
	cmd := &engineCommand{
		name: "list-incidents",
		reqs: instanceReq(authorization.PermissionRead, ""),
		run: func(cctx *command.Context) (any, error) {
			return s.engine.jobStore.ListIncidents(cctx.Ctx())
		},
	}
	result, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]*jobs.Job), nil
}

// RetryIncident puts a failed job back into the due set with a fresh retry
// budget.
func (s *JobService) RetryIncident(ctx context.Context, identity command.Identity, jobID string, retries int) error {
	cmd := &engineCommand{
		name: "retry-incident",
		reqs: instanceReq(authorization.PermissionUpdate, ""),
		run: func(cctx *command.Context) (any, error) {
			job, err := s.engine.jobStore.Get(cctx.Ctx(), jobID)
			if err != nil {
				return nil, err
			}
			if err := s.engine.jobStore.RetryIncident(cctx.Ctx(), jobID, retries); err != nil {
				return nil, err
			}
			cctx.EmitHistory(history.Event{
				Type:       history.EventIncidentResolved,
				InstanceID: job.InstanceID,
				Entity:     "Job",
				EntityID:   job.ID,
			})
			return nil, nil
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}

// Delete discards a job regardless of leases, cancelling pending work.
func (s *JobService) Delete(ctx context.Context, identity command.Identity, jobID string) error {
	cmd := &engineCommand{
		name: "delete-job",
		reqs: instanceReq(authorization.PermissionUpdate, ""),
		run: func(cctx *command.Context) (any, error) {
			return nil, s.engine.jobStore.Delete(cctx.Ctx(), jobID)
		},
	}
	_, err := s.engine.pipeline.Execute(ctx, identity, cmd)
	return err
}
