package filter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/command"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/task"
)

// Service exposes filter management and filter execution as pipeline
// commands. Saved filters are protected per ID; executing a filter the caller
// cannot read yields no results rather than an error.
type Service struct {
	pipeline    *command.Pipeline
	filters     *RedisStore
	tasks       *task.RedisStore
	checker     *authorization.Checker
	authEnabled bool
}

func NewService(pipeline *command.Pipeline, filters *RedisStore, tasks *task.RedisStore, checker *authorization.Checker, authEnabled bool) *Service {
	return &Service{
		pipeline:    pipeline,
		filters:     filters,
		tasks:       tasks,
		checker:     checker,
		authEnabled: authEnabled,
	}
}

type filterCommand struct {
	name string
	reqs []authorization.Requirement
	run  func(cctx *command.Context) (any, error)
}

func (c *filterCommand) Name() string                              { return c.name }
func (c *filterCommand) Requirements() []authorization.Requirement { return c.reqs }
func (c *filterCommand) Execute(cctx *command.Context) (any, error) {
	return c.run(cctx)
}

// Create stores a new filter. The caller needs CREATE on filters; an empty
// owner defaults to the caller.
func (s *Service) Create(ctx context.Context, identity command.Identity, name, owner string, criteria map[string]any) (*Filter, error) {
	cmd := &filterCommand{
		name: "create-filter",
		reqs: []authorization.Requirement{{
			Resource:   authorization.ResourceFilter,
			Permission: authorization.PermissionCreate,
		}},
		run: func(cctx *command.Context) (any, error) {
			if owner == "" {
				owner = cctx.Identity().UserID
			}
			f, err := New(name, owner, criteria)
			if err != nil {
				return nil, command.NewBusinessError("invalid_filter", "%v", err)
			}
			cctx.Stage(nil, func(pipe redis.Pipeliner) error { return s.filters.StageSave(pipe, f) })
			cctx.EmitHistory(history.Event{
				Type:     history.EventFilterCreated,
				Entity:   string(authorization.ResourceFilter),
				EntityID: f.ID,
			})
			return f, nil
		},
	}
	result, err := s.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*Filter), nil
}

// Update rewrites an existing filter's name and criteria. The caller needs
// UPDATE on the filter; its owner always may.
func (s *Service) Update(ctx context.Context, identity command.Identity, id, name string, criteria map[string]any) (*Filter, error) {
	cmd := &filterCommand{
		name: "update-filter",
		reqs: []authorization.Requirement{{
			Resource:   authorization.ResourceFilter,
			ResourceID: id,
			Permission: authorization.PermissionUpdate,
		}},
		run: func(cctx *command.Context) (any, error) {
			f, err := s.filters.Get(cctx.Ctx(), id)
			if err != nil {
				return nil, err
			}
			if err := validateCriteria(criteria); err != nil {
				return nil, command.NewBusinessError("invalid_filter", "%v", err)
			}
			if name != "" {
				f.Name = name
			}
			f.Criteria = criteria
			cctx.Stage(nil, func(pipe redis.Pipeliner) error { return s.filters.StageSave(pipe, f) })
			cctx.EmitHistory(history.Event{
				Type:     history.EventFilterUpdated,
				Entity:   string(authorization.ResourceFilter),
				EntityID: f.ID,
			})
			return f, nil
		},
	}
	result, err := s.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*Filter), nil
}

// Save creates the filter when its ID is empty and updates it otherwise.
func (s *Service) Save(ctx context.Context, identity command.Identity, f *Filter) (*Filter, error) {
	if f == nil {
		return nil, command.NewBusinessError("invalid_filter", "nil filter")
	}
	if f.ID == "" {
		return s.Create(ctx, identity, f.Name, f.Owner, f.Criteria)
	}
	return s.Update(ctx, identity, f.ID, f.Name, f.Criteria)
}

// Get loads one filter. The caller needs READ on it.
func (s *Service) Get(ctx context.Context, identity command.Identity, id string) (*Filter, error) {
	cmd := &filterCommand{
		name: "get-filter",
		reqs: []authorization.Requirement{{
			Resource:   authorization.ResourceFilter,
			ResourceID: id,
			Permission: authorization.PermissionRead,
		}},
		run: func(cctx *command.Context) (any, error) {
			return s.filters.Get(cctx.Ctx(), id)
		},
	}
	result, err := s.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.(*Filter), nil
}

// Delete removes a filter. The caller needs DELETE on it.
func (s *Service) Delete(ctx context.Context, identity command.Identity, id string) error {
	cmd := &filterCommand{
		name: "delete-filter",
		reqs: []authorization.Requirement{{
			Resource:   authorization.ResourceFilter,
			ResourceID: id,
			Permission: authorization.PermissionDelete,
		}},
		run: func(cctx *command.Context) (any, error) {
			f, err := s.filters.Get(cctx.Ctx(), id)
			if err != nil {
				return nil, err
			}
			cctx.Stage(nil, func(pipe redis.Pipeliner) error {
				s.filters.StageDelete(pipe, f)
				return nil
			})
			cctx.EmitHistory(history.Event{
				Type:     history.EventFilterDeleted,
				Entity:   string(authorization.ResourceFilter),
				EntityID: f.ID,
			})
			return nil, nil
		},
	}
	_, err := s.pipeline.Execute(ctx, identity, cmd)
	return err
}

// List returns the filters the caller may read. Unreadable filters are
// silently skipped, so the listing never fails on permissions.
func (s *Service) List(ctx context.Context, identity command.Identity) ([]*Filter, error) {
	cmd := &filterCommand{
		name: "list-filters",
		run: func(cctx *command.Context) (any, error) {
			all, err := s.filters.List(cctx.Ctx())
			if err != nil {
				return nil, err
			}
			out := make([]*Filter, 0, len(all))
			for _, f := range all {
				if s.readable(cctx.Ctx(), identity, f.ID) {
					out = append(out, f)
				}
			}
			return out, nil
		},
	}
	result, err := s.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]*Filter), nil
}

// Tasks executes a filter. A filter the caller cannot read matches nothing.
func (s *Service) Tasks(ctx context.Context, identity command.Identity, filterID string) ([]*task.Task, error) {
	return s.executeFilter(ctx, identity, "execute-filter", filterID, 0, -1)
}

// TasksPage executes a filter returning at most max tasks starting at first.
func (s *Service) TasksPage(ctx context.Context, identity command.Identity, filterID string, first, max int) ([]*task.Task, error) {
	if first < 0 || max < 0 {
		return nil, fmt.Errorf("page bounds must not be negative")
	}
	return s.executeFilter(ctx, identity, "execute-filter-page", filterID, first, max)
}

// Count executes a filter and returns the number of matching tasks.
func (s *Service) Count(ctx context.Context, identity command.Identity, filterID string) (int, error) {
	matched, err := s.executeFilter(ctx, identity, "count-filter", filterID, 0, -1)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// SingleResult executes a filter expecting at most one match. More than one
// match is a business error; none yields nil.
func (s *Service) SingleResult(ctx context.Context, identity command.Identity, filterID string) (*task.Task, error) {
	matched, err := s.executeFilter(ctx, identity, "single-result-filter", filterID, 0, -1)
	if err != nil {
		return nil, err
	}
	switch len(matched) {
	case 0:
		return nil, nil
	case 1:
		return matched[0], nil
	default:
		return nil, command.NewBusinessError("filter_result_not_unique", "filter %s matched %d tasks", filterID, len(matched))
	}
}

func (s *Service) executeFilter(ctx context.Context, identity command.Identity, name, filterID string, first, max int) ([]*task.Task, error) {
	cmd := &filterCommand{
		name: name,
		reqs: []authorization.Requirement{{
			Resource:   authorization.ResourceFilter,
			ResourceID: filterID,
			Permission: authorization.PermissionRead,
		}},
		run: func(cctx *command.Context) (any, error) {
			f, err := s.filters.Get(cctx.Ctx(), filterID)
			if err != nil {
				return nil, err
			}
			all, err := s.tasks.List(cctx.Ctx())
			if err != nil {
				return nil, err
			}
			matched := make([]*task.Task, 0, len(all))
			for _, t := range all {
				if f.Matches(t) {
					matched = append(matched, t)
				}
			}
			return page(matched, first, max), nil
		},
	}
	result, err := s.pipeline.Execute(ctx, identity, cmd)
	if err != nil {
		return nil, err
	}
	return result.([]*task.Task), nil
}

func (s *Service) readable(ctx context.Context, identity command.Identity, filterID string) bool {
	if !s.authEnabled {
		return true
	}
	ok, err := s.checker.Check(ctx, identity.UserID, identity.Groups,
		authorization.ResourceFilter, filterID, authorization.PermissionRead)
	return err == nil && ok
}

func page(items []*task.Task, first, max int) []*task.Task {
	if max < 0 {
		return items
	}
	if first >= len(items) {
		return []*task.Task{}
	}
	end := first + max
	if end > len(items) {
		end = len(items)
	}
	return items[first:end]
}
