package command

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/jobs"
)

// Identity is the authenticated caller a command runs as.
type Identity struct {
	UserID string
	Groups []string
}

// Command is one atomic engine operation. Execute stages its writes on the
// Context; nothing is persisted unless the whole command commits.
type Command interface {
	Name() string
	Requirements() []authorization.Requirement
	Execute(cctx *Context) (any, error)
}

type stagedWrite struct {
	watch []string
	apply func(pipe redis.Pipeliner) error
}

// Context carries a command's identity, its instance cache, and its staged
// writes. Loaded instances are version-snapshotted so the commit can detect
// concurrent modification.
type Context struct {
	ctx       context.Context
	identity  Identity
	instances *execution.RedisStore

	loaded   map[string]*execution.Instance
	versions map[string]int64
	saves    map[string]*execution.Instance
	deletes  map[string]*execution.Instance
	order    []string

	events []history.Event
	jobs   []*jobs.Job
	stages []stagedWrite
}

func newContext(ctx context.Context, identity Identity, instances *execution.RedisStore) *Context {
	return &Context{
		ctx:       ctx,
		identity:  identity,
		instances: instances,
		loaded:    map[string]*execution.Instance{},
		versions:  map[string]int64{},
		saves:     map[string]*execution.Instance{},
		deletes:   map[string]*execution.Instance{},
	}
}

// Ctx returns the request context.
func (c *Context) Ctx() context.Context { return c.ctx }

// Identity returns the caller.
func (c *Context) Identity() Identity { return c.identity }

// Instance loads a process instance, caching it for the rest of the command.
// The version at load time is what the commit verifies against.
func (c *Context) Instance(id string) (*execution.Instance, error) {
	if in, ok := c.loaded[id]; ok {
		return in, nil
	}
	in, err := c.instances.Get(c.ctx, id)
	if err != nil {
		return nil, err
	}
	c.loaded[id] = in
	c.versions[id] = in.Version
	return in, nil
}

// InstanceByBusinessKey loads via the business key mapping.
func (c *Context) InstanceByBusinessKey(businessKey string) (*execution.Instance, error) {
	in, err := c.instances.GetByBusinessKey(c.ctx, businessKey)
	if err != nil {
		return nil, err
	}
	if cached, ok := c.loaded[in.ID]; ok {
		return cached, nil
	}
	c.loaded[in.ID] = in
	c.versions[in.ID] = in.Version
	return in, nil
}

// NewInstance creates a fresh instance in the command's working set. The
// commit verifies no instance with the same ID appeared concurrently.
func (c *Context) NewInstance(processKey, businessKey string) *execution.Instance {
	in := execution.NewInstance(processKey, businessKey)
	c.loaded[in.ID] = in
	c.versions[in.ID] = 0
	c.SaveInstance(in)
	return in
}

// SaveInstance stages the instance for persistence at commit.
func (c *Context) SaveInstance(in *execution.Instance) {
	if _, ok := c.saves[in.ID]; !ok {
		c.order = append(c.order, in.ID)
	}
	c.saves[in.ID] = in
	delete(c.deletes, in.ID)
}

// DeleteInstance stages removal of the instance at commit.
func (c *Context) DeleteInstance(in *execution.Instance) {
	c.deletes[in.ID] = in
	delete(c.saves, in.ID)
	if _, ok := c.versions[in.ID]; !ok {
		c.versions[in.ID] = in.Version
	}
}

// EmitHistory stages a history event. The pipeline drops events the
// configured history level does not produce.
func (c *Context) EmitHistory(ev history.Event) {
	if ev.UserID == "" {
		ev.UserID = c.identity.UserID
	}
	c.events = append(c.events, ev)
}

// ScheduleJob stages a job for the executor, created atomically with the
// command's other writes.
func (c *Context) ScheduleJob(job *jobs.Job) {
	c.jobs = append(c.jobs, job)
}

// Stage queues an arbitrary write with its optimistic watch keys, for stores
// outside the instance arena.
func (c *Context) Stage(watch []string, apply func(pipe redis.Pipeliner) error) {
	c.stages = append(c.stages, stagedWrite{watch: watch, apply: apply})
}

// Events returns the staged history events, post-filtering by the pipeline.
func (c *Context) Events() []history.Event { return c.events }

func (c *Context) dirty() bool {
	return len(c.saves) > 0 || len(c.deletes) > 0 || len(c.events) > 0 || len(c.jobs) > 0 || len(c.stages) > 0
}

func (c *Context) watchKeys() []string {
	keys := make([]string, 0, len(c.versions))
	for id := range c.versions {
		keys = append(keys, execution.VersionKey(id))
	}
	for _, st := range c.stages {
		keys = append(keys, st.watch...)
	}
	return keys
}

func (c *Context) verifyVersions(tx *redis.Tx) error {
	for id, ver := range c.versions {
		if err := execution.VerifyVersion(c.ctx, tx, id, ver); err != nil {
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
	}
	return nil
}
