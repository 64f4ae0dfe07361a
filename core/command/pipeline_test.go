package command

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/jobs"
)

type fixture struct {
	client    *redis.Client
	instances *execution.RedisStore
	histStore *history.RedisStore
	jobStore  *jobs.RedisStore
	authStore *authorization.RedisStore
	pipeline  *Pipeline
}

func newFixture(t *testing.T, authEnabled bool, level history.Level) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		client:    client,
		instances: execution.NewRedisStore(client),
		histStore: history.NewRedisStore(client),
		jobStore:  jobs.NewRedisStore(client),
		authStore: authorization.NewRedisStore(client),
	}
	checker := authorization.NewChecker(f.authStore, nil, authorization.DefaultCheckerConfig())
	p, err := NewPipeline(PipelineConfig{
		Client:      client,
		Instances:   f.instances,
		History:     f.histStore,
		Jobs:        f.jobStore,
		Checker:     checker,
		Level:       level,
		AuthEnabled: authEnabled,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	f.pipeline = p
	return f
}

type testCommand struct {
	name string
	reqs []authorization.Requirement
	fn   func(cctx *Context) (any, error)
}

func (c *testCommand) Name() string                              { return c.name }
func (c *testCommand) Requirements() []authorization.Requirement { return c.reqs }
func (c *testCommand) Execute(cctx *Context) (any, error)        { return c.fn(cctx) }

func TestExecuteCommitsStagedWrites(t *testing.T) {
	f := newFixture(t, false, history.LevelFull{})
	ctx := context.Background()

	cmd := &testCommand{name: "start-instance", fn: func(cctx *Context) (any, error) {
		in := cctx.NewInstance("invoice", "order-42")
		cctx.EmitHistory(history.Event{Type: history.EventProcessInstanceStarted, InstanceID: in.ID})
		cctx.ScheduleJob(jobs.New(in.ID, in.RootID, "send-email", nil, 3))
		return in.ID, nil
	}}
	result, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	id := result.(string)

	in, err := f.instances.Get(ctx, id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if in.BusinessKey != "order-42" || in.Version != 1 {
		t.Fatalf("unexpected instance: %+v", in)
	}
	events, err := f.histStore.ListByInstance(ctx, id)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 event, got %v (%d)", err, len(events))
	}
	if events[0].UserID != "kermit" {
		t.Fatalf("expected event user from identity, got %q", events[0].UserID)
	}
	due, err := f.jobStore.DueCount(ctx)
	if err != nil || due != 1 {
		t.Fatalf("expected 1 scheduled job, got %v (%d)", err, due)
	}
}

func TestExecuteFiltersHistoryByLevel(t *testing.T) {
	f := newFixture(t, false, history.LevelActivity{})
	ctx := context.Background()

	cmd := &testCommand{name: "start-instance", fn: func(cctx *Context) (any, error) {
		in := cctx.NewInstance("invoice", "")
		cctx.EmitHistory(history.Event{Type: history.EventProcessInstanceStarted, InstanceID: in.ID})
		cctx.EmitHistory(history.Event{Type: history.EventVariableCreated, InstanceID: in.ID})
		cctx.EmitHistory(history.Event{Type: history.EventTaskCreated, InstanceID: in.ID})
		return in.ID, nil
	}}
	result, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	events, err := f.histStore.ListByInstance(ctx, result.(string))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Type != history.EventProcessInstanceStarted {
		t.Fatalf("expected only the instance event, got %+v", events)
	}
}

// jobOnlyLevel keeps events whose producing entity is a Job, regardless of
// event type.
type jobOnlyLevel struct{}

func (jobOnlyLevel) ID() int      { return 40 }
func (jobOnlyLevel) Name() string { return "job-only" }

func (jobOnlyLevel) Produced(_ history.EventType, entity any) bool {
	ev, ok := entity.(history.Event)
	return ok && ev.Entity == "Job"
}

func TestExecutePassesEntityToLevel(t *testing.T) {
	f := newFixture(t, false, jobOnlyLevel{})
	ctx := context.Background()

	cmd := &testCommand{name: "start-instance", fn: func(cctx *Context) (any, error) {
		in := cctx.NewInstance("invoice", "")
		cctx.EmitHistory(history.Event{Type: history.EventProcessInstanceStarted, InstanceID: in.ID})
		cctx.EmitHistory(history.Event{Type: history.EventJobCreated, InstanceID: in.ID, Entity: "Job", EntityID: "j1"})
		return in.ID, nil
	}}
	result, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	events, err := f.histStore.ListByInstance(ctx, result.(string))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != "j1" {
		t.Fatalf("expected only the job entity event, got %+v", events)
	}
}

func TestExecuteDeniedWithoutGrant(t *testing.T) {
	f := newFixture(t, true, history.LevelFull{})
	ctx := context.Background()

	executed := false
	cmd := &testCommand{
		name: "start-instance",
		reqs: []authorization.Requirement{{Resource: authorization.ResourceProcessInstance, Permission: authorization.PermissionCreate}},
		fn: func(cctx *Context) (any, error) {
			executed = true
			return nil, nil
		},
	}
	_, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if executed {
		t.Fatalf("expected command to be rejected before execution")
	}

	// A wildcard grant unlocks the command.
	if err := f.authStore.Save(ctx, &authorization.Authorization{
		ID: "a1", Type: authorization.TypeGrant, UserID: "kermit",
		Resource: authorization.ResourceProcessInstance, ResourceID: authorization.Any,
		Permissions: authorization.PermissionCreate,
	}); err != nil {
		t.Fatalf("save grant: %v", err)
	}
	if _, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd); err != nil {
		t.Fatalf("execute with grant: %v", err)
	}
}

func TestExecuteRollsBackOnCommandError(t *testing.T) {
	f := newFixture(t, false, history.LevelFull{})
	ctx := context.Background()

	boom := NewBusinessError("invoice_rejected", "amount exceeds limit")
	var newID string
	cmd := &testCommand{name: "start-instance", fn: func(cctx *Context) (any, error) {
		in := cctx.NewInstance("invoice", "")
		newID = in.ID
		cctx.EmitHistory(history.Event{Type: history.EventProcessInstanceStarted, InstanceID: in.ID})
		return nil, boom
	}}
	_, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	if !errors.Is(err, boom) {
		t.Fatalf("expected business error, got %v", err)
	}
	if _, err := f.instances.Get(ctx, newID); !errors.Is(err, execution.ErrNotFound) {
		t.Fatalf("expected nothing persisted, got %v", err)
	}
	events, _ := f.histStore.ListByInstance(ctx, newID)
	if len(events) != 0 {
		t.Fatalf("expected no history, got %+v", events)
	}
}

func TestExecuteDetectsConcurrentModification(t *testing.T) {
	f := newFixture(t, false, history.LevelFull{})
	ctx := context.Background()

	seed := execution.NewInstance("invoice", "")
	if err := f.instances.Save(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cmd := &testCommand{name: "set-variable", fn: func(cctx *Context) (any, error) {
		in, err := cctx.Instance(seed.ID)
		if err != nil {
			return nil, err
		}
		if _, err := in.SetVariable(in.RootID, "amount", 100); err != nil {
			return nil, err
		}
		cctx.SaveInstance(in)

		// A competing writer commits between load and commit.
		competing, err := f.instances.Get(ctx, seed.ID)
		if err != nil {
			return nil, err
		}
		if err := f.instances.Save(ctx, competing); err != nil {
			return nil, err
		}
		return nil, nil
	}}
	_, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}

	// The loser's write is fully rolled back.
	got, err := f.instances.Get(ctx, seed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok, _ := got.GetVariable(got.RootID, "amount"); ok {
		t.Fatalf("expected variable write to be rolled back")
	}
	if got.Version != 2 {
		t.Fatalf("expected only the competing save, got version %d", got.Version)
	}
}

func TestExecuteSkipsCommitWhenClean(t *testing.T) {
	f := newFixture(t, false, history.LevelFull{})
	ctx := context.Background()

	seed := execution.NewInstance("invoice", "")
	if err := f.instances.Save(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cmd := &testCommand{name: "get-instance", fn: func(cctx *Context) (any, error) {
		return cctx.Instance(seed.ID)
	}}
	result, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.(*execution.Instance).ID != seed.ID {
		t.Fatalf("unexpected result")
	}
	got, _ := f.instances.Get(ctx, seed.ID)
	if got.Version != 1 {
		t.Fatalf("expected read-only command to leave version untouched, got %d", got.Version)
	}
}

func TestOnCommitHook(t *testing.T) {
	f := newFixture(t, false, history.LevelFull{})
	ctx := context.Background()

	var committed []history.Event
	f.pipeline.OnCommit = func(cctx *Context, _ Command) {
		committed = append(committed, cctx.Events()...)
	}
	cmd := &testCommand{name: "start-instance", fn: func(cctx *Context) (any, error) {
		in := cctx.NewInstance("invoice", "")
		cctx.EmitHistory(history.Event{Type: history.EventProcessInstanceStarted, InstanceID: in.ID})
		return nil, nil
	}}
	if _, err := f.pipeline.Execute(ctx, Identity{UserID: "kermit"}, cmd); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(committed) != 1 || committed[0].Type != history.EventProcessInstanceStarted {
		t.Fatalf("expected commit hook to see events, got %+v", committed)
	}
}
