package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/command"
	"github.com/prozess-io/prozess/core/delegate"
	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/filter"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/infra/bus"
	"github.com/prozess-io/prozess/core/infra/config"
	"github.com/prozess-io/prozess/core/infra/logging"
	"github.com/prozess-io/prozess/core/infra/metrics"
	"github.com/prozess-io/prozess/core/infra/redisutil"
	"github.com/prozess-io/prozess/core/jobs"
	"github.com/prozess-io/prozess/core/task"
)

// Options assembles an Engine. Only Config is required; the rest defaults to
// a dialed Redis client, no-op metrics, a silent notifier, and the built-in
// history levels.
type Options struct {
	Config   config.Config
	Client   *redis.Client
	Notifier bus.Notifier
	Metrics  metrics.Metrics
	Levels   *history.Registry
}

// Engine is the assembled process engine: stores, the command pipeline, the
// delegate registry, and the job executor, exposed through services.
type Engine struct {
	cfg      config.Config
	client   *redis.Client
	notifier bus.Notifier
	metrics  metrics.Metrics
	level    history.Level

	instances   *execution.RedisStore
	histStore   *history.RedisStore
	jobStore    *jobs.RedisStore
	authStore   *authorization.RedisStore
	taskStore   *task.RedisStore
	filterStore *filter.RedisStore

	checker   *authorization.Checker
	pipeline  *command.Pipeline
	delegates *delegate.Registry
	executor  *jobs.Executor

	Runtime        *RuntimeService
	Tasks          *TaskService
	Filters        *filter.Service
	Authorizations *AuthorizationService
	History        *HistoryService
	Jobs           *JobService
}

// New wires an engine from options.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config

	client := opts.Client
	if client == nil {
		var err error
		client, err = redisutil.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = bus.Noop{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	levels := opts.Levels
	if levels == nil {
		levels = history.NewRegistry()
	}
	level, err := levels.Resolve(cfg.HistoryLevel)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		client:   client,
		notifier: notifier,
		metrics:  m,
		level:    level,

		instances:   execution.NewRedisStore(client),
		histStore:   history.NewRedisStore(client),
		jobStore:    jobs.NewRedisStore(client),
		authStore:   authorization.NewRedisStore(client),
		taskStore:   task.NewRedisStore(client),
		filterStore: filter.NewRedisStore(client),
		delegates:   delegate.NewRegistry(),
	}

	ownerLookup := func(ctx context.Context, resource authorization.Resource, id string) (string, error) {
		if resource == authorization.ResourceFilter {
			return e.filterStore.Owner(ctx, id)
		}
		return "", nil
	}
	e.checker = authorization.NewChecker(e.authStore, ownerLookup, authorization.DefaultCheckerConfig())

	e.pipeline, err = command.NewPipeline(command.PipelineConfig{
		Client:      client,
		Instances:   e.instances,
		History:     e.histStore,
		Jobs:        e.jobStore,
		Checker:     e.checker,
		Level:       level,
		Metrics:     m,
		AuthEnabled: cfg.AuthorizationEnabled,
	})
	if err != nil {
		return nil, err
	}
	e.pipeline.OnCommit = e.publishCommitted

	e.executor = jobs.NewExecutor(e.jobStore, e.dispatchJob, m, e.raiseIncident, jobs.ExecutorConfig{
		Workers:           cfg.JobWorkers,
		PollInterval:      cfg.JobPollInterval,
		LockTTL:           cfg.JobLockTTL,
		BackoffInitial:    cfg.JobBackoffInitial,
		BackoffMultiplier: cfg.JobBackoffMultiplier,
		BackoffMax:        cfg.JobBackoffMax,
	})

	e.Runtime = &RuntimeService{engine: e}
	e.Tasks = &TaskService{engine: e}
	e.Filters = filter.NewService(e.pipeline, e.filterStore, e.taskStore, e.checker, cfg.AuthorizationEnabled)
	e.Authorizations = &AuthorizationService{engine: e}
	e.History = &HistoryService{engine: e}
	e.Jobs = &JobService{engine: e}

	logging.Info("engine", "engine assembled",
		"history_level", history.Describe(level), "authorization", cfg.AuthorizationEnabled)
	return e, nil
}

// Delegates returns the handler registry. Handlers must be registered before
// the executor runs their jobs.
func (e *Engine) Delegates() *delegate.Registry { return e.delegates }

// HistoryLevel returns the level the engine was configured with.
func (e *Engine) HistoryLevel() history.Level { return e.level }

// RunExecutor polls and runs jobs until the context is cancelled.
func (e *Engine) RunExecutor(ctx context.Context) { e.executor.Run(ctx) }

// Close releases the engine's connections.
func (e *Engine) Close() error {
	e.notifier.Close()
	return e.client.Close()
}

// publishCommitted forwards committed lifecycle events to the notifier.
// Publishing is best-effort; a dead bus never fails a command.
func (e *Engine) publishCommitted(cctx *command.Context, _ command.Command) {
	for _, ev := range cctx.Events() {
		var subject string
		switch ev.Type {
		case history.EventProcessInstanceStarted:
			subject = bus.SubjectInstanceStarted
		case history.EventProcessInstanceEnded:
			subject = bus.SubjectInstanceEnded
		default:
			continue
		}
		if err := e.notifier.Publish(subject, ev); err != nil {
			logging.Warn("engine", "notify failed", "subject", subject, "error", err)
		}
	}
}

// raiseIncident records and announces a permanently failed job.
func (e *Engine) raiseIncident(job *jobs.Job) {
	ev := &history.Event{
		Type:       history.EventIncidentCreated,
		InstanceID: job.InstanceID,
		Entity:     "Job",
		EntityID:   job.ID,
		Details:    map[string]any{"handler": job.Handler, "failure": job.LastFailure, "attempts": job.Attempts + 1},
	}
	if e.level.Produced(ev.Type, ev) {
		if err := e.histStore.Append(context.Background(), ev); err != nil {
			logging.Error("engine", "record incident failed", "job", job.ID, "error", err)
		}
	}
	if err := e.notifier.Publish(bus.SubjectIncident, ev); err != nil {
		logging.Warn("engine", "notify incident failed", "job", job.ID, "error", err)
	}
}

// engineCommand adapts a closure to the command interface.
type engineCommand struct {
	name string
	reqs []authorization.Requirement
	run  func(cctx *command.Context) (any, error)
}

func (c *engineCommand) Name() string                              { return c.name }
func (c *engineCommand) Requirements() []authorization.Requirement { return c.reqs }
func (c *engineCommand) Execute(cctx *command.Context) (any, error) {
	return c.run(cctx)
}
