package jobs

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/infra/logging"
	"github.com/prozess-io/prozess/core/infra/metrics"
)

// Dispatch runs one acquired job. The engine supplies an implementation that
// routes the job through the command pipeline to its handler.
type Dispatch func(ctx context.Context, job *Job) error

// ExecutorConfig tunes the polling worker pool.
type ExecutorConfig struct {
	Workers           int
	BatchSize         int
	PollInterval      time.Duration
	LockTTL           time.Duration
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

func (c *ExecutorConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Workers * 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// Executor polls the due set and runs acquired jobs on a bounded worker pool.
type Executor struct {
	store      *RedisStore
	dispatch   Dispatch
	metrics    metrics.Metrics
	onIncident func(job *Job)
	cfg        ExecutorConfig
	owner      string

	queue chan *Job
	wg    sync.WaitGroup
}

// NewExecutor builds an executor. onIncident may be nil.
func NewExecutor(store *RedisStore, dispatch Dispatch, m metrics.Metrics, onIncident func(job *Job), cfg ExecutorConfig) *Executor {
	cfg.defaults()
	if m == nil {
		m = metrics.Noop{}
	}
	return &Executor{
		store:      store,
		dispatch:   dispatch,
		metrics:    m,
		onIncident: onIncident,
		cfg:        cfg,
		owner:      uuid.NewString(),
	}
}

// Run polls until the context is cancelled, then drains the workers.
func (e *Executor) Run(ctx context.Context) {
	e.queue = make(chan *Job)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	logging.Info("jobs", "executor started", "owner", e.owner, "workers", e.cfg.Workers)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.poll(ctx)
		select {
		case <-ctx.Done():
			close(e.queue)
			e.wg.Wait()
			logging.Info("jobs", "executor stopped", "owner", e.owner)
			return
		case <-ticker.C:
		}
	}
}

func (e *Executor) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	acquired, err := e.store.AcquireDue(ctx, e.owner, time.Now().UTC(), e.cfg.LockTTL, e.cfg.BatchSize)
	if err != nil {
		logging.Error("jobs", "acquire failed", "error", err)
		return
	}
	if len(acquired) > 0 {
		e.metrics.IncJobsAcquired(len(acquired))
	}
	for _, job := range acquired {
		select {
		case e.queue <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for job := range e.queue {
		e.process(ctx, job)
	}
}

func (e *Executor) process(ctx context.Context, job *Job) {
	err := e.dispatch(ctx, job)
	switch {
	case err == nil:
		if cerr := e.store.Complete(ctx, job.ID, e.owner); cerr != nil {
			if errors.Is(cerr, ErrLockLost) {
				logging.Warn("jobs", "lease lost before completion", "job", job.ID)
				return
			}
			logging.Error("jobs", "complete failed", "job", job.ID, "error", cerr)
			return
		}
		e.metrics.IncJobsCompleted("success")
	case isStale(err):
		// The instance or execution the job points at no longer exists,
		// so the job is moot. Drop it.
		if derr := e.store.Delete(ctx, job.ID); derr != nil {
			logging.Error("jobs", "drop stale job failed", "job", job.ID, "error", derr)
			return
		}
		e.metrics.IncJobsCompleted("stale")
	case job.Retries > 0:
		delay := computeBackoff(job.Attempts, e.cfg)
		retryAt := time.Now().UTC().Add(delay)
		if ferr := e.store.Fail(ctx, job, e.owner, err.Error(), retryAt); ferr != nil {
			if errors.Is(ferr, ErrLockLost) {
				return
			}
			logging.Error("jobs", "record failure failed", "job", job.ID, "error", ferr)
			return
		}
		logging.Warn("jobs", "job failed, retrying",
			"job", job.ID, "handler", job.Handler, "retries_left", job.Retries-1, "delay", delay.String(), "error", err)
		e.metrics.IncJobsCompleted("retry")
	default:
		if ierr := e.store.MarkIncident(ctx, job, e.owner, err.Error()); ierr != nil {
			if errors.Is(ierr, ErrLockLost) {
				return
			}
			logging.Error("jobs", "record incident failed", "job", job.ID, "error", ierr)
			return
		}
		logging.Error("jobs", "job failed permanently",
			"job", job.ID, "handler", job.Handler, "instance", job.InstanceID, "error", err)
		e.metrics.IncJobsCompleted("incident")
		e.metrics.IncIncidents()
		if e.onIncident != nil {
			e.onIncident(job)
		}
	}
}

func isStale(err error) bool {
	return errors.Is(err, execution.ErrExecutionNotFound) ||
		errors.Is(err, execution.ErrExecutionEnded) ||
		errors.Is(err, execution.ErrInstanceEnded) ||
		errors.Is(err, execution.ErrNotFound)
}

func computeBackoff(attempts int, cfg ExecutorConfig) time.Duration {
	delay := time.Duration(float64(cfg.BackoffInitial) * math.Pow(cfg.BackoffMultiplier, float64(attempts)))
	if delay > cfg.BackoffMax || delay <= 0 {
		delay = cfg.BackoffMax
	}
	return delay
}

// Owner identifies this executor's leases, mostly for logging and tests.
func (e *Executor) Owner() string { return e.owner }
