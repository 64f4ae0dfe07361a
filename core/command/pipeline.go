package command

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prozess-io/prozess/core/authorization"
	"github.com/prozess-io/prozess/core/execution"
	"github.com/prozess-io/prozess/core/history"
	"github.com/prozess-io/prozess/core/infra/logging"
	"github.com/prozess-io/prozess/core/infra/metrics"
	"github.com/prozess-io/prozess/core/jobs"
)

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Client      *redis.Client
	Instances   *execution.RedisStore
	History     *history.RedisStore
	Jobs        *jobs.RedisStore
	Checker     *authorization.Checker
	Level       history.Level
	Metrics     metrics.Metrics
	AuthEnabled bool
}

// Pipeline runs commands through the interceptor chain: authorization check,
// context setup, command execution, history filtering, then an atomic commit
// of everything the command staged. A command either commits completely or
// leaves no trace.
type Pipeline struct {
	cfg PipelineConfig

	// OnCommit, when set, runs after a successful commit with the committed
	// context. Used for post-commit notifications; it must not write engine
	// state.
	OnCommit func(cctx *Context, cmd Command)
}

// NewPipeline validates the wiring and builds a pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Client == nil || cfg.Instances == nil || cfg.History == nil || cfg.Jobs == nil {
		return nil, errors.New("pipeline requires client and stores")
	}
	if cfg.AuthEnabled && cfg.Checker == nil {
		return nil, errors.New("pipeline requires a checker when authorization is enabled")
	}
	if cfg.Level == nil {
		cfg.Level = history.LevelAudit{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &Pipeline{cfg: cfg}, nil
}

// Execute runs one command for the given identity.
func (p *Pipeline) Execute(ctx context.Context, identity Identity, cmd Command) (any, error) {
	start := time.Now()
	result, err := p.execute(ctx, identity, cmd)
	p.cfg.Metrics.ObserveCommandDuration(cmd.Name(), time.Since(start).Seconds())
	p.cfg.Metrics.IncCommandExecuted(cmd.Name(), outcome(err))
	return result, err
}

func (p *Pipeline) execute(ctx context.Context, identity Identity, cmd Command) (any, error) {
	if p.cfg.AuthEnabled {
		for _, req := range cmd.Requirements() {
			ok, err := p.cfg.Checker.CheckRequirement(ctx, identity.UserID, identity.Groups, req)
			if err != nil {
				return nil, err
			}
			if !ok {
				p.cfg.Metrics.IncAuthorizationDenied(string(req.Resource))
				return nil, &AuthorizationError{UserID: identity.UserID, Requirement: req}
			}
		}
	}

	cctx := newContext(ctx, identity, p.cfg.Instances)
	result, err := cmd.Execute(cctx)
	if err != nil {
		return nil, err
	}

	cctx.events = p.filterEvents(cctx.events)
	if !cctx.dirty() {
		return result, nil
	}

	if err := p.commit(cctx); err != nil {
		return nil, err
	}
	if p.OnCommit != nil {
		p.OnCommit(cctx, cmd)
	}
	return result, nil
}

func (p *Pipeline) filterEvents(events []history.Event) []history.Event {
	if len(events) == 0 {
		return nil
	}
	out := events[:0]
	for _, ev := range events {
		if p.cfg.Level.Produced(ev.Type, ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (p *Pipeline) commit(cctx *Context) error {
	apply := func(tx *redis.Tx) error {
		if err := cctx.verifyVersions(tx); err != nil {
			return err
		}
		_, err := tx.TxPipelined(cctx.ctx, func(pipe redis.Pipeliner) error {
			for _, id := range cctx.order {
				in, ok := cctx.saves[id]
				if !ok {
					continue
				}
				if err := p.cfg.Instances.StageSave(pipe, in); err != nil {
					return err
				}
			}
			for _, in := range cctx.deletes {
				p.cfg.Instances.StageDelete(pipe, in)
			}
			for i := range cctx.events {
				if err := p.cfg.History.StageAppend(pipe, &cctx.events[i]); err != nil {
					return err
				}
			}
			for _, job := range cctx.jobs {
				if err := p.cfg.Jobs.StageSchedule(pipe, job); err != nil {
					return err
				}
			}
			for _, st := range cctx.stages {
				if err := st.apply(pipe); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}

	err := p.cfg.Client.Watch(cctx.ctx, apply, cctx.watchKeys()...)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrConcurrentModification) {
		logging.Warn("command", "commit conflicted, command rolled back")
		return ErrConcurrentModification
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		var authErr *AuthorizationError
		if errors.As(err, &authErr) {
			return "denied"
		}
		if IsBusinessError(err) {
			return "rejected"
		}
		return "error"
	}
}
