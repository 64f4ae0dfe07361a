package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates the job record does not exist.
	ErrNotFound = errors.New("job_not_found")
	// ErrLockLost indicates the caller no longer holds the job's lease, so
	// its completion or failure report was discarded.
	ErrLockLost = errors.New("job_lock_lost")
)

const (
	dueKey       = "job:due"
	incidentsKey = "job:incidents"
)

func jobKey(id string) string               { return "job:rec:" + id }
func exclusiveKey(instanceID string) string { return "job:excl:" + instanceID }

// RedisStore persists jobs as hashes with a due-time sorted set. Acquisition,
// completion, and failure run as Lua scripts so lease checks and state
// changes are atomic.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Schedule writes the job and adds it to the due set.
func (s *RedisStore) Schedule(ctx context.Context, job *Job) error {
	pipe := s.client.TxPipeline()
	if err := s.StageSchedule(pipe, job); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

// StageSchedule queues the job write on an externally managed pipeline.
func (s *RedisStore) StageSchedule(pipe redis.Pipeliner, job *Job) error {
	if job.ID == "" {
		return errors.New("job requires an id")
	}
	ctx := context.Background()
	pipe.HSet(ctx, jobKey(job.ID), jobFields(job))
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(job.Due.UnixMilli()), Member: job.ID})
	return nil
}

func jobFields(job *Job) map[string]any {
	exclusive := "0"
	if job.Exclusive {
		exclusive = "1"
	}
	return map[string]any{
		"id":                job.ID,
		"instance_id":       job.InstanceID,
		"execution_id":      job.ExecutionID,
		"handler":           job.Handler,
		"payload":           job.payloadJSON(),
		"due_unix":          job.Due.UnixMilli(),
		"retries":           job.Retries,
		"attempts":          job.Attempts,
		"exclusive":         exclusive,
		"state":             string(job.State),
		"lock_owner":        job.LockOwner,
		"lock_expires_unix": job.LockExpires.UnixMilli(),
		"last_failure":      job.LastFailure,
		"created_unix":      job.CreatedAt.UnixMilli(),
		"updated_unix":      job.UpdatedAt.UnixMilli(),
	}
}

func jobFromFields(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	job := &Job{
		ID:          fields["id"],
		InstanceID:  fields["instance_id"],
		ExecutionID: fields["execution_id"],
		Handler:     fields["handler"],
		Exclusive:   fields["exclusive"] == "1",
		State:       State(fields["state"]),
		LockOwner:   fields["lock_owner"],
		LastFailure: fields["last_failure"],
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload %s: %w", job.ID, err)
		}
	}
	job.Retries, _ = strconv.Atoi(fields["retries"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.Due = millisField(fields, "due_unix")
	job.LockExpires = millisField(fields, "lock_expires_unix")
	job.CreatedAt = millisField(fields, "created_unix")
	job.UpdatedAt = millisField(fields, "updated_unix")
	return job, nil
}

func millisField(fields map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Get loads one job by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return jobFromFields(fields)
}

const acquireScript = `
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local owner = ARGV[4]
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, max * 4)
local acquired = {}
for _, id in ipairs(due) do
  if #acquired >= max then break end
  local key = "job:rec:" .. id
  local expires = tonumber(redis.call("HGET", key, "lock_expires_unix") or "0")
  if expires < now then
    local ok = true
    local inst = redis.call("HGET", key, "instance_id")
    local exclusive = redis.call("HGET", key, "exclusive")
    if exclusive == "1" and inst and inst ~= "" then
      if redis.call("GET", "job:excl:" .. inst) then ok = false end
    end
    if ok then
      redis.call("HSET", key, "lock_owner", owner, "lock_expires_unix", now + ttl, "updated_unix", now)
      if exclusive == "1" and inst and inst ~= "" then
        redis.call("SET", "job:excl:" .. inst, owner, "PX", ttl)
      end
      acquired[#acquired + 1] = id
    end
  end
end
return acquired
`

// AcquireDue leases up to max due jobs for the owner. Jobs whose lease
// expired are handed over; exclusive jobs are skipped while any job of the
// same instance is leased.
func (s *RedisStore) AcquireDue(ctx context.Context, owner string, now time.Time, lockTTL time.Duration, max int) ([]*Job, error) {
	if max <= 0 {
		return nil, nil
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{dueKey},
		now.UnixMilli(),
		lockTTL.Milliseconds(),
		max,
		owner,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire due jobs: %w", err)
	}
	ids, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("acquire due jobs: unexpected reply %T", res)
	}
	out := make([]*Job, 0, len(ids))
	for _, raw := range ids {
		id, _ := raw.(string)
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

const releaseScript = `
local key = "job:rec:" .. ARGV[1]
local holder = redis.call("HGET", key, "lock_owner")
if holder ~= ARGV[2] then return 0 end
local inst = redis.call("HGET", key, "instance_id")
local exclusive = redis.call("HGET", key, "exclusive")
if exclusive == "1" and inst and inst ~= "" then
  if redis.call("GET", "job:excl:" .. inst) == ARGV[2] then
    redis.call("DEL", "job:excl:" .. inst)
  end
end
local mode = ARGV[3]
if mode == "complete" then
  redis.call("DEL", key)
  redis.call("ZREM", KEYS[1], ARGV[1])
elseif mode == "retry" then
  redis.call("HSET", key, "lock_owner", "", "lock_expires_unix", 0,
    "retries", tonumber(ARGV[4]), "attempts", tonumber(ARGV[5]),
    "last_failure", ARGV[6], "due_unix", tonumber(ARGV[7]), "updated_unix", tonumber(ARGV[8]))
  redis.call("ZADD", KEYS[1], tonumber(ARGV[7]), ARGV[1])
elseif mode == "incident" then
  redis.call("HSET", key, "lock_owner", "", "lock_expires_unix", 0,
    "attempts", tonumber(ARGV[5]), "last_failure", ARGV[6],
    "state", "failed", "updated_unix", tonumber(ARGV[8]))
  redis.call("ZREM", KEYS[1], ARGV[1])
  redis.call("ZADD", KEYS[2], tonumber(ARGV[8]), ARGV[1])
end
return 1
`

func (s *RedisStore) release(ctx context.Context, id, owner, mode string, retries, attempts int, failure string, due, now time.Time) error {
	res, err := s.client.Eval(ctx, releaseScript, []string{dueKey, incidentsKey},
		id,
		owner,
		mode,
		retries,
		attempts,
		failure,
		due.UnixMilli(),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", mode, id, err)
	}
	if n, _ := res.(int64); n != 1 {
		return ErrLockLost
	}
	return nil
}

// Complete removes a successfully executed job. Fails with ErrLockLost when
// the lease was handed over to another owner in the meantime.
func (s *RedisStore) Complete(ctx context.Context, id, owner string) error {
	return s.release(ctx, id, owner, "complete", 0, 0, "", time.Time{}, time.Now().UTC())
}

// Fail records a failed attempt and reschedules the job for retryAt.
func (s *RedisStore) Fail(ctx context.Context, job *Job, owner, failure string, retryAt time.Time) error {
	return s.release(ctx, job.ID, owner, "retry", job.Retries-1, job.Attempts+1, failure, retryAt, time.Now().UTC())
}

// MarkIncident moves a job with exhausted retries into the incident set.
func (s *RedisStore) MarkIncident(ctx context.Context, job *Job, owner, failure string) error {
	return s.release(ctx, job.ID, owner, "incident", 0, job.Attempts+1, failure, time.Time{}, time.Now().UTC())
}

// Delete removes the job unconditionally, regardless of leases.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	s.StageDelete(pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// StageDelete queues unconditional removal of the job on an externally
// managed pipeline.
func (s *RedisStore) StageDelete(pipe redis.Pipeliner, job *Job) {
	ctx := context.Background()
	pipe.Del(ctx, jobKey(job.ID))
	pipe.ZRem(ctx, dueKey, job.ID)
	pipe.ZRem(ctx, incidentsKey, job.ID)
	if job.Exclusive && job.InstanceID != "" && job.LockOwner != "" {
		pipe.Del(ctx, exclusiveKey(job.InstanceID))
	}
}

// ListIncidents returns failed jobs oldest first.
func (s *RedisStore) ListIncidents(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.ZRange(ctx, incidentsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// RetryIncident resets a failed job with a fresh retry budget and makes it
// due immediately.
func (s *RedisStore) RetryIncident(ctx context.Context, id string, retries int) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is not an incident", id)
	}
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"state":        string(StatePending),
		"retries":      retries,
		"due_unix":     now.UnixMilli(),
		"updated_unix": now.UnixMilli(),
	})
	pipe.ZRem(ctx, incidentsKey, id)
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry incident %s: %w", id, err)
	}
	return nil
}

// DueCount reports how many jobs are currently scheduled.
func (s *RedisStore) DueCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, dueKey).Result()
}
