package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the task does not exist.
var ErrNotFound = errors.New("task_not_found")

func taskKey(id string) string { return "task:rec:" + id }

const indexKey = "task:index:all"

// RedisStore persists tasks as JSON documents with a creation-time index.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save writes the task.
func (s *RedisStore) Save(ctx context.Context, t *Task) error {
	pipe := s.client.TxPipeline()
	if err := s.StageSave(pipe, t); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// StageSave queues the task write on an externally managed pipeline.
func (s *RedisStore) StageSave(pipe redis.Pipeliner, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	ctx := context.Background()
	pipe.Set(ctx, taskKey(t.ID), data, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID})
	return nil
}

// Get loads one task by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// Delete removes the task.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	s.StageDelete(pipe, t)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// StageDelete queues removal of the task on an externally managed pipeline.
func (s *RedisStore) StageDelete(pipe redis.Pipeliner, t *Task) {
	ctx := context.Background()
	pipe.Del(ctx, taskKey(t.ID))
	pipe.ZRem(ctx, indexKey, t.ID)
}

// List returns all tasks ordered by creation time.
func (s *RedisStore) List(ctx context.Context) ([]*Task, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListByInstance returns the tasks of one process instance.
func (s *RedisStore) ListByInstance(ctx context.Context, instanceID string) ([]*Task, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	return out, nil
}
