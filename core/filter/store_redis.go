package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the filter does not exist.
var ErrNotFound = errors.New("filter_not_found")

func filterKey(id string) string { return "filter:rec:" + id }

const indexKey = "filter:index:all"

// RedisStore persists filters as JSON documents with a creation-time index.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save writes the filter.
func (s *RedisStore) Save(ctx context.Context, f *Filter) error {
	pipe := s.client.TxPipeline()
	if err := s.StageSave(pipe, f); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save filter %s: %w", f.ID, err)
	}
	return nil
}

// StageSave queues the filter write on an externally managed pipeline.
func (s *RedisStore) StageSave(pipe redis.Pipeliner, f *Filter) error {
	f.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal filter %s: %w", f.ID, err)
	}
	ctx := context.Background()
	pipe.Set(ctx, filterKey(f.ID), data, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(f.CreatedAt.UnixMilli()), Member: f.ID})
	return nil
}

// Get loads one filter by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Filter, error) {
	data, err := s.client.Get(ctx, filterKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get filter %s: %w", id, err)
	}
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode filter %s: %w", id, err)
	}
	return &f, nil
}

// Owner resolves a filter's owning user, for the authorization owner
// override. Missing filters have no owner.
func (s *RedisStore) Owner(ctx context.Context, id string) (string, error) {
	f, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.Owner, nil
}

// Delete removes the filter.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	s.StageDelete(pipe, f)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete filter %s: %w", id, err)
	}
	return nil
}

// StageDelete queues removal of the filter on an externally managed pipeline.
func (s *RedisStore) StageDelete(pipe redis.Pipeliner, f *Filter) {
	ctx := context.Background()
	pipe.Del(ctx, filterKey(f.ID))
	pipe.ZRem(ctx, indexKey, f.ID)
}

// List returns all filters ordered by creation time.
func (s *RedisStore) List(ctx context.Context) ([]*Filter, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	out := make([]*Filter, 0, len(ids))
	for _, id := range ids {
		f, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
