package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the requested authorization record does not exist.
var ErrNotFound = errors.New("authorization_not_found")

const allIndexKey = "auth:index:all"

func recordKey(id string) string         { return "auth:rec:" + id }
func resourceIndexKey(r Resource) string { return "auth:index:" + string(r) }

// RedisStore persists authorization records as JSON documents with a per
// resource-type index set.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save writes the record and indexes it by resource type.
func (s *RedisStore) Save(ctx context.Context, rec *Authorization) error {
	if rec == nil || rec.ID == "" {
		return errors.New("authorization record requires an id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	pipe := s.client.TxPipeline()
	if err := s.StageSave(pipe, rec); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save authorization %s: %w", rec.ID, err)
	}
	return nil
}

// StageSave queues the record write on an externally managed pipeline.
func (s *RedisStore) StageSave(pipe redis.Pipeliner, rec *Authorization) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal authorization %s: %w", rec.ID, err)
	}
	pipe.Set(context.Background(), recordKey(rec.ID), data, 0)
	pipe.SAdd(context.Background(), resourceIndexKey(rec.Resource), rec.ID)
	pipe.SAdd(context.Background(), allIndexKey, rec.ID)
	return nil
}

// Get loads one record by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Authorization, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization %s: %w", id, err)
	}
	var rec Authorization
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode authorization %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the record and its index entry. Deleting a missing record
// returns ErrNotFound.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	s.StageDelete(pipe, rec)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete authorization %s: %w", id, err)
	}
	return nil
}

// StageDelete queues removal of the record on an externally managed pipeline.
func (s *RedisStore) StageDelete(pipe redis.Pipeliner, rec *Authorization) {
	pipe.Del(context.Background(), recordKey(rec.ID))
	pipe.SRem(context.Background(), resourceIndexKey(rec.Resource), rec.ID)
	pipe.SRem(context.Background(), allIndexKey, rec.ID)
}

// ListByResource returns every record for one resource type.
func (s *RedisStore) ListByResource(ctx context.Context, resource Resource) ([]Authorization, error) {
	return s.collect(ctx, resourceIndexKey(resource))
}

// List returns every stored record.
func (s *RedisStore) List(ctx context.Context) ([]Authorization, error) {
	return s.collect(ctx, allIndexKey)
}

func (s *RedisStore) collect(ctx context.Context, indexKey string) ([]Authorization, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list authorizations: %w", err)
	}
	out := make([]Authorization, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}
