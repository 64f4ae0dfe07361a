package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the process instance does not exist.
var ErrNotFound = errors.New("process_instance_not_found")

func docKey(id string) string { return "proc:inst:" + id }

// VersionKey is the key holding an instance's version counter. Transactions
// watch it to detect concurrent modification.
func VersionKey(id string) string { return "proc:inst:ver:" + id }

func businessKeyKey(bk string) string { return "proc:inst:bk:" + bk }

const indexKey = "proc:inst:index:all"

// RedisStore persists process instances as JSON documents with a separate
// version counter per instance.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save writes the instance in its own transaction, bumping the version.
func (s *RedisStore) Save(ctx context.Context, in *Instance) error {
	pipe := s.client.TxPipeline()
	if err := s.StageSave(pipe, in); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save instance %s: %w", in.ID, err)
	}
	return nil
}

// StageSave bumps the instance version and queues the document, version
// counter, and index writes on an externally managed pipeline.
func (s *RedisStore) StageSave(pipe redis.Pipeliner, in *Instance) error {
	in.Version++
	in.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", in.ID, err)
	}
	ctx := context.Background()
	pipe.Set(ctx, docKey(in.ID), data, 0)
	pipe.Set(ctx, VersionKey(in.ID), strconv.FormatInt(in.Version, 10), 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(in.CreatedAt.UnixMilli()), Member: in.ID})
	if in.BusinessKey != "" {
		pipe.Set(ctx, businessKeyKey(in.BusinessKey), in.ID, 0)
	}
	return nil
}

// Get loads one instance by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Instance, error) {
	data, err := s.client.Get(ctx, docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	var in Instance
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &in, nil
}

// GetByBusinessKey resolves the business key mapping and loads the instance.
func (s *RedisStore) GetByBusinessKey(ctx context.Context, businessKey string) (*Instance, error) {
	id, err := s.client.Get(ctx, businessKeyKey(businessKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve business key %s: %w", businessKey, err)
	}
	return s.Get(ctx, id)
}

// CurrentVersion reads an instance's version counter. A missing counter
// reports version 0.
func (s *RedisStore) CurrentVersion(ctx context.Context, id string) (int64, error) {
	return currentVersion(ctx, s.client, id)
}

// VerifyVersion checks the stored counter against the expected version using
// the provided command runner, which may be a watched transaction connection.
func VerifyVersion(ctx context.Context, cmd redis.Cmdable, id string, expected int64) error {
	ver, err := currentVersion(ctx, cmd, id)
	if err != nil {
		return err
	}
	if ver != expected {
		return fmt.Errorf("instance %s version changed: have %d want %d", id, ver, expected)
	}
	return nil
}

func currentVersion(ctx context.Context, cmd redis.Cmdable, id string) (int64, error) {
	val, err := cmd.Get(ctx, VersionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get instance version %s: %w", id, err)
	}
	ver, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse instance version %s: %w", id, err)
	}
	return ver, nil
}

// Delete removes the instance, its version counter, and index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	in, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	s.StageDelete(pipe, in)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// StageDelete queues removal of the instance on an externally managed
// pipeline.
func (s *RedisStore) StageDelete(pipe redis.Pipeliner, in *Instance) {
	ctx := context.Background()
	pipe.Del(ctx, docKey(in.ID))
	pipe.Del(ctx, VersionKey(in.ID))
	pipe.ZRem(ctx, indexKey, in.ID)
	if in.BusinessKey != "" {
		pipe.Del(ctx, businessKeyKey(in.BusinessKey))
	}
}

// List returns all instances ordered by creation time.
func (s *RedisStore) List(ctx context.Context) ([]*Instance, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		in, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}
