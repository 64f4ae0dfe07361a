package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// GlobalStream collects events for entities that do not belong to a process
// instance.
const GlobalStream = "global"

func streamKey(instanceID string) string {
	if instanceID == "" {
		instanceID = GlobalStream
	}
	return "hist:events:" + instanceID
}

// RedisStore persists history events as append-only JSON lists, one list per
// process instance plus a global list.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Append writes one event. The ID and timestamp are filled when absent.
func (s *RedisStore) Append(ctx context.Context, ev *Event) error {
	pipe := s.client.TxPipeline()
	if err := s.StageAppend(pipe, ev); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history event: %w", err)
	}
	return nil
}

// StageAppend queues the event write on an externally managed pipeline.
func (s *RedisStore) StageAppend(pipe redis.Pipeliner, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event %s: %w", ev.ID, err)
	}
	pipe.RPush(context.Background(), streamKey(ev.InstanceID), data)
	return nil
}

// ListByInstance returns the events of one instance in append order. An empty
// instanceID reads the global stream.
func (s *RedisStore) ListByInstance(ctx context.Context, instanceID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, streamKey(instanceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", instanceID, err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// StageDeleteByInstance queues removal of an instance's history on an
// externally managed pipeline.
func (s *RedisStore) StageDeleteByInstance(pipe redis.Pipeliner, instanceID string) {
	pipe.Del(context.Background(), streamKey(instanceID))
}

// DeleteByInstance removes an instance's history, used when an instance is
// deleted with its audit trail.
func (s *RedisStore) DeleteByInstance(ctx context.Context, instanceID string) error {
	if err := s.client.Del(ctx, streamKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("delete history for %s: %w", instanceID, err)
	}
	return nil
}
