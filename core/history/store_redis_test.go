package history

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []*Event{
		{Type: EventProcessInstanceStarted, InstanceID: "inst-1"},
		{Type: EventActivityStarted, InstanceID: "inst-1", ExecutionID: "exec-1"},
		{Type: EventActivityEnded, InstanceID: "inst-1", ExecutionID: "exec-1"},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("expected id and timestamp to be filled: %+v", ev)
		}
	}

	got, err := store.ListByInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != EventProcessInstanceStarted || got[2].Type != EventActivityEnded {
		t.Fatalf("events out of order: %+v", got)
	}
}

func TestGlobalStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &Event{Type: EventAuthorizationCreated, Entity: "Authorization", EntityID: "a1"}
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.ListByInstance(ctx, "")
	if err != nil {
		t.Fatalf("list global: %v", err)
	}
	if len(got) != 1 || got[0].Type != EventAuthorizationCreated {
		t.Fatalf("unexpected global events: %+v", got)
	}
}

func TestDeleteByInstance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, &Event{Type: EventProcessInstanceStarted, InstanceID: "inst-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.DeleteByInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := store.ListByInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history after delete, got %d events", len(got))
	}
}
