package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), client
}

func TestStoreSaveBumpsVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := NewInstance("invoice", "order-42")
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if in.Version != 1 {
		t.Fatalf("expected version 1 after first save, got %d", in.Version)
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	ver, err := store.CurrentVersion(ctx, in.ID)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if ver != 2 {
		t.Fatalf("expected stored version 2, got %d", ver)
	}

	got, err := store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BusinessKey != "order-42" || got.Version != 2 {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if len(got.Executions) != 1 {
		t.Fatalf("expected root execution to round-trip, got %d", len(got.Executions))
	}
}

func TestStoreGetByBusinessKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := NewInstance("invoice", "order-42")
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetByBusinessKey(ctx, "order-42")
	if err != nil {
		t.Fatalf("get by business key: %v", err)
	}
	if got.ID != in.ID {
		t.Fatalf("expected %s, got %s", in.ID, got.ID)
	}
	if _, err := store.GetByBusinessKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := NewInstance("invoice", "order-42")
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, in.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, in.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := store.GetByBusinessKey(ctx, "order-42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected business key mapping removed, got %v", err)
	}
	ver, err := store.CurrentVersion(ctx, in.ID)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if ver != 0 {
		t.Fatalf("expected version counter removed, got %d", ver)
	}
}

func TestStoreList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := NewInstance("invoice", "")
	second := NewInstance("order", "")
	for _, in := range []*Instance{first, second} {
		if err := store.Save(ctx, in); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(got))
	}
}

func TestVerifyVersion(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	in := NewInstance("invoice", "")
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := VerifyVersion(ctx, client, in.ID, 1); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyVersion(ctx, client, in.ID, 7); err == nil {
		t.Fatalf("expected mismatch error")
	}
}
