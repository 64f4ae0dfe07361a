package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

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

func TestScheduleAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := New("inst-1", "exec-1", "send-email", map[string]any{"to": "kermit"}, 3)
	if err := store.Schedule(ctx, job); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Handler != "send-email" || got.InstanceID != "inst-1" || got.Retries != 3 {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Payload["to"] != "kermit" {
		t.Fatalf("payload lost: %+v", got.Payload)
	}
	if got.State != StatePending {
		t.Fatalf("expected pending, got %s", got.State)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcquireDueRespectsDueTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := New("inst-1", "exec-1", "h", nil, 1)
	later := New("inst-2", "exec-2", "h", nil, 1)
	later.Due = now.Add(time.Hour)
	for _, job := range []*Job{ready, later} {
		if err := store.Schedule(ctx, job); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	acquired, err := store.AcquireDue(ctx, "worker-a", now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 || acquired[0].ID != ready.ID {
		t.Fatalf("expected only the due job, got %+v", acquired)
	}
	if acquired[0].LockOwner != "worker-a" {
		t.Fatalf("expected lease owner, got %q", acquired[0].LockOwner)
	}
	if err := store.Complete(ctx, ready.ID, "worker-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The future job becomes acquirable once its due time passes.
	acquired, err = store.AcquireDue(ctx, "worker-a", now.Add(2*time.Hour), 30*time.Second, 10)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 || acquired[0].ID != later.ID {
		t.Fatalf("expected the deferred job, got %+v", acquired)
	}
}

func TestAcquireLeaseHandover(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := New("inst-1", "exec-1", "h", nil, 1)
	if err := store.Schedule(ctx, job); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	first, err := store.AcquireDue(ctx, "worker-a", now, 30*time.Second, 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first acquire: %v (%d jobs)", err, len(first))
	}

	// While the lease is live another worker gets nothing.
	second, err := store.AcquireDue(ctx, "worker-b", now.Add(time.Second), 30*time.Second, 10)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected leased job to be skipped, got %+v", second)
	}

	// After expiry the job is handed over.
	third, err := store.AcquireDue(ctx, "worker-b", now.Add(time.Minute), 30*time.Second, 10)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if len(third) != 1 || third[0].LockOwner != "worker-b" {
		t.Fatalf("expected handover to worker-b, got %+v", third)
	}

	// The late original worker can no longer complete it.
	if err := store.Complete(ctx, job.ID, "worker-a"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected lock lost, got %v", err)
	}
	if err := store.Complete(ctx, job.ID, "worker-b"); err != nil {
		t.Fatalf("complete by current owner: %v", err)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected job removed after completion, got %v", err)
	}
}

func TestExclusiveJobsRunSerially(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := New("inst-1", "exec-1", "h", nil, 1)
	first.Exclusive = true
	second := New("inst-1", "exec-2", "h", nil, 1)
	second.Exclusive = true
	other := New("inst-2", "exec-3", "h", nil, 1)
	other.Exclusive = true
	for _, job := range []*Job{first, second, other} {
		if err := store.Schedule(ctx, job); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	acquired, err := store.AcquireDue(ctx, "worker-a", now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	byInstance := map[string]int{}
	for _, job := range acquired {
		byInstance[job.InstanceID]++
	}
	if byInstance["inst-1"] != 1 || byInstance["inst-2"] != 1 {
		t.Fatalf("expected one exclusive job per instance, got %v", byInstance)
	}

	// Completing the held job frees the instance for the second one.
	var held *Job
	for _, job := range acquired {
		if job.InstanceID == "inst-1" {
			held = job
		}
	}
	if err := store.Complete(ctx, held.ID, "worker-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	acquired, err = store.AcquireDue(ctx, "worker-a", now.Add(time.Second), 30*time.Second, 10)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 || acquired[0].InstanceID != "inst-1" {
		t.Fatalf("expected the second exclusive job, got %+v", acquired)
	}
}

func TestFailReschedulesWithBackoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := New("inst-1", "exec-1", "h", nil, 3)
	if err := store.Schedule(ctx, job); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	acquired, err := store.AcquireDue(ctx, "worker-a", now, 30*time.Second, 10)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: %v (%d jobs)", err, len(acquired))
	}

	retryAt := now.Add(10 * time.Second)
	if err := store.Fail(ctx, acquired[0], "worker-a", "connection refused", retryAt); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Retries != 2 || got.Attempts != 1 {
		t.Fatalf("expected retries=2 attempts=1, got %+v", got)
	}
	if got.LastFailure != "connection refused" {
		t.Fatalf("unexpected failure: %q", got.LastFailure)
	}
	if got.LockOwner != "" {
		t.Fatalf("expected lease cleared, got %q", got.LockOwner)
	}

	// Not acquirable before the retry time, acquirable after.
	if jobs, _ := store.AcquireDue(ctx, "worker-b", now.Add(time.Second), 30*time.Second, 10); len(jobs) != 0 {
		t.Fatalf("expected no jobs before retry time, got %+v", jobs)
	}
	jobs, err := store.AcquireDue(ctx, "worker-b", retryAt.Add(time.Second), 30*time.Second, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected the retried job, got %v (%d jobs)", err, len(jobs))
	}
}

func TestIncidentLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := New("inst-1", "exec-1", "h", nil, 0)
	if err := store.Schedule(ctx, job); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	acquired, err := store.AcquireDue(ctx, "worker-a", now, 30*time.Second, 10)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: %v (%d jobs)", err, len(acquired))
	}
	if err := store.MarkIncident(ctx, acquired[0], "worker-a", "handler panicked"); err != nil {
		t.Fatalf("mark incident: %v", err)
	}

	incidents, err := store.ListIncidents(ctx)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(incidents) != 1 || incidents[0].State != StateFailed {
		t.Fatalf("unexpected incidents: %+v", incidents)
	}
	if incidents[0].LastFailure != "handler panicked" {
		t.Fatalf("unexpected failure: %q", incidents[0].LastFailure)
	}

	// Incidents are out of the due set.
	if jobs, _ := store.AcquireDue(ctx, "worker-b", now.Add(time.Hour), 30*time.Second, 10); len(jobs) != 0 {
		t.Fatalf("expected incident to be unacquirable, got %+v", jobs)
	}

	if err := store.RetryIncident(ctx, job.ID, 3); err != nil {
		t.Fatalf("retry incident: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.State != StatePending || got.Retries != 3 {
		t.Fatalf("expected reset job, got %+v", got)
	}
	jobs, err := store.AcquireDue(ctx, "worker-b", time.Now().UTC().Add(time.Second), 30*time.Second, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected retried incident to be acquirable, got %v (%d jobs)", err, len(jobs))
	}

	incidents, _ = store.ListIncidents(ctx)
	if len(incidents) != 0 {
		t.Fatalf("expected incident set cleared, got %+v", incidents)
	}
}

func TestDeleteIgnoresLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := New("inst-1", "exec-1", "h", nil, 1)
	if err := store.Schedule(ctx, job); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := store.AcquireDue(ctx, "worker-a", now, 30*time.Second, 10); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// Deleting a missing job is a no-op.
	if err := store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}
