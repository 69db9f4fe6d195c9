package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tenant-orchestrator/internal/config"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, config.Config{
		PriorityQueues:    []string{"high", "default", "low"},
		VisibilityTimeout: visibility,
		DLQName:           "provision:dlq",
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "job-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue got %q err=%v", id, err)
	}

	// Exclusive delivery: the job is leased, not ready.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("second dequeue should be empty, got %q err=%v", id, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(ids) != 0 {
		t.Fatalf("acked job must not be redelivered, got %v", ids)
	}
}

func TestPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "backup-job", "low", time.Now()); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := q.Enqueue(ctx, "delete-job", "high", time.Now()); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	first, _ := q.DequeueWithLease(ctx)
	second, _ := q.DequeueWithLease(ctx)
	if first != "delete-job" || second != "backup-job" {
		t.Fatalf("priority order violated: %q then %q", first, second)
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	if err := q.Enqueue(ctx, "job-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected to lease job-1, got %q", id)
	}

	// Lease expired without ack: the job is reclaimed for another worker.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("reclaimed job should be redelivered, got %q", id)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	runAt := time.Now().Add(time.Minute)
	if err := q.Schedule(ctx, "retry-job", "default", runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("scheduled job must not be ready yet, got %q", id)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote got n=%d err=%v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "retry-job" {
		t.Fatalf("promoted job should be ready, got %q", id)
	}
}

func TestRemoveDropsEverywhere(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "job-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Schedule(ctx, "job-2", "default", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove ready: %v", err)
	}
	if err := q.Remove(ctx, "job-2"); err != nil {
		t.Fatalf("remove scheduled: %v", err)
	}

	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("removed job still dequeued: %q", id)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10); n != 0 {
		t.Fatalf("removed scheduled job still promoted: %d", n)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.DLQPush(ctx, "dead-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "dead-1" {
		t.Fatalf("dlq peek got %v err=%v", items, err)
	}
}

func TestReadyDepth(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	_ = q.Enqueue(ctx, "a", "high", time.Now())
	_ = q.Enqueue(ctx, "b", "low", time.Now())
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("depth got %d err=%v", depth, err)
	}
}
