package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestAllowDrainsBucket(t *testing.T) {
	b := newTestBucket(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "rl:customer:acme")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be within capacity", i)
		}
	}

	allowed, tokens, err := b.Allow(ctx, "rl:customer:acme")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("request over capacity should be denied")
	}
	if tokens >= 1 {
		t.Fatalf("expected drained bucket, got %f tokens", tokens)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := newTestBucket(t, 1, 0)
	ctx := context.Background()

	if allowed, _, _ := b.Allow(ctx, "rl:customer:acme"); !allowed {
		t.Fatalf("first request for acme should pass")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:customer:acme"); allowed {
		t.Fatalf("acme is drained")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:customer:globex"); !allowed {
		t.Fatalf("globex has its own bucket")
	}
}

func TestBucketRefills(t *testing.T) {
	b := newTestBucket(t, 1, 500)
	ctx := context.Background()

	if allowed, _, _ := b.Allow(ctx, "rl:customer:acme"); !allowed {
		t.Fatalf("first request should pass")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:customer:acme"); allowed {
		t.Fatalf("bucket should be empty immediately after drain")
	}

	time.Sleep(20 * time.Millisecond)

	if allowed, _, _ := b.Allow(ctx, "rl:customer:acme"); !allowed {
		t.Fatalf("bucket should refill over time")
	}
}
