package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("default HTTP port: got %q", cfg.HTTPPort)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("default worker count: got %d", cfg.WorkerCount)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Fatalf("default visibility timeout: got %s", cfg.VisibilityTimeout)
	}
	if len(cfg.PriorityQueues) != 3 || cfg.PriorityQueues[0] != "high" {
		t.Fatalf("default priority queues: got %v", cfg.PriorityQueues)
	}
	if cfg.DLQName != "provision:dlq" {
		t.Fatalf("default dlq name: got %q", cfg.DLQName)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("WORKER_COUNT", "12")
	t.Setenv("VISIBILITY_TIMEOUT", "90s")
	t.Setenv("PRIORITY_QUEUES", "urgent, bulk")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")

	cfg := Load()

	if cfg.HTTPPort != "9999" {
		t.Fatalf("HTTP port override: got %q", cfg.HTTPPort)
	}
	if cfg.WorkerCount != 12 {
		t.Fatalf("worker count override: got %d", cfg.WorkerCount)
	}
	if cfg.VisibilityTimeout != 90*time.Second {
		t.Fatalf("visibility timeout override: got %s", cfg.VisibilityTimeout)
	}
	if len(cfg.PriorityQueues) != 2 || cfg.PriorityQueues[1] != "bulk" {
		t.Fatalf("priority queues override: got %v", cfg.PriorityQueues)
	}
	if cfg.RateLimitRefill != 2.5 {
		t.Fatalf("rate limit refill override: got %f", cfg.RateLimitRefill)
	}
}

func TestMalformedEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv("WORKER_COUNT", "lots")
	t.Setenv("VISIBILITY_TIMEOUT", "soon")

	cfg := Load()

	if cfg.WorkerCount != 4 {
		t.Fatalf("malformed int should fall back: got %d", cfg.WorkerCount)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Fatalf("malformed duration should fall back: got %s", cfg.VisibilityTimeout)
	}
}
