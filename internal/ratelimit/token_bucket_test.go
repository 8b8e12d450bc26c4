package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	d, err := bucket.Allow(ctx, "alice")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d.Remaining < 0.9 || d.Remaining > 1.1 {
		t.Fatalf("expected about one token left, got %v", d.Remaining)
	}
	d, _ = bucket.Allow(ctx, "alice")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "alice")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry-after within a second, got %s", d.RetryAfter)
	}

	// Buckets are per operator.
	d, _ = bucket.Allow(ctx, "bob")
	if !d.Allowed {
		t.Fatalf("expected a fresh bucket for another operator")
	}
	if !mr.Exists("replay:rl:alice") || !mr.Exists("replay:rl:bob") {
		t.Fatalf("expected per-operator keys")
	}

	// Note: refill cannot be checked with miniredis.FastForward() because the
	// script receives time from Go's time.Now(), not Redis's clock.
}
