package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindowLimiterAllowsWithinQuota(t *testing.T) {
	l := NewSlidingWindowLimiter(3, time.Minute)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "tenant-a", now)
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed within quota", i)
		}
	}

	allowed, retryAfter, err := l.Allow(ctx, "tenant-a", now)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if allowed {
		t.Fatal("4th request should be rejected, quota is 3")
	}
	if retryAfter <= 0 {
		t.Fatal("expected positive retryAfter when rejected")
	}
}

func TestSlidingWindowLimiterExpiresOldEntries(t *testing.T) {
	l := NewSlidingWindowLimiter(1, time.Second)
	ctx := context.Background()
	t0 := time.Now()

	allowed, _, _ := l.Allow(ctx, "tenant-b", t0)
	if !allowed {
		t.Fatal("first request should be allowed")
	}
	allowed, _, _ = l.Allow(ctx, "tenant-b", t0.Add(500*time.Millisecond))
	if allowed {
		t.Fatal("second request within the window should be rejected")
	}
	allowed, _, _ = l.Allow(ctx, "tenant-b", t0.Add(1500*time.Millisecond))
	if !allowed {
		t.Fatal("request after the window expired should be allowed")
	}
}

func TestSlidingWindowLimiterResetDropsBucket(t *testing.T) {
	l := NewSlidingWindowLimiter(1, time.Minute)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _ := l.Allow(ctx, "tenant-e", now)
	if !allowed {
		t.Fatal("first request should be allowed")
	}
	allowed, _, _ = l.Allow(ctx, "tenant-e", now)
	if allowed {
		t.Fatal("second request should be rejected, quota is 1")
	}

	if err := l.Reset(ctx, "tenant-e"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}

	allowed, _, _ = l.Allow(ctx, "tenant-e", now)
	if !allowed {
		t.Fatal("request after Reset should be allowed again")
	}
}

func TestSlidingWindowLimiterIsolatesKeys(t *testing.T) {
	l := NewSlidingWindowLimiter(1, time.Minute)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _ := l.Allow(ctx, "tenant-c", now)
	if !allowed {
		t.Fatal("first request for tenant-c should be allowed")
	}
	allowed, _, _ = l.Allow(ctx, "tenant-d", now)
	if !allowed {
		t.Fatal("tenant-d should have its own independent quota")
	}
}
