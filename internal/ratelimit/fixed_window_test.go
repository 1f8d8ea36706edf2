package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewFixedWindow(client, time.Minute, 2)

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "acct-1")
		if err != nil || !allowed {
			t.Fatalf("request %d: expected allowed, got allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, count, err := limiter.Allow(ctx, "acct-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected third request rejected, count=%d", count)
	}

	// A different account has its own window.
	allowed, _, err = limiter.Allow(ctx, "acct-2")
	if err != nil || !allowed {
		t.Fatalf("expected other account allowed, got allowed=%v err=%v", allowed, err)
	}

	// A new window starts once the key expires.
	mr.FastForward(time.Minute + time.Second)
	allowed, _, err = limiter.Allow(ctx, "acct-1")
	if err != nil || !allowed {
		t.Fatalf("expected new window allowed, got allowed=%v err=%v", allowed, err)
	}
}
