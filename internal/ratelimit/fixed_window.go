package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindow implements a per-account fixed-window rate limiter backed
// by Redis. The increment and the window expiry are set in one script, so
// under contention the limit can be exceeded by at most one request
// (accepted slack: INCR is atomic, the check is on the returned count).
type FixedWindow struct {
	client *redis.Client
	window time.Duration
	limit  int64
}

// NewFixedWindow constructs a limiter with the provided window and limit.
func NewFixedWindow(client *redis.Client, window time.Duration, limit int64) *FixedWindow {
	return &FixedWindow{client: client, window: window, limit: limit}
}

// Allow consumes one slot for the account in the current window.
// Returns the allowed flag and the count used so far.
func (f *FixedWindow) Allow(ctx context.Context, accountID string) (bool, int64, error) {
	key := fmt.Sprintf("rl:%s", accountID)
	res, err := windowScript.Run(ctx, f.client, []string{key}, f.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected type from window script: %T", res)
	}
	return count <= f.limit, count, nil
}

var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)
