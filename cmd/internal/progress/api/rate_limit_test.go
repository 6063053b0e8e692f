package progressapi

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"eduloom/cmd/identity/ids"
)

func TestEvaluateWindowThrottle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	events := []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-6 * time.Minute),
	}

	blocked, retry := evaluateWindowThrottle(now, events, 2, 5*time.Minute)
	if !blocked {
		t.Fatalf("expected window throttle to block")
	}
	if retry != 3*time.Minute {
		t.Fatalf("expected retry=3m, got %v", retry)
	}

	blocked, retry = evaluateWindowThrottle(now, events, 3, 5*time.Minute)
	if blocked || retry != 0 {
		t.Fatalf("expected window throttle to allow, blocked=%v retry=%v", blocked, retry)
	}

	if blocked, _ := evaluateWindowThrottle(now, events, 0, 5*time.Minute); blocked {
		t.Fatalf("max=0 must disable throttling")
	}
}

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := l.Allow(ctx, "alice"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
		now = now.Add(10 * time.Second)
	}

	ok, retry, err := l.Allow(ctx, "alice")
	if err != nil || ok {
		t.Fatalf("third request: ok=%v err=%v", ok, err)
	}
	if retry != 40*time.Second {
		t.Fatalf("retry=%v want 40s", retry)
	}

	// Rejected requests do not extend the window.
	now = now.Add(41 * time.Second)
	if ok, _, _ := l.Allow(ctx, "alice"); !ok {
		t.Fatalf("request after the oldest hit expired should be allowed")
	}
}

// Redis tests are enabled when EDULOOM_REDIS_ADDR is set.
func TestRedisLimiter(t *testing.T) {
	t.Parallel()

	addr := strings.TrimSpace(os.Getenv("EDULOOM_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: EDULOOM_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	prefix := "eduloom:test:ratelimit:" + ids.MustULID(time.Now()) + ":"
	l := NewRedisLimiter(client, prefix, 3, time.Minute)
	t.Cleanup(func() {
		_ = client.Del(context.Background(), prefix+"alice", prefix+"alice:seq").Err()
	})

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "alice")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, retry, err := l.Allow(ctx, "alice")
	if err != nil || ok {
		t.Fatalf("fourth request: ok=%v err=%v", ok, err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry=%v out of range", retry)
	}
}
