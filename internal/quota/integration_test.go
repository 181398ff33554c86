package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeUsage struct {
	running int
	created int64
}

func (f fakeUsage) CountRunningTasks(ctx context.Context, tenantID string) (int, error) {
	return f.running, nil
}

func (f fakeUsage) UsageForPeriod(ctx context.Context, tenantID string, at time.Time) (int64, error) {
	return f.created, nil
}

// TestGateIntegration exercises the Lua token-bucket script against a
// real Redis instance. Skipped unless REDIS_URL is set.
func TestGateIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	rdb.Del(ctx, bucketKey("tenant-x", PlanTrial), streamConnKey("tenant-x"))

	gate := New(rdb, fakeUsage{running: 0, created: 0})

	if err := gate.AdmitTask(ctx, "tenant-x", PlanTrial); err != nil {
		t.Fatalf("expected first admission to succeed: %v", err)
	}

	overLimit := New(rdb, fakeUsage{running: 5, created: 0})
	err := overLimit.AdmitTask(ctx, "tenant-x", PlanTrial)
	if _, ok := err.(*ErrLimitExceeded); !ok {
		t.Fatalf("expected ErrLimitExceeded for concurrent cap, got %v", err)
	}

	release, err := gate.AdmitStream(ctx, "tenant-x", PlanTrial)
	if err != nil {
		t.Fatalf("admit stream: %v", err)
	}
	if _, err := gate.AdmitStream(ctx, "tenant-x", PlanTrial); err != nil {
		t.Fatalf("second stream should be within trial's limit of 2: %v", err)
	}
	if _, err := gate.AdmitStream(ctx, "tenant-x", PlanTrial); err == nil {
		t.Fatalf("expected third stream to exceed trial's limit of 2")
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
