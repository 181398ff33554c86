package streambuffer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestBufferIntegration exercises Append/ReadBackfill/ReadLive/Trim and
// the heartbeat registry against a real Redis instance. Skipped unless
// REDIS_URL is set, matching the store package's DATABASE_URL-gated
// integration test convention.
func TestBufferIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	buf := New(rdb)
	taskID := "integration-task-1"
	rdb.Del(ctx, eventStreamKey(taskID), heartbeatKey(taskID))

	ev := StreamEvent{
		TaskID:  taskID,
		Seq:     0,
		Ts:      time.Now(),
		Kind:    "started",
		Payload: []byte(`{"adapter":"mock"}`),
		HashCurr: []byte{1, 2, 3, 4},
	}
	id, err := buf.Append(ctx, ev)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty stream id")
	}

	_, events, err := buf.ReadBackfill(ctx, taskID, "0", 10)
	if err != nil {
		t.Fatalf("read backfill: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "started" {
		t.Fatalf("unexpected backfill result: %+v", events)
	}

	if err := buf.SendHeartbeat(ctx, taskID, "worker-1"); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	alive, err := buf.IsAlive(ctx, taskID)
	if err != nil {
		t.Fatalf("is alive: %v", err)
	}
	if !alive {
		t.Fatalf("expected heartbeat to be alive immediately after send")
	}

	gap, err := buf.DetectGap(ctx, taskID, "0")
	if err != nil {
		t.Fatalf("detect gap: %v", err)
	}
	if gap != nil {
		t.Fatalf("expected no gap when reading from start, got %+v", gap)
	}
}
