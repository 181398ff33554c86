package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"axontask/internal/adapter"
	"axontask/internal/adapter/mock"
	"axontask/internal/eventpipeline"
	"axontask/internal/store"
	"axontask/internal/streambuffer"
)

// TestWorkerRunsMockTaskToSuccess exercises the S1 scenario end to end:
// reserve, execute the mock adapter, drain its events through the
// pipeline, and reach a terminal Succeeded state with no gaps in the
// hash chain. Skipped unless DATABASE_URL and REDIS_URL are both set.
func TestWorkerRunsMockTaskToSuccess(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	redisAddr := os.Getenv("REDIS_URL")
	if dsn == "" || redisAddr == "" {
		t.Skip("DATABASE_URL and REDIS_URL not both set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	pool.Exec(ctx, "DELETE FROM task_events")
	pool.Exec(ctx, "DELETE FROM tasks")
	pool.Exec(ctx, "DELETE FROM tenants")

	st := store.New(pool)
	buf := streambuffer.New(rdb)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	pipeline := eventpipeline.New(st, buf, 256, log)
	registry := adapter.NewRegistry(mock.New())

	tenantID := "33333333-3333-3333-3333-333333333333"
	if err := st.CreateTenant(ctx, tenantID, "trial"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	args, _ := json.Marshal(mock.Config{Steps: 3, StepDuration: "1ms", Final: "success"})
	task, err := st.CreateTask(ctx, tenantID, store.TaskSpec{
		Name: "s1-demo", AdapterName: "mock", Args: args, TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := New("worker-1", st, buf, pipeline, registry, log)
	w.pollInterval = 10 * time.Millisecond
	w.heartbeatInterval = 200 * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetTask(ctx, tenantID, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.State == store.Succeeded {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	final, err := st.GetTask(ctx, tenantID, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.State != store.Succeeded {
		t.Fatalf("expected task to reach Succeeded, got %s", final.State)
	}

	events, err := st.EventsRange(ctx, task.ID, 0, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(events) != 5 { // started + 3 progress + success
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[0].Kind != store.KindStarted || events[len(events)-1].Kind != store.KindSuccess {
		t.Fatalf("unexpected event sequence: %+v", events)
	}

	cancel()
	<-done
}
