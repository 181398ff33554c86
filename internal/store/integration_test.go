package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestStoreIntegration exercises CreateTask, ReserveOne, the event chain,
// and a transition end to end against a real Postgres instance. Skipped
// unless DATABASE_URL is set, matching the teacher's own integration test
// convention.
func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	pool.Exec(ctx, "DELETE FROM task_events")
	pool.Exec(ctx, "DELETE FROM tasks")
	pool.Exec(ctx, "DELETE FROM tenants")

	s := New(pool)

	tenantID := "11111111-1111-1111-1111-111111111111"
	if err := s.CreateTenant(ctx, tenantID, "pro"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	task, err := s.CreateTask(ctx, tenantID, TaskSpec{
		Name:           "demo",
		AdapterName:    "mock",
		Args:           json.RawMessage(`{}`),
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.State != Pending {
		t.Fatalf("expected pending, got %s", task.State)
	}

	reserved, err := s.ReserveOne(ctx, "worker-1", nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.ID != task.ID || reserved.State != Running {
		t.Fatalf("unexpected reservation: %+v", reserved)
	}

	ev := Event{
		TaskID:   task.ID,
		Seq:      0,
		Ts:       time.Now(),
		Kind:     KindStarted,
		Payload:  json.RawMessage(`{}`),
		HashPrev: nil,
		HashCurr: []byte("0123456789abcdef0123456789abcdef"),
	}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := s.AppendEvent(ctx, ev); err == nil {
		t.Fatalf("expected chain-broken error on replayed seq")
	}

	msg := "boom"
	if err := s.Transition(ctx, tenantID, task.ID, Running, Failed, TransitionFields{ErrorMessage: &msg}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, err := s.GetTask(ctx, tenantID, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != Failed || got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Fatalf("unexpected final task: %+v", got)
	}

	listed, err := s.ListTasksByState(ctx, tenantID, Failed, 10)
	if err != nil {
		t.Fatalf("list tasks by state: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != task.ID {
		t.Fatalf("expected failed task in list, got %+v", listed)
	}

	replayed, err := s.ReplayTask(ctx, tenantID, task.ID)
	if err != nil {
		t.Fatalf("replay task: %v", err)
	}
	if replayed.ID == task.ID || replayed.State != Pending || replayed.AdapterName != task.AdapterName {
		t.Fatalf("unexpected replayed task: %+v", replayed)
	}

	if _, err := s.ReplayTask(ctx, tenantID, replayed.ID); err == nil {
		t.Fatalf("expected error replaying a non-terminal task")
	}
}
