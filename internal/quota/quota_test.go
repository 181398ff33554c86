package quota

import "testing"

func TestLimitsByPlanMatchesQuotaTable(t *testing.T) {
	limits := LimitsByPlan()
	tests := map[Plan]Limits{
		PlanTrial:      {ConcurrentTasks: 5, DailyTasks: 100, StreamConnections: 2},
		PlanEntry:      {ConcurrentTasks: 25, DailyTasks: 1000, StreamConnections: 5},
		PlanPro:        {ConcurrentTasks: 100, DailyTasks: 10000, StreamConnections: 20},
		PlanEnterprise: {ConcurrentTasks: 500, DailyTasks: 100000, StreamConnections: 100},
	}
	for plan, want := range tests {
		got, ok := limits[plan]
		if !ok {
			t.Fatalf("missing limits for plan %s", plan)
		}
		if got != want {
			t.Fatalf("plan %s: got %+v, want %+v", plan, got, want)
		}
	}
}

func TestErrLimitExceededMessage(t *testing.T) {
	err := &ErrLimitExceeded{Type: TypeConcurrentTasks, Limit: 5, Current: 6}
	want := "quota: concurrent_tasks limit exceeded (6/5)"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestBucketKeyIsPlanAndTenantScoped(t *testing.T) {
	a := bucketKey("tenant-a", PlanPro)
	b := bucketKey("tenant-b", PlanPro)
	c := bucketKey("tenant-a", PlanEnterprise)
	if a == b || a == c {
		t.Fatalf("expected distinct bucket keys, got %q %q %q", a, b, c)
	}
}
