package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// IncrementUsage atomically adds to tenantID's counters for the day
// containing at, creating the row on first use. Concurrent-task counts
// are not kept here: CountRunningTasks derives them from the tasks
// table's Running rows.
func (s *Store) IncrementUsage(ctx context.Context, tenantID string, at time.Time, taskMinutes float64, streams, bytes, tasksCreated int64) error {
	period := at.UTC().Truncate(24 * time.Hour)
	query := `
		INSERT INTO usage_counters (tenant_id, period, task_minutes, streams, bytes, tasks_created)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, period) DO UPDATE SET
			task_minutes = usage_counters.task_minutes + EXCLUDED.task_minutes,
			streams = usage_counters.streams + EXCLUDED.streams,
			bytes = usage_counters.bytes + EXCLUDED.bytes,
			tasks_created = usage_counters.tasks_created + EXCLUDED.tasks_created
	`
	_, err := s.pool.Exec(ctx, query, tenantID, period, taskMinutes, streams, bytes, tasksCreated)
	return err
}

// UsageForPeriod returns tenantID's counter row for the day containing
// at, or a zero-valued UsageCounter if none has been recorded yet.
func (s *Store) UsageForPeriod(ctx context.Context, tenantID string, at time.Time) (UsageCounter, error) {
	period := at.UTC().Truncate(24 * time.Hour)
	query := `
		SELECT tenant_id, period, task_minutes, streams, bytes, tasks_created
		FROM usage_counters WHERE tenant_id = $1 AND period = $2
	`
	var uc UsageCounter
	err := s.pool.QueryRow(ctx, query, tenantID, period).
		Scan(&uc.TenantID, &uc.Period, &uc.TaskMinutes, &uc.Streams, &uc.Bytes, &uc.TasksCreated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UsageCounter{TenantID: tenantID, Period: period}, nil
		}
		return UsageCounter{}, err
	}
	return uc, nil
}

// CountRunningTasks returns the number of tasks currently in the
// Running state for tenantID, the concurrency-gate input for C4's
// admission check alongside the Redis token bucket.
func (s *Store) CountRunningTasks(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE tenant_id = $1 AND state = 'running'`, tenantID).Scan(&n)
	return n, err
}

// CreateTenant inserts a new tenant row, used by operator tooling
// (cmd/axontaskctl) and integration test fixtures.
func (s *Store) CreateTenant(ctx context.Context, id, plan string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tenants (id, plan) VALUES ($1, $2)`, id, plan)
	return err
}

// GetTenantPlan resolves tenantID's billing plan, the input C4's quota
// gate and C8's stream-connection admission both need.
func (s *Store) GetTenantPlan(ctx context.Context, tenantID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan FROM tenants WHERE id = $1`, tenantID).Scan(&plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return plan, nil
}
