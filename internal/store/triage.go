package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListTasksByState returns the most recently updated tasks in state for
// tenantID, capped at limit, grounded on the teacher's
// triage.go ListFailedTasks query shape generalized from a single
// hardcoded FAILED status to any TaskState.
func (s *Store) ListTasksByState(ctx context.Context, tenantID string, state TaskState, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, created_by, name, adapter_name, args, state, timeout_seconds,
			started_at, ended_at, cursor, bytes_streamed, minutes_used, error_message, exit_code,
			worker_id, cancel_requested, integrity_failed, created_at, updated_at
		FROM tasks
		WHERE tenant_id = $1 AND state = $2
		ORDER BY updated_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, tenantID, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &t.State, &t.TimeoutSeconds,
			&t.StartedAt, &t.EndedAt, &t.Cursor, &t.BytesStreamed, &t.MinutesUsed, &t.ErrorMessage, &t.ExitCode,
			&t.WorkerID, &t.CancelRequested, &t.IntegrityFailed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReplayTask creates a new Pending task from a terminal one's spec,
// grounded on the teacher's queue.go Replay (INSERT ... SELECT from the
// source row). Only terminal tasks may be replayed; a task still
// Pending or Running has nothing to retry.
func (s *Store) ReplayTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	source, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if !source.State.IsTerminal() {
		return nil, fmt.Errorf("store: task %s is not in a terminal state", taskID)
	}

	query := `
		INSERT INTO tasks (id, tenant_id, created_by, name, adapter_name, args, state, timeout_seconds, cursor)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'pending', $7, -1)
		RETURNING id, tenant_id, created_by, name, adapter_name, args, state, timeout_seconds,
			started_at, ended_at, cursor, bytes_streamed, minutes_used, error_message, exit_code,
			worker_id, cancel_requested, integrity_failed, created_at, updated_at
	`
	var t Task
	err = s.pool.QueryRow(ctx, query, uuid.NewString(), tenantID, source.CreatedBy, source.Name, source.AdapterName, source.Args, source.TimeoutSeconds).
		Scan(&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &t.State, &t.TimeoutSeconds,
			&t.StartedAt, &t.EndedAt, &t.Cursor, &t.BytesStreamed, &t.MinutesUsed, &t.ErrorMessage, &t.ExitCode,
			&t.WorkerID, &t.CancelRequested, &t.IntegrityFailed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("replay task: %w", err)
	}
	return &t, nil
}
