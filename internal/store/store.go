package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNoPendingTasks  = errors.New("store: no pending tasks available")
	ErrIllegalTransition = errors.New("store: illegal state transition")
	ErrNotFound        = errors.New("store: task not found")
)

// Store is the persistent store (C2), backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers construct the pool (via
// pgxpool.New) so that connection lifecycle stays outside this package,
// matching the teacher's own Service/pool separation.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TaskSpec is the caller-supplied shape for tasks.create.
type TaskSpec struct {
	Name           string
	AdapterName    string
	Args           []byte
	TimeoutSeconds int
	CreatedBy      *string
}

// CreateTask inserts a new Pending task row for tenantID. Admission
// (quota) is the caller's responsibility (C4 runs before this call);
// this method only performs the single-row insert.
func (s *Store) CreateTask(ctx context.Context, tenantID string, spec TaskSpec) (*Task, error) {
	query := `
		INSERT INTO tasks (id, tenant_id, created_by, name, adapter_name, args, state, timeout_seconds, cursor)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'pending', $7, -1)
		RETURNING id, tenant_id, created_by, name, adapter_name, args, state, timeout_seconds,
			started_at, ended_at, cursor, bytes_streamed, minutes_used, error_message, exit_code,
			worker_id, cancel_requested, integrity_failed, created_at, updated_at
	`
	var t Task
	err := s.pool.QueryRow(ctx, query, uuid.NewString(), tenantID, spec.CreatedBy, spec.Name, spec.AdapterName, spec.Args, spec.TimeoutSeconds).
		Scan(&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &t.State, &t.TimeoutSeconds,
			&t.StartedAt, &t.EndedAt, &t.Cursor, &t.BytesStreamed, &t.MinutesUsed, &t.ErrorMessage, &t.ExitCode,
			&t.WorkerID, &t.CancelRequested, &t.IntegrityFailed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// GetTask fetches one task scoped to tenantID, enforcing tenant
// isolation at the query level (never optional) per C1's convention.
func (s *Store) GetTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	query := `
		SELECT id, tenant_id, created_by, name, adapter_name, args, state, timeout_seconds,
			started_at, ended_at, cursor, bytes_streamed, minutes_used, error_message, exit_code,
			worker_id, cancel_requested, integrity_failed, created_at, updated_at
		FROM tasks WHERE id = $1 AND tenant_id = $2
	`
	var t Task
	err := s.pool.QueryRow(ctx, query, taskID, tenantID).
		Scan(&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &t.State, &t.TimeoutSeconds,
			&t.StartedAt, &t.EndedAt, &t.Cursor, &t.BytesStreamed, &t.MinutesUsed, &t.ErrorMessage, &t.ExitCode,
			&t.WorkerID, &t.CancelRequested, &t.IntegrityFailed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ReserveOne atomically selects one Pending task fairly (FIFO by
// created_at within a priority class derived from tenant plan) and
// transitions it to Running, grounded on the teacher's FOR UPDATE SKIP
// LOCKED claim CTE. planPriority is not read: the tier order
// (enterprise, pro, entry, then any other plan) is fixed in the query.
func (s *Store) ReserveOne(ctx context.Context, workerID string, planPriority map[string]int) (*Task, error) {
	query := `
		WITH candidate AS (
			SELECT t.id
			FROM tasks t
			JOIN tenants te ON te.id = t.tenant_id
			WHERE t.state = 'pending'
			ORDER BY
				CASE te.plan
					WHEN 'enterprise' THEN 0
					WHEN 'pro' THEN 1
					WHEN 'entry' THEN 2
					ELSE 3
				END ASC,
				t.created_at ASC
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED
		)
		UPDATE tasks
		SET state = 'running',
		    started_at = NOW(),
		    worker_id = $1,
		    updated_at = NOW()
		FROM candidate
		WHERE tasks.id = candidate.id
		RETURNING tasks.id, tasks.tenant_id, tasks.created_by, tasks.name, tasks.adapter_name, tasks.args,
			tasks.state, tasks.timeout_seconds, tasks.started_at, tasks.ended_at, tasks.cursor,
			tasks.bytes_streamed, tasks.minutes_used, tasks.error_message, tasks.exit_code,
			tasks.worker_id, tasks.cancel_requested, tasks.integrity_failed, tasks.created_at, tasks.updated_at
	`
	var t Task
	err := s.pool.QueryRow(ctx, query, workerID).
		Scan(&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &t.State, &t.TimeoutSeconds,
			&t.StartedAt, &t.EndedAt, &t.Cursor, &t.BytesStreamed, &t.MinutesUsed, &t.ErrorMessage, &t.ExitCode,
			&t.WorkerID, &t.CancelRequested, &t.IntegrityFailed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPendingTasks
		}
		return nil, err
	}
	return &t, nil
}

// TransitionFields carries the optional columns a state transition may
// set alongside the new state.
type TransitionFields struct {
	ErrorMessage *string
	ExitCode     *int
}

// Transition enforces the state machine: the UPDATE only applies WHEN
// state = from, so a mismatched current state fails with
// ErrIllegalTransition rather than silently overwriting.
func (s *Store) Transition(ctx context.Context, tenantID, taskID string, from, to TaskState, fields TransitionFields) error {
	if !from.CanTransitionTo(to) {
		return ErrIllegalTransition
	}
	endedAt := (*time.Time)(nil)
	if to.IsTerminal() {
		now := time.Now()
		endedAt = &now
	}
	query := `
		UPDATE tasks
		SET state = $1,
		    ended_at = COALESCE($2, ended_at),
		    error_message = COALESCE($3, error_message),
		    exit_code = COALESCE($4, exit_code),
		    updated_at = NOW()
		WHERE id = $5 AND tenant_id = $6 AND state = $7
	`
	tag, err := s.pool.Exec(ctx, query, to, endedAt, fields.ErrorMessage, fields.ExitCode, taskID, tenantID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// RequestCancel sets the intent flag the worker polls, grounded on the
// teacher's RequestCancel.
func (s *Store) RequestCancel(ctx context.Context, tenantID, taskID string) error {
	query := `
		UPDATE tasks SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND state IN ('pending', 'running')
	`
	tag, err := s.pool.Exec(ctx, query, taskID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// RefreshHeartbeat persists a checkpoint (updated_at) alongside the
// stream buffer's short-TTL heartbeat, and reports whether cancellation
// has been requested since the worker last checked.
func (s *Store) RefreshHeartbeat(ctx context.Context, taskID, workerID string) (cancelRequested bool, err error) {
	query := `
		UPDATE tasks SET updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state = 'running'
		RETURNING cancel_requested
	`
	err = s.pool.QueryRow(ctx, query, taskID, workerID).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("store: lease lost or task not running")
		}
		return false, err
	}
	return cancelRequested, nil
}

// ReclaimExpired re-opens Running tasks whose worker has gone silent for
// longer than staleFor, grounded on the teacher's Reclaim watchdog sweep.
// Unlike the teacher (which distinguishes retry vs. terminal failure by
// attempt count), every task here simply returns to Pending: the spec's
// watchdog always re-enqueues rather than failing outright.
func (s *Store) ReclaimExpired(ctx context.Context, staleFor time.Duration) ([]string, error) {
	query := `
		WITH expired AS (
			SELECT id FROM tasks
			WHERE state = 'running' AND updated_at < NOW() - $1::interval
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET state = 'pending', worker_id = NULL, started_at = NULL, updated_at = NOW()
		FROM expired
		WHERE tasks.id = expired.id
		RETURNING tasks.id
	`
	rows, err := s.pool.Query(ctx, query, staleFor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkIntegrityFailed transitions a task to Failed with the integrity
// flag set; once set, events.append must refuse further writes for that
// task (§7 "no further events are accepted").
func (s *Store) MarkIntegrityFailed(ctx context.Context, taskID string, reason string) error {
	query := `
		UPDATE tasks
		SET state = 'failed', integrity_failed = TRUE, error_message = $1, ended_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`
	_, err := s.pool.Exec(ctx, query, reason, taskID)
	return err
}

// LookupAPIKeyHash implements identity.APIKeyLookup.
func (s *Store) LookupAPIKeyHash(hash []byte) (tenantID, userID string, scopes []string, revoked bool, expiresAt *time.Time, ok bool) {
	ctx := context.Background()
	query := `
		SELECT tenant_id, scopes, revoked_at IS NOT NULL, expires_at
		FROM api_keys WHERE hash = $1
	`
	var revokedAt *time.Time
	err := s.pool.QueryRow(ctx, query, hash).Scan(&tenantID, &scopes, &revoked, &expiresAt)
	_ = revokedAt
	if err != nil {
		return "", "", nil, false, nil, false
	}
	return tenantID, userID, scopes, revoked, expiresAt, true
}
