package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrChainBroken is returned by AppendEvent when the caller's computed
// HashPrev/Seq do not match the log's current tail, meaning either a
// concurrent writer raced ahead or the caller's in-memory chain state is
// stale. Either way the append must not proceed, per spec.md §7's
// integrity invariant.
var ErrChainBroken = errors.New("store: event chain broken")

// ErrTaskIntegrityFailed is returned when AppendEvent is called against a
// task already marked integrity_failed: no further events are accepted.
var ErrTaskIntegrityFailed = errors.New("store: task integrity already failed")

// TailHash is the last-appended event's (seq, hash_curr) pair, the
// state eventpipeline needs in hand before it can compute the next
// event's hash_prev/hash_curr per the chain formula.
type TailHash struct {
	Seq      int64 // -1 if no events appended yet
	HashCurr []byte
}

// TailHash returns the current chain tail for taskID. It is a plain
// read that takes no lock, so the tail can move before the caller's
// subsequent write; AppendEvent re-reads the tail under the per-task
// advisory lock and returns ErrChainBroken if the event was computed
// against a stale tail.
func (s *Store) TailHash(ctx context.Context, taskID string) (TailHash, error) {
	query := `
		SELECT seq, hash_curr FROM task_events
		WHERE task_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	var th TailHash
	err := s.pool.QueryRow(ctx, query, taskID).Scan(&th.Seq, &th.HashCurr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TailHash{Seq: -1}, nil
		}
		return TailHash{}, err
	}
	return th, nil
}

// AppendEvent writes one already hash-chained Event, serialized per task
// via `pg_advisory_xact_lock(hashtext(task_id))` so two writers for the
// same task can never interleave, grounded on the teacher's advisory-lock
// style generalized from row leases to a dedicated per-task lock key.
// The expected previous seq/hash are re-verified inside the lock; a
// mismatch means the caller computed the event against a stale tail and
// returns ErrChainBroken without writing anything.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.TaskID); err != nil {
		return fmt.Errorf("acquire event-chain lock: %w", err)
	}

	var integrityFailed bool
	if err := tx.QueryRow(ctx, `SELECT integrity_failed FROM tasks WHERE id = $1`, ev.TaskID).Scan(&integrityFailed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if integrityFailed {
		return ErrTaskIntegrityFailed
	}

	var lastSeq int64 = -1
	var lastHash []byte
	row := tx.QueryRow(ctx, `SELECT seq, hash_curr FROM task_events WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`, ev.TaskID)
	switch err := row.Scan(&lastSeq, &lastHash); {
	case errors.Is(err, pgx.ErrNoRows):
		lastSeq, lastHash = -1, nil
	case err != nil:
		return err
	}

	wantSeq := lastSeq + 1
	if int64(ev.Seq) != wantSeq {
		return ErrChainBroken
	}
	if lastSeq == -1 {
		if ev.HashPrev != nil {
			return ErrChainBroken
		}
	} else if !bytesEqual(ev.HashPrev, lastHash) {
		return ErrChainBroken
	}

	insert := `
		INSERT INTO task_events (task_id, seq, ts, kind, payload, hash_prev, hash_curr)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`
	if _, err := tx.Exec(ctx, insert, ev.TaskID, ev.Seq, ev.Ts, ev.Kind, ev.Payload, ev.HashPrev, ev.HashCurr); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET cursor = $1, updated_at = NOW() WHERE id = $2`, ev.Seq, ev.TaskID); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	return tx.Commit(ctx)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EventsRange returns events for taskID with seq in [fromSeq, fromSeq+limit),
// ordered ascending, grounded on the teacher's Replay query shape.
func (s *Store) EventsRange(ctx context.Context, taskID string, fromSeq int64, limit int) ([]Event, error) {
	query := `
		SELECT task_id, seq, ts, kind, payload, hash_prev, hash_curr
		FROM task_events
		WHERE task_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, taskID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.TaskID, &ev.Seq, &ev.Ts, &ev.Kind, &ev.Payload, &ev.HashPrev, &ev.HashCurr); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestEvent returns the single most recent event for taskID, used by
// delivery (C8) to answer a status request without a full range scan.
func (s *Store) LatestEvent(ctx context.Context, taskID string) (*Event, error) {
	query := `
		SELECT task_id, seq, ts, kind, payload, hash_prev, hash_curr
		FROM task_events
		WHERE task_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	var ev Event
	err := s.pool.QueryRow(ctx, query, taskID).
		Scan(&ev.TaskID, &ev.Seq, &ev.Ts, &ev.Kind, &ev.Payload, &ev.HashPrev, &ev.HashCurr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}
