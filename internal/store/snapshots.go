package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// AppendSnapshot records a compaction checkpoint: events up to UptoSeq may
// now be trimmed from the hot store/stream buffer because Summary plus
// HashCurr is enough to keep the chain verifiable from UptoSeq forward.
func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	query := `
		INSERT INTO task_snapshots (task_id, upto_seq, ts, summary, stdout_bytes, stderr_bytes, hash_curr)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, snap.TaskID, snap.UptoSeq, snap.Ts, snap.Summary,
		snap.StdoutBytes, snap.StderrBytes, snap.HashCurr)
	return err
}

// LatestSnapshot returns the highest-UptoSeq snapshot recorded for
// taskID, the starting point for a backfill read that must skip events
// already folded into a snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	query := `
		SELECT task_id, upto_seq, ts, summary, stdout_bytes, stderr_bytes, hash_curr
		FROM task_snapshots
		WHERE task_id = $1
		ORDER BY upto_seq DESC
		LIMIT 1
	`
	var snap Snapshot
	err := s.pool.QueryRow(ctx, query, taskID).
		Scan(&snap.TaskID, &snap.UptoSeq, &snap.Ts, &snap.Summary, &snap.StdoutBytes, &snap.StderrBytes, &snap.HashCurr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// TrimEventsBelow deletes events with seq < uptoSeq for taskID, called
// only after AppendSnapshot has durably recorded the replacement summary
// for that prefix.
func (s *Store) TrimEventsBelow(ctx context.Context, taskID string, uptoSeq int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_events WHERE task_id = $1 AND seq < $2`, taskID, uptoSeq)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// EventCount reports how many events are currently retained for taskID,
// the signal the compaction sweep (C6) checks against the configured
// threshold.
func (s *Store) EventCount(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM task_events WHERE task_id = $1`, taskID).Scan(&n)
	return n, err
}

// TasksAboveEventThreshold lists task IDs whose retained event count
// exceeds threshold, grounded on the teacher's periodic.go sweep query
// shape (poll-driven, cron-scheduled rather than per-event triggered).
func (s *Store) TasksAboveEventThreshold(ctx context.Context, threshold int) ([]string, error) {
	query := `
		SELECT task_id FROM task_events
		GROUP BY task_id
		HAVING count(*) > $1
	`
	rows, err := s.pool.Query(ctx, query, threshold)
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
