// Package store is the persistent store (C2): durable, transactional
// state for tenants, tasks, the append-only event log, snapshots,
// heartbeat checkpoints, and usage counters, backed by Postgres via pgx.
package store

import (
	"encoding/json"
	"time"
)

// TaskState is one of the task lifecycle's fixed states.
type TaskState string

const (
	Pending   TaskState = "pending"
	Running   TaskState = "running"
	Succeeded TaskState = "succeeded"
	Failed    TaskState = "failed"
	Canceled  TaskState = "canceled"
	TimedOut  TaskState = "timed_out"
)

// IsTerminal reports whether s is one of the four terminal states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Canceled, TimedOut:
		return true
	default:
		return false
	}
}

// CanTransitionTo carries the task state machine's validity table over
// from the original implementation's can_transition_to:
// Pending -> Running -> {Succeeded, Failed, TimedOut}; {Pending, Running} -> Canceled.
func (s TaskState) CanTransitionTo(target TaskState) bool {
	switch s {
	case Pending:
		return target == Running || target == Canceled
	case Running:
		switch target {
		case Succeeded, Failed, TimedOut, Canceled:
			return true
		}
		return false
	default:
		return false
	}
}

// Task mirrors the spec's Task entity exactly.
type Task struct {
	ID              string
	TenantID        string
	CreatedBy       *string
	Name            string
	AdapterName     string
	Args            json.RawMessage
	State           TaskState
	TimeoutSeconds  int
	StartedAt       *time.Time
	EndedAt         *time.Time
	Cursor          int64 // -1 means no events persisted yet
	BytesStreamed   int64
	MinutesUsed     float64
	ErrorMessage    *string
	ExitCode        *int
	WorkerID        *string
	CancelRequested bool
	IntegrityFailed bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventKind is one of the event taxonomy's fixed kinds.
type EventKind string

const (
	KindStarted  EventKind = "started"
	KindProgress EventKind = "progress"
	KindStdout   EventKind = "stdout"
	KindStderr   EventKind = "stderr"
	KindSuccess  EventKind = "success"
	KindError    EventKind = "error"
	KindCanceled EventKind = "canceled"
	KindTimedOut EventKind = "timed_out"
	KindDigest   EventKind = "digest"
)

// IsTerminal reports whether kind is one of the four terminal event
// kinds (exactly one appears per task).
func (k EventKind) IsTerminal() bool {
	switch k {
	case KindSuccess, KindError, KindCanceled, KindTimedOut:
		return true
	default:
		return false
	}
}

// Event is one hash-chained, append-only record in a task's event log.
type Event struct {
	TaskID   string
	Seq      uint64
	Ts       time.Time
	Kind     EventKind
	Payload  json.RawMessage
	HashPrev []byte // 32 bytes, nil iff Seq == 0
	HashCurr []byte // 32 bytes
}

// Snapshot replaces a contiguous prefix of events for retention purposes
// while preserving chain verifiability via HashCurr at UptoSeq.
type Snapshot struct {
	TaskID      string
	UptoSeq     uint64
	Ts          time.Time
	Summary     json.RawMessage
	StdoutBytes int64
	StderrBytes int64
	HashCurr    []byte
}

// UsageCounter is the per-tenant, per-period monotonically increasing
// usage record that quota admission consults and increments.
type UsageCounter struct {
	TenantID     string
	Period       time.Time // truncated to the day
	TaskMinutes  float64
	Streams      int64
	Bytes        int64
	TasksCreated int64
}
