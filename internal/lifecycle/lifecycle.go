// Package lifecycle is the worker's task lifecycle (C5): the
// reservation poll loop, heartbeat protocol, watchdog reclamation,
// cooperative cancellation, and timeout enforcement. Grounded on the
// teacher's internal/runner/runner.go (Start's ticker-driven poll loop,
// runReaper's watchdog goroutine, executeTask's per-task goroutine +
// heartbeat pairing, graceful-shutdown WaitGroup), generalized from the
// teacher's lease/claim model to reserve/heartbeat/cancel against
// internal/store, and from Execute-returns-Result to draining an
// internal/adapter event channel through internal/eventpipeline.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"axontask/internal/adapter"
	"axontask/internal/eventpipeline"
	"axontask/internal/metrics"
	"axontask/internal/store"
	"axontask/internal/streambuffer"
)

// HeartbeatInterval is the default H from spec.md §4.5: while Running,
// the worker refreshes the stream buffer's short-TTL heartbeat every H
// and persists the store checkpoint on the same tick; the store write
// is not made at a lower rate than the stream buffer's.
const HeartbeatInterval = 30 * time.Second

// WatchdogStaleFactor times HeartbeatInterval is how old a Running
// task's heartbeat must be before the watchdog reclaims it, per
// spec.md §4.5 "older than 3·H".
const WatchdogStaleFactor = 3

// PollInterval is the default reservation poll cadence, matching the
// teacher's ticker-driven Start loop.
const PollInterval = 500 * time.Millisecond

// planPriority orders reservation by plan tier, matching
// store.ReserveOne's own CASE ordering. ReserveOne does not read the
// map: the tier order is fixed in its query.
func planPriority() map[string]int {
	return map[string]int{"enterprise": 0, "pro": 1, "entry": 2, "trial": 3}
}

// Worker runs the reservation loop against one Store, dispatching each
// reserved task to an Adapter resolved from Registry and driving its
// events through a Pipeline.
type Worker struct {
	ID       string
	store    *store.Store
	buf      *streambuffer.Buffer
	pipeline *eventpipeline.Pipeline
	registry *adapter.Registry
	log      *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	wg sync.WaitGroup
}

func New(id string, st *store.Store, buf *streambuffer.Buffer, pipeline *eventpipeline.Pipeline, registry *adapter.Registry, log *slog.Logger) *Worker {
	return &Worker{
		ID:                id,
		store:             st,
		buf:               buf,
		pipeline:          pipeline,
		registry:          registry,
		log:               log,
		pollInterval:      PollInterval,
		heartbeatInterval: HeartbeatInterval,
	}
}

// Run polls for reservable tasks until ctx is canceled, then waits for
// in-flight tasks to finish before returning, matching the teacher's
// Start's graceful-shutdown WaitGroup.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", slog.String("worker_id", w.ID))

	go w.runWatchdog(ctx)

	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(w.pollInterval + jitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down, waiting for in-flight tasks")
			w.wg.Wait()
			return nil
		case <-ticker.C:
			for {
				if ctx.Err() != nil {
					break
				}
				task, err := w.store.ReserveOne(ctx, w.ID, planPriority())
				if err != nil {
					if !errors.Is(err, store.ErrNoPendingTasks) {
						w.log.Error("reservation failed", slog.Any("error", err))
					}
					break
				}
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					w.executeTask(ctx, task)
				}()
			}
		}
	}
}

// runWatchdog periodically reclaims Running tasks whose heartbeat has
// gone stale, per spec.md §4.5's watchdog sweep, grounded on the
// teacher's runReaper.
func (w *Worker) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			staleFor := w.heartbeatInterval * WatchdogStaleFactor
			ids, err := w.store.ReclaimExpired(ctx, staleFor)
			if err != nil {
				w.log.Error("watchdog reclaim failed", slog.Any("error", err))
				continue
			}
			if len(ids) > 0 {
				w.log.Info("watchdog reclaimed stale tasks", slog.Int("count", len(ids)))
			}
		}
	}
}

// executeTask runs one reserved task end to end: resolves the adapter,
// starts a heartbeat/cancellation watcher, drains adapter events through
// the pipeline, and transitions the task's terminal state, grounded on
// the teacher's executeTask + runHeartbeat pairing.
func (w *Worker) executeTask(ctx context.Context, task *store.Task) {
	log := w.log.With(slog.String("task_id", task.ID), slog.String("tenant_id", task.TenantID))

	a, err := w.registry.Lookup(task.AdapterName)
	if err != nil {
		w.failStartup(ctx, task, err)
		return
	}

	deadline := time.Now().Add(time.Duration(task.TimeoutSeconds) * time.Second)
	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Cursor >= 0 means events already exist for this task, i.e. it was
	// reclaimed from a prior worker rather than freshly reserved; the
	// next event emitted must announce the interruption per spec.md §4.5.
	if task.Cursor >= 0 {
		w.emitReclaimed(taskCtx, task.ID)
	}

	watchCtx, watchCancel := context.WithCancel(taskCtx)
	defer watchCancel()
	go w.watchCancellation(watchCtx, task.ID, w.ID, cancel)

	events, err := a.Start(taskCtx, task.Args)
	if err != nil {
		w.failStartup(taskCtx, task, err)
		return
	}

	var terminal store.EventKind
	var exitCode *int
	var errMessage string

	for ev := range events {
		kind := store.EventKind(ev.Kind)
		if _, err := w.pipeline.Append(ctx, eventpipeline.AppendInput{TaskID: task.ID, Kind: kind, Payload: ev.Payload}); err != nil {
			log.Error("failed to append event", slog.Any("error", err))
			if errors.Is(err, store.ErrChainBroken) || errors.Is(err, store.ErrTaskIntegrityFailed) {
				w.failIntegrity(ctx, task, err)
				return
			}
			continue
		}
		if ev.Kind.IsTerminal() {
			terminal = kind
			exitCode, errMessage = extractOutcome(ev.Payload)
		}
	}

	w.finishTask(ctx, task, terminal, exitCode, errMessage)
}

// watchCancellation polls the persisted cancel_requested flag on every
// heartbeat tick and also listens on the control channel for a
// same-instant cancel, invoking cancelFn (which tears down the task's
// context) on either signal. This dual mechanism matches spec.md §4.5's
// "publishes on the task's control channel and marks an intent flag."
func (w *Worker) watchCancellation(ctx context.Context, taskID, workerID string, cancelFn context.CancelFunc) {
	sub := w.buf.SubscribeControl(ctx, taskID)
	defer sub.Close()
	controlCh := sub.Channel()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-controlCh:
			if !ok {
				return
			}
			if msg.Payload == "cancel" {
				cancelFn()
				return
			}
		case <-ticker.C:
			canceled, err := w.store.RefreshHeartbeat(ctx, taskID, workerID)
			if err != nil {
				w.log.Warn("heartbeat refresh failed", slog.String("task_id", taskID), slog.Any("error", err))
				continue
			}
			if err := w.buf.SendHeartbeat(ctx, taskID, workerID); err != nil {
				w.log.Warn("stream heartbeat send failed", slog.String("task_id", taskID), slog.Any("error", err))
			}
			if canceled {
				cancelFn()
				return
			}
		}
	}
}

func (w *Worker) emitReclaimed(ctx context.Context, taskID string) {
	payload, _ := json.Marshal(map[string]any{"reclaimed": true})
	if _, err := w.pipeline.Append(ctx, eventpipeline.AppendInput{TaskID: taskID, Kind: store.KindProgress, Payload: payload}); err != nil {
		w.log.Error("failed to emit reclaimed progress event", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func (w *Worker) failStartup(ctx context.Context, task *store.Task, cause error) {
	msg := cause.Error()
	payload, _ := json.Marshal(map[string]any{"message": msg})
	if _, err := w.pipeline.Append(ctx, eventpipeline.AppendInput{TaskID: task.ID, Kind: store.KindError, Payload: payload}); err != nil {
		w.log.Error("failed to append startup-failure event", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	w.finishTask(ctx, task, store.KindError, nil, msg)
}

// finishTask transitions the task to its terminal store state and
// releases the worker's held quota slot (the caller of CreateTask
// admitted the concurrent-task slot; here it's simply freed by the
// state leaving Running).
func (w *Worker) finishTask(ctx context.Context, task *store.Task, terminal store.EventKind, exitCode *int, errMessage string) {
	to := terminalState(terminal)
	fields := store.TransitionFields{ExitCode: exitCode}
	if errMessage != "" {
		fields.ErrorMessage = &errMessage
	}

	if err := w.store.Transition(ctx, task.TenantID, task.ID, store.Running, to, fields); err != nil {
		w.log.Error("failed to transition task to terminal state",
			slog.String("task_id", task.ID), slog.String("target_state", string(to)), slog.Any("error", err))
	}
	metrics.TasksTerminalTotal.WithLabelValues(string(to)).Inc()

	if err := w.buf.PublishControl(ctx, task.ID, "terminal"); err != nil {
		w.log.Warn("failed to publish terminal control message", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

// failIntegrity marks the task Failed with the integrity flag set and
// stops draining further events, per spec §7: once the chain breaks,
// no further events are accepted for that task. Unlike finishTask, this
// bypasses Transition's Running-only guard since MarkIntegrityFailed
// must also cover a task whose state a concurrent writer already moved.
func (w *Worker) failIntegrity(ctx context.Context, task *store.Task, cause error) {
	if err := w.store.MarkIntegrityFailed(ctx, task.ID, cause.Error()); err != nil {
		w.log.Error("failed to mark task integrity failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	metrics.TasksTerminalTotal.WithLabelValues(string(store.Failed)).Inc()
	if err := w.buf.PublishControl(ctx, task.ID, "terminal"); err != nil {
		w.log.Warn("failed to publish terminal control message", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

func terminalState(kind store.EventKind) store.TaskState {
	switch kind {
	case store.KindSuccess:
		return store.Succeeded
	case store.KindCanceled:
		return store.Canceled
	case store.KindTimedOut:
		return store.TimedOut
	default:
		return store.Failed
	}
}

// extractOutcome pulls exit_code/message out of a terminal event's
// payload, tolerating either field's absence.
func extractOutcome(payload json.RawMessage) (exitCode *int, message string) {
	var fields struct {
		ExitCode *int   `json:"exit_code"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, ""
	}
	return fields.ExitCode, fields.Message
}
