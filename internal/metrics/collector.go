// Package metrics exposes Prometheus gauges/counters for task queue
// depth, running-task counts, and event-pipeline throughput, polled
// periodically against the store. Grounded on the teacher's
// runner/prometheus.go + metrics/collector.go polling-gauge pattern,
// generalized from the teacher's READY/WAITING/RUNNING task_runs states
// to AxonTask's pending/running/terminal task states and adding
// eventpipeline-specific counters (appended events, digests, publish
// failures) the teacher has no equivalent of.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	TasksPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "axontask_tasks_pending",
		Help: "Number of tasks awaiting reservation.",
	})
	TasksRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "axontask_tasks_running",
		Help: "Number of tasks currently running.",
	})
	TasksTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axontask_tasks_terminal_total",
		Help: "Cumulative tasks observed in a terminal state, by state.",
	}, []string{"state"})

	EventsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axontask_events_appended_total",
		Help: "Total events appended to the durable log across all tasks.",
	})
	DigestsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axontask_digests_emitted_total",
		Help: "Total synthetic digest events emitted by the pipeline.",
	})
	StreamPublishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axontask_stream_publish_failures_total",
		Help: "Total best-effort stream-buffer publishes that failed after a durable store write succeeded.",
	})

	QuotaRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axontask_quota_rejections_total",
		Help: "Total task/stream admissions rejected by the quota gate, by limit type.",
	}, []string{"limit_type"})
)

// terminalCounts tracks the last-seen cumulative count per terminal
// state so StartCollector's counter increments reflect only the delta
// observed since the previous poll.
type terminalCounts struct {
	seen map[string]int64
}

func newTerminalCounts() *terminalCounts {
	return &terminalCounts{seen: make(map[string]int64)}
}

func (t *terminalCounts) observe(state string, count int64) {
	prev := t.seen[state]
	if count > prev {
		TasksTerminalTotal.WithLabelValues(state).Add(float64(count - prev))
	}
	t.seen[state] = count
}

func StartCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	terminal := newTerminalCounts()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectTaskMetrics(ctx, pool, terminal); err != nil {
				logWarn(logger, "task metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectTaskMetrics(ctx context.Context, pool *pgxpool.Pool, terminal *terminalCounts) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, `
		SELECT state, COUNT(*)
		FROM tasks
		GROUP BY state
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var pending, running int64
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return err
		}
		switch state {
		case "pending":
			pending = count
		case "running":
			running = count
		case "succeeded", "failed", "canceled", "timed_out":
			terminal.observe(state, count)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	TasksPendingGauge.Set(float64(pending))
	TasksRunningGauge.Set(float64(running))
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
