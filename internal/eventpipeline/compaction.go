package eventpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"axontask/internal/store"
)

// sweepConcurrency bounds how many tasks CompactTask runs on at once
// during a single sweep, so one sweep with thousands of eligible tasks
// doesn't open thousands of simultaneous store queries.
const sweepConcurrency = 8

// CompactionThreshold is the default retained-event-count threshold
// above which a task becomes eligible for compaction; overridden per
// deployment via config.
const CompactionThreshold = 5000

// Compactor periodically sweeps tasks whose retained event count
// exceeds a threshold, folding retired events into a Snapshot and
// trimming both the store and the stream buffer, per spec.md §4.6's
// Compaction paragraph. Scheduling reuses the teacher's periodic.go
// cron-scheduling approach (github.com/robfig/cron/v3), repurposed from
// "enqueue due periodic application tasks" to "sweep tasks whose
// retained event count exceeds a threshold."
type Compactor struct {
	store     *store.Store
	trimmer   StreamTrimmer
	threshold int
	log       *slog.Logger
	cron      *cron.Cron
}

// StreamTrimmer is the subset of streambuffer.Buffer the compactor
// needs, kept as an interface so this package doesn't hard-depend on
// the Redis-specific ID format beyond what trimming requires.
type StreamTrimmer interface {
	Trim(ctx context.Context, taskID, minID string) error
}

func NewCompactor(st *store.Store, trimmer StreamTrimmer, threshold int, log *slog.Logger) *Compactor {
	if threshold == 0 {
		threshold = CompactionThreshold
	}
	return &Compactor{store: st, trimmer: trimmer, threshold: threshold, log: log, cron: cron.New(cron.WithSeconds())}
}

// Start schedules the sweep on spec, e.g. "0 */5 * * * *" for every 5
// minutes, and blocks until ctx is canceled.
func (c *Compactor) Start(ctx context.Context, spec string) error {
	_, err := c.cron.AddFunc(spec, func() {
		if err := c.SweepOnce(ctx); err != nil {
			c.log.Error("compaction sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("eventpipeline: schedule compaction: %w", err)
	}
	c.cron.Start()
	<-ctx.Done()
	stopCtx := c.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// SweepOnce runs one compaction pass over every task currently above
// the retention threshold.
func (c *Compactor) SweepOnce(ctx context.Context) error {
	ids, err := c.store.TasksAboveEventThreshold(ctx, c.threshold)
	if err != nil {
		return fmt.Errorf("list tasks above threshold: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, taskID := range ids {
		taskID := taskID
		g.Go(func() error {
			if err := c.CompactTask(gctx, taskID); err != nil {
				c.log.Error("compact task failed", slog.String("task_id", taskID), slog.Any("error", err))
			}
			return nil
		})
	}
	return g.Wait()
}

// summary is the retired-events digest folded into a Snapshot, per
// spec.md §4.6: kind counts, last progress, accumulated byte totals.
type summary struct {
	KindCounts    map[string]int `json:"kind_counts"`
	LastProgress  json.RawMessage `json:"last_progress,omitempty"`
	StdoutBytes   int64          `json:"stdout_bytes"`
	StderrBytes   int64          `json:"stderr_bytes"`
}

// CompactTask folds all but the most recent half of taskID's retained
// events into a Snapshot at the midpoint seq, then trims both stores.
// Keeping the newest half live (rather than snapshotting everything but
// the tail event) means a resumer rarely needs the snapshot at all.
func (c *Compactor) CompactTask(ctx context.Context, taskID string) error {
	count, err := c.store.EventCount(ctx, taskID)
	if err != nil {
		return err
	}
	if count < 2 {
		return nil
	}

	events, err := c.store.EventsRange(ctx, taskID, 0, int(count))
	if err != nil {
		return err
	}
	if len(events) < 2 {
		return nil
	}
	uptoIdx := len(events) / 2
	uptoSeq := events[uptoIdx].Seq

	sum := summary{KindCounts: map[string]int{}}
	for _, ev := range events[:uptoIdx+1] {
		sum.KindCounts[string(ev.Kind)]++
		switch ev.Kind {
		case store.KindStdout:
			sum.StdoutBytes += int64(len(ev.Payload))
		case store.KindStderr:
			sum.StderrBytes += int64(len(ev.Payload))
		case store.KindProgress:
			sum.LastProgress = ev.Payload
		}
	}
	summaryJSON, err := json.Marshal(sum)
	if err != nil {
		return err
	}

	snap := store.Snapshot{
		TaskID:      taskID,
		UptoSeq:     uptoSeq,
		Ts:          time.Now().UTC(),
		Summary:     summaryJSON,
		StdoutBytes: sum.StdoutBytes,
		StderrBytes: sum.StderrBytes,
		HashCurr:    events[uptoIdx].HashCurr,
	}
	if err := c.store.AppendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}

	if _, err := c.store.TrimEventsBelow(ctx, taskID, int64(uptoSeq)); err != nil {
		return fmt.Errorf("trim store events: %w", err)
	}

	// The stream buffer indexes by Redis stream ID, not seq; trimming by
	// the event's millisecond timestamp as a MINID floor is an
	// approximation that works because XTRIM MINID only requires a
	// comparable ID, and this package doesn't track the seq->stream-ID
	// mapping. A tighter bound would store that mapping alongside TailHash.
	minID := fmt.Sprintf("%d-0", events[uptoIdx].Ts.UnixMilli())
	if err := c.trimmer.Trim(ctx, taskID, minID); err != nil {
		return fmt.Errorf("trim stream buffer: %w", err)
	}
	return nil
}
