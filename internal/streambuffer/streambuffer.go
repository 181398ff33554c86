// Package streambuffer is the stream buffer (C3): a Redis-backed,
// resumable ordered log of a task's events plus a control channel and
// heartbeat registry, used to deliver live events to subscribers without
// hitting the persistent store on every tail read.
package streambuffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WriterConfig governs XADD retry/backoff, carried over from the
// original implementation's StreamWriterConfig{max_retries,
// base_retry_delay_ms, max_retry_delay_ms}.
type WriterConfig struct {
	MaxRetries      int
	BaseRetryDelay  time.Duration
	MaxRetryDelay   time.Duration
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxRetries:     3,
		BaseRetryDelay: 100 * time.Millisecond,
		MaxRetryDelay:  5 * time.Second,
	}
}

// HeartbeatTTL is the TTL on a task's `hb:{task_id}` key, widened from
// the original's 60s/2-missed-beat convention to the spec's explicit
// figure.
const HeartbeatTTL = 90 * time.Second

// Buffer wraps a redis.Client with the stream/pubsub/heartbeat
// operations C3 exposes.
type Buffer struct {
	rdb    *redis.Client
	wcfg   WriterConfig
}

func New(rdb *redis.Client) *Buffer {
	return &Buffer{rdb: rdb, wcfg: DefaultWriterConfig()}
}

func WithWriterConfig(b *Buffer, cfg WriterConfig) *Buffer {
	b.wcfg = cfg
	return b
}

func eventStreamKey(taskID string) string   { return "events:" + taskID }
func controlChannelKey(taskID string) string { return "ctrl:" + taskID }
func heartbeatKey(taskID string) string     { return "hb:" + taskID }

// StreamEvent is the wire shape written to/read from the Redis stream,
// mirroring store.Event's fields as string-valued XADD field/value pairs
// (Redis Streams only store strings).
type StreamEvent struct {
	TaskID   string
	Seq      uint64
	Ts       time.Time
	Kind     string
	Payload  json.RawMessage
	HashPrev []byte
	HashCurr []byte
}

func (e StreamEvent) fields() map[string]any {
	f := map[string]any{
		"task_id":   e.TaskID,
		"seq":       strconv.FormatUint(e.Seq, 10),
		"ts":        e.Ts.UTC().Format(time.RFC3339Nano),
		"kind":      e.Kind,
		"payload":   string(e.Payload),
		"hash_curr": hexEncode(e.HashCurr),
	}
	if e.HashPrev != nil {
		f["hash_prev"] = hexEncode(e.HashPrev)
	}
	return f
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("streambuffer: odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, fmt.Errorf("streambuffer: invalid hex digit %q", c)
	}
}

func eventFromFields(id string, fields map[string]any) (StreamEvent, error) {
	var ev StreamEvent
	getStr := func(k string) string {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	ev.TaskID = getStr("task_id")
	seq, err := strconv.ParseUint(getStr("seq"), 10, 64)
	if err != nil {
		return ev, fmt.Errorf("streambuffer: bad seq in %s: %w", id, err)
	}
	ev.Seq = seq
	ts, err := time.Parse(time.RFC3339Nano, getStr("ts"))
	if err != nil {
		return ev, fmt.Errorf("streambuffer: bad ts in %s: %w", id, err)
	}
	ev.Ts = ts
	ev.Kind = getStr("kind")
	ev.Payload = json.RawMessage(getStr("payload"))
	if hp := getStr("hash_prev"); hp != "" {
		b, err := hexDecode(hp)
		if err != nil {
			return ev, err
		}
		ev.HashPrev = b
	}
	hc, err := hexDecode(getStr("hash_curr"))
	if err != nil {
		return ev, err
	}
	ev.HashCurr = hc
	return ev, nil
}

// Append publishes ev to the task's stream via XADD, retrying with
// exponential backoff on transient Redis errors, grounded on the
// original StreamWriter's xadd_with_retry.
func (b *Buffer) Append(ctx context.Context, ev StreamEvent) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= b.wcfg.MaxRetries; attempt++ {
		id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: eventStreamKey(ev.TaskID),
			ID:     "*",
			Values: ev.fields(),
		}).Result()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if attempt < b.wcfg.MaxRetries {
			delay := time.Duration(math.Min(
				float64(b.wcfg.BaseRetryDelay)*math.Pow(2, float64(attempt)),
				float64(b.wcfg.MaxRetryDelay),
			))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("streambuffer: append failed after %d attempts: %w", b.wcfg.MaxRetries+1, lastErr)
}

// ReadBackfill returns events strictly after sinceID (use "0" to read
// from the start of the stream), non-blocking.
func (b *Buffer) ReadBackfill(ctx context.Context, taskID, sinceID string, count int64) ([]string, []StreamEvent, error) {
	res, err := b.rdb.XRangeN(ctx, eventStreamKey(taskID), exclusiveStart(sinceID), "+", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	ids := make([]string, 0, len(res))
	events := make([]StreamEvent, 0, len(res))
	for _, msg := range res {
		ev, err := eventFromFields(msg.ID, msg.Values)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, msg.ID)
		events = append(events, ev)
	}
	return ids, events, nil
}

// exclusiveStart turns a "last seen" ID into the XRANGE-compatible
// exclusive lower bound ("(id" form), leaving the special IDs "0"/"-"
// untouched so a fresh subscriber reads from the true start.
func exclusiveStart(id string) string {
	if id == "0" || id == "-" || id == "" {
		return "-"
	}
	return "(" + id
}

// ReadLive blocks up to timeout waiting for events newer than lastID
// (use "$" for lastID to start tailing from the current stream tail),
// grounded on the original StreamReader's read_live / XREAD BLOCK.
func (b *Buffer) ReadLive(ctx context.Context, taskID, lastID string, timeout time.Duration) (string, []StreamEvent, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{eventStreamKey(taskID), lastID},
		Count:   0,
		Block:   timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return lastID, nil, nil
		}
		return lastID, nil, err
	}
	if len(res) == 0 {
		return lastID, nil, nil
	}
	events := make([]StreamEvent, 0, len(res[0].Messages))
	newLastID := lastID
	for _, msg := range res[0].Messages {
		ev, err := eventFromFields(msg.ID, msg.Values)
		if err != nil {
			return newLastID, nil, err
		}
		events = append(events, ev)
		newLastID = msg.ID
	}
	return newLastID, events, nil
}

// Trim removes stream entries older than minID (inclusive floor),
// called after compaction has durably recorded a covering snapshot.
func (b *Buffer) Trim(ctx context.Context, taskID, minID string) error {
	return b.rdb.XTrimMinID(ctx, eventStreamKey(taskID), minID).Err()
}

// PublishControl sends a control-channel message (e.g. "cancel") for
// taskID via Pub/Sub, grounded on the original's control-stream design
// (here implemented as a Pub/Sub channel rather than a second stream,
// since control signals need no replay history — only the currently
// running worker's subscription matters).
func (b *Buffer) PublishControl(ctx context.Context, taskID, command string) error {
	return b.rdb.Publish(ctx, controlChannelKey(taskID), command).Err()
}

// SubscribeControl returns a channel of control commands for taskID;
// callers must close the returned *redis.PubSub when done.
func (b *Buffer) SubscribeControl(ctx context.Context, taskID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, controlChannelKey(taskID))
}

// HeartbeatData is the JSON payload stored at hb:{task_id}.
type HeartbeatData struct {
	WorkerID string    `json:"worker_id"`
	Ts       time.Time `json:"ts"`
}

// SendHeartbeat refreshes the task's heartbeat key with a fresh TTL.
func (b *Buffer) SendHeartbeat(ctx context.Context, taskID, workerID string) error {
	data, err := json.Marshal(HeartbeatData{WorkerID: workerID, Ts: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.rdb.SetEx(ctx, heartbeatKey(taskID), data, HeartbeatTTL).Err()
}

// IsAlive reports whether taskID's heartbeat key is still present.
func (b *Buffer) IsAlive(ctx context.Context, taskID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, heartbeatKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GapInfo describes a detected discontinuity between a subscriber's
// cursor and what the stream still retains, mirroring the original
// implementation's GapInfo.
type GapInfo struct {
	ClientCursor          string
	EarliestAvailableID   string
	LatestAvailableID     string
	EstimatedMissingCount uint64
	Compacted             bool
}

// DetectGap reports a GapInfo if clientCursor no longer exists in the
// task's stream (i.e. it has been trimmed away by compaction), or nil if
// the client is within the retained range.
func (b *Buffer) DetectGap(ctx context.Context, taskID, clientCursor string) (*GapInfo, error) {
	key := eventStreamKey(taskID)
	first, err := b.rdb.XRangeN(ctx, key, "-", "+", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, nil
	}
	last, err := b.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}

	earliestID := first[0].ID
	latestID := ""
	if len(last) > 0 {
		latestID = last[0].ID
	}

	if compareStreamIDs(clientCursor, earliestID) >= 0 {
		return nil, nil
	}

	return &GapInfo{
		ClientCursor:          clientCursor,
		EarliestAvailableID:   earliestID,
		LatestAvailableID:     latestID,
		EstimatedMissingCount: estimateMissing(clientCursor, earliestID),
		Compacted:             true,
	}, nil
}

// compareStreamIDs compares two "<ms>-<seq>" Redis stream IDs,
// returning -1, 0, or 1, handling the special IDs "0" and "-" as the
// minimum possible ID.
func compareStreamIDs(a, b string) int {
	if a == "0" || a == "-" || a == "" {
		if b == "0" || b == "-" || b == "" {
			return 0
		}
		return -1
	}
	if b == "0" || b == "-" || b == "" {
		return 1
	}
	aMs, aSeq := splitStreamID(a)
	bMs, bSeq := splitStreamID(b)
	if aMs != bMs {
		if aMs < bMs {
			return -1
		}
		return 1
	}
	if aSeq != bSeq {
		if aSeq < bSeq {
			return -1
		}
		return 1
	}
	return 0
}

func splitStreamID(id string) (ms, seq uint64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ = strconv.ParseUint(parts[0], 10, 64)
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return
}

// estimateMissing gives a rough count of missing entries based on the
// millisecond gap between the two IDs; exact only when the stream's
// average inter-event spacing is known, which this package does not
// track, so this is a coarse upper bound rather than an exact count.
func estimateMissing(clientCursor, earliestID string) uint64 {
	cMs, _ := splitStreamID(clientCursor)
	eMs, _ := splitStreamID(earliestID)
	if eMs <= cMs {
		return 0
	}
	return eMs - cMs
}
