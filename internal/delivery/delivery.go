// Package delivery is resumable delivery (C8): the SSE handler
// implementing StreamTask/ResumeStream's backfill-then-live-tail
// algorithm from spec.md §4.8. Grounded on the teacher's
// internal/web/server.go handleEvents (subscribe, replay buffered
// snapshot, loop on channel + keepalive ticker until
// r.Context().Done()), generalized from the teacher's in-memory
// events.Broker to backfilling from internal/streambuffer first and
// internal/store below the buffer's retained floor (with a
// snapshot-digest gap report when the requested floor was compacted
// away), and internal/streambuffer for the live tail.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"axontask/internal/identity"
	"axontask/internal/quota"
	"axontask/internal/store"
	"axontask/internal/streambuffer"
)

// KeepaliveInterval is the default cadence of SSE keepalive comments
// during the live phase, per spec.md §6's ~25s heuristic.
const KeepaliveInterval = 25 * time.Second

// DefaultPerSubscriberBuffer bounds the outbound queue between the
// live-tail reader and the HTTP writer, per spec.md §5.
const DefaultPerSubscriberBuffer = 64

// BackfillBatchSize is how many events Handler fetches from the store
// per EventsRange call while catching a subscriber up.
const BackfillBatchSize = 256

// TaskLookup is the subset of internal/store's surface the handler
// needs to authorize and read a task, kept as an interface so this
// package can be tested against a fake without a live Postgres.
type TaskLookup interface {
	GetTask(ctx context.Context, tenantID, taskID string) (*store.Task, error)
	EventsRange(ctx context.Context, taskID string, fromSeq int64, limit int) ([]store.Event, error)
	LatestSnapshot(ctx context.Context, taskID string) (*store.Snapshot, error)
}

// StreamTail is the subset of internal/streambuffer's surface the
// handler needs for the live phase and for the fast-path portion of
// backfill.
type StreamTail interface {
	ReadLive(ctx context.Context, taskID, lastID string, timeout time.Duration) (string, []streambuffer.StreamEvent, error)
	ReadBackfill(ctx context.Context, taskID, sinceID string, count int64) ([]string, []streambuffer.StreamEvent, error)
	DetectGap(ctx context.Context, taskID, clientCursor string) (*streambuffer.GapInfo, error)
	IsAlive(ctx context.Context, taskID string) (bool, error)
}

// QuotaGate is the subset of internal/quota's surface used to admit and
// release a streaming connection.
type QuotaGate interface {
	AdmitStream(ctx context.Context, tenantID string, plan quota.Plan) (release func(context.Context) error, err error)
}

// Handler serves StreamTask/ResumeStream over SSE.
type Handler struct {
	tasks   TaskLookup
	tail    StreamTail
	gate    QuotaGate
	secret  string
	lookup  identity.APIKeyLookup
	planFor func(ctx context.Context, tenantID string) (quota.Plan, error)

	keepalive           time.Duration
	perSubscriberBuffer int
	log                 *slog.Logger
}

func New(tasks TaskLookup, tail StreamTail, gate QuotaGate, secret string, lookup identity.APIKeyLookup,
	planFor func(ctx context.Context, tenantID string) (quota.Plan, error), log *slog.Logger) *Handler {
	return &Handler{
		tasks: tasks, tail: tail, gate: gate, secret: secret, lookup: lookup, planFor: planFor,
		keepalive: KeepaliveInterval, perSubscriberBuffer: DefaultPerSubscriberBuffer, log: log,
	}
}

// taskEventWire is the SSE wire form of one event, per spec.md §6:
// {seq, ts, kind, payload}, extended with hash_prev/hash_curr so
// consumers can verify the chain independently.
type taskEventWire struct {
	Seq      uint64          `json:"seq"`
	Ts       time.Time       `json:"ts"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	HashPrev string          `json:"hash_prev,omitempty"`
	HashCurr string          `json:"hash_curr"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := h.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	taskID := taskIDFromPath(r.URL.Path)
	if taskID == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}

	task, err := h.tasks.GetTask(r.Context(), ident.TenantID, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sinceSeq, err := parseSinceSeq(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	plan, err := h.planFor(r.Context(), ident.TenantID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	release, err := h.gate.AdmitStream(r.Context(), ident.TenantID, plan)
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer release(context.Background())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.stream(r.Context(), w, flusher, task.ID, sinceSeq)
}

// stream runs the backfill-then-live-tail algorithm for one connected
// subscriber.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, taskID string, sinceSeq int64) {
	cursor := sinceSeq
	if !h.backfill(ctx, w, flusher, taskID, &cursor) {
		return
	}
	h.liveTail(ctx, w, flusher, taskID, cursor)
}

// StreamBackfillPage is how many streambuffer entries Handler fetches
// per ReadBackfill call while catching a subscriber up from the fast
// path.
const StreamBackfillPage = 256

// backfill drains everything needed to catch a subscriber up to "now",
// first checking whether the requested floor has itself been compacted
// away (in which case it synthesizes the Digest + Progress{gap} pair
// spec.md §4.8/S6 requires before resuming from the snapshot's
// upto_seq), then preferring the stream buffer over the store per
// spec.md §4.8 step 3 ("stream buffer first, fall back to store below
// retained floor"). Returns false if the connection died mid-backfill.
func (h *Handler) backfill(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, taskID string, cursor *int64) bool {
	snap, err := h.tasks.LatestSnapshot(ctx, taskID)
	if err != nil {
		h.log.Warn("latest snapshot lookup failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	if snap != nil && *cursor < int64(snap.UptoSeq) {
		lost := int64(snap.UptoSeq) - *cursor
		if !h.writeDigestAndGap(w, flusher, snap, lost) {
			return false
		}
		*cursor = int64(snap.UptoSeq)
	}

	caughtUp, ok := h.backfillFromStreamBuffer(ctx, w, flusher, taskID, cursor)
	if !ok {
		return false
	}
	if caughtUp {
		return true
	}
	return h.backfillFromStore(ctx, w, flusher, taskID, cursor)
}

// backfillFromStreamBuffer reads whatever the stream buffer still
// retains, falling back to the store first for any span below the
// buffer's retained floor (detected via DetectGap) before replaying the
// buffer's own events. Reports caughtUp=true when the subscriber has
// been brought all the way to the stream buffer's tail, so the caller
// can skip the slower store-range loop entirely; ok=false means the
// connection died and the caller should stop.
func (h *Handler) backfillFromStreamBuffer(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, taskID string, cursor *int64) (caughtUp, ok bool) {
	gap, err := h.tail.DetectGap(ctx, taskID, "0")
	if err != nil {
		h.log.Warn("stream gap detection failed", slog.String("task_id", taskID), slog.Any("error", err))
		return false, true
	}

	sinceID := "0"
	firstPage := true
	for {
		ids, events, err := h.tail.ReadBackfill(ctx, taskID, sinceID, StreamBackfillPage)
		if err != nil {
			h.log.Warn("stream backfill read failed", slog.String("task_id", taskID), slog.Any("error", err))
			return false, true
		}
		if len(events) == 0 {
			// Nothing retained in the stream buffer at all; the store
			// loop covers the whole range.
			return !firstPage, true
		}

		if firstPage && gap != nil && gap.Compacted {
			earliestSeq := int64(events[0].Seq)
			if earliestSeq > *cursor+1 {
				missing, err := h.tasks.EventsRange(ctx, taskID, *cursor+1, int(earliestSeq-*cursor-1))
				if err != nil {
					h.log.Error("gap backfill range failed", slog.String("task_id", taskID), slog.Any("error", err))
					return false, false
				}
				for _, ev := range missing {
					if !writeEvent(w, ev) {
						return false, false
					}
					*cursor = int64(ev.Seq)
				}
			}
		}
		firstPage = false

		for _, se := range events {
			if int64(se.Seq) <= *cursor {
				continue
			}
			ev := store.Event{
				TaskID: taskID, Seq: se.Seq, Ts: se.Ts, Kind: store.EventKind(se.Kind),
				Payload: se.Payload, HashPrev: se.HashPrev, HashCurr: se.HashCurr,
			}
			if !writeEvent(w, ev) {
				return false, false
			}
			*cursor = int64(se.Seq)
		}
		flusher.Flush()

		sinceID = ids[len(ids)-1]
		if int64(len(events)) < StreamBackfillPage {
			return true, true
		}
	}
}

// backfillFromStore is the store-only catch-up loop, reached once the
// stream buffer's contribution is exhausted or unavailable.
func (h *Handler) backfillFromStore(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, taskID string, cursor *int64) bool {
	for {
		events, err := h.tasks.EventsRange(ctx, taskID, *cursor+1, BackfillBatchSize)
		if err != nil {
			h.log.Error("backfill range failed", slog.String("task_id", taskID), slog.Any("error", err))
			return false
		}
		if len(events) == 0 {
			return true
		}
		for _, ev := range events {
			if !writeEvent(w, ev) {
				return false
			}
			*cursor = int64(ev.Seq)
		}
		flusher.Flush()
		if len(events) < BackfillBatchSize {
			return true
		}
	}
}

func (h *Handler) writeDigestAndGap(w http.ResponseWriter, flusher http.Flusher, snap *store.Snapshot, lost int64) bool {
	digestPayload, _ := json.Marshal(map[string]any{
		"snapshot_summary": snap.Summary,
		"hash":             hexEncode(snap.HashCurr),
	})
	digest := store.Event{Seq: snap.UptoSeq, Ts: snap.Ts, Kind: store.KindDigest, Payload: digestPayload, HashCurr: snap.HashCurr}
	if !writeEvent(w, digest) {
		return false
	}

	gapPayload, _ := json.Marshal(map[string]any{
		"gap": map[string]any{"lost_count": lost, "summarized": true},
	})
	gap := store.Event{Seq: snap.UptoSeq, Ts: snap.Ts, Kind: store.KindProgress, Payload: gapPayload, HashCurr: snap.HashCurr}
	if !writeEvent(w, gap) {
		return false
	}
	flusher.Flush()
	return true
}

// liveTail decouples reading new events from the stream buffer (the
// producer) from writing them to the client (the consumer) via a
// bounded subscriberBuffer, so a slow client can't stall the Redis
// reader; past capacity the oldest queued event is dropped rather than
// blocking, per spec.md §5.
func (h *Handler) liveTail(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, taskID string, cursor int64) {
	buf, err := newSubscriberBuffer(h.perSubscriberBuffer)
	if err != nil {
		h.log.Error("failed to allocate subscriber buffer", slog.Any("error", err))
		return
	}

	updates := make(chan struct{}, 1)
	go h.pumpLive(ctx, taskID, cursor, buf, updates)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			for _, ev := range buf.drain() {
				if !writeEvent(w, ev) {
					return
				}
				if ev.Kind.IsTerminal() {
					flusher.Flush()
					return
				}
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// pumpLive polls the stream buffer's live tail and enqueues each event
// converted to a store.Event, signaling updates for the writer loop to
// drain. It stops once ctx is done.
func (h *Handler) pumpLive(ctx context.Context, taskID string, cursor int64, buf *subscriberBuffer, updates chan<- struct{}) {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		_, events, err := h.tail.ReadLive(ctx, taskID, lastID, h.keepalive)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Warn("live tail read failed", slog.String("task_id", taskID), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if len(events) == 0 {
			continue
		}
		for _, se := range events {
			if se.Seq <= uint64(cursor) {
				continue
			}
			buf.push(store.Event{
				TaskID: se.TaskID, Seq: se.Seq, Ts: se.Ts, Kind: store.EventKind(se.Kind),
				Payload: se.Payload, HashPrev: se.HashPrev, HashCurr: se.HashCurr,
			})
			cursor = int64(se.Seq)
		}
		select {
		case updates <- struct{}{}:
		default:
		}
	}
}

func writeEvent(w http.ResponseWriter, ev store.Event) bool {
	wire := taskEventWire{Seq: ev.Seq, Ts: ev.Ts, Kind: string(ev.Kind), Payload: ev.Payload, HashCurr: hexEncode(ev.HashCurr)}
	if ev.HashPrev != nil {
		wire.HashPrev = hexEncode(ev.HashPrev)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err == nil
}

func (h *Handler) authorize(r *http.Request) (identity.Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		return identity.VerifyBearerToken(token, h.secret)
	}
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return identity.VerifyAPIKey(apiKey, h.lookup)
	}
	return identity.Identity{}, fmt.Errorf("delivery: missing credentials")
}

func parseSinceSeq(r *http.Request) (int64, error) {
	q := r.URL.Query().Get("since_seq")
	if q == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("delivery: invalid since_seq: %w", err)
	}
	return n, nil
}

// taskIDFromPath extracts {id} from "/v1/tasks/{id}/stream".
func taskIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "tasks" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
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
