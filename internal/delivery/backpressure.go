package delivery

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"axontask/internal/store"
)

// subscriberBuffer is the bounded per-subscriber outbound queue that
// decouples reading new events (from the store/stream buffer) from
// writing them to a possibly-slow HTTP client, per spec.md §5's
// backpressure rule: past capacity, drop the oldest queued event rather
// than blocking the producer or unbounding memory. Grounded on
// cklxx-elephant.ai's toolregistry/cache.go use of
// hashicorp/golang-lru/v2 for bounded-size eviction; here keyed by seq
// so eviction always removes the oldest (lowest-seq) queued event, since
// events are pushed in strictly increasing seq order.
type subscriberBuffer struct {
	cache *lru.Cache[uint64, store.Event]
}

func newSubscriberBuffer(capacity int) (*subscriberBuffer, error) {
	c, err := lru.New[uint64, store.Event](capacity)
	if err != nil {
		return nil, err
	}
	return &subscriberBuffer{cache: c}, nil
}

// push enqueues ev, evicting the oldest queued event if the buffer is
// at capacity. Returns true if an older event was dropped.
func (b *subscriberBuffer) push(ev store.Event) (dropped bool) {
	return b.cache.Add(ev.Seq, ev)
}

// drain returns every currently-queued event in ascending seq order and
// empties the buffer. golang-lru/v2's Keys() returns oldest-to-newest by
// insertion/access order, which for a monotonically increasing seq
// stream is already seq-ascending.
func (b *subscriberBuffer) drain() []store.Event {
	keys := b.cache.Keys()
	out := make([]store.Event, 0, len(keys))
	for _, k := range keys {
		if ev, ok := b.cache.Peek(k); ok {
			out = append(out, ev)
		}
	}
	b.cache.Purge()
	return out
}

func (b *subscriberBuffer) len() int {
	return b.cache.Len()
}
