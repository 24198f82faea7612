package supervisor

import (
	"sync"

	"github.com/cuemby/symphony/pkg/types"
)

// defaultRingSize is the number of log lines retained per deployment
// (spec §4.7). Older lines are evicted as new ones arrive.
const defaultRingSize = 3000

// subscriberBuffer bounds how far a log stream subscriber can lag before
// it is dropped as a slow consumer.
const subscriberBuffer = 256

// logRing is a fixed-capacity circular buffer of log entries with live
// fan-out to subscribers. One logRing backs one deployment instance.
type logRing struct {
	mu       sync.Mutex
	entries  []types.LogEntry
	start    int
	size     int
	capacity int
	total    int64

	subMu sync.Mutex
	subs  map[chan types.LogEntry]bool
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &logRing{
		entries:  make([]types.LogEntry, capacity),
		capacity: capacity,
		subs:     make(map[chan types.LogEntry]bool),
	}
}

// Append adds an entry to the ring and delivers it to live subscribers.
func (r *logRing) Append(e types.LogEntry) {
	r.mu.Lock()
	idx := (r.start + r.size) % r.capacity
	r.entries[idx] = e
	if r.size < r.capacity {
		r.size++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
	r.total++
	r.mu.Unlock()

	r.broadcast(e)
}

// Tail returns up to n of the most recent entries, oldest first. n<=0
// means "all retained entries".
func (r *logRing) Tail(n int) []types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.size
	if n > 0 && n < count {
		count = n
	}
	out := make([]types.LogEntry, count)
	first := r.size - count
	for i := 0; i < count; i++ {
		out[i] = r.entries[(r.start+first+i)%r.capacity]
	}
	return out
}

// Subscribe returns a channel that receives every entry appended after
// this call, and an unsubscribe func. The channel is dropped (closed and
// removed) rather than allowed to block the ring if the caller falls
// behind — matching the no-unbounded-buffering rule used by pkg/events.
func (r *logRing) Subscribe() (<-chan types.LogEntry, func()) {
	ch := make(chan types.LogEntry, subscriberBuffer)
	r.subMu.Lock()
	r.subs[ch] = true
	r.subMu.Unlock()

	unsub := func() {
		r.subMu.Lock()
		if r.subs[ch] {
			delete(r.subs, ch)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, unsub
}

func (r *logRing) broadcast(e types.LogEntry) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
			delete(r.subs, ch)
			close(ch)
		}
	}
}

// closeAll drops every live subscriber, used when an instance is reaped.
func (r *logRing) closeAll() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
}
