package bridge

import (
	"encoding/json"
	"sync"
)

// Push is one queued notification.
type Push struct {
	Event string
	Data  json.RawMessage
}

// PushQueue buffers pushes in FIFO order while the peer is unreachable.
//
// The queue is bounded: when full, the oldest entry is dropped to make
// room. Dropped counts are reported so the owner can log them. Both the
// agent bridge and the host server use one of these for their outbound
// push side.
type PushQueue struct {
	mu      sync.Mutex
	items   []Push
	limit   int
	dropped uint64
}

// NewPushQueue creates a queue holding at most limit entries.
// A limit of 0 or less means unbounded.
func NewPushQueue(limit int) *PushQueue {
	return &PushQueue{limit: limit}
}

// Append adds a push to the tail. Returns the number of entries dropped
// from the head to stay within the limit (0 or 1).
func (q *PushQueue) Append(p Push) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		dropped = 1
	}
	q.items = append(q.items, p)
	return dropped
}

// PopHead removes and returns the oldest entry.
func (q *PushQueue) PopHead() (Push, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Push{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

// PushHead re-inserts an entry at the head. Used when delivery of an
// in-flight item fails mid-drain so order is preserved for the next
// reconnect.
func (q *PushQueue) PushHead(p Push) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Push{p}, q.items...)
}

// Len returns the number of queued entries.
func (q *PushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of entries discarded due to the
// queue limit.
func (q *PushQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
