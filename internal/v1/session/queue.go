package session

import (
	"sync"

	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
)

// queuedMessage is one item waiting to be flushed to the socket.
type queuedMessage struct {
	msgType   protocol.MessageType
	data      []byte
	droppable bool
}

// outboundQueue is the bounded per-session send queue from spec.md
// §4.7: on overflow, droppable (volatile/low/normal) messages are
// evicted head-first to make room for the new message; if the queue is
// still full with only undroppable (critical) messages pending, Enqueue
// reports failure and the caller closes the session with SlowConsumer.
type outboundQueue struct {
	mu       sync.Mutex
	items    []queuedMessage
	capacity int
	notify   chan struct{}
	closed   bool
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

// Enqueue appends a message, evicting the oldest droppable entry first
// if the queue is at capacity. Returns false if the queue remains full
// after eviction, i.e. every pending entry is undroppable.
func (q *outboundQueue) Enqueue(msgType protocol.MessageType, data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if len(q.items) >= q.capacity {
		evicted := false
		for i, it := range q.items {
			if it.droppable {
				q.items = append(q.items[:i:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return false
		}
	}
	q.items = append(q.items, queuedMessage{msgType: msgType, data: data, droppable: msgType.Droppable()})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every currently queued message.
func (q *outboundQueue) Drain() []queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Close marks the queue closed; further Enqueue calls are no-ops that
// report success so callers don't spuriously trip the SlowConsumer path
// during an already-in-progress shutdown.
func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *outboundQueue) Notify() <-chan struct{} { return q.notify }
