package transport

import (
	"sync"

	"github.com/vango-go/voicechat/pkg/core/protocol"
)

// SendQueue is the bounded outbound buffer used while the channel is down or
// throttled. Overflow evicts the oldest entry so memory stays bounded no
// matter how long the channel is gone. FIFO order is preserved for
// application messages; repeated pings coalesce to a single queued probe.
type SendQueue struct {
	mu       sync.Mutex
	items    []protocol.ClientMessage
	capacity int
	dropped  int
}

// NewSendQueue creates a queue bounded to capacity entries.
func NewSendQueue(capacity int) *SendQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &SendQueue{
		items:    make([]protocol.ClientMessage, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a message, evicting the oldest entry on overflow. It returns
// false when the message was coalesced or evicted rather than stored as-is.
func (q *SendQueue) Push(msg protocol.ClientMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.MessageType() == protocol.TypePing {
		for _, queued := range q.items {
			if queued.MessageType() == protocol.TypePing {
				return false
			}
		}
	}

	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
	}
	q.items = append(q.items, msg)
	return true
}

// PushFront reinserts messages at the head, preserving their relative order.
// Used to requeue an in-flight batch after a write failure.
func (q *SendQueue) PushFront(msgs ...protocol.ClientMessage) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(append([]protocol.ClientMessage(nil), msgs...), q.items...)
	if len(q.items) > q.capacity {
		q.dropped += len(q.items) - q.capacity
		q.items = q.items[:q.capacity]
	}
}

// PopBatch removes and returns up to n messages, oldest first.
func (q *SendQueue) PopBatch(n int) []protocol.ClientMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]protocol.ClientMessage, n)
	copy(batch, q.items[:n])
	remaining := copy(q.items, q.items[n:])
	q.items = q.items[:remaining]
	return batch
}

// Len returns the number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages have been evicted so far.
func (q *SendQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear empties the queue.
func (q *SendQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}
