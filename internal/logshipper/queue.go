// Bounded outbound queue of finalized batches, capacity 4: overflow
// drops the oldest not-yet-sent batch and logs a warning.
package logshipper

import (
	"sync"

	"go.uber.org/zap"
)

const queueCapacity = 4

// FinalizedBatch is the wire-ready envelope built when a Batch flushes.
type FinalizedBatch struct {
	Events []Event
}

// outboundQueue holds finalized batches awaiting delivery.
type outboundQueue struct {
	mu      sync.Mutex
	items   []FinalizedBatch
	dropped int64
	logger  *zap.Logger
}

func newOutboundQueue(logger *zap.Logger) *outboundQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &outboundQueue{logger: logger}
}

// Push appends a batch, dropping the oldest queued (not in-flight) batch
// if the queue is already at capacity.
func (q *outboundQueue) Push(b FinalizedBatch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= queueCapacity {
		q.items = q.items[1:]
		q.dropped++
		q.logger.Warn("outbound log queue full, dropping oldest batch", zap.Int64("total_dropped", q.dropped))
	}
	q.items = append(q.items, b)
}

// Pop removes and returns the oldest queued batch, if any.
func (q *outboundQueue) Pop() (FinalizedBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return FinalizedBatch{}, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
