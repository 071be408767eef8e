package utils

import (
	"sync"
	"sync/atomic"
)

// BackpressureMetrics tracks channel overflow statistics
type BackpressureMetrics struct {
	channelOverflows int64
	droppedMessages  int64
}

// IncOverflows increments the overflow counter
func (bm *BackpressureMetrics) IncOverflows() {
	atomic.AddInt64(&bm.channelOverflows, 1)
}

// IncDropped increments the dropped messages counter
func (bm *BackpressureMetrics) IncDropped() {
	atomic.AddInt64(&bm.droppedMessages, 1)
}

// GetStats returns current metrics
func (bm *BackpressureMetrics) GetStats() (overflows, dropped int64) {
	return atomic.LoadInt64(&bm.channelOverflows), atomic.LoadInt64(&bm.droppedMessages)
}

// TrySend attempts to send without blocking, returns success status
func TrySend[T any](ch chan<- T, data T, metrics *BackpressureMetrics) bool {
	select {
	case ch <- data:
		return true
	default:
		if metrics != nil {
			metrics.IncOverflows()
			metrics.IncDropped()
		}
		return false
	}
}

// DropOldestQueue is a bounded FIFO whose producers never block: when the
// queue is full the oldest queued item is discarded to make room. Any number
// of producers may Push; exactly one consumer reads from C.
type DropOldestQueue[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics BackpressureMetrics
}

// NewDropOldestQueue creates a queue holding at most capacity items.
func NewDropOldestQueue[T any](capacity int) *DropOldestQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropOldestQueue[T]{ch: make(chan T, capacity)}
}

// Push enqueues item. It reports false when an older item had to be dropped
// or the queue is closed.
func (q *DropOldestQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.ch <- item:
		return true
	default:
	}

	q.metrics.IncOverflows()
	select {
	case <-q.ch:
		q.metrics.IncDropped()
	default:
		// Consumer drained concurrently; room is available now.
	}

	select {
	case q.ch <- item:
	default:
		q.metrics.IncDropped()
	}
	return false
}

// C is the receive side for the single consumer.
func (q *DropOldestQueue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *DropOldestQueue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *DropOldestQueue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped returns how many items were discarded for lack of room.
func (q *DropOldestQueue[T]) Dropped() int64 {
	_, dropped := q.metrics.GetStats()
	return dropped
}

// Close closes the receive channel. Items still queued remain readable.
func (q *DropOldestQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// GetChannelUtilization returns channel utilization as percentage (0-100)
func GetChannelUtilization(used, capacity int) float64 {
	if capacity <= 0 {
		return 0.0
	}
	return float64(used) / float64(capacity) * 100.0
}
