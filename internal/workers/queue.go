// Package workers implements the three long-running consumers behind the
// notification dispatcher: the sound-feature collector, the data persister
// and the log fan-out. Each worker drains a multi-producer bounded queue;
// closing the queue is the shutdown signal and workers drain fully before
// exiting.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// nowFunc is the wall clock, overridable in tests.
var nowFunc = time.Now

// Item is one dispatched notification, tagged with everything the workers
// need to route it to disk.
type Item struct {
	Location   string
	DeviceType string
	Addr       string
	Service    string
	Char       string
	ReceivedAt time.Time
	Payload    []byte
}

// Queue is a bounded multi-producer single-consumer queue. Telemetry
// producers use TryPut and tolerate drops under back-pressure; control
// producers use Put and block.
type Queue struct {
	ch      chan Item
	once    sync.Once
	dropped atomic.Uint64
}

// NewQueue creates a queue holding up to size items.
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan Item, size)}
}

// Put blocks until the item is queued or ctx is cancelled.
func (q *Queue) Put(ctx context.Context, item Item) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut queues the item if there is room and reports whether it was
// accepted. Rejected items are counted.
func (q *Queue) TryPut(item Item) bool {
	select {
	case q.ch <- item:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Close signals shutdown. Consumers drain remaining items and exit.
// Close is idempotent; producers must not send after Close.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
}

// Items exposes the consumer side of the queue.
func (q *Queue) Items() <-chan Item {
	return q.ch
}

// Dropped returns the number of items rejected by TryPut.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}
