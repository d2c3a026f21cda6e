// Package feed decouples the websocket reader from the trading pipeline
// with one bounded queue. Unlike a fan-out bus, nothing here may drop: the
// strategy's cross detection needs every update, so a full queue blocks the
// reader (TCP backpressure) rather than discarding.
package feed

import (
	"context"

	"bolltrader/internal/model"
)

// Queue is a bounded kline queue with a single producer and single consumer.
type Queue struct {
	ch chan model.Kline
}

// New creates a queue with the given buffer size.
func New(bufferSize int) *Queue {
	return &Queue{ch: make(chan model.Kline, bufferSize)}
}

// Publish enqueues one kline, blocking while the queue is full. Returns
// false when ctx was cancelled before the kline could be enqueued.
func (q *Queue) Publish(ctx context.Context, k model.Kline) bool {
	select {
	case q.ch <- k:
		return true
	case <-ctx.Done():
		return false
	}
}

// C returns the consumer side of the queue.
func (q *Queue) C() <-chan model.Kline {
	return q.ch
}

// Close signals the consumer that no more klines will arrive. The consumer
// drains whatever is buffered before seeing the close.
func (q *Queue) Close() {
	close(q.ch)
}

// Depth returns the number of buffered klines, for the queue gauge.
func (q *Queue) Depth() int {
	return len(q.ch)
}
