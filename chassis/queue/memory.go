package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// MemoryQueue is an in-process Client used by the all-in-one binary and tests.
type MemoryQueue struct {
	messages chan *RecvMessage
	wait     time.Duration
	seq      int64
}

// NewMemoryQueue ...
func NewMemoryQueue(size int, wait time.Duration) *MemoryQueue {
	return &MemoryQueue{
		messages: make(chan *RecvMessage, size),
		wait:     wait,
	}
}

// SendMessage ...
func (q *MemoryQueue) SendMessage(ctx context.Context, message string) error {
	id := strconv.FormatInt(atomic.AddInt64(&q.seq, 1), 10)
	select {
	case q.messages <- &RecvMessage{ID: id, Body: message, Handler: id}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveMessage ...
func (q *MemoryQueue) ReceiveMessage(ctx context.Context) (*RecvMessage, error) {
	timer := time.NewTimer(q.wait)
	defer timer.Stop()
	select {
	case msg := <-q.messages:
		return msg, nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acknowledge ...
func (q *MemoryQueue) Acknowledge(ctx context.Context, message *RecvMessage) error {
	return nil
}

// Len ...
func (q *MemoryQueue) Len() int {
	return len(q.messages)
}
