package audio

import (
	"context"
	"sync"
)

// Queue is the bounded per-session FIFO that decouples the inbound audio
// producer from the outbound streaming sender. Audio is real time: when
// the queue is full the push is rejected instead of blocking or growing,
// because stale chunks lose value fast. The producer learns about the
// rejection through the boolean return and decides whether to drop or
// log.
type Queue struct {
	ch chan []byte

	mu     sync.RWMutex
	closed bool

	accepted uint64
	rejected uint64
}

// NewQueue creates a queue holding at most capacity chunks.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan []byte, capacity)}
}

// Push enqueues a chunk without blocking. It returns false when the queue
// is full or already closed.
func (q *Queue) Push(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.ch <- chunk:
		q.accepted++
		return true
	default:
		q.rejected++
		return false
	}
}

// Pop dequeues the next chunk, blocking until one is available, the
// context is cancelled, or the queue is closed and drained. The second
// return value is false once no more chunks will arrive.
func (q *Queue) Pop(ctx context.Context) ([]byte, bool) {
	select {
	case chunk, ok := <-q.ch:
		return chunk, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close stops the queue from accepting new chunks. Chunks already queued
// remain poppable until drained. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Stats reports queue counters for monitoring.
type Stats struct {
	Accepted uint64 `json:"chunks_accepted"`
	Rejected uint64 `json:"chunks_rejected"`
	Queued   int    `json:"chunks_queued"`
	Capacity int    `json:"capacity"`
}

// GetStats returns a snapshot of queue statistics.
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return Stats{
		Accepted: q.accepted,
		Rejected: q.rejected,
		Queued:   len(q.ch),
		Capacity: cap(q.ch),
	}
}
