package jobqueue

import (
	"context"
	"sync/atomic"
)

// DispatchQueue is a bounded FIFO of payloads between admission and the worker.
//
// TryPut never blocks. A queue of depth 0 has no room at all and rejects every
// put, even when a reader is waiting.
//
// The channel is never closed; Close only makes TryPut fail, so concurrent
// puts cannot race a close.
type DispatchQueue struct {
	ch     chan Payload
	closed atomic.Bool
}

func NewDispatchQueue(depth int) *DispatchQueue {
	return &DispatchQueue{ch: make(chan Payload, max(depth, 0))}
}

func (q *DispatchQueue) TryPut(p Payload) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if cap(q.ch) == 0 {
		return ErrQueueFull
	}
	select {
	case q.ch <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

type wake int

const (
	wakeItem wake = iota
	wakeFlush
	wakeStop
)

// Get blocks until a payload is available, flush is signalled or ctx is done.
// A pending stop or flush wins over a queued payload.
func (q *DispatchQueue) Get(ctx context.Context, flush <-chan struct{}) (Payload, wake) {
	if ctx.Err() != nil {
		return Payload{}, wakeStop
	}
	select {
	case <-flush:
		return Payload{}, wakeFlush
	default:
	}
	select {
	case <-ctx.Done():
		return Payload{}, wakeStop
	case <-flush:
		return Payload{}, wakeFlush
	case p := <-q.ch:
		return p, wakeItem
	}
}

// Drain removes and returns everything currently queued without blocking.
func (q *DispatchQueue) Drain() []Payload {
	var out []Payload
	for {
		select {
		case p := <-q.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (q *DispatchQueue) Len() int { return len(q.ch) }
func (q *DispatchQueue) Cap() int { return cap(q.ch) }

func (q *DispatchQueue) Close()       { q.closed.Store(true) }
func (q *DispatchQueue) reopen()      { q.closed.Store(false) }
func (q *DispatchQueue) Closed() bool { return q.closed.Load() }
