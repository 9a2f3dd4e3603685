package hub

import (
	"context"
	"sync"
)

// Ordered broadcasts values of T to subscribers that each own an unbounded
// FIFO. Publish never blocks and never drops; every subscriber sees values in
// publish order. Use it for control signals, Hub for high-rate data.
type Ordered[T any] struct {
	mu     sync.Mutex
	subs   map[<-chan T]*queue[T]
	closed bool
}

// queue is one subscriber's backlog and the goroutine feeding its channel
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	out    chan T
	quit   chan struct{}
}

// NewOrdered creates an ordered hub
func NewOrdered[T any]() *Ordered[T] {
	return &Ordered[T]{subs: make(map[<-chan T]*queue[T])}
}

// Run closes every subscriber channel once ctx is done
func (h *Ordered[T]) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch, q := range h.subs {
		close(q.quit)
		delete(h.subs, ch)
	}
}

// Subscribe returns a closed channel once the hub stopped
func (h *Ordered[T]) Subscribe() <-chan T {
	q := &queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		quit:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(q.out)
		return q.out
	}
	h.subs[q.out] = q
	go q.pump()
	return q.out
}

// Unsubscribe discards the backlog of ch and closes it
func (h *Ordered[T]) Unsubscribe(ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(q.quit)
	}
}

// Publish appends msg to every subscriber's backlog
func (h *Ordered[T]) Publish(msg T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.subs {
		q.push(msg)
	}
}

// Backlog returns the number of values waiting across all subscribers
func (h *Ordered[T]) Backlog() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for _, q := range h.subs {
		q.mu.Lock()
		n += len(q.items)
		q.mu.Unlock()
	}
	return n
}

func (q *queue[T]) push(msg T) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	msg := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return msg, true
}

func (q *queue[T]) pump() {
	defer close(q.out)
	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.quit:
				return
			}
		}
		select {
		case q.out <- msg:
		case <-q.quit:
			return
		}
	}
}
