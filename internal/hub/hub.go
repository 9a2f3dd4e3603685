// Package hub fans messages out to subscribers without letting a slow
// subscriber stall the publisher.
package hub

import (
	"context"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
)

// Hub broadcasts values of T. Run must be running for Subscribe to return.
type Hub[T any] struct {
	broadcast  chan T
	register   chan chan T
	unregister chan (<-chan T)
	clients    map[chan T]struct{}
	clientBuf  int
	done       chan struct{}
	metrics    *metrics.Metrics
}

type Option func(*config)

type config struct {
	broadcastBuf int
	clientBuf    int
	metrics      *metrics.Metrics
}

func WithBroadcastBuffer(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.broadcastBuf = size
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.clientBuf = size
		}
	}
}

// WithMetrics counts dropped messages
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

func New[T any](opts ...Option) *Hub[T] {
	cfg := config{broadcastBuf: 256, clientBuf: 100}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hub[T]{
		broadcast:  make(chan T, cfg.broadcastBuf),
		register:   make(chan chan T),
		unregister: make(chan (<-chan T)),
		clients:    make(map[chan T]struct{}),
		clientBuf:  cfg.clientBuf,
		done:       make(chan struct{}),
		metrics:    cfg.metrics,
	}
}

// Run delivers until ctx is done, then closes every subscriber channel
func (h *Hub[T]) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case sub := <-h.unregister:
			for ch := range h.clients {
				if (<-chan T)(ch) == sub {
					delete(h.clients, ch)
					close(ch)
					break
				}
			}
		case msg := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- msg:
				default:
					h.dropped()
				}
			}
		}
	}
}

func (h *Hub[T]) Subscribe() <-chan T {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer returns a closed channel once the hub stopped
func (h *Hub[T]) SubscribeWithBuffer(size int) <-chan T {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan T, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub[T]) Unsubscribe(ch <-chan T) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish never blocks; the message is dropped when the broadcast buffer is full
func (h *Hub[T]) Publish(msg T) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped()
	}
}

func (h *Hub[T]) dropped() {
	if h.metrics != nil {
		h.metrics.SubscriberDrops.Inc()
	}
}
