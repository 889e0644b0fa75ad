// Package stream pushes change notifications to connected clients as
// server-sent events.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"todo-registry/domain"
	"todo-registry/notify"
)

const defaultSubscriberBuffer = 16

// Hub fans encoded notifications out to every subscriber. A subscriber whose
// buffer is full misses the notification instead of stalling the others.
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	missed atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[chan []byte]struct{})}
}

// Subscribe registers a subscriber. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Broadcast delivers data to every subscriber without blocking.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.missed.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Missed() uint64 { return h.missed.Load() }

// Name and Send let the hub act as a notify.Sink for a single instance
// running without Redis.
func (h *Hub) Name() string { return "stream" }

func (h *Hub) Send(_ context.Context, ch domain.Change) error {
	data, err := notify.Encode(ch)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}
