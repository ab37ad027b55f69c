// Package pool implements the backpressure gate between "queued by the
// producer" and "handed to the consumer for processing". The gate bounds
// in-flight buffers independently of however many the transport negotiated.
package pool

import (
	"errors"
	"sync"

	"pwbridge/transport"
)

// ErrFull reports that the handoff queue is at capacity. Distinct from any
// stream-state error: it signals backpressure, not a dead stream.
var ErrFull = errors.New("pool: handoff queue full")

// Gate is a fixed-capacity FIFO of buffers awaiting a process cycle.
type Gate struct {
	mu    sync.Mutex
	items []*transport.Buffer
	cap   int
}

func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{cap: capacity}
}

// Push enqueues b, or fails with ErrFull. Never overwrites.
func (g *Gate) Push(b *transport.Buffer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) >= g.cap {
		return ErrFull
	}
	g.items = append(g.items, b)
	return nil
}

// Pop dequeues the oldest entry.
func (g *Gate) Pop() (*transport.Buffer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 {
		return nil, false
	}
	b := g.items[0]
	g.items[0] = nil
	g.items = g.items[1:]
	return b, true
}

// Drain discards every queued entry and returns them in FIFO order, used
// when a pause must throw away claimed-but-unprocessed frames.
func (g *Gate) Drain() []*transport.Buffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	drained := g.items
	g.items = nil
	return drained
}

func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}
