// Package bridge implements the cross-thread command queue between callers
// on arbitrary goroutines and a single servicing loop goroutine. It is the
// only way external threads reach loop-owned state.
package bridge

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Post once the servicing loop has gone away.
var ErrClosed = errors.New("bridge: queue closed")

// Cmd is one queued operation. The loop invokes it with live=true; during
// teardown every still-queued command is invoked with live=false so its
// reply channel can be closed instead of leaving the caller blocked.
type Cmd func(live bool)

// Queue is an unbounded FIFO of commands serviced by exactly one loop
// goroutine. Posting never blocks and never panics on a teardown race.
type Queue struct {
	mu     sync.Mutex
	cmds   []Cmd
	wake   chan struct{}
	closed bool
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Post appends cmd for the loop to execute. Fails with ErrClosed after
// Close; the command is then never invoked and the caller must treat the
// operation as not performed.
func (q *Queue) Post(cmd Cmd) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.cmds = append(q.cmds, cmd)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake returns the channel the loop selects on. A receive means at least
// one command may be pending; the loop then drains with Next.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Next pops the oldest pending command.
func (q *Queue) Next() (Cmd, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cmds) == 0 {
		return nil, false
	}
	cmd := q.cmds[0]
	q.cmds[0] = nil
	q.cmds = q.cmds[1:]
	return cmd, true
}

// Close marks the queue dead and rejects everything still pending by
// invoking it with live=false. Only the loop goroutine calls Close, and
// commands posted concurrently with Close are rejected either here or by
// Post itself.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.cmds
	q.cmds = nil
	q.mu.Unlock()

	for _, cmd := range pending {
		cmd(false)
	}
}
