// Package loopback implements an in-process media-IPC consumer. It drives
// the same negotiation rounds and buffer cycling a remote consumer would,
// which makes it the harness for exercising a session without a peer
// process: a scripted consumer goroutine reacts to published parameters and
// hands all producer-visible work back through the event channel.
package loopback

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pwbridge/internal/bridge"
	"pwbridge/transport"
	"pwbridge/video"
)

// FrameRecord is one consumed frame, kept for inspection.
type FrameRecord struct {
	BufferID  uint32
	Seq       uint64
	PTS       int64
	CursorID  uint32
	CursorPos transport.Point
	HasBitmap bool
}

// Config scripts the consumer's side of the negotiation.
type Config struct {
	// PreferredFormats is the consumer's pick order. Empty accepts the
	// producer's first offer.
	PreferredFormats []video.Format

	// Modifiers lists the memory layouts the consumer supports per
	// format. A proposal only carries the intersection with the offer.
	Modifiers map[video.Format][]uint64

	// DeferModifiers proposes an unfixed modifier list first, forcing the
	// producer through the pin-then-fixate second round.
	DeferModifiers bool

	// Buffers overrides how many buffers to allocate. Zero uses the
	// producer's published default clamped into the negotiated range.
	Buffers int

	// ManualProcess suspends automatic process cycles; each one must then
	// be released with ProcessOne.
	ManualProcess bool
}

// Core is the producer-side endpoint of the loopback link.
type Core struct {
	logger zerolog.Logger
	cfg    Config

	events chan transport.Event
	inbox  *bridge.Queue
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	// Consumer-goroutine state.
	nextBufferID uint32
	attached     map[*stream]struct{}

	// Inspection records.
	recMu           sync.Mutex
	updates         [][]transport.Param
	consumed        []FrameRecord
	invalidConsumed int
}

// New starts the loopback consumer.
func New(cfg Config) *Core {
	c := &Core{
		logger:   log.With().Str("module", "loopback").Logger(),
		cfg:      cfg,
		events:   make(chan transport.Event, 64),
		inbox:    bridge.NewQueue(),
		done:     make(chan struct{}),
		attached: make(map[*stream]struct{}),
	}
	c.wg.Add(1)
	go c.consumerLoop()
	return c
}

func (c *Core) Events() <-chan transport.Event {
	return c.events
}

func (c *Core) CreateStream(props transport.StreamProps, events transport.StreamEvents) (transport.Stream, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("loopback: core closed")
	default:
	}
	s := &stream{
		core:     c,
		name:     props.Name,
		handlers: events,
		state:    transport.StateUnconnected,
	}
	return s, nil
}

func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.inbox.Close()
	})
	c.wg.Wait()
	return nil
}

// Pause asks the consumer to pause cycling on every attached stream.
func (c *Core) Pause() { c.post(func() { c.setPaused(true) }) }

// Resume returns paused streams to streaming.
func (c *Core) Resume() { c.post(func() { c.setPaused(false) }) }

// ProcessOne releases one process cycle per attached stream when
// ManualProcess is set. Forcing a cycle with no pending trigger is allowed;
// the producer treats that as a scheduling anomaly.
func (c *Core) ProcessOne() {
	c.post(func() {
		for s := range c.attached {
			if s.consumerPaused {
				continue
			}
			if s.pendingTriggers > 0 {
				s.pendingTriggers--
			}
			c.emitProcess(s)
		}
	})
}

// Updates returns every parameter set the consumer received, oldest first.
func (c *Core) Updates() [][]transport.Param {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	out := make([][]transport.Param, len(c.updates))
	copy(out, c.updates)
	return out
}

// Consumed returns the frames the consumer has taken delivery of.
func (c *Core) Consumed() []FrameRecord {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	out := make([]FrameRecord, len(c.consumed))
	copy(out, c.consumed)
	return out
}

// InvalidConsumed counts buffers delivered with invalidated planes.
func (c *Core) InvalidConsumed() int {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.invalidConsumed
}

func (c *Core) post(fn func()) {
	_ = c.inbox.Post(func(live bool) {
		if live {
			fn()
		}
	})
}

// emit hands a deferred callback to the session loop. Unblocked by Close so
// a dying session never wedges the consumer goroutine.
func (c *Core) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Core) consumerLoop() {
	defer c.wg.Done()
	defer close(c.events)
	for {
		select {
		case <-c.inbox.Wake():
			for {
				cmd, ok := c.inbox.Next()
				if !ok {
					break
				}
				cmd(true)
			}
		case <-c.done:
			return
		}
	}
}
