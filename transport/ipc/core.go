package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pwbridge/internal/bridge"
	"pwbridge/transport"
)

const helloTimeout = 5 * time.Second

// Core is the producer endpoint of one socket connection to a consumer.
type Core struct {
	logger  zerolog.Logger
	conn    *Conn
	session string

	events chan transport.Event
	outbox *bridge.Queue
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	mu      sync.Mutex
	streams map[uint64]*stream
	nextID  uint64
}

// Dial connects to a consumer socket and performs the hello handshake.
// Failure here is the one connection error surfaced to the caller.
func Dial(path string) (*Core, error) {
	raddr := &net.UnixAddr{Name: path, Net: "unix"}
	uc, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	conn := NewConn(uc)

	session := uuid.NewString()
	if err := conn.WriteMessage(MsgHello, Hello{Session: session, App: "pwbridge"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	// The ack must arrive promptly or session creation fails outright.
	_ = uc.SetReadDeadline(time.Now().Add(helloTimeout))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await hello ack: %w", err)
	}
	_ = uc.SetReadDeadline(time.Time{})
	if typ != MsgHelloAck {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake message %q", typ)
	}
	var ack HelloAck
	if err := Decode(data, &ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello ack: %w", err)
	}

	c := &Core{
		logger: log.With().
			Str("module", "ipc").
			Str("session", session).Logger(),
		conn:    conn,
		session: session,
		events:  make(chan transport.Event, 64),
		outbox:  bridge.NewQueue(),
		done:    make(chan struct{}),
		streams: make(map[uint64]*stream),
	}
	c.logger.Debug().Str("consumer", ack.Consumer).Msg("connected")

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func (c *Core) Events() <-chan transport.Event {
	return c.events
}

func (c *Core) CreateStream(props transport.StreamProps, events transport.StreamEvents) (transport.Stream, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("ipc: core closed")
	default:
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	s := &stream{
		core:     c,
		id:       id,
		name:     props.Name,
		handlers: events,
		state:    transport.StateUnconnected,
		buffers:  make(map[uint32]*transport.Buffer),
	}
	c.streams[id] = s
	c.mu.Unlock()
	return s, nil
}

func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		// Written directly: the outbox is about to reject everything.
		if err := c.conn.WriteMessage(MsgBye, nil); err != nil {
			c.logger.Debug().Err(err).Msg("bye not delivered")
		}
		close(c.done)
		c.outbox.Close()
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// send enqueues a control frame for the writer goroutine; safe from any
// goroutine and non-blocking.
func (c *Core) send(typ string, v any) {
	_ = c.outbox.Post(func(live bool) {
		if !live {
			return
		}
		if err := c.conn.WriteMessage(typ, v); err != nil {
			c.logger.Warn().Err(err).Str("type", typ).Msg("write failed")
		}
	})
}

// sendFDs enqueues a control frame plus its fd carrier as one unit.
func (c *Core) sendFDs(typ string, v any, fds []int) {
	_ = c.outbox.Post(func(live bool) {
		if !live {
			return
		}
		if err := c.conn.WriteMessage(typ, v); err != nil {
			c.logger.Warn().Err(err).Str("type", typ).Msg("write failed")
			return
		}
		if len(fds) > 0 {
			if err := c.conn.WriteFDs(fds); err != nil {
				c.logger.Warn().Err(err).Msg("fd carrier write failed")
			}
		}
	})
}

// emit hands a deferred callback to the session loop.
func (c *Core) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Core) lookup(id uint64) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Core) forget(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Core) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.outbox.Wake():
			for {
				cmd, ok := c.outbox.Next()
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

func (c *Core) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Error().Err(err).Msg("connection lost")
				c.failAllStreams()
			}
			return
		}
		if err := c.handleMessage(typ, data); err != nil {
			c.logger.Error().Err(err).Str("type", typ).Msg("bad message")
		}
	}
}

// failAllStreams moves every stream to the error state on the loop
// goroutine. Capture faults must never crash the host, so this is the full
// extent of connection-loss handling.
func (c *Core) failAllStreams() {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s := s
		c.emit(func() {
			if s.disconnected || s.state == transport.StateError {
				return
			}
			from := s.state
			s.state = transport.StateError
			s.driving = false
			if s.handlers.StateChanged != nil {
				s.handlers.StateChanged(from, transport.StateError)
			}
		})
	}
}

func (c *Core) handleMessage(typ string, data json.RawMessage) error {
	switch typ {
	case MsgFormatProposal:
		var m FormatProposal
		if err := Decode(data, &m); err != nil {
			return err
		}
		return c.route(m.StreamID, func(s *stream) { s.onProposal(&m) })
	case MsgAllocBuffers:
		var m AllocBuffers
		if err := Decode(data, &m); err != nil {
			return err
		}
		return c.route(m.StreamID, func(s *stream) { s.onAllocBuffers(&m) })
	case MsgRemoveBuffers:
		var m RemoveBuffers
		if err := Decode(data, &m); err != nil {
			return err
		}
		return c.route(m.StreamID, func(s *stream) { s.onRemoveBuffers(&m) })
	case MsgStreamState:
		var m StreamState
		if err := Decode(data, &m); err != nil {
			return err
		}
		return c.route(m.StreamID, func(s *stream) { s.onStreamState(&m) })
	case MsgProcess:
		var m StreamRef
		if err := Decode(data, &m); err != nil {
			return err
		}
		return c.route(m.StreamID, func(s *stream) { s.onProcess() })
	case MsgProcessDone:
		var m ProcessDone
		if err := Decode(data, &m); err != nil {
			return err
		}
		return c.route(m.StreamID, func(s *stream) { s.onProcessDone(&m) })
	default:
		c.logger.Debug().Str("type", typ).Msg("ignoring message")
		return nil
	}
}

// route defers handling to the session loop against a live stream.
func (c *Core) route(id uint64, fn func(s *stream)) error {
	s := c.lookup(id)
	if s == nil {
		return fmt.Errorf("unknown stream %d", id)
	}
	c.emit(func() {
		if s.disconnected {
			return
		}
		fn(s)
	})
	return nil
}
