package pwbridge

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pwbridge/internal/bridge"
	"pwbridge/transport"
)

// Client is one capture session: a connection to the media-IPC consumer and
// the loop goroutine that owns every stream registered on it. All mutable
// session and stream state lives on that goroutine; handles reach it only
// through the command queue.
type Client struct {
	logger zerolog.Logger

	cmds *bridge.Queue
	core transport.Core
	stop chan struct{}
	done chan struct{}

	terminateOnce sync.Once

	// Loop-owned. streams is concurrent only so stream handles can do a
	// cheap liveness lookup without a round trip.
	nextStreamID uint64
	streams      sync.Map // uint64 -> *streamImpl
}

// New starts a session over an already-connected core and spawns its loop
// goroutine. The returned client must be released with Terminate (or
// Close), which joins the loop before returning.
func New(core transport.Core) (*Client, error) {
	if core == nil {
		return nil, fmt.Errorf("new client: nil transport core")
	}

	c := &Client{
		logger: log.With().Str("module", "client").Logger(),
		cmds:   bridge.NewQueue(),
		core:   core,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	c.logger.Debug().Msg("creating client")
	go c.run()
	return c, nil
}

// CreateStream registers a new stream and begins format negotiation. Fails
// with ErrTerminated once the session is gone.
func (c *Client) CreateStream(info StreamInfo) (*Stream, error) {
	if info.Backend == nil {
		return nil, fmt.Errorf("create stream: nil backend")
	}
	if len(info.EnumFormats) == 0 {
		return nil, fmt.Errorf("create stream: no format alternatives")
	}
	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("create stream: zero frame size")
	}

	type result struct {
		stream *Stream
		err    error
	}
	reply := make(chan result, 1)

	err := c.cmds.Post(func(live bool) {
		if !live {
			close(reply)
			return
		}
		s, err := c.createStream(info)
		reply <- result{s, err}
	})
	if err != nil {
		return nil, ErrTerminated
	}

	r, ok := <-reply
	if !ok {
		return nil, ErrTerminated
	}
	return r.stream, r.err
}

// Terminate stops the loop, disconnects every stream and joins the loop
// goroutine. Safe to call more than once and from any goroutine; it always
// blocks until the loop has exited.
func (c *Client) Terminate() {
	c.terminateOnce.Do(func() {
		_ = c.cmds.Post(func(live bool) {
			if live {
				close(c.stop)
			}
		})
	})
	<-c.done
}

// Close releases the session, for use as a drop hook.
func (c *Client) Close() {
	c.Terminate()
}

// createStream runs on the loop goroutine.
func (c *Client) createStream(info StreamInfo) (*Stream, error) {
	c.logger.Debug().Msg("create stream")

	id := c.nextStreamID
	c.nextStreamID++

	impl, err := newStreamImpl(c, id, info)
	if err != nil {
		return nil, err
	}
	impl.onTerminate = func() {
		c.streams.Delete(id)
	}
	c.streams.Store(id, impl)

	return &Stream{client: c, id: id}, nil
}

func (c *Client) lookupStream(id uint64) (*streamImpl, bool) {
	v, ok := c.streams.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*streamImpl), true
}

func (c *Client) run() {
	defer close(c.done)

	events := c.core.Events()
	running := true
	for running {
		select {
		case <-c.cmds.Wake():
			for {
				cmd, ok := c.cmds.Next()
				if !ok {
					break
				}
				cmd(true)
			}
		case ev, ok := <-events:
			if !ok {
				c.logger.Warn().Msg("transport closed, stopping loop")
				running = false
				break
			}
			ev()
		case <-c.stop:
			running = false
		}
	}

	// Teardown, still on the loop goroutine: disconnect streams, close
	// the transport, then reject everything queued behind the stop.
	c.streams.Range(func(key, value any) bool {
		value.(*streamImpl).terminate()
		return true
	})
	if err := c.core.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("transport close")
	}
	c.cmds.Close()
	c.logger.Debug().Msg("loop exited")
}
