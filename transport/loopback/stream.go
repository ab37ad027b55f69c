package loopback

import (
	"fmt"

	"pwbridge/transport"
)

// stream is the producer-facing stream object. Fields below the marker are
// owned by the session loop (mutated only in producer method calls and
// emitted event callbacks); consumerPaused, pendingTriggers and offers are
// owned by the consumer goroutine.
type stream struct {
	core     *Core
	name     string
	handlers transport.StreamEvents

	// Loop-owned.
	state        transport.StreamState
	driving      bool
	connected    bool
	disconnected bool
	live         []*transport.Buffer
	free         []*transport.Buffer
	queued       []*transport.Buffer

	// Consumer-owned.
	consumerPaused  bool
	pendingTriggers int
	offers          []transport.FormatParam
}

func (s *stream) Connect(params []transport.Param) error {
	if s.connected {
		return fmt.Errorf("loopback: stream already connected")
	}
	offers := formatParams(params)
	if len(offers) == 0 {
		return fmt.Errorf("loopback: connect without format params")
	}
	s.connected = true
	s.core.recordUpdate(params)
	s.core.post(func() { s.core.onConnect(s, offers) })
	return nil
}

func (s *stream) UpdateParams(params []transport.Param) error {
	if !s.connected || s.disconnected {
		return fmt.Errorf("loopback: stream not connected")
	}
	s.core.recordUpdate(params)
	s.core.post(func() { s.core.onUpdateParams(s, params) })
	return nil
}

func (s *stream) State() transport.StreamState { return s.state }

func (s *stream) Driving() bool { return s.driving }

func (s *stream) DequeueBuffer() *transport.Buffer {
	if len(s.free) == 0 {
		return nil
	}
	b := s.free[0]
	s.free[0] = nil
	s.free = s.free[1:]
	return b
}

func (s *stream) QueueBuffer(b *transport.Buffer) {
	s.queued = append(s.queued, b)
}

func (s *stream) TriggerProcess() error {
	if s.disconnected {
		return fmt.Errorf("loopback: stream disconnected")
	}
	s.core.post(func() { s.core.onTrigger(s) })
	return nil
}

// Flush reclaims every outstanding slot, consumed or not, into the free
// pool.
func (s *stream) Flush() error {
	s.queued = s.queued[:0]
	s.free = append(s.free[:0], s.live...)
	return nil
}

func (s *stream) Disconnect() error {
	if s.disconnected {
		return nil
	}
	s.disconnected = true

	// Slots leave the pool now: fire the remove events synchronously so
	// the backend can reclaim before the handle goes away.
	if s.handlers.RemoveBuffer != nil {
		for _, b := range s.live {
			s.handlers.RemoveBuffer(b)
		}
	}
	s.live = nil
	s.free = nil
	s.queued = nil
	s.state = transport.StateUnconnected
	s.driving = false

	s.core.post(func() { s.core.onDetach(s) })
	return nil
}

func formatParams(params []transport.Param) []transport.FormatParam {
	var out []transport.FormatParam
	for _, p := range params {
		if fp, ok := p.(transport.FormatParam); ok {
			out = append(out, fp)
		}
	}
	return out
}
