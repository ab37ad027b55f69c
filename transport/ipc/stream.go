package ipc

import (
	"fmt"

	"pwbridge/transport"
	"pwbridge/video"
)

// stream is the producer side of one negotiated channel. Every method and
// every on* handler runs on the session loop goroutine, so no locking.
type stream struct {
	core     *Core
	id       uint64
	name     string
	handlers transport.StreamEvents

	state        transport.StreamState
	driving      bool
	disconnected bool

	buffers  map[uint32]*transport.Buffer
	free     []*transport.Buffer
	queued   []*transport.Buffer
	inflight map[uint32]*transport.Buffer
	nextBuf  uint32
}

func (s *stream) Connect(params []transport.Param) error {
	if s.disconnected {
		return fmt.Errorf("ipc: stream disconnected")
	}
	formats, _, _ := splitParams(params)
	s.core.send(MsgStreamConnect, StreamConnect{
		StreamID: s.id,
		Name:     s.name,
		Formats:  formats,
	})
	s.setState(transport.StateConnecting)
	return nil
}

func (s *stream) UpdateParams(params []transport.Param) error {
	if s.disconnected {
		return fmt.Errorf("ipc: stream disconnected")
	}
	formats, buffers, metas := splitParams(params)
	s.core.send(MsgUpdateParams, UpdateParams{
		StreamID: s.id,
		Formats:  formats,
		Buffers:  buffers,
		Metas:    metas,
	})
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
		return fmt.Errorf("ipc: stream disconnected")
	}
	s.core.send(MsgTrigger, StreamRef{StreamID: s.id})
	return nil
}

func (s *stream) Flush() error {
	if s.disconnected {
		return fmt.Errorf("ipc: stream disconnected")
	}
	s.free = append(s.free, s.queued...)
	s.queued = nil
	for id, b := range s.inflight {
		s.free = append(s.free, b)
		delete(s.inflight, id)
	}
	s.core.send(MsgFlush, StreamRef{StreamID: s.id})
	return nil
}

func (s *stream) Disconnect() error {
	if s.disconnected {
		return nil
	}
	for id, b := range s.buffers {
		if s.handlers.RemoveBuffer != nil {
			s.handlers.RemoveBuffer(b)
		}
		delete(s.buffers, id)
	}
	s.free = nil
	s.queued = nil
	s.inflight = nil
	s.core.send(MsgStreamDisconnect, StreamRef{StreamID: s.id})
	s.disconnected = true
	s.core.forget(s.id)
	return nil
}

func (s *stream) setState(to transport.StreamState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if s.handlers.StateChanged != nil {
		s.handlers.StateChanged(from, to)
	}
}

func (s *stream) onProposal(m *FormatProposal) {
	if s.handlers.ParamChanged == nil {
		return
	}
	s.handlers.ParamChanged(&transport.FormatProposal{
		Format:        video.Format(m.Format),
		Width:         m.Width,
		Height:        m.Height,
		Modifiers:     m.Modifiers,
		FixedModifier: m.FixedModifier,
		DontFixate:    m.DontFixate,
	})
}

func (s *stream) onAllocBuffers(m *AllocBuffers) {
	// A re-negotiation replaces the whole pool.
	for id, b := range s.buffers {
		if s.handlers.RemoveBuffer != nil {
			s.handlers.RemoveBuffer(b)
		}
		delete(s.buffers, id)
		s.core.send(MsgRemoveBuffers, RemoveBuffers{StreamID: s.id, BufferIDs: []uint32{id}})
	}
	s.free = nil
	s.queued = nil
	if s.inflight == nil {
		s.inflight = make(map[uint32]*transport.Buffer)
	}

	blocks := m.Blocks
	if blocks == 0 {
		blocks = 1
	}
	for i := uint32(0); i < m.Count; i++ {
		b := &transport.Buffer{
			ID:     s.nextBuf,
			Planes: make([]transport.Plane, blocks),
		}
		s.nextBuf++
		if m.HasHeader {
			b.Header = &transport.HeaderMeta{}
		}
		if m.HasCursor {
			b.Cursor = &transport.CursorMeta{}
		}
		if s.handlers.AddBuffer != nil {
			s.handlers.AddBuffer(b)
		}
		s.buffers[b.ID] = b
		s.free = append(s.free, b)
		s.announceBuffer(b)
	}
}

// announceBuffer sends the slot layout and, for valid planes, the fd
// carrier right behind it.
func (s *stream) announceBuffer(b *transport.Buffer) {
	msg := BufferPlanes{
		StreamID: s.id,
		BufferID: b.ID,
		DataType: int(b.Planes[0].Type),
		Planes:   make([]Plane, len(b.Planes)),
	}
	var fds []int
	valid := b.Planes[0].Type != transport.DataInvalid
	for i, p := range b.Planes {
		msg.Planes[i] = Plane{Offset: p.Offset, Size: p.MaxSize, Stride: p.Stride}
		if valid {
			fds = append(fds, int(p.FD))
		}
	}
	if valid {
		s.core.sendFDs(MsgBufferPlanes, msg, fds)
	} else {
		s.core.send(MsgBufferPlanes, msg)
	}
}

func (s *stream) onRemoveBuffers(m *RemoveBuffers) {
	for _, id := range m.BufferIDs {
		b, ok := s.buffers[id]
		if !ok {
			continue
		}
		if s.handlers.RemoveBuffer != nil {
			s.handlers.RemoveBuffer(b)
		}
		delete(s.buffers, id)
		delete(s.inflight, id)
		s.free = dropBuffer(s.free, b)
		s.queued = dropBuffer(s.queued, b)
	}
}

func (s *stream) onStreamState(m *StreamState) {
	s.driving = m.Driving
	s.setState(transport.StreamState(m.State))
}

// onProcess runs one consumer-demanded cycle: let the producer queue a
// buffer, then ship the oldest queued one.
func (s *stream) onProcess() {
	if s.handlers.Process != nil {
		s.handlers.Process()
	}
	if len(s.queued) == 0 {
		return
	}
	b := s.queued[0]
	s.queued[0] = nil
	s.queued = s.queued[1:]
	if s.inflight == nil {
		s.inflight = make(map[uint32]*transport.Buffer)
	}
	s.inflight[b.ID] = b

	done := BufferDone{
		StreamID: s.id,
		BufferID: b.ID,
		Chunks:   make([]Chunk, len(b.Planes)),
	}
	for i, p := range b.Planes {
		done.Chunks[i] = Chunk{Offset: p.ChunkOffset, Size: p.ChunkSize, Stride: p.ChunkStride}
	}
	if b.Header != nil {
		done.Header = &Header{
			Flags:     b.Header.Flags,
			PTS:       b.Header.PTS,
			DTSOffset: b.Header.DTSOffset,
			Seq:       b.Header.Seq,
		}
	}
	if b.Cursor != nil && b.Cursor.ID != 0 {
		done.Cursor = cursorToWire(b.Cursor)
	}
	s.core.send(MsgBufferDone, done)
}

func (s *stream) onProcessDone(m *ProcessDone) {
	b, ok := s.inflight[m.BufferID]
	if !ok {
		return
	}
	delete(s.inflight, m.BufferID)
	s.free = append(s.free, b)
}

func cursorToWire(c *transport.CursorMeta) *Cursor {
	w := &Cursor{
		ID:       c.ID,
		X:        c.Position.X,
		Y:        c.Position.Y,
		HotspotX: c.Hotspot.X,
		HotspotY: c.Hotspot.Y,
	}
	if c.Bitmap != nil {
		w.Bitmap = &Bitmap{
			Width:  c.Bitmap.Width,
			Height: c.Bitmap.Height,
			Stride: c.Bitmap.Stride,
			Format: uint32(c.Bitmap.Format),
			Pixels: c.Bitmap.Pixels,
		}
	}
	return w
}

func dropBuffer(list []*transport.Buffer, b *transport.Buffer) []*transport.Buffer {
	for i, x := range list {
		if x == b {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func splitParams(params []transport.Param) ([]FormatParam, *BuffersParam, []MetaParam) {
	var formats []FormatParam
	var buffers *BuffersParam
	var metas []MetaParam
	for _, p := range params {
		switch p := p.(type) {
		case transport.FormatParam:
			f := FormatParam{
				Formats:       make([]uint32, len(p.Formats)),
				Width:         p.Width,
				Height:        p.Height,
				FramerateNum:  p.FramerateNum,
				FramerateDen:  p.FramerateDen,
				Modifiers:     p.Modifiers,
				FixedModifier: p.FixedModifier,
				DontFixate:    p.DontFixate,
			}
			for i, vf := range p.Formats {
				f.Formats[i] = uint32(vf)
			}
			formats = append(formats, f)
		case transport.BuffersParam:
			buffers = &BuffersParam{
				MinBuffers:     p.MinBuffers,
				MaxBuffers:     p.MaxBuffers,
				DefaultBuffers: p.DefaultBuffers,
				Blocks:         p.Blocks,
				DataType:       int(p.DataType),
			}
		case transport.MetaParam:
			metas = append(metas, MetaParam{Type: int(p.Type), Size: p.Size})
		}
	}
	return formats, buffers, metas
}
