package pwbridge

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pwbridge/internal/pool"
	"pwbridge/transport"
	"pwbridge/video"
)

const (
	// maxProcessBuffers allows 4 frames latency of buffer processing.
	maxProcessBuffers = 4

	// DefaultMaxBuffers bounds the transport's buffer-count negotiation
	// when StreamInfo.MaxBuffers is zero.
	DefaultMaxBuffers = 16

	defaultBufferCount = 8

	MaxCursorWidth      = 64
	MaxCursorBPP        = 4
	MaxCursorBitmapSize = MaxCursorWidth * MaxCursorWidth * MaxCursorBPP

	// Fixed struct sizes of the metadata blocks on the wire.
	headerMetaSize  = 32
	cursorMetaSize  = 28
	bitmapMetaSize  = 20
	cursorBlockSize = cursorMetaSize + bitmapMetaSize + MaxCursorBitmapSize
)

// streamState is the negotiator's own lifecycle, distinct from the
// transport-reported StreamState.
type streamState int

const (
	streamCreated streamState = iota
	streamNegotiating
	streamStreaming
	streamPaused
	streamTerminated
	streamError
)

func (s streamState) String() string {
	switch s {
	case streamCreated:
		return "created"
	case streamNegotiating:
		return "negotiating"
	case streamStreaming:
		return "streaming"
	case streamPaused:
		return "paused"
	case streamTerminated:
		return "terminated"
	case streamError:
		return "error"
	default:
		return "invalid"
	}
}

// Stream is the caller-side handle of one stream. It holds no stream state,
// only the session back-reference and the stream id; every method crosses
// into the loop goroutine and fails cleanly when the stream or session is
// already gone.
type Stream struct {
	client *Client
	id     uint64
}

// Terminate disconnects the stream. Idempotent: a second call is a no-op.
func (s *Stream) Terminate() error {
	reply := make(chan error, 1)
	err := s.client.cmds.Post(func(live bool) {
		if !live {
			close(reply)
			return
		}
		impl, ok := s.client.lookupStream(s.id)
		if !ok {
			// Already terminated; not an error.
			reply <- nil
			return
		}
		reply <- impl.terminate()
	})
	if err != nil {
		return ErrTerminated
	}
	r, ok := <-reply
	if !ok {
		return ErrTerminated
	}
	return r
}

// Close releases the stream, for use as a drop hook. Errors are discarded.
func (s *Stream) Close() {
	_ = s.Terminate()
}

// DequeueBuffer claims a free buffer for the caller to fill. It returns
// ok=false whenever no buffer can be produced right now: the stream is not
// streaming, this side is not driving, the pool is empty, or the stream is
// gone. The returned user handle is always the one stamped by AddBuffer.
func (s *Stream) DequeueBuffer() (BufferHandle, BufferUserHandle, bool) {
	type result struct {
		handle BufferHandle
		user   BufferUserHandle
	}
	reply := make(chan result, 1)

	err := s.client.cmds.Post(func(live bool) {
		if !live {
			close(reply)
			return
		}
		impl, ok := s.client.lookupStream(s.id)
		if !ok {
			close(reply)
			return
		}
		h, u, ok := impl.dequeueBuffer()
		if !ok {
			close(reply)
			return
		}
		reply <- result{h, u}
	})
	if err != nil {
		return BufferHandle{}, nil, false
	}

	r, ok := <-reply
	if !ok {
		return BufferHandle{}, nil, false
	}
	return r.handle, r.user, true
}

// QueueBufferProcess hands a previously dequeued buffer to the consumer.
// Fails with ErrQueueFull when more than the allowed number of buffers are
// already in flight; the buffer then remains owned by the caller.
func (s *Stream) QueueBufferProcess(h BufferHandle) error {
	if !h.Valid() {
		return fmt.Errorf("queue buffer: invalid handle")
	}

	reply := make(chan error, 1)
	err := s.client.cmds.Post(func(live bool) {
		if !live {
			close(reply)
			return
		}
		impl, ok := s.client.lookupStream(s.id)
		if !ok {
			close(reply)
			return
		}
		reply <- impl.queueBufferProcess(h.buf)
	})
	if err != nil {
		return ErrTerminated
	}

	r, ok := <-reply
	if !ok {
		return ErrTerminated
	}
	return r
}

// streamImpl is the loop-owned half of a stream: the transport object, the
// negotiator state machine and the process handoff gate.
type streamImpl struct {
	logger zerolog.Logger

	ts      transport.Stream
	backend Backend

	width       uint32
	height      uint32
	enumFormats []EnumFormatInfo
	maxBuffers  uint32

	gate  *pool.Gate
	state streamState

	epoch    time.Time
	seq      uint64
	cursorID uint32

	onTerminate func()
	terminated  bool
}

// newStreamImpl runs on the loop goroutine.
func newStreamImpl(c *Client, id uint64, info StreamInfo) (*streamImpl, error) {
	maxBuffers := info.MaxBuffers
	if maxBuffers == 0 {
		maxBuffers = DefaultMaxBuffers
	}

	impl := &streamImpl{
		logger: log.With().
			Str("module", "stream").
			Uint64("stream_id", id).Logger(),
		backend:     info.Backend,
		width:       info.Width,
		height:      info.Height,
		enumFormats: info.EnumFormats,
		maxBuffers:  maxBuffers,
		gate:        pool.NewGate(maxProcessBuffers),
		state:       streamCreated,
		epoch:       time.Now(),
		cursorID:    1,
	}

	name := info.Name
	if name == "" {
		name = "pwbridge"
	}
	ts, err := c.core.CreateStream(transport.StreamProps{
		Name:      name,
		AppName:   "pwbridge",
		MediaRole: "Screen",
	}, transport.StreamEvents{
		StateChanged: impl.handleStateChanged,
		ParamChanged: impl.handleParamChanged,
		AddBuffer:    impl.handleAddBuffer,
		RemoveBuffer: impl.handleRemoveBuffer,
		Process:      impl.handleProcess,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport stream: %w", err)
	}
	impl.ts = ts

	if err := ts.Connect(impl.offeredFormatParams()); err != nil {
		_ = ts.Disconnect()
		return nil, fmt.Errorf("connect stream: %w", err)
	}

	return impl, nil
}

// offeredFormatParams publishes every alternative unfixed.
func (si *streamImpl) offeredFormatParams() []transport.Param {
	params := make([]transport.Param, 0, len(si.enumFormats))
	for _, ef := range si.enumFormats {
		params = append(params, si.formatParam(ef.Formats, ef.Modifiers, false))
	}
	return params
}

func (si *streamImpl) formatParam(formats []video.Format, modifiers []uint64, fixate bool) transport.FormatParam {
	return transport.FormatParam{
		Formats:       formats,
		Width:         si.width,
		Height:        si.height,
		FramerateNum:  0,
		FramerateDen:  1,
		Modifiers:     modifiers,
		FixedModifier: fixate && len(modifiers) > 0,
		DontFixate:    !fixate && len(modifiers) > 0,
	}
}

// bufferParams builds the final post-fixation parameter set: the buffer
// count range, the frame header block and the cursor block.
func (si *streamImpl) bufferParams(blocks uint32, isDmaBuf bool) []transport.Param {
	if blocks < 1 {
		blocks = 1
	}
	dataType := transport.DataMemFd
	if isDmaBuf {
		dataType = transport.DataDmaBuf
	}
	return []transport.Param{
		transport.BuffersParam{
			MinBuffers:     1,
			MaxBuffers:     si.maxBuffers,
			DefaultBuffers: defaultBufferCount,
			Blocks:         blocks,
			DataType:       dataType,
		},
		transport.MetaParam{Type: transport.MetaHeader, Size: headerMetaSize},
		transport.MetaParam{Type: transport.MetaCursor, Size: cursorBlockSize},
	}
}

func (si *streamImpl) terminate() error {
	if si.terminated {
		return nil
	}
	si.logger.Debug().Msg("terminate stream")

	// Disconnect first: remove-buffer events fire synchronously while the
	// handlers are still armed, so the backend reclaims its resources.
	if err := si.ts.Disconnect(); err != nil {
		si.logger.Warn().Err(err).Msg("disconnect")
	}
	si.terminated = true
	si.state = streamTerminated
	si.gate.Drain()

	if f := si.onTerminate; f != nil {
		si.onTerminate = nil
		f()
	}
	return nil
}

func (si *streamImpl) dequeueBuffer() (BufferHandle, BufferUserHandle, bool) {
	if si.terminated {
		return BufferHandle{}, nil, false
	}
	if si.ts.State() != transport.StateStreaming || !si.ts.Driving() {
		return BufferHandle{}, nil, false
	}

	buf := si.ts.DequeueBuffer()
	if buf == nil {
		si.logger.Trace().Msg("out of buffers")
		return BufferHandle{}, nil, false
	}
	if buf.UserData == nil {
		// Defect: added without a user handle. Never valid data.
		si.logger.Error().Uint32("buffer", buf.ID).Msg("buffer broken, no user data")
		si.ts.QueueBuffer(buf)
		return BufferHandle{}, nil, false
	}
	return BufferHandle{buf: buf}, buf.UserData, true
}

func (si *streamImpl) queueBufferProcess(buf *transport.Buffer) error {
	if si.terminated {
		return ErrTerminated
	}
	if !si.ts.Driving() {
		return nil
	}
	if err := si.gate.Push(buf); err != nil {
		return ErrQueueFull
	}
	return si.ts.TriggerProcess()
}

func (si *streamImpl) handleStateChanged(from, to transport.StreamState) {
	if si.terminated {
		return
	}
	si.logger.Info().
		Stringer("old", from).
		Stringer("new", to).
		Msg("stream state changed")

	switch to {
	case transport.StatePaused:
		// Claimed-but-unprocessed frames are stale after a resume: drain
		// without processing and return the slots to the free pool. The
		// backing resources are untouched, so no remove callback fires.
		if n := len(si.gate.Drain()); n > 0 {
			si.logger.Debug().Int("discarded", n).Msg("drained process queue on pause")
		}
		if err := si.ts.Flush(); err != nil {
			si.logger.Warn().Err(err).Msg("flush")
		}
		if si.state == streamStreaming {
			si.state = streamPaused
		}
	case transport.StateStreaming:
		si.state = streamStreaming
	case transport.StateError:
		si.logger.Error().Msg("transport stream error")
		si.state = streamError
	}
}

// handleParamChanged runs one negotiation round against the consumer's
// proposal, re-entered on every subsequent format change.
func (si *streamImpl) handleParamChanged(p *transport.FormatProposal) {
	if si.terminated || p == nil {
		return
	}
	si.logger.Debug().
		Stringer("format", p.Format).
		Int("modifiers", len(p.Modifiers)).
		Bool("dont_fixate", p.DontFixate).
		Msg("param changed")

	if !p.Format.Valid() {
		si.logger.Error().Uint32("raw", uint32(p.Format)).Msg("unparseable format proposal")
		return
	}
	si.state = streamNegotiating

	fixated := si.backend.FixateFormat(EnumFormatInfo{
		Formats:   []video.Format{p.Format},
		Modifiers: p.Modifiers,
	})
	if fixated == nil {
		// Dead end for this proposal; params stay as published and the
		// consumer may try another alternative.
		si.logger.Error().Stringer("format", p.Format).Msg("no compatible format")
		return
	}
	si.logger.Debug().
		Uint32("planes", fixated.NumPlanes).
		Msg("format fixated")

	if len(p.Modifiers) > 0 {
		if fixated.Modifier == nil {
			si.logger.Error().Msg("backend fixated without a modifier choice")
			return
		}
		if p.DontFixate {
			// Two-round pattern: republish with the chosen (format,
			// modifier) pinned as the preferred first alternative and the
			// original offers as fallback, then await the next proposal.
			chosen := *fixated.Modifier
			params := []transport.Param{
				si.formatParam([]video.Format{p.Format}, []uint64{chosen}, true),
			}
			for _, ef := range si.enumFormats {
				params = append(params, si.formatParam(ef.Formats, ef.Modifiers, false))
			}
			if err := si.ts.UpdateParams(params); err != nil {
				si.logger.Error().Err(err).Msg("republish pinned modifier")
			}
			return
		}
	}

	params := si.bufferParams(fixated.NumPlanes, fixated.Modifier != nil)
	if err := si.ts.UpdateParams(params); err != nil {
		si.logger.Error().Err(err).Msg("publish buffer params")
	}
}

// handleAddBuffer stamps backend storage onto a new slot. On any failure
// the slot is marked invalid so the consumer never reads garbage, and no
// user handle is attached.
func (si *streamImpl) handleAddBuffer(buf *transport.Buffer) {
	if si.terminated {
		return
	}
	si.logger.Debug().Uint32("buffer", buf.ID).Msg("add buffer")

	buf.UserData = nil

	info := si.backend.AddBuffer()
	if info == nil {
		si.logger.Error().Uint32("buffer", buf.ID).Msg("backend add buffer failed, marking invalid")
		markBufferInvalid(buf)
		return
	}

	if len(info.Planes) != len(buf.Planes) {
		si.logger.Error().
			Int("want", len(buf.Planes)).
			Int("got", len(info.Planes)).
			Msg("plane count mismatch, marking invalid")
		markBufferInvalid(buf)
		si.backend.RemoveBuffer(info.UserHandle)
		return
	}

	dataType := transport.DataMemFd
	if info.IsDmaBuf {
		dataType = transport.DataDmaBuf
	}
	for i, plane := range info.Planes {
		buf.Planes[i] = transport.Plane{
			FD:          plane.FD,
			Offset:      plane.Offset,
			MaxSize:     plane.Size,
			Stride:      plane.Stride,
			Type:        dataType,
			ChunkOffset: plane.Offset,
			ChunkSize:   plane.Size,
			ChunkStride: plane.Stride,
		}
	}
	buf.UserData = info.UserHandle

	si.logger.Debug().Uint32("buffer", buf.ID).Msg("added buffer")
}

func (si *streamImpl) handleRemoveBuffer(buf *transport.Buffer) {
	si.logger.Debug().Uint32("buffer", buf.ID).Msg("remove buffer")
	if buf.UserData == nil {
		return
	}
	si.backend.RemoveBuffer(buf.UserData)
	buf.UserData = nil
}

// handleProcess pops exactly one gated buffer, lets the backend finalize
// it, fills the metadata blocks and queues it for consumption.
func (si *streamImpl) handleProcess() {
	if si.terminated {
		return
	}
	buf, ok := si.gate.Pop()
	if !ok {
		si.logger.Warn().Msg("unscheduled process call")
		return
	}
	si.processBuffer(buf)
}

func (si *streamImpl) processBuffer(buf *transport.Buffer) {
	if buf.UserData == nil {
		si.logger.Error().Uint32("buffer", buf.ID).Msg("buffer broken, no user data")
		return
	}

	var setCursor SetCursorFunc
	cursorFilled := false
	if buf.Cursor != nil {
		setCursor = func(info CursorInfo) {
			si.fillCursorMeta(buf.Cursor, &info)
			cursorFilled = true
		}
	}

	si.backend.ProcessBuffer(buf.UserData, setCursor)

	if buf.Header != nil {
		buf.Header.Flags = 0
		buf.Header.PTS = time.Since(si.epoch).Nanoseconds()
		buf.Header.DTSOffset = 0
		buf.Header.Seq = si.seq
	}
	si.seq++

	if buf.Cursor != nil && !cursorFilled {
		si.fillCursorMeta(buf.Cursor, nil)
	}

	si.ts.QueueBuffer(buf)
}

// fillCursorMeta writes the cursor block; nil info clears it.
func (si *streamImpl) fillCursorMeta(meta *transport.CursorMeta, info *CursorInfo) {
	if info == nil {
		meta.ID = 0
		meta.Bitmap = nil
		return
	}
	if info.Serial {
		si.cursorID++
	}
	meta.ID = si.cursorID
	meta.Position = transport.Point{X: info.Position.X, Y: info.Position.Y}
	meta.Hotspot = transport.Point{X: info.Hotspot.X, Y: info.Hotspot.Y}
	meta.Bitmap = nil

	if b := info.Bitmap; b != nil {
		if len(b.Pixels) > MaxCursorBitmapSize {
			si.logger.Warn().
				Int("size", len(b.Pixels)).
				Int("max", MaxCursorBitmapSize).
				Msg("cursor bitmap exceeds max size, discarded")
			return
		}
		pixels := make([]byte, len(b.Pixels))
		copy(pixels, b.Pixels)
		meta.Bitmap = &transport.Bitmap{
			Width:  b.Width,
			Height: b.Height,
			Stride: b.Width * MaxCursorBPP,
			Format: b.Format,
			Pixels: pixels,
		}
	}
}

func markBufferInvalid(buf *transport.Buffer) {
	for i := range buf.Planes {
		buf.Planes[i] = transport.Plane{FD: -1, Type: transport.DataInvalid}
	}
}
