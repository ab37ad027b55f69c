package loopback

import (
	"pwbridge/transport"
	"pwbridge/video"
)

// Everything in this file runs on the consumer goroutine; producer-visible
// effects only happen inside emitted event callbacks.

func (c *Core) recordUpdate(params []transport.Param) {
	c.recMu.Lock()
	c.updates = append(c.updates, params)
	c.recMu.Unlock()
}

func (c *Core) onConnect(s *stream, offers []transport.FormatParam) {
	c.attached[s] = struct{}{}
	s.offers = offers

	c.emitState(s, transport.StateConnecting)
	c.propose(s)
}

// propose picks one concrete (format, modifiers) combination out of the
// offered alternatives and sends it back as a format proposal.
func (c *Core) propose(s *stream) {
	offer, format := c.pickFormat(s.offers)
	mods := intersectModifiers(offer.Modifiers, c.cfg.Modifiers[format])

	proposal := &transport.FormatProposal{
		Format: format,
		Width:  offer.Width,
		Height: offer.Height,
	}
	switch {
	case len(mods) == 0:
	case c.cfg.DeferModifiers:
		proposal.Modifiers = mods
		proposal.DontFixate = true
	default:
		proposal.Modifiers = mods[:1]
		proposal.FixedModifier = true
	}

	c.logger.Debug().
		Stringer("format", proposal.Format).
		Int("modifiers", len(proposal.Modifiers)).
		Bool("dont_fixate", proposal.DontFixate).
		Msg("proposing format")
	c.emit(func() {
		if s.disconnected {
			return
		}
		if s.handlers.ParamChanged != nil {
			s.handlers.ParamChanged(proposal)
		}
	})
}

func (c *Core) pickFormat(offers []transport.FormatParam) (transport.FormatParam, video.Format) {
	for _, want := range c.cfg.PreferredFormats {
		for _, offer := range offers {
			for _, f := range offer.Formats {
				if f == want {
					return offer, f
				}
			}
		}
	}
	return offers[0], offers[0].Formats[0]
}

func (c *Core) onUpdateParams(s *stream, params []transport.Param) {
	var pinned *transport.FormatParam
	var buffers *transport.BuffersParam
	var metas []transport.MetaParam
	for _, p := range params {
		switch v := p.(type) {
		case transport.FormatParam:
			if v.FixedModifier && pinned == nil {
				fp := v
				pinned = &fp
			}
		case transport.BuffersParam:
			bp := v
			buffers = &bp
		case transport.MetaParam:
			metas = append(metas, v)
		}
	}

	if pinned != nil {
		// Second round of the dont-fixate pattern: accept the producer's
		// pinned choice and propose it back as final.
		proposal := &transport.FormatProposal{
			Format:        pinned.Formats[0],
			Width:         pinned.Width,
			Height:        pinned.Height,
			Modifiers:     pinned.Modifiers[:1],
			FixedModifier: true,
		}
		c.logger.Debug().
			Stringer("format", proposal.Format).
			Uint64("modifier", proposal.Modifiers[0]).
			Msg("accepting pinned modifier")
		c.emit(func() {
			if s.disconnected {
				return
			}
			if s.handlers.ParamChanged != nil {
				s.handlers.ParamChanged(proposal)
			}
		})
		return
	}

	if buffers != nil {
		c.allocateBuffers(s, buffers, metas)
	}
}

func (c *Core) allocateBuffers(s *stream, bp *transport.BuffersParam, metas []transport.MetaParam) {
	count := uint32(c.cfg.Buffers)
	if count == 0 {
		count = bp.DefaultBuffers
	}
	if count < bp.MinBuffers {
		count = bp.MinBuffers
	}
	if count > bp.MaxBuffers {
		count = bp.MaxBuffers
	}
	blocks := bp.Blocks
	if blocks < 1 {
		blocks = 1
	}

	hasHeader, hasCursor := false, false
	for _, m := range metas {
		switch m.Type {
		case transport.MetaHeader:
			hasHeader = true
		case transport.MetaCursor:
			hasCursor = true
		}
	}

	newBuffers := make([]*transport.Buffer, 0, count)
	for i := uint32(0); i < count; i++ {
		b := &transport.Buffer{
			ID:     c.nextBufferID,
			Planes: make([]transport.Plane, blocks),
		}
		c.nextBufferID++
		if hasHeader {
			b.Header = &transport.HeaderMeta{}
		}
		if hasCursor {
			b.Cursor = &transport.CursorMeta{}
		}
		newBuffers = append(newBuffers, b)
	}

	c.logger.Debug().
		Uint32("count", count).
		Uint32("blocks", blocks).
		Stringer("data_type", bp.DataType).
		Msg("allocating buffers")

	c.emit(func() {
		if s.disconnected {
			return
		}
		// Renegotiation replaces the previous pool.
		if s.handlers.RemoveBuffer != nil {
			for _, b := range s.live {
				s.handlers.RemoveBuffer(b)
			}
		}
		s.live = nil
		s.free = nil
		s.queued = nil

		for _, b := range newBuffers {
			if s.handlers.AddBuffer != nil {
				s.handlers.AddBuffer(b)
			}
			s.live = append(s.live, b)
			s.free = append(s.free, b)
		}
	})
	c.emitState(s, transport.StatePaused)
	c.emitState(s, transport.StateStreaming)
}

func (c *Core) onTrigger(s *stream) {
	if s.consumerPaused {
		return
	}
	if c.cfg.ManualProcess {
		s.pendingTriggers++
		return
	}
	c.emitProcess(s)
}

// emitProcess runs one process cycle: the producer hands over one queued
// buffer, which the consumer takes delivery of and recycles.
func (c *Core) emitProcess(s *stream) {
	c.emit(func() {
		if s.disconnected {
			return
		}
		if s.handlers.Process != nil {
			s.handlers.Process()
		}
		if len(s.queued) == 0 {
			return
		}
		b := s.queued[0]
		s.queued[0] = nil
		s.queued = s.queued[1:]
		c.consume(b)
		s.free = append(s.free, b)
	})
}

func (c *Core) consume(b *transport.Buffer) {
	invalid := b.UserData == nil
	for _, p := range b.Planes {
		if p.Type == transport.DataInvalid {
			invalid = true
		}
	}

	c.recMu.Lock()
	defer c.recMu.Unlock()
	if invalid {
		c.invalidConsumed++
		return
	}
	rec := FrameRecord{BufferID: b.ID}
	if b.Header != nil {
		rec.Seq = b.Header.Seq
		rec.PTS = b.Header.PTS
	}
	if b.Cursor != nil {
		rec.CursorID = b.Cursor.ID
		rec.CursorPos = b.Cursor.Position
		rec.HasBitmap = b.Cursor.Bitmap != nil
	}
	c.consumed = append(c.consumed, rec)
}

func (c *Core) setPaused(paused bool) {
	for s := range c.attached {
		if s.consumerPaused == paused {
			continue
		}
		s.consumerPaused = paused
		if paused {
			s.pendingTriggers = 0
			c.emitState(s, transport.StatePaused)
		} else {
			c.emitState(s, transport.StateStreaming)
		}
	}
}

func (c *Core) onDetach(s *stream) {
	delete(c.attached, s)
}

// emitState defers the state transition to the session loop: the stream's
// reported state changes there, immediately before the handler runs.
func (c *Core) emitState(s *stream, to transport.StreamState) {
	c.emit(func() {
		if s.disconnected {
			return
		}
		from := s.state
		if from == to {
			return
		}
		s.state = to
		s.driving = to == transport.StateStreaming
		if s.handlers.StateChanged != nil {
			s.handlers.StateChanged(from, to)
		}
	})
}

func intersectModifiers(offered, supported []uint64) []uint64 {
	if len(offered) == 0 || len(supported) == 0 {
		return nil
	}
	sup := make(map[uint64]struct{}, len(supported))
	for _, m := range supported {
		sup[m] = struct{}{}
	}
	var out []uint64
	for _, m := range offered {
		if _, ok := sup[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
