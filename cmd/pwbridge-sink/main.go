// pwbridge-sink is a standalone media-IPC consumer. It listens on a unix
// socket, negotiates formats and buffers with one producer at a time, and
// logs every frame it takes delivery of. Process cycles either follow the
// producer's triggers or run at a fixed rate (-rate), and SIGUSR1 toggles
// pause/resume on every live stream. Its main use is as the remote peer for
// pwbridge-demo and for poking at producers by hand.
package main

import (
	"errors"
	"flag"
	"io"
	stdlog "log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"pwbridge/transport"
	"pwbridge/transport/ipc"
	"pwbridge/video"
)

var (
	flagListen    = flag.String("listen", "/tmp/pwbridge.sock", "Unix socket path to listen on")
	flagFormats   = flag.String("formats", "", "Comma-separated preferred formats (e.g. BGRA,RGBA); empty accepts the producer's first offer")
	flagModifiers = flag.String("modifiers", "", "Comma-separated supported memory-layout modifiers (hex), applied to every format")
	flagDefer     = flag.Bool("defer-modifiers", false, "Propose an unfixed modifier list first, forcing a second negotiation round")
	flagBuffers   = flag.Int("buffers", 0, "Buffer count to allocate (0 = producer's default)")
	flagRate      = flag.Int("rate", 0, "Drive process cycles at this fixed rate in Hz instead of following producer triggers (0 = trigger-driven)")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	formats, err := parseFormats(*flagFormats)
	if err != nil {
		stdlog.Fatal(err)
	}
	modifiers, err := parseModifiers(*flagModifiers)
	if err != nil {
		stdlog.Fatal(err)
	}
	if *flagRate < 0 {
		stdlog.Fatal("--rate must be >= 0")
	}

	_ = os.Remove(*flagListen)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: *flagListen, Net: "unix"})
	if err != nil {
		stdlog.Fatal(err)
	}
	defer os.Remove(*flagListen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("shutting down")
		ln.Close()
	}()

	pauseCh := make(chan os.Signal, 1)
	signal.Notify(pauseCh, syscall.SIGUSR1)

	log.Info().Str("socket", *flagListen).Int("rate", *flagRate).Msg("listening")
	for {
		uc, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		s := &sink{
			logger:    log.With().Str("module", "sink").Logger(),
			conn:      ipc.NewConn(uc),
			formats:   formats,
			modifiers: modifiers,
			deferMods: *flagDefer,
			buffers:   uint32(*flagBuffers),
			rate:      *flagRate,
			streams:   make(map[uint64]*sinkStream),
		}

		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-pauseCh:
					s.togglePause()
				case <-stop:
					return
				}
			}
		}()
		s.serve()
		close(stop)
	}
}

func parseFormats(arg string) ([]video.Format, error) {
	var out []video.Format
	for _, name := range strings.Split(arg, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := video.ParseFormat(name)
		if !ok {
			return nil, errors.New("unknown format " + strconv.Quote(name))
		}
		out = append(out, f)
	}
	return out, nil
}

func parseModifiers(arg string) ([]uint64, error) {
	var out []uint64
	for _, tok := range strings.Split(arg, ",") {
		tok = strings.TrimSpace(strings.TrimPrefix(tok, "0x"))
		if tok == "" {
			continue
		}
		m, err := strconv.ParseUint(tok, 16, 64)
		if err != nil {
			return nil, errors.New("bad modifier " + strconv.Quote(tok))
		}
		out = append(out, m)
	}
	return out, nil
}

// sink handles one producer connection. Message handling runs on the read
// loop; the pause toggle and the rate driver run on their own goroutines,
// so the stream registry and the pause flag sit behind a mutex. Writes are
// serialized by the conn itself.
type sink struct {
	logger    zerolog.Logger
	conn      *ipc.Conn
	formats   []video.Format
	modifiers []uint64
	deferMods bool
	buffers   uint32
	rate      int

	mu      sync.Mutex
	paused  bool
	streams map[uint64]*sinkStream
}

// sinkStream tracks one negotiated channel and the plane descriptors the
// producer shared for it. Apart from streaming (guarded by sink.mu), fields
// are touched by the read loop only.
type sinkStream struct {
	name      string
	expecting uint32
	announced uint32
	streaming bool
	fds       map[uint32][]int
	frames    uint64
}

func (s *sink) serve() {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		for _, st := range s.streams {
			st.closeFDs()
		}
		s.mu.Unlock()
		s.conn.Close()
	}()

	if s.rate > 0 {
		go s.driveRate(done)
	}

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		if err := s.handle(typ, data); err != nil {
			if errors.Is(err, errBye) {
				s.logger.Info().Msg("producer said goodbye")
				return
			}
			s.logger.Error().Err(err).Str("type", typ).Msg("bad message")
		}
	}
}

var errBye = errors.New("bye")

func (s *sink) stream(id uint64) *sinkStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *sink) handle(typ string, data []byte) error {
	switch typ {
	case ipc.MsgHello:
		var m ipc.Hello
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		s.logger.Info().Str("session", m.Session).Str("app", m.App).Msg("producer connected")
		return s.conn.WriteMessage(ipc.MsgHelloAck, ipc.HelloAck{Consumer: "pwbridge-sink"})

	case ipc.MsgStreamConnect:
		var m ipc.StreamConnect
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		s.mu.Lock()
		s.streams[m.StreamID] = &sinkStream{name: m.Name, fds: make(map[uint32][]int)}
		s.mu.Unlock()
		s.logger.Info().Uint64("stream", m.StreamID).Str("name", m.Name).Msg("stream connecting")
		return s.propose(m.StreamID, m.Formats)

	case ipc.MsgUpdateParams:
		var m ipc.UpdateParams
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		return s.onUpdateParams(&m)

	case ipc.MsgBufferPlanes:
		var m ipc.BufferPlanes
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		return s.onBufferPlanes(&m)

	case ipc.MsgTrigger:
		var m ipc.StreamRef
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		return s.onTrigger(m.StreamID)

	case ipc.MsgBufferDone:
		var m ipc.BufferDone
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		return s.onBufferDone(&m)

	case ipc.MsgFlush:
		var m ipc.StreamRef
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		s.logger.Debug().Uint64("stream", m.StreamID).Msg("flushed")
		return nil

	case ipc.MsgStreamDisconnect:
		var m ipc.StreamRef
		if err := ipc.Decode(data, &m); err != nil {
			return err
		}
		s.mu.Lock()
		st := s.streams[m.StreamID]
		delete(s.streams, m.StreamID)
		s.mu.Unlock()
		if st != nil {
			st.closeFDs()
			s.logger.Info().Uint64("stream", m.StreamID).Msg("stream disconnected")
		}
		return nil

	case ipc.MsgBye:
		return errBye

	default:
		s.logger.Debug().Str("type", typ).Msg("ignoring message")
		return nil
	}
}

// propose picks one concrete (format, modifiers) combination from the
// offered alternatives and sends it back.
func (s *sink) propose(streamID uint64, offers []ipc.FormatParam) error {
	if len(offers) == 0 || len(offers[0].Formats) == 0 {
		return errors.New("empty format offer")
	}
	offer, format := s.pickFormat(offers)
	mods := intersectModifiers(offer.Modifiers, s.modifiers)

	proposal := ipc.FormatProposal{
		StreamID: streamID,
		Format:   format,
		Width:    offer.Width,
		Height:   offer.Height,
	}
	switch {
	case len(mods) == 0:
	case s.deferMods:
		proposal.Modifiers = mods
		proposal.DontFixate = true
	default:
		proposal.Modifiers = mods[:1]
		proposal.FixedModifier = true
	}

	s.logger.Info().
		Stringer("format", video.Format(format)).
		Int("modifiers", len(proposal.Modifiers)).
		Bool("dont_fixate", proposal.DontFixate).
		Msg("proposing format")
	return s.conn.WriteMessage(ipc.MsgFormatProposal, proposal)
}

func (s *sink) pickFormat(offers []ipc.FormatParam) (ipc.FormatParam, uint32) {
	for _, want := range s.formats {
		for _, offer := range offers {
			for _, f := range offer.Formats {
				if f == uint32(want) {
					return offer, f
				}
			}
		}
	}
	return offers[0], offers[0].Formats[0]
}

func (s *sink) onUpdateParams(m *ipc.UpdateParams) error {
	st := s.stream(m.StreamID)
	if st == nil {
		return errors.New("unknown stream " + strconv.FormatUint(m.StreamID, 10))
	}

	for _, f := range m.Formats {
		if f.FixedModifier && len(f.Formats) > 0 && len(f.Modifiers) > 0 {
			// Second round of the dont-fixate pattern: accept the
			// producer's pinned modifier and propose it back as final.
			s.logger.Info().
				Stringer("format", video.Format(f.Formats[0])).
				Str("modifier", "0x"+strconv.FormatUint(f.Modifiers[0], 16)).
				Msg("accepting pinned modifier")
			return s.conn.WriteMessage(ipc.MsgFormatProposal, ipc.FormatProposal{
				StreamID:      m.StreamID,
				Format:        f.Formats[0],
				Width:         f.Width,
				Height:        f.Height,
				Modifiers:     f.Modifiers[:1],
				FixedModifier: true,
			})
		}
	}

	if m.Buffers == nil {
		return nil
	}
	count := s.buffers
	if count == 0 {
		count = m.Buffers.DefaultBuffers
	}
	if count < m.Buffers.MinBuffers {
		count = m.Buffers.MinBuffers
	}
	if count > m.Buffers.MaxBuffers {
		count = m.Buffers.MaxBuffers
	}

	hasHeader, hasCursor := false, false
	for _, meta := range m.Metas {
		switch transport.MetaType(meta.Type) {
		case transport.MetaHeader:
			hasHeader = true
		case transport.MetaCursor:
			hasCursor = true
		}
	}

	st.expecting = count
	st.announced = 0
	s.logger.Info().Uint32("count", count).Uint32("blocks", m.Buffers.Blocks).Msg("requesting buffers")
	return s.conn.WriteMessage(ipc.MsgAllocBuffers, ipc.AllocBuffers{
		StreamID:  m.StreamID,
		Count:     count,
		Blocks:    m.Buffers.Blocks,
		HasHeader: hasHeader,
		HasCursor: hasCursor,
	})
}

func (s *sink) onBufferPlanes(m *ipc.BufferPlanes) error {
	st := s.stream(m.StreamID)
	if st == nil {
		return errors.New("unknown stream " + strconv.FormatUint(m.StreamID, 10))
	}

	if transport.DataType(m.DataType) != transport.DataInvalid {
		fds, err := s.conn.ReadFDs(len(m.Planes))
		if err != nil {
			return err
		}
		st.fds[m.BufferID] = fds
	} else {
		s.logger.Warn().Uint32("buffer", m.BufferID).Msg("producer announced invalidated buffer")
	}
	st.announced++

	// The pool is complete; start the stream. A trigger-driven sink lets
	// the producer drive cycling; a rate-driven one keeps that role.
	if st.announced == st.expecting {
		s.mu.Lock()
		st.streaming = true
		s.mu.Unlock()
		for _, state := range []transport.StreamState{transport.StatePaused, transport.StateStreaming} {
			err := s.conn.WriteMessage(ipc.MsgStreamState, ipc.StreamState{
				StreamID: m.StreamID,
				State:    int(state),
				Driving:  state == transport.StateStreaming,
			})
			if err != nil {
				return err
			}
		}
		s.logger.Info().Uint64("stream", m.StreamID).Msg("streaming")
	}
	return nil
}

// onTrigger answers a producer trigger with one process cycle, unless the
// sink is paused or a fixed-rate driver owns the cadence.
func (s *sink) onTrigger(streamID uint64) error {
	s.mu.Lock()
	skip := s.paused || s.rate > 0
	s.mu.Unlock()
	if skip {
		return nil
	}
	return s.conn.WriteMessage(ipc.MsgProcess, ipc.StreamRef{StreamID: streamID})
}

func (s *sink) onBufferDone(m *ipc.BufferDone) error {
	st := s.stream(m.StreamID)
	if st == nil {
		return errors.New("unknown stream " + strconv.FormatUint(m.StreamID, 10))
	}
	st.frames++

	ev := s.logger.Debug().
		Uint64("stream", m.StreamID).
		Uint32("buffer", m.BufferID).
		Uint64("frames", st.frames)
	if m.Header != nil {
		ev = ev.Uint64("seq", m.Header.Seq).Int64("pts", m.Header.PTS)
	}
	if m.Cursor != nil {
		ev = ev.Uint32("cursor", m.Cursor.ID).
			Int32("x", m.Cursor.X).
			Int32("y", m.Cursor.Y).
			Bool("bitmap", m.Cursor.Bitmap != nil)
	}
	ev.Msg("frame")

	return s.conn.WriteMessage(ipc.MsgProcessDone, ipc.ProcessDone{
		StreamID: m.StreamID,
		BufferID: m.BufferID,
	})
}

// togglePause flips the pause state and tells every live stream, so the
// producer drains its claimed frames and flushes its pool.
func (s *sink) togglePause() {
	s.mu.Lock()
	s.paused = !s.paused
	paused := s.paused
	ids := s.streamingIDsLocked()
	s.mu.Unlock()

	state := transport.StateStreaming
	if paused {
		state = transport.StatePaused
	}
	for _, id := range ids {
		err := s.conn.WriteMessage(ipc.MsgStreamState, ipc.StreamState{
			StreamID: id,
			State:    int(state),
			Driving:  state == transport.StateStreaming,
		})
		if err != nil {
			s.logger.Warn().Err(err).Uint64("stream", id).Msg("pause state write failed")
		}
	}
	s.logger.Info().Bool("paused", paused).Msg("pause toggled")
}

// driveRate emits process cycles at the configured rate for every live
// stream until the connection goes away.
func (s *sink) driveRate(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(s.rate))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.paused {
				s.mu.Unlock()
				continue
			}
			ids := s.streamingIDsLocked()
			s.mu.Unlock()
			for _, id := range ids {
				err := s.conn.WriteMessage(ipc.MsgProcess, ipc.StreamRef{StreamID: id})
				if err != nil {
					return
				}
			}
		}
	}
}

func (s *sink) streamingIDsLocked() []uint64 {
	var ids []uint64
	for id, st := range s.streams {
		if st.streaming {
			ids = append(ids, id)
		}
	}
	return ids
}

func (st *sinkStream) closeFDs() {
	for id, fds := range st.fds {
		for _, fd := range fds {
			unix.Close(fd)
		}
		delete(st.fds, id)
	}
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
