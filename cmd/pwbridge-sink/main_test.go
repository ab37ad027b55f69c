package main

import (
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"pwbridge/transport"
	"pwbridge/transport/ipc"
	"pwbridge/video"
)

// sinkPair spins up a sink serving one end of a socketpair and returns the
// producer-side conn.
func sinkPair(t *testing.T, configure func(*sink)) *ipc.Conn {
	t.Helper()
	a, b := connPair(t)
	s := &sink{
		logger:  zerolog.Nop(),
		conn:    ipc.NewConn(a),
		buffers: 2,
		streams: make(map[uint64]*sinkStream),
	}
	if configure != nil {
		configure(s)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serve()
	}()
	producer := ipc.NewConn(b)
	t.Cleanup(func() {
		producer.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("sink serve loop did not exit")
		}
	})
	return producer
}

func connPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fileConn(t, fds[0]), fileConn(t, fds[1])
}

func fileConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "pair")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		t.Fatalf("FileConn returned %T, want *net.UnixConn", c)
	}
	return uc
}

// expectMessage reads frames until one of type want arrives, failing on
// anything unexpected or on timeout.
func expectMessage(t *testing.T, c *ipc.Conn, want string) json.RawMessage {
	t.Helper()
	type frame struct {
		typ  string
		data json.RawMessage
		err  error
	}
	ch := make(chan frame, 1)
	go func() {
		typ, data, err := c.ReadMessage()
		ch <- frame{typ, data, err}
	}()
	select {
	case f := <-ch:
		if f.err != nil {
			t.Fatalf("reading %s: %v", want, f.err)
		}
		if f.typ != want {
			t.Fatalf("got message %q, want %q", f.typ, want)
		}
		return f.data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return nil
	}
}

// negotiateStream walks a producer conn through handshake, format
// negotiation and buffer allocation until the sink reports streaming.
func negotiateStream(t *testing.T, producer *ipc.Conn) {
	t.Helper()

	if err := producer.WriteMessage(ipc.MsgHello, ipc.Hello{Session: "s", App: "test"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	expectMessage(t, producer, ipc.MsgHelloAck)

	err := producer.WriteMessage(ipc.MsgStreamConnect, ipc.StreamConnect{
		StreamID: 1,
		Name:     "capture",
		Formats: []ipc.FormatParam{{
			Formats: []uint32{uint32(video.FormatBGRA)},
			Width:   64, Height: 64,
		}},
	})
	if err != nil {
		t.Fatalf("stream-connect: %v", err)
	}

	var proposal ipc.FormatProposal
	if err := ipc.Decode(expectMessage(t, producer, ipc.MsgFormatProposal), &proposal); err != nil {
		t.Fatalf("decode proposal: %v", err)
	}
	if proposal.Format != uint32(video.FormatBGRA) {
		t.Fatalf("proposed format %d, want %d", proposal.Format, video.FormatBGRA)
	}

	err = producer.WriteMessage(ipc.MsgUpdateParams, ipc.UpdateParams{
		StreamID: 1,
		Buffers: &ipc.BuffersParam{
			MinBuffers: 1, MaxBuffers: 8, DefaultBuffers: 4,
			Blocks:   1,
			DataType: int(transport.DataMemFd),
		},
		Metas: []ipc.MetaParam{
			{Type: int(transport.MetaHeader)},
			{Type: int(transport.MetaCursor)},
		},
	})
	if err != nil {
		t.Fatalf("update-params: %v", err)
	}

	var alloc ipc.AllocBuffers
	if err := ipc.Decode(expectMessage(t, producer, ipc.MsgAllocBuffers), &alloc); err != nil {
		t.Fatalf("decode alloc: %v", err)
	}
	if alloc.Count != 2 {
		t.Fatalf("alloc count %d, want 2", alloc.Count)
	}
	if !alloc.HasHeader || !alloc.HasCursor {
		t.Fatalf("alloc metas header=%v cursor=%v, want both", alloc.HasHeader, alloc.HasCursor)
	}

	for id := uint32(0); id < alloc.Count; id++ {
		err := producer.WriteMessage(ipc.MsgBufferPlanes, ipc.BufferPlanes{
			StreamID: 1,
			BufferID: id,
			DataType: int(transport.DataInvalid),
		})
		if err != nil {
			t.Fatalf("buffer-planes %d: %v", id, err)
		}
	}

	expectStreamState(t, producer, transport.StatePaused, false)
	expectStreamState(t, producer, transport.StateStreaming, true)
}

func expectStreamState(t *testing.T, c *ipc.Conn, state transport.StreamState, driving bool) {
	t.Helper()
	var m ipc.StreamState
	if err := ipc.Decode(expectMessage(t, c, ipc.MsgStreamState), &m); err != nil {
		t.Fatalf("decode stream-state: %v", err)
	}
	if m.State != int(state) || m.Driving != driving {
		t.Fatalf("stream-state {%d driving=%v}, want {%d driving=%v}",
			m.State, m.Driving, state, driving)
	}
}

// A trigger-driven sink answers each trigger with one process cycle and
// recycles delivered buffers with process-done.
func TestSinkTriggerDriven(t *testing.T) {
	producer := sinkPair(t, nil)
	negotiateStream(t, producer)

	if err := producer.WriteMessage(ipc.MsgTrigger, ipc.StreamRef{StreamID: 1}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var proc ipc.StreamRef
	if err := ipc.Decode(expectMessage(t, producer, ipc.MsgProcess), &proc); err != nil {
		t.Fatalf("decode process: %v", err)
	}
	if proc.StreamID != 1 {
		t.Fatalf("process stream %d, want 1", proc.StreamID)
	}

	err := producer.WriteMessage(ipc.MsgBufferDone, ipc.BufferDone{
		StreamID: 1,
		BufferID: 0,
		Header:   &ipc.Header{Seq: 1, PTS: 1000},
	})
	if err != nil {
		t.Fatalf("buffer-done: %v", err)
	}
	var done ipc.ProcessDone
	if err := ipc.Decode(expectMessage(t, producer, ipc.MsgProcessDone), &done); err != nil {
		t.Fatalf("decode process-done: %v", err)
	}
	if done.BufferID != 0 {
		t.Fatalf("process-done buffer %d, want 0", done.BufferID)
	}
}

// togglePause must send a paused stream-state to every live stream and a
// streaming one on resume, dropping and reclaiming the driving role.
func TestSinkPauseResume(t *testing.T) {
	var s *sink
	producer := sinkPair(t, func(cfg *sink) { s = cfg })
	negotiateStream(t, producer)

	s.togglePause()
	expectStreamState(t, producer, transport.StatePaused, false)

	s.togglePause()
	expectStreamState(t, producer, transport.StateStreaming, true)

	// Cycling follows triggers again after resume.
	if err := producer.WriteMessage(ipc.MsgTrigger, ipc.StreamRef{StreamID: 1}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	expectMessage(t, producer, ipc.MsgProcess)
}

// A rate-driven sink emits process cycles on its own clock, with no
// trigger from the producer.
func TestSinkRateDriven(t *testing.T) {
	producer := sinkPair(t, func(cfg *sink) { cfg.rate = 200 })
	negotiateStream(t, producer)

	var proc ipc.StreamRef
	if err := ipc.Decode(expectMessage(t, producer, ipc.MsgProcess), &proc); err != nil {
		t.Fatalf("decode process: %v", err)
	}
	if proc.StreamID != 1 {
		t.Fatalf("process stream %d, want 1", proc.StreamID)
	}
	// The driver keeps ticking.
	expectMessage(t, producer, ipc.MsgProcess)
}
