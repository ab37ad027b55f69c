package pwbridge_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pwbridge"
	"pwbridge/transport"
	"pwbridge/transport/loopback"
	"pwbridge/video"
)

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timeout waiting for " + msg)
}

// fakeBackend is a scriptable capture backend. Its methods run on the
// session loop goroutine; the counters are read from the test goroutine.
type fakeBackend struct {
	mu sync.Mutex

	rejectFormats bool // FixateFormat always returns nil
	failAdds      int  // fail the first N AddBuffer calls
	cursor        *pwbridge.CursorBitmap

	adds      int
	removes   int
	processed int
	fixations []pwbridge.EnumFormatInfo
}

type fakeFrame struct {
	id int
}

func (f *fakeBackend) FixateFormat(info pwbridge.EnumFormatInfo) *pwbridge.FixateFormat {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixations = append(f.fixations, info)
	if f.rejectFormats {
		return nil
	}
	fixated := &pwbridge.FixateFormat{NumPlanes: 1}
	if len(info.Modifiers) > 0 {
		mod := info.Modifiers[0]
		fixated.Modifier = &mod
	}
	return fixated
}

func (f *fakeBackend) AddBuffer() *pwbridge.BufferInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if f.adds <= f.failAdds {
		return nil
	}
	return &pwbridge.BufferInfo{
		Planes: []pwbridge.BufferPlaneInfo{
			{FD: int64(100 + f.adds), Size: 4096, Stride: 64},
		},
		UserHandle: &fakeFrame{id: f.adds},
	}
}

func (f *fakeBackend) RemoveBuffer(handle pwbridge.BufferUserHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := handle.(*fakeFrame); !ok {
		panic("remove with foreign handle")
	}
	f.removes++
}

func (f *fakeBackend) ProcessBuffer(handle pwbridge.BufferUserHandle, setCursor pwbridge.SetCursorFunc) {
	f.mu.Lock()
	f.processed++
	n := f.processed
	cursor := f.cursor
	f.mu.Unlock()

	if setCursor != nil && cursor != nil {
		setCursor(pwbridge.CursorInfo{
			Serial:   n == 1,
			Position: pwbridge.Point{X: int32(n), Y: 7},
			Hotspot:  pwbridge.Point{X: 1, Y: 1},
			Bitmap:   cursor,
		})
	}
}

func (f *fakeBackend) counts() (adds, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds, f.removes
}

func smallBitmap() *pwbridge.CursorBitmap {
	return &pwbridge.CursorBitmap{
		Width:  8,
		Height: 8,
		Format: video.FormatBGRA,
		Pixels: make([]byte, 8*8*4),
	}
}

// startStream wires a session and one stream over a loopback consumer.
func startStream(t *testing.T, cfg loopback.Config, backend *fakeBackend, modifiers []uint64) (*loopback.Core, *pwbridge.Client, *pwbridge.Stream) {
	t.Helper()
	core := loopback.New(cfg)
	client, err := pwbridge.New(core)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(client.Terminate)

	stream, err := client.CreateStream(pwbridge.StreamInfo{
		Width:  640,
		Height: 480,
		EnumFormats: []pwbridge.EnumFormatInfo{
			{Formats: []video.Format{video.FormatBGRA}, Modifiers: modifiers},
		},
		Backend: backend,
		Name:    "test-stream",
	})
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	return core, client, stream
}

// produceFrame claims a free buffer and queues it for processing.
func produceFrame(t *testing.T, stream *pwbridge.Stream) {
	t.Helper()
	var h pwbridge.BufferHandle
	waitFor(t, func() bool {
		var ok bool
		h, _, ok = stream.DequeueBuffer()
		return ok
	}, "free buffer")
	if err := stream.QueueBufferProcess(h); err != nil {
		t.Fatalf("QueueBufferProcess failed: %v", err)
	}
}

// TestNegotiationToStreaming runs a full modifier-less negotiation and
// checks frames reach the consumer with header metadata attached.
func TestNegotiationToStreaming(t *testing.T) {
	backend := &fakeBackend{}
	core, _, stream := startStream(t, loopback.Config{}, backend, nil)

	for i := 0; i < 3; i++ {
		produceFrame(t, stream)
	}
	waitFor(t, func() bool { return len(core.Consumed()) == 3 }, "3 consumed frames")

	frames := core.Consumed()
	var lastPTS int64 = -1
	for i, rec := range frames {
		if rec.Seq != uint64(i) {
			t.Errorf("frame %d: expected seq %d, got %d", i, i, rec.Seq)
		}
		if rec.PTS < lastPTS {
			t.Errorf("frame %d: PTS went backwards (%d after %d)", i, rec.PTS, lastPTS)
		}
		lastPTS = rec.PTS
	}
	if core.InvalidConsumed() != 0 {
		t.Errorf("expected no invalid frames, got %d", core.InvalidConsumed())
	}

	// The backend was asked to fixate exactly the proposed format, with no
	// modifiers, and its single-plane answer drove the buffer layout.
	backend.mu.Lock()
	fixations := backend.fixations
	backend.mu.Unlock()
	if len(fixations) != 1 {
		t.Fatalf("expected 1 fixation, got %d", len(fixations))
	}
	if len(fixations[0].Formats) != 1 || fixations[0].Formats[0] != video.FormatBGRA || len(fixations[0].Modifiers) != 0 {
		t.Errorf("unexpected fixation request: %+v", fixations[0])
	}
	for _, update := range core.Updates() {
		for _, p := range update {
			if bp, ok := p.(transport.BuffersParam); ok {
				if bp.Blocks != 1 {
					t.Errorf("expected 1 block per buffer, got %d", bp.Blocks)
				}
				if bp.DataType != transport.DataMemFd {
					t.Errorf("expected memfd backing without modifiers, got %v", bp.DataType)
				}
			}
		}
	}
}

// TestDeferredModifierFixation drives the two-round pattern: the consumer
// keeps the modifier choice open, the producer answers by republishing its
// pinned pick first with the original offer behind it, and streaming still
// comes up.
func TestDeferredModifierFixation(t *testing.T) {
	backend := &fakeBackend{}
	cfg := loopback.Config{
		Modifiers:      map[video.Format][]uint64{video.FormatBGRA: {2, 3}},
		DeferModifiers: true,
	}
	core, _, stream := startStream(t, cfg, backend, []uint64{1, 2, 3})

	waitFor(t, func() bool { return len(core.Updates()) >= 3 }, "3 negotiation rounds")
	updates := core.Updates()

	// Round 2: pinned choice first, original offer as fallback.
	repub := updates[1]
	if len(repub) != 2 {
		t.Fatalf("republish: expected 2 params, got %d", len(repub))
	}
	pinned, ok := repub[0].(transport.FormatParam)
	if !ok {
		t.Fatalf("republish[0]: expected FormatParam, got %T", repub[0])
	}
	if !pinned.FixedModifier || len(pinned.Modifiers) != 1 || pinned.Modifiers[0] != 2 {
		t.Errorf("pinned param wrong: fixed=%v modifiers=%v", pinned.FixedModifier, pinned.Modifiers)
	}
	fallback, ok := repub[1].(transport.FormatParam)
	if !ok {
		t.Fatalf("republish[1]: expected FormatParam, got %T", repub[1])
	}
	if fallback.FixedModifier || len(fallback.Modifiers) != 3 {
		t.Errorf("fallback param wrong: fixed=%v modifiers=%v", fallback.FixedModifier, fallback.Modifiers)
	}

	// Round 3: final buffer params with dmabuf backing and both metas.
	var buffers *transport.BuffersParam
	metas := 0
	for _, p := range updates[2] {
		switch v := p.(type) {
		case transport.BuffersParam:
			bp := v
			buffers = &bp
		case transport.MetaParam:
			metas++
		}
	}
	if buffers == nil {
		t.Fatal("no BuffersParam in final round")
	}
	if buffers.DataType != transport.DataDmaBuf {
		t.Errorf("expected dmabuf backing, got %v", buffers.DataType)
	}
	if metas != 2 {
		t.Errorf("expected header and cursor metas, got %d", metas)
	}

	// The pinned modifier was what the backend chose in round one.
	produceFrame(t, stream)
	waitFor(t, func() bool { return len(core.Consumed()) == 1 }, "frame after fixation")
}

// TestDequeueRequiresStreaming verifies no buffer can be claimed while
// negotiation is stuck: a backend that rejects every proposal keeps the
// stream out of the streaming state.
func TestDequeueRequiresStreaming(t *testing.T) {
	backend := &fakeBackend{rejectFormats: true}
	_, _, stream := startStream(t, loopback.Config{}, backend, nil)

	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.fixations) >= 1
	}, "rejected proposal")

	for i := 0; i < 10; i++ {
		if _, _, ok := stream.DequeueBuffer(); ok {
			t.Fatal("DequeueBuffer succeeded without a negotiated stream")
		}
		time.Sleep(time.Millisecond)
	}
	adds, _ := backend.counts()
	if adds != 0 {
		t.Errorf("buffers allocated despite failed negotiation: %d", adds)
	}
}

// TestBackpressureGate verifies at most 4 buffers can be in flight, the
// fifth queue attempt fails with ErrQueueFull, and a process cycle makes
// room again.
func TestBackpressureGate(t *testing.T) {
	backend := &fakeBackend{}
	cfg := loopback.Config{ManualProcess: true, Buffers: 6}
	core, _, stream := startStream(t, cfg, backend, nil)

	handles := make([]pwbridge.BufferHandle, 0, 5)
	for i := 0; i < 5; i++ {
		var h pwbridge.BufferHandle
		waitFor(t, func() bool {
			var ok bool
			h, _, ok = stream.DequeueBuffer()
			return ok
		}, "free buffer")
		handles = append(handles, h)
	}

	for i := 0; i < 4; i++ {
		if err := stream.QueueBufferProcess(handles[i]); err != nil {
			t.Fatalf("queue %d failed: %v", i, err)
		}
	}
	if err := stream.QueueBufferProcess(handles[4]); !errors.Is(err, pwbridge.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull on fifth queue, got %v", err)
	}

	// One consumed frame frees one slot in the gate.
	core.ProcessOne()
	waitFor(t, func() bool { return len(core.Consumed()) == 1 }, "first consumed frame")
	waitFor(t, func() bool {
		return stream.QueueBufferProcess(handles[4]) == nil
	}, "queue after process cycle")
}

// TestPauseDrainsWithoutProcessing verifies pausing throws away claimed
// frames: nothing is consumed and every slot returns to the free pool.
func TestPauseDrainsWithoutProcessing(t *testing.T) {
	backend := &fakeBackend{}
	cfg := loopback.Config{ManualProcess: true, Buffers: 6}
	core, _, stream := startStream(t, cfg, backend, nil)

	for i := 0; i < 3; i++ {
		produceFrame(t, stream)
	}

	core.Pause()
	waitFor(t, func() bool {
		_, _, ok := stream.DequeueBuffer()
		return !ok
	}, "dequeue to fail while paused")

	core.Resume()
	// All 6 slots must be free again after the drain and flush.
	claimed := 0
	waitFor(t, func() bool {
		if _, _, ok := stream.DequeueBuffer(); ok {
			claimed++
		}
		return claimed == 6
	}, "all slots free after resume")

	if n := len(core.Consumed()); n != 0 {
		t.Errorf("paused stream consumed %d frames", n)
	}
}

// TestInvalidBufferNeverDelivered verifies a slot whose allocation failed
// is invalidated, skipped by dequeue, and never surfaces as a frame.
func TestInvalidBufferNeverDelivered(t *testing.T) {
	backend := &fakeBackend{failAdds: 1}
	cfg := loopback.Config{ManualProcess: true, Buffers: 2}
	core, _, stream := startStream(t, cfg, backend, nil)

	// Only the healthy slot is ever handed out.
	var h pwbridge.BufferHandle
	var user pwbridge.BufferUserHandle
	waitFor(t, func() bool {
		var ok bool
		h, user, ok = stream.DequeueBuffer()
		return ok
	}, "healthy buffer")
	if user.(*fakeFrame).id != 2 {
		t.Errorf("expected the second allocation, got %d", user.(*fakeFrame).id)
	}
	if err := stream.QueueBufferProcess(h); err != nil {
		t.Fatalf("QueueBufferProcess failed: %v", err)
	}

	// The requeued invalid slot goes out first and is discarded.
	core.ProcessOne()
	waitFor(t, func() bool { return core.InvalidConsumed() == 1 }, "invalid buffer discarded")
	core.ProcessOne()
	waitFor(t, func() bool { return len(core.Consumed()) == 1 }, "healthy frame consumed")
}

// TestCursorMetadata verifies the cursor block carries position, bitmap
// and a stable id that only bumps when the backend signals a shape change.
func TestCursorMetadata(t *testing.T) {
	backend := &fakeBackend{cursor: smallBitmap()}
	core, _, stream := startStream(t, loopback.Config{}, backend, nil)

	produceFrame(t, stream)
	produceFrame(t, stream)
	waitFor(t, func() bool { return len(core.Consumed()) == 2 }, "2 frames")

	frames := core.Consumed()
	for i, rec := range frames {
		if rec.CursorID == 0 {
			t.Errorf("frame %d: cursor id not set", i)
		}
		if !rec.HasBitmap {
			t.Errorf("frame %d: cursor bitmap missing", i)
		}
	}
	if frames[0].CursorID != frames[1].CursorID {
		t.Errorf("cursor id changed without a serial bump: %d then %d",
			frames[0].CursorID, frames[1].CursorID)
	}
	if frames[0].CursorPos.X != 1 || frames[1].CursorPos.X != 2 {
		t.Errorf("cursor positions wrong: %+v %+v", frames[0].CursorPos, frames[1].CursorPos)
	}
}

// TestTerminateRemovesBuffersOnce verifies stream teardown releases every
// allocated buffer exactly once, also on a repeated Terminate.
func TestTerminateRemovesBuffersOnce(t *testing.T) {
	backend := &fakeBackend{}
	cfg := loopback.Config{Buffers: 4}
	_, _, stream := startStream(t, cfg, backend, nil)

	waitFor(t, func() bool {
		adds, _ := backend.counts()
		return adds == 4
	}, "buffer allocation")

	if err := stream.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := stream.Terminate(); err != nil {
		t.Fatalf("second Terminate failed: %v", err)
	}

	adds, removes := backend.counts()
	if adds != 4 || removes != 4 {
		t.Errorf("expected 4 adds and 4 removes, got %d/%d", adds, removes)
	}

	// The handle is dead now.
	if _, _, ok := stream.DequeueBuffer(); ok {
		t.Error("DequeueBuffer succeeded on a terminated stream")
	}
	if err := stream.QueueBufferProcess(pwbridge.BufferHandle{}); err == nil {
		t.Error("QueueBufferProcess accepted the zero handle")
	}
}

// Racing Terminate calls must all succeed while the backend still sees each
// buffer removed exactly once.
func TestConcurrentTerminate(t *testing.T) {
	backend := &fakeBackend{}
	cfg := loopback.Config{Buffers: 4}
	_, _, stream := startStream(t, cfg, backend, nil)

	waitFor(t, func() bool {
		adds, _ := backend.counts()
		return adds == 4
	}, "buffer allocation")

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- stream.Terminate()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Terminate failed: %v", err)
		}
	}

	adds, removes := backend.counts()
	if adds != 4 || removes != 4 {
		t.Errorf("expected 4 adds and 4 removes, got %d/%d", adds, removes)
	}
}

// TestSessionTerminateRemovesBuffers verifies session teardown reaches
// streams that were never individually terminated.
func TestSessionTerminateRemovesBuffers(t *testing.T) {
	backend := &fakeBackend{}
	cfg := loopback.Config{Buffers: 4}
	_, client, _ := startStream(t, cfg, backend, nil)

	waitFor(t, func() bool {
		adds, _ := backend.counts()
		return adds == 4
	}, "buffer allocation")

	client.Terminate()
	adds, removes := backend.counts()
	if removes != adds {
		t.Errorf("expected %d removes after session teardown, got %d", adds, removes)
	}
}
