package pwbridge_test

import (
	"errors"
	"sync"
	"testing"

	"pwbridge"
	"pwbridge/transport/loopback"
	"pwbridge/video"
)

func testStreamInfo(backend pwbridge.Backend) pwbridge.StreamInfo {
	return pwbridge.StreamInfo{
		Width:  640,
		Height: 480,
		EnumFormats: []pwbridge.EnumFormatInfo{
			{Formats: []video.Format{video.FormatBGRA}},
		},
		Backend: backend,
	}
}

// TestCreateStreamValidation verifies bad stream configs fail up front.
func TestCreateStreamValidation(t *testing.T) {
	client, err := pwbridge.New(loopback.New(loopback.Config{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Terminate()

	cases := []struct {
		name string
		info pwbridge.StreamInfo
	}{
		{"nil backend", pwbridge.StreamInfo{Width: 640, Height: 480,
			EnumFormats: []pwbridge.EnumFormatInfo{{Formats: []video.Format{video.FormatBGRA}}}}},
		{"no formats", pwbridge.StreamInfo{Width: 640, Height: 480, Backend: &fakeBackend{}}},
		{"zero size", pwbridge.StreamInfo{
			EnumFormats: []pwbridge.EnumFormatInfo{{Formats: []video.Format{video.FormatBGRA}}},
			Backend:     &fakeBackend{}}},
	}
	for _, tc := range cases {
		if _, err := client.CreateStream(tc.info); err == nil {
			t.Errorf("%s: CreateStream succeeded", tc.name)
		}
	}

	if _, err := pwbridge.New(nil); err == nil {
		t.Error("New accepted a nil core")
	}
}

// TestTerminateIdempotent verifies Terminate can be called repeatedly and
// that the session is unusable afterwards.
func TestTerminateIdempotent(t *testing.T) {
	client, err := pwbridge.New(loopback.New(loopback.Config{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	client.Terminate()
	client.Terminate()
	client.Close()

	if _, err := client.CreateStream(testStreamInfo(&fakeBackend{})); !errors.Is(err, pwbridge.ErrTerminated) {
		t.Errorf("expected ErrTerminated after Terminate, got %v", err)
	}
}

// TestConcurrentCreateDuringTerminate verifies callers racing a teardown
// always get a clean answer: either a working stream or ErrTerminated,
// never a hang.
func TestConcurrentCreateDuringTerminate(t *testing.T) {
	client, err := pwbridge.New(loopback.New(loopback.Config{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				_, err := client.CreateStream(testStreamInfo(&fakeBackend{}))
				if err != nil && !errors.Is(err, pwbridge.ErrTerminated) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	close(start)
	client.Terminate()
	wg.Wait()
}

// TestGlobalSession verifies the process-wide init/get/shutdown cycle.
func TestGlobalSession(t *testing.T) {
	if pwbridge.Global() != nil {
		t.Fatal("global session live before init")
	}

	client, err := pwbridge.InitGlobal(loopback.New(loopback.Config{}))
	if err != nil {
		t.Fatalf("InitGlobal failed: %v", err)
	}
	if pwbridge.Global() != client {
		t.Error("Global returned a different client")
	}
	spare := loopback.New(loopback.Config{})
	if _, err := pwbridge.InitGlobal(spare); err == nil {
		t.Error("second InitGlobal succeeded")
	}
	spare.Close()

	pwbridge.ShutdownGlobal()
	if pwbridge.Global() != nil {
		t.Error("global session live after shutdown")
	}
	// Safe without a live session.
	pwbridge.ShutdownGlobal()
}
