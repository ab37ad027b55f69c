// pwbridge-demo is a producer exercising the whole session pipeline without
// a graphics stack: frames live in memfd-backed planes, painted with a
// moving test pattern and overlaid with an orbiting cursor. Point it at a
// running pwbridge-sink.
package main

import (
	"errors"
	"flag"
	stdlog "log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"pwbridge"
	"pwbridge/transport/ipc"
	"pwbridge/video"
)

var (
	flagSocket = flag.String("socket", "/tmp/pwbridge.sock", "Unix socket of the consumer")
	flagWidth  = flag.Uint("width", 1280, "Frame width in pixels")
	flagHeight = flag.Uint("height", 720, "Frame height in pixels")
	flagFPS    = flag.Int("fps", 30, "Frames per second to produce")
	flagDebug  = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *flagFPS <= 0 {
		stdlog.Fatal("--fps must be > 0")
	}
	if *flagWidth == 0 || *flagHeight == 0 {
		stdlog.Fatal("--width and --height must be > 0")
	}

	core, err := ipc.Dial(*flagSocket)
	if err != nil {
		stdlog.Fatal(err)
	}
	client, err := pwbridge.InitGlobal(core)
	if err != nil {
		stdlog.Fatal(err)
	}
	defer pwbridge.ShutdownGlobal()

	backend := newMemfdBackend(uint32(*flagWidth), uint32(*flagHeight))
	stream, err := client.CreateStream(pwbridge.StreamInfo{
		Width:  uint32(*flagWidth),
		Height: uint32(*flagHeight),
		EnumFormats: []pwbridge.EnumFormatInfo{
			{Formats: []video.Format{video.FormatBGRA, video.FormatBGRx}},
			{Formats: []video.Format{video.FormatRGBA, video.FormatRGBx}},
		},
		Backend: backend,
		Name:    "pwbridge-demo",
	})
	if err != nil {
		stdlog.Fatal(err)
	}
	defer stream.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*flagFPS))
	defer ticker.Stop()

	log.Info().Str("socket", *flagSocket).Msg("producing frames")
	for {
		select {
		case sig := <-sigCh:
			log.Info().Stringer("signal", sig).Msg("shutting down")
			return
		case <-ticker.C:
			h, _, ok := stream.DequeueBuffer()
			if !ok {
				continue
			}
			if err := stream.QueueBufferProcess(h); err != nil {
				if errors.Is(err, pwbridge.ErrQueueFull) {
					log.Debug().Msg("consumer lagging, frame dropped")
					continue
				}
				log.Error().Err(err).Msg("queue buffer")
				return
			}
		}
	}
}

const bytesPerPixel = 4

// memfdBackend allocates every plane in a sealed memfd and paints a moving
// color gradient into frames as they are processed.
type memfdBackend struct {
	logger zerolog.Logger
	width  uint32
	height uint32
	stride uint32
	size   uint32

	frame  uint64
	cursor *pwbridge.CursorBitmap
}

// frameBuffer is the user handle stamped onto each buffer slot.
type frameBuffer struct {
	fd   int
	data []byte
}

func newMemfdBackend(width, height uint32) *memfdBackend {
	stride := width * bytesPerPixel
	return &memfdBackend{
		logger: log.With().Str("module", "memfd-backend").Logger(),
		width:  width,
		height: height,
		stride: stride,
		size:   stride * height,
		cursor: makeCursorBitmap(),
	}
}

func (b *memfdBackend) FixateFormat(info pwbridge.EnumFormatInfo) *pwbridge.FixateFormat {
	fixated := &pwbridge.FixateFormat{NumPlanes: 1}
	// Plain memory carries no layout modifiers; a modifier list means the
	// consumer expects dmabuf semantics we cannot provide, so take linear
	// (0) if offered and reject otherwise.
	for _, m := range info.Modifiers {
		if m == 0 {
			mod := uint64(0)
			fixated.Modifier = &mod
			return fixated
		}
	}
	if len(info.Modifiers) > 0 {
		return nil
	}
	return fixated
}

func (b *memfdBackend) AddBuffer() *pwbridge.BufferInfo {
	fd, err := unix.MemfdCreate("pwbridge-frame", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		b.logger.Error().Err(err).Msg("memfd_create")
		return nil
	}
	if err := unix.Ftruncate(fd, int64(b.size)); err != nil {
		b.logger.Error().Err(err).Msg("ftruncate")
		unix.Close(fd)
		return nil
	}
	data, err := unix.Mmap(fd, 0, int(b.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		b.logger.Error().Err(err).Msg("mmap")
		unix.Close(fd)
		return nil
	}
	return &pwbridge.BufferInfo{
		Planes: []pwbridge.BufferPlaneInfo{{
			FD:     int64(fd),
			Offset: 0,
			Size:   b.size,
			Stride: b.stride,
		}},
		UserHandle: &frameBuffer{fd: fd, data: data},
	}
}

func (b *memfdBackend) RemoveBuffer(handle pwbridge.BufferUserHandle) {
	fb := handle.(*frameBuffer)
	if err := unix.Munmap(fb.data); err != nil {
		b.logger.Warn().Err(err).Msg("munmap")
	}
	unix.Close(fb.fd)
}

func (b *memfdBackend) ProcessBuffer(handle pwbridge.BufferUserHandle, setCursor pwbridge.SetCursorFunc) {
	fb := handle.(*frameBuffer)
	b.paint(fb.data)

	if setCursor != nil {
		// Orbit the center, refreshing the bitmap once a second.
		angle := float64(b.frame) * 2 * math.Pi / 120
		r := float64(min(b.width, b.height)) / 3
		setCursor(pwbridge.CursorInfo{
			Serial: b.frame%60 == 0,
			Position: pwbridge.Point{
				X: int32(float64(b.width)/2 + r*math.Cos(angle)),
				Y: int32(float64(b.height)/2 + r*math.Sin(angle)),
			},
			Hotspot: pwbridge.Point{X: 8, Y: 8},
			Bitmap:  b.cursor,
		})
	}
	b.frame++
}

// paint fills a shifting diagonal gradient, cheap enough to run at frame
// rate without vectorization.
func (b *memfdBackend) paint(data []byte) {
	shift := uint32(b.frame * 2)
	for y := uint32(0); y < b.height; y++ {
		row := data[y*b.stride:]
		for x := uint32(0); x < b.width; x++ {
			p := row[x*bytesPerPixel:]
			p[0] = byte(x + shift)
			p[1] = byte(y + shift)
			p[2] = byte(x + y)
			p[3] = 0xff
		}
	}
}

func makeCursorBitmap() *pwbridge.CursorBitmap {
	const size = 16
	pixels := make([]byte, size*size*bytesPerPixel)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// Hollow square outline.
			if x == 0 || y == 0 || x == size-1 || y == size-1 {
				i := (y*size + x) * bytesPerPixel
				pixels[i+0] = 0xff
				pixels[i+1] = 0xff
				pixels[i+2] = 0xff
				pixels[i+3] = 0xff
			}
		}
	}
	return &pwbridge.CursorBitmap{
		Width:  size,
		Height: size,
		Format: video.FormatBGRA,
		Pixels: pixels,
	}
}
