package pwbridge

import (
	"errors"

	"pwbridge/transport"
	"pwbridge/video"
)

var (
	// ErrTerminated reports that the session or stream behind a handle is
	// already gone; the operation was not performed.
	ErrTerminated = errors.New("pwbridge: terminated")

	// ErrQueueFull reports backpressure on the process handoff queue. The
	// caller dequeued more buffers than the gate allows in flight.
	ErrQueueFull = errors.New("pwbridge: process queue full")
)

// BufferUserHandle is the backend-defined payload attached to a buffer slot
// when it is added, e.g. a GPU texture id or an exported-image handle.
type BufferUserHandle any

// BufferHandle identifies one transport-owned buffer slot, stable for the
// slot's lifetime in the pool. The zero value is invalid.
type BufferHandle struct {
	buf *transport.Buffer
}

func (h BufferHandle) Valid() bool { return h.buf != nil }

// EnumFormatInfo is one (formats, modifiers) alternative offered to, or
// proposed by, the consumer.
type EnumFormatInfo struct {
	Formats   []video.Format
	Modifiers []uint64
}

// FixateFormat is the backend's commitment to one concrete combination.
type FixateFormat struct {
	// Modifier must be non-nil whenever the proposal carried modifiers.
	Modifier  *uint64
	NumPlanes uint32
}

// BufferPlaneInfo describes one exported memory plane.
type BufferPlaneInfo struct {
	FD     int64
	Offset uint32
	Size   uint32
	Stride uint32
}

// BufferInfo is the backend's allocation result for one buffer slot.
type BufferInfo struct {
	IsDmaBuf   bool
	Planes     []BufferPlaneInfo
	UserHandle BufferUserHandle
}

// Point is a position in pixels.
type Point struct {
	X, Y int32
}

// CursorBitmap is a cursor image bounded by MaxCursorBitmapSize bytes.
type CursorBitmap struct {
	Width  uint32
	Height uint32
	Format video.Format
	Pixels []byte
}

// CursorInfo is the cursor overlay a backend attaches to one frame.
type CursorInfo struct {
	// Serial bumps the cursor id, telling the consumer the shape changed.
	Serial   bool
	Position Point
	Hotspot  Point
	Bitmap   *CursorBitmap
}

// SetCursorFunc writes the cursor block of the frame being processed. A nil
// function means the negotiated buffers carry no cursor block.
type SetCursorFunc func(info CursorInfo)

// Backend is the capture-backend capability interface. The negotiator never
// sees concrete GPU types; it drives allocation and frame export entirely
// through these four calls, all invoked on the session loop goroutine.
type Backend interface {
	// FixateFormat picks one modifier (and the plane count) out of the
	// proposed set, or returns nil when the proposal is incompatible.
	FixateFormat(info EnumFormatInfo) *FixateFormat

	// AddBuffer allocates the backing resource for a new buffer slot, or
	// returns nil on failure (the slot is then marked invalid).
	AddBuffer() *BufferInfo

	// RemoveBuffer frees the resource behind a previously added slot.
	// Fires exactly once per successful AddBuffer.
	RemoveBuffer(handle BufferUserHandle)

	// ProcessBuffer finalizes one frame before it is handed to the
	// consumer. setCursor may be nil.
	ProcessBuffer(handle BufferUserHandle, setCursor SetCursorFunc)
}

// StreamInfo configures one stream.
type StreamInfo struct {
	Width  uint32
	Height uint32

	// EnumFormats are the offered alternatives, in preference order.
	EnumFormats []EnumFormatInfo

	// MaxBuffers caps the transport's buffer-count negotiation. Zero
	// selects DefaultMaxBuffers.
	MaxBuffers uint32

	Backend Backend

	// Name labels the stream node; empty defaults to the app name.
	Name string
}
