package transport

import "pwbridge/video"

// Plane is one memory block of a buffer. The fd/offset/size/stride fields
// are stamped once at add time; the chunk fields describe the valid payload
// of the most recent frame and are rewritten every process cycle.
type Plane struct {
	FD      int64
	Offset  uint32
	MaxSize uint32
	Stride  uint32
	Type    DataType

	ChunkOffset uint32
	ChunkSize   uint32
	ChunkStride uint32
}

// Point is a position in pixels.
type Point struct {
	X, Y int32
}

// HeaderMeta is the per-frame header block.
type HeaderMeta struct {
	Flags     uint32
	PTS       int64
	DTSOffset int64
	Seq       uint64
}

// Bitmap is a small cursor image carried inline in the cursor block.
type Bitmap struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format video.Format
	Pixels []byte
}

// CursorMeta is the per-frame cursor block. ID 0 means no cursor.
type CursorMeta struct {
	ID       uint32
	Position Point
	Hotspot  Point
	Bitmap   *Bitmap
}

// Buffer is one transport-owned, reusable frame slot. The struct identity
// is stable for the slot's lifetime in the pool: the pointer handed to
// AddBuffer is the same one seen on every dequeue and on RemoveBuffer.
type Buffer struct {
	ID     uint32
	Planes []Plane

	// Meta blocks, present when the matching MetaParam was negotiated.
	Header *HeaderMeta
	Cursor *CursorMeta

	// UserData is owned by the stream logic: set when the backend accepts
	// the buffer, nil otherwise. The transport never touches it.
	UserData any
}
