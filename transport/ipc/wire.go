// Package ipc implements the media-IPC link over a unix domain socket: a
// producer-side transport.Core speaking length-prefixed JSON control frames,
// with buffer plane file descriptors passed out of band via SCM_RIGHTS.
// The wire types are exported so a consumer process can speak the same
// protocol (see cmd/pwbridge-sink).
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Message types, producer to consumer.
const (
	MsgHello            = "hello"
	MsgStreamConnect    = "stream-connect"
	MsgUpdateParams     = "update-params"
	MsgBufferPlanes     = "buffer-planes"
	MsgTrigger          = "trigger"
	MsgBufferDone       = "buffer-done"
	MsgFlush            = "flush"
	MsgStreamDisconnect = "stream-disconnect"
	MsgBye              = "bye"
)

// Message types, consumer to producer.
const (
	MsgHelloAck       = "hello-ack"
	MsgFormatProposal = "format-proposal"
	MsgAllocBuffers   = "alloc-buffers"
	MsgRemoveBuffers  = "remove-buffers"
	MsgStreamState    = "stream-state"
	MsgProcess        = "process"
	MsgProcessDone    = "process-done"
)

const maxFrameSize = 1 << 20

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Hello struct {
	Session string `json:"session"`
	App     string `json:"app"`
}

type HelloAck struct {
	Consumer string `json:"consumer"`
}

type FormatParam struct {
	Formats       []uint32 `json:"formats"`
	Width         uint32   `json:"width"`
	Height        uint32   `json:"height"`
	FramerateNum  uint32   `json:"framerate_num"`
	FramerateDen  uint32   `json:"framerate_den"`
	Modifiers     []uint64 `json:"modifiers,omitempty"`
	FixedModifier bool     `json:"fixed_modifier,omitempty"`
	DontFixate    bool     `json:"dont_fixate,omitempty"`
}

type BuffersParam struct {
	MinBuffers     uint32 `json:"min_buffers"`
	MaxBuffers     uint32 `json:"max_buffers"`
	DefaultBuffers uint32 `json:"default_buffers"`
	Blocks         uint32 `json:"blocks"`
	DataType       int    `json:"data_type"`
}

type MetaParam struct {
	Type int    `json:"meta_type"`
	Size uint32 `json:"size"`
}

type StreamConnect struct {
	StreamID uint64        `json:"stream_id"`
	Name     string        `json:"name"`
	Formats  []FormatParam `json:"formats"`
}

type UpdateParams struct {
	StreamID uint64        `json:"stream_id"`
	Formats  []FormatParam `json:"formats,omitempty"`
	Buffers  *BuffersParam `json:"buffers,omitempty"`
	Metas    []MetaParam   `json:"metas,omitempty"`
}

type FormatProposal struct {
	StreamID      uint64   `json:"stream_id"`
	Format        uint32   `json:"format"`
	Width         uint32   `json:"width"`
	Height        uint32   `json:"height"`
	Modifiers     []uint64 `json:"modifiers,omitempty"`
	FixedModifier bool     `json:"fixed_modifier,omitempty"`
	DontFixate    bool     `json:"dont_fixate,omitempty"`
}

// AllocBuffers asks the producer to allocate count buffer slots; the
// producer answers with one BufferPlanes per slot.
type AllocBuffers struct {
	StreamID  uint64 `json:"stream_id"`
	Count     uint32 `json:"count"`
	Blocks    uint32 `json:"blocks"`
	HasHeader bool   `json:"has_header"`
	HasCursor bool   `json:"has_cursor"`
}

type Plane struct {
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
	Stride uint32 `json:"stride"`
}

// BufferPlanes announces one allocated slot. When DataType is not invalid,
// an fd-carrier frame with one descriptor per plane follows immediately.
type BufferPlanes struct {
	StreamID uint64  `json:"stream_id"`
	BufferID uint32  `json:"buffer_id"`
	DataType int     `json:"data_type"`
	Planes   []Plane `json:"planes"`
}

type RemoveBuffers struct {
	StreamID  uint64   `json:"stream_id"`
	BufferIDs []uint32 `json:"buffer_ids"`
}

type StreamState struct {
	StreamID uint64 `json:"stream_id"`
	State    int    `json:"state"`
	Driving  bool   `json:"driving"`
}

type StreamRef struct {
	StreamID uint64 `json:"stream_id"`
}

type Header struct {
	Flags     uint32 `json:"flags"`
	PTS       int64  `json:"pts"`
	DTSOffset int64  `json:"dts_offset"`
	Seq       uint64 `json:"seq"`
}

type Bitmap struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Stride uint32 `json:"stride"`
	Format uint32 `json:"format"`
	Pixels []byte `json:"pixels"`
}

type Cursor struct {
	ID       uint32  `json:"id"`
	X        int32   `json:"x"`
	Y        int32   `json:"y"`
	HotspotX int32   `json:"hotspot_x"`
	HotspotY int32   `json:"hotspot_y"`
	Bitmap   *Bitmap `json:"bitmap,omitempty"`
}

type Chunk struct {
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
	Stride uint32 `json:"stride"`
}

type BufferDone struct {
	StreamID uint64  `json:"stream_id"`
	BufferID uint32  `json:"buffer_id"`
	Header   *Header `json:"header,omitempty"`
	Cursor   *Cursor `json:"cursor,omitempty"`
	Chunks   []Chunk `json:"chunks"`
}

type ProcessDone struct {
	StreamID uint64 `json:"stream_id"`
	BufferID uint32 `json:"buffer_id"`
}

// Conn frames control messages over a unix stream socket. Reads must stay
// on a single goroutine; writes are serialized internally.
type Conn struct {
	uc *net.UnixConn
	wm sync.Mutex
}

func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

func (c *Conn) Close() error {
	return c.uc.Close()
}

// WriteMessage sends one typed control frame.
func (c *Conn) WriteMessage(typ string, v any) error {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", typ, err)
		}
		data = b
	}
	body, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	c.wm.Lock()
	defer c.wm.Unlock()
	if _, err := c.uc.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.uc.Write(body)
	return err
}

// WriteFDs sends an fd-carrier: a single marker byte with the descriptors
// attached as SCM_RIGHTS ancillary data.
func (c *Conn) WriteFDs(fds []int) error {
	rights := unix.UnixRights(fds...)
	c.wm.Lock()
	defer c.wm.Unlock()
	_, _, err := c.uc.WriteMsgUnix([]byte{'F'}, rights, nil)
	return err
}

// ReadMessage reads the next control frame.
func (c *Conn) ReadMessage() (string, json.RawMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.uc, hdr[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return "", nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.uc, body); err != nil {
		return "", nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Type, env.Data, nil
}

// ReadFDs reads the fd-carrier that follows a BufferPlanes frame and
// returns exactly want descriptors.
func (c *Conn) ReadFDs(want int) ([]int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(want*4))
	_, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	if len(fds) != want {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("fd carrier: want %d descriptors, got %d", want, len(fds))
	}
	return fds, nil
}

// Decode unmarshals a message body into v.
func Decode(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}
