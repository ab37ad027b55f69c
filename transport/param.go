package transport

import "pwbridge/video"

// Param is one structured negotiation record published to the consumer.
type Param interface {
	param()
}

// DataType selects the memory backing of buffer planes.
type DataType int

const (
	DataInvalid DataType = iota
	DataMemFd
	DataDmaBuf
)

func (d DataType) String() string {
	switch d {
	case DataMemFd:
		return "memfd"
	case DataDmaBuf:
		return "dmabuf"
	default:
		return "invalid"
	}
}

// MetaType identifies a fixed-size auxiliary metadata block.
type MetaType int

const (
	MetaHeader MetaType = iota + 1
	MetaCursor
)

func (m MetaType) String() string {
	switch m {
	case MetaHeader:
		return "header"
	case MetaCursor:
		return "cursor"
	default:
		return "invalid"
	}
}

// FormatParam offers pixel-format alternatives for one media type. The
// first entry of each list is the preferred default.
type FormatParam struct {
	Formats       []video.Format
	Width, Height uint32
	FramerateNum  uint32
	FramerateDen  uint32

	Modifiers []uint64
	// FixedModifier pins Modifiers[0] as mandatory; otherwise a non-empty
	// list is offered as a choice, with DontFixate asking the consumer to
	// keep the choice open for a follow-up round.
	FixedModifier bool
	DontFixate    bool
}

func (FormatParam) param() {}

// BuffersParam declares the buffer-count range and per-buffer layout.
type BuffersParam struct {
	MinBuffers     uint32
	MaxBuffers     uint32
	DefaultBuffers uint32
	// Blocks is the plane count per buffer, at least 1.
	Blocks   uint32
	DataType DataType
}

func (BuffersParam) param() {}

// MetaParam requests one fixed-size metadata block per buffer.
type MetaParam struct {
	Type MetaType
	Size uint32
}

func (MetaParam) param() {}
