// Package transport abstracts the media-IPC consumer link of a capture
// session. A Core owns the connection to one consumer and produces events;
// a Stream is one negotiated video channel on that connection.
//
// Threading contract: every Stream method and every Event must be invoked on
// the session's loop goroutine. Transport implementations may run their own
// goroutines internally, but they only ever hand work back through the
// Events channel, never by calling into session state directly.
package transport

import "pwbridge/video"

// StreamState mirrors the consumer-reported lifecycle of a stream.
type StreamState int

const (
	StateUnconnected StreamState = iota
	StateConnecting
	StateError
	StatePaused
	StateStreaming
)

func (s StreamState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateError:
		return "error"
	case StatePaused:
		return "paused"
	case StateStreaming:
		return "streaming"
	default:
		return "invalid"
	}
}

// Event is a deferred callback prepared by a transport. The session loop
// drains Core.Events and executes each one on its own goroutine, which is
// what keeps all stream state single-threaded.
type Event func()

// StreamEvents are the per-stream callbacks a Core invokes (always via the
// Events channel, so on the loop goroutine).
type StreamEvents struct {
	// StateChanged fires after the stream's State() has been updated.
	StateChanged func(old, new StreamState)
	// ParamChanged delivers a format proposal from the consumer.
	ParamChanged func(p *FormatProposal)
	// AddBuffer fires once when the transport introduces a buffer slot.
	// The handler stamps plane storage and user data onto b.
	AddBuffer func(b *Buffer)
	// RemoveBuffer fires once when a slot leaves the pool, before the
	// transport forgets it.
	RemoveBuffer func(b *Buffer)
	// Process asks the producer to hand over one queued buffer.
	Process func()
}

// StreamProps are the descriptive properties of a stream node.
type StreamProps struct {
	Name      string
	AppName   string
	MediaRole string
}

// Core is one connection to a media-IPC consumer.
type Core interface {
	// CreateStream registers a new stream object. Loop goroutine only.
	CreateStream(props StreamProps, events StreamEvents) (Stream, error)

	// Events yields deferred callbacks for the session loop to execute.
	// The channel closes when the core shuts down.
	Events() <-chan Event

	// Close tears down the connection. Pending events are discarded.
	Close() error
}

// Stream is one video channel on a Core. All methods loop goroutine only.
type Stream interface {
	// Connect publishes the initial parameter set and starts negotiation.
	Connect(params []Param) error

	// UpdateParams publishes a revised parameter set mid-negotiation.
	UpdateParams(params []Param) error

	State() StreamState

	// Driving reports whether this side currently triggers buffer cycling.
	Driving() bool

	// DequeueBuffer takes a buffer from the free pool, or nil.
	DequeueBuffer() *Buffer

	// QueueBuffer hands a buffer back to the transport for consumption.
	QueueBuffer(b *Buffer)

	// TriggerProcess requests a process cycle from the consumer.
	TriggerProcess() error

	// Flush reclaims every outstanding buffer into the free pool without
	// consuming it.
	Flush() error

	// Disconnect removes the stream. RemoveBuffer fires synchronously for
	// every live slot before Disconnect returns. Idempotent.
	Disconnect() error
}

// FormatProposal is the consumer's concrete pick out of the offered format
// alternatives, the canonical descriptor driving a negotiation round.
type FormatProposal struct {
	Format        video.Format
	Width, Height uint32

	// Modifiers lists candidate memory-layout modifiers. When
	// FixedModifier is set it holds exactly the committed one.
	Modifiers     []uint64
	FixedModifier bool
	// DontFixate marks the list as still open: the producer is expected
	// to answer with a pinned choice instead of final buffer params.
	DontFixate bool
}
