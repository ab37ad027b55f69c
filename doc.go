// Package pwbridge bridges an in-process capture backend to an external
// media-IPC consumer. It owns a dedicated loop goroutine per session,
// negotiates pixel format, modifier and buffer layout with the consumer
// over a multi-round parameter exchange, and cycles a small pool of
// exported buffers between the backend and the transport under strict
// ordering and backpressure rules.
//
// The package is written to live inside someone else's process: negotiation
// dead ends and buffer accounting defects are logged and absorbed, never
// surfaced as host-visible failures. Only session and stream creation
// return actionable errors.
package pwbridge
