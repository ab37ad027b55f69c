package pwbridge

import (
	"fmt"
	"sync"

	"pwbridge/transport"
)

// The process-wide session. Capture frontends hooked into a host process
// share one connection; this is the single access point for it.
//
// Ordering: InitGlobal once at first capture use, ShutdownGlobal at process
// exit (or library unload). Global returns nil before init and after
// shutdown.
var (
	globalMu     sync.Mutex
	globalClient *Client
)

// InitGlobal connects the process-wide session. A second call while the
// session is live is an error; callers that merely need the session use
// Global.
func InitGlobal(core transport.Core) (*Client, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient != nil {
		return nil, fmt.Errorf("init global: session already initialized")
	}
	c, err := New(core)
	if err != nil {
		return nil, err
	}
	globalClient = c
	return c, nil
}

// Global returns the process-wide session, or nil when none is live.
func Global() *Client {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalClient
}

// ShutdownGlobal terminates the process-wide session and joins its loop.
// Safe to call without a live session.
func ShutdownGlobal() {
	globalMu.Lock()
	c := globalClient
	globalClient = nil
	globalMu.Unlock()

	if c != nil {
		c.Terminate()
	}
}
