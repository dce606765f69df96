package transport

import (
	"net"
	"sync/atomic"
)

// Session is one live bidirectional transport to one client. Both the raw
// TCP and the WebSocket variants satisfy it.
//
// Send and SendAndClose never block the caller: payloads are appended to a
// serialized write queue with at most one write in flight. Bytes from two
// Send calls reach the peer in call order. SendAndClose closes the session
// once the queue drains; Close closes immediately and may drop queued
// writes. The close callback fires exactly once, after the socket is torn
// down, whatever the cause.
type Session interface {
	// ID is a process-unique handle, stable for the session's lifetime.
	ID() uint64
	RemoteAddr() net.Addr
	// Send enqueues one already-framed payload.
	Send(payload []byte)
	// SendAndClose enqueues payload and closes once the queue drains.
	SendAndClose(payload []byte)
	// Close tears the session down immediately. Idempotent.
	Close()
}

// FrameHandler receives one complete length-prefixed payload.
type FrameHandler func(s Session, payload []byte)

// CloseHandler runs exactly once when the session dies.
type CloseHandler func(s Session)

// readBufSize is the per-read scratch buffer used by both session variants.
const readBufSize = 4096

var sessionIDs atomic.Uint64

func nextSessionID() uint64 { return sessionIDs.Add(1) }
