// Package transport implements the connection core: length-prefixed framing,
// the session contract shared by raw-TCP and WebSocket connections, and the
// listeners that produce sessions.
package transport

import "encoding/binary"

// frameHeaderSize is the u32 big-endian length prefix.
const frameHeaderSize = 4

// Framer splits a byte stream into length-prefixed frames. Append is
// append-only; PopFrame removes exactly one complete frame from the head or
// leaves the buffer untouched. A zero-length payload is a legal frame.
//
// The framer imposes no upper bound on frame length; oversize protection is
// the transport's job.
type Framer struct {
	buf []byte
}

// Append adds raw stream bytes to the framer.
func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

// PopFrame returns the next complete payload, or (nil, false) if the buffer
// does not yet hold one.
func (f *Framer) PopFrame() ([]byte, bool) {
	if len(f.buf) < frameHeaderSize {
		return nil, false
	}
	n := binary.BigEndian.Uint32(f.buf[:frameHeaderSize])
	total := frameHeaderSize + int(n)
	if len(f.buf) < total {
		return nil, false
	}
	payload := make([]byte, n)
	copy(payload, f.buf[frameHeaderSize:total])
	f.buf = f.buf[total:]
	return payload, true
}

// Buffered reports how many bytes are waiting in the framer.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops all buffered bytes.
func (f *Framer) Reset() { f.buf = nil }

// EncodeFrame prepends the u32 big-endian length to payload.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:frameHeaderSize], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}
