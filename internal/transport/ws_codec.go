package transport

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"strings"
)

// RFC 6455 §1.3 handshake GUID.
const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Inbound frames larger than this are dropped and the parse buffer cleared.
const maxWSFrameSize = 16 << 20

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for a handshake
// key: base64(SHA-1(key + GUID)).
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerValue extracts a header from a raw request block, matching the name
// case-insensitively.
func headerValue(request, name string) string {
	want := strings.ToLower(name) + ":"
	for _, line := range strings.Split(request, "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), want) {
			return strings.TrimSpace(line[len(want):])
		}
	}
	return ""
}

// wsFrame is one parsed WebSocket frame with the mask already removed.
type wsFrame struct {
	fin     bool
	opcode  byte
	payload []byte
}

// wsFrameParser accumulates stream bytes and pops whole frames, handling the
// 7-bit, 7+16 and 7+64 length encodings and client masking.
type wsFrameParser struct {
	buf []byte
}

func (p *wsFrameParser) Append(b []byte) {
	p.buf = append(p.buf, b...)
}

// PopFrame returns the next complete frame, or (nil, false) if more bytes
// are needed. Oversized frames drop the entire buffer.
func (p *wsFrameParser) PopFrame() (*wsFrame, bool) {
	if len(p.buf) < 2 {
		return nil, false
	}
	b0, b1 := p.buf[0], p.buf[1]
	masked := b1&0x80 != 0
	length := uint64(b1 & 0x7F)
	off := 2

	switch length {
	case 126:
		if len(p.buf) < off+2 {
			return nil, false
		}
		length = uint64(binary.BigEndian.Uint16(p.buf[off : off+2]))
		off += 2
	case 127:
		if len(p.buf) < off+8 {
			return nil, false
		}
		length = binary.BigEndian.Uint64(p.buf[off : off+8])
		off += 8
	}

	if length > maxWSFrameSize {
		p.buf = nil
		return nil, false
	}

	var maskKey [4]byte
	if masked {
		if len(p.buf) < off+4 {
			return nil, false
		}
		copy(maskKey[:], p.buf[off:off+4])
		off += 4
	}

	total := off + int(length)
	if len(p.buf) < total {
		return nil, false
	}

	payload := make([]byte, length)
	copy(payload, p.buf[off:total])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	p.buf = p.buf[total:]

	return &wsFrame{
		fin:     b0&0x80 != 0,
		opcode:  b0 & 0x0F,
		payload: payload,
	}, true
}

// buildWSFrame assembles a FIN=1 frame. Servers send unmasked; clients set
// mask to apply a random 4-byte key.
func buildWSFrame(opcode byte, payload []byte, mask bool) []byte {
	var header [14]byte
	header[0] = 0x80 | opcode

	n := 2
	switch {
	case len(payload) < 126:
		header[1] = byte(len(payload))
	case len(payload) <= 0xFFFF:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:4], uint16(len(payload)))
		n = 4
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:10], uint64(len(payload)))
		n = 10
	}

	var maskKey [4]byte
	if mask {
		header[1] |= 0x80
		rand.Read(maskKey[:])
		copy(header[n:n+4], maskKey[:])
		n += 4
	}

	out := make([]byte, n+len(payload))
	copy(out, header[:n])
	copy(out[n:], payload)
	if mask {
		for i := range payload {
			out[n+i] ^= maskKey[i%4]
		}
	}
	return out
}
