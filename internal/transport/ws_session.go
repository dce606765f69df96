package transport

import (
	"net"
	"strings"
	"sync"

	"github.com/eapache/queue"
)

// WSSession is the WebSocket session variant. It performs the RFC 6455
// server handshake on the raw socket, then unwraps binary frames into the
// same length-prefixed envelope stream a TCPSession carries. Upstream code
// sees only envelope payloads; Send transparently wraps them in binary
// frames.
type WSSession struct {
	id      uint64
	conn    net.Conn
	onFrame FrameHandler
	onClose CloseHandler

	mu             sync.Mutex
	writeQ         *queue.Queue // of []byte, already WebSocket-framed
	writeInFlight  bool
	closeAfterSend bool
	closed         bool

	closeOnce sync.Once

	// Read-loop state, touched only by the read goroutine.
	handshakeDone bool
	handshakeBuf  []byte
	parser        wsFrameParser
	framer        Framer
}

// NewWSSession wraps an accepted connection that has not yet completed the
// WebSocket handshake.
func NewWSSession(conn net.Conn, onFrame FrameHandler, onClose CloseHandler) *WSSession {
	return &WSSession{
		id:      nextSessionID(),
		conn:    conn,
		onFrame: onFrame,
		onClose: onClose,
		writeQ:  queue.New(),
	}
}

// Start launches the read loop; the handshake is consumed from the first
// reads.
func (s *WSSession) Start() {
	go s.readLoop()
}

func (s *WSSession) ID() uint64           { return s.id }
func (s *WSSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *WSSession) Send(payload []byte) {
	s.enqueue(buildWSFrame(opBinary, payload, false), false)
}

func (s *WSSession) SendAndClose(payload []byte) {
	s.enqueue(buildWSFrame(opBinary, payload, false), true)
}

// enqueue queues wire-ready bytes: WebSocket-framed payloads, control
// frames, or the handshake response.
func (s *WSSession) enqueue(wire []byte, closeAfter bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.writeQ.Add(wire)
	if closeAfter {
		s.closeAfterSend = true
	}
	start := !s.writeInFlight
	if start {
		s.writeInFlight = true
	}
	s.mu.Unlock()

	if start {
		go s.writeLoop()
	}
}

func (s *WSSession) writeLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.writeInFlight = false
			s.mu.Unlock()
			return
		}
		if s.writeQ.Length() == 0 {
			s.writeInFlight = false
			closeNow := s.closeAfterSend
			s.mu.Unlock()
			if closeNow {
				s.Close()
			}
			return
		}
		buf := s.writeQ.Remove().([]byte)
		s.mu.Unlock()

		if _, err := s.conn.Write(buf); err != nil {
			s.mu.Lock()
			s.writeInFlight = false
			s.mu.Unlock()
			s.Close()
			return
		}
	}
}

func (s *WSSession) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.Close()
			return
		}

		if !s.handshakeDone {
			s.handshakeBuf = append(s.handshakeBuf, buf[:n]...)
			if !s.tryHandshake() {
				continue
			}
		} else {
			s.parser.Append(buf[:n])
		}

		if !s.consumeFrames() {
			return
		}
	}
}

// tryHandshake consumes the HTTP upgrade request once the blank line has
// arrived, queues the 101 response, and feeds any residual bytes to the
// frame parser.
func (s *WSSession) tryHandshake() bool {
	idx := strings.Index(string(s.handshakeBuf), "\r\n\r\n")
	if idx < 0 {
		return false
	}
	request := string(s.handshakeBuf[:idx+4])
	leftover := s.handshakeBuf[idx+4:]
	s.handshakeBuf = nil
	s.handshakeDone = true

	accept := ComputeAcceptKey(headerValue(request, "Sec-WebSocket-Key"))
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	s.enqueue([]byte(resp), false)

	if len(leftover) > 0 {
		s.parser.Append(leftover)
	}
	return true
}

// consumeFrames drains the WebSocket parser. Returns false when the session
// was closed and the read loop should stop.
func (s *WSSession) consumeFrames() bool {
	for {
		f, ok := s.parser.PopFrame()
		if !ok {
			return true
		}

		// No fragment reassembly: a non-final frame closes the connection.
		if !f.fin {
			s.Close()
			return false
		}

		switch f.opcode {
		case opBinary:
			s.framer.Append(f.payload)
			for {
				payload, ok := s.framer.PopFrame()
				if !ok {
					break
				}
				if s.isClosed() {
					return false
				}
				if s.onFrame != nil {
					s.onFrame(s, payload)
				}
			}
		case opPing:
			s.enqueue(buildWSFrame(opPong, f.payload, false), false)
		case opClose:
			s.enqueue(buildWSFrame(opClose, nil, false), true)
		default:
			// Text and unknown opcodes are ignored.
		}
	}
}

func (s *WSSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *WSSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
