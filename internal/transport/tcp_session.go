package transport

import (
	"net"
	"sync"

	"github.com/eapache/queue"
)

// TCPSession is the raw-socket session variant: a read loop feeding the
// length-prefixed framer, and a write queue drained by a single in-flight
// writer goroutine.
type TCPSession struct {
	id      uint64
	conn    net.Conn
	onFrame FrameHandler
	onClose CloseHandler

	mu             sync.Mutex
	writeQ         *queue.Queue // of []byte
	writeInFlight  bool
	closeAfterSend bool
	closed         bool

	closeOnce sync.Once
}

// NewTCPSession wraps an accepted (or dialed) connection. The read loop does
// not run until Start is called.
func NewTCPSession(conn net.Conn, onFrame FrameHandler, onClose CloseHandler) *TCPSession {
	return &TCPSession{
		id:      nextSessionID(),
		conn:    conn,
		onFrame: onFrame,
		onClose: onClose,
		writeQ:  queue.New(),
	}
}

// Start launches the read loop.
func (s *TCPSession) Start() {
	go s.readLoop()
}

func (s *TCPSession) ID() uint64           { return s.id }
func (s *TCPSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *TCPSession) Send(payload []byte) {
	s.enqueue(payload, false)
}

func (s *TCPSession) SendAndClose(payload []byte) {
	s.enqueue(payload, true)
}

func (s *TCPSession) enqueue(payload []byte, closeAfter bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.writeQ.Add(payload)
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

// writeLoop drains the queue one buffer at a time. Only one instance runs at
// a time: the writeInFlight flag is set before it is spawned and cleared only
// here, under the lock, when the queue is empty.
func (s *TCPSession) writeLoop() {
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

func (s *TCPSession) readLoop() {
	var framer Framer
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.Close()
			return
		}
		framer.Append(buf[:n])
		for {
			payload, ok := framer.PopFrame()
			if !ok {
				break
			}
			if s.isClosed() {
				return
			}
			if s.onFrame != nil {
				s.onFrame(s, payload)
			}
		}
	}
}

func (s *TCPSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down the socket and fires the close callback. Safe to call
// from any goroutine, any number of times.
func (s *TCPSession) Close() {
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
