package redis

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// MessageFunc receives one pub/sub delivery.
type MessageFunc func(channel, payload string)

// Subscriber holds one dedicated connection in SUBSCRIBE mode and dispatches
// deliveries from its own goroutine. Stop closes the socket, which unblocks
// the read loop, and waits for it to exit.
type Subscriber struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	done   sync.WaitGroup
}

// NewSubscriber targets host:port without connecting.
func NewSubscriber(host string, port int) *Subscriber {
	return &Subscriber{addr: net.JoinHostPort(host, strconv.Itoa(port))}
}

// Start connects, subscribes to channel, and launches the read loop.
func (s *Subscriber) Start(channel string, fn MessageFunc) error {
	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("redis subscriber dial %s: %w", s.addr, err)
	}
	if _, err := conn.Write(BuildCommand("SUBSCRIBE", channel)); err != nil {
		conn.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("redis subscriber already stopped")
	}
	s.conn = conn
	s.mu.Unlock()

	s.done.Add(1)
	go s.readLoop(conn, fn)
	return nil
}

func (s *Subscriber) readLoop(conn net.Conn, fn MessageFunc) {
	defer s.done.Done()

	var par Parser
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		par.Append(buf[:n])
		for {
			v, ok := par.Pop()
			if !ok {
				break
			}
			// Deliveries arrive as ["message", channel, payload]; the
			// initial subscribe confirmation is skipped by the same check.
			if v.Kind != KindArray || len(v.Array) < 3 {
				continue
			}
			if v.Array[0].Str != "message" {
				continue
			}
			fn(v.Array[1].Str, v.Array[2].Str)
		}
	}
}

// Stop closes the subscriber socket and joins the read loop. Idempotent.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.done.Wait()
}
