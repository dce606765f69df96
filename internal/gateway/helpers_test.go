package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/redis"
	"github.com/cuihairu/chirp/internal/transport"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

var fakeSessionIDs struct {
	mu   sync.Mutex
	next uint64
}

// fakeSession satisfies transport.Session and decodes every outbound frame
// back into a packet for assertions.
type fakeSession struct {
	id   uint64
	sent chan protocol.Packet

	mu        sync.Mutex
	closed    bool
	closeSeen int
}

func newFakeSession() *fakeSession {
	fakeSessionIDs.mu.Lock()
	fakeSessionIDs.next++
	id := fakeSessionIDs.next
	fakeSessionIDs.mu.Unlock()
	return &fakeSession{id: id, sent: make(chan protocol.Packet, 16)}
}

func (f *fakeSession) ID() uint64 { return f.id }

func (f *fakeSession) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (f *fakeSession) Send(payload []byte) {
	f.deliver(payload)
}

func (f *fakeSession) SendAndClose(payload []byte) {
	f.deliver(payload)
	f.Close()
}

func (f *fakeSession) deliver(frame []byte) {
	// Frames arrive length-prefixed; strip and decode.
	if len(frame) < 4 {
		return
	}
	pkt, err := protocol.Decode(frame[4:])
	if err != nil {
		return
	}
	body := make([]byte, len(pkt.Body))
	copy(body, pkt.Body)
	pkt.Body = body
	f.sent <- pkt
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	f.closed = true
	f.closeSeen++
	f.mu.Unlock()
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recvPkt waits for the next packet sent to the session and checks its kind.
func recvPkt(t *testing.T, f *fakeSession, want protocol.MsgID) protocol.Packet {
	t.Helper()
	select {
	case pkt := <-f.sent:
		require.Equal(t, want, pkt.MsgID)
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return protocol.Packet{}
	}
}

func framedPacket(id protocol.MsgID, seq int64, body any) []byte {
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	return pkt.Encode()
}

// fakeRedis is a minimal RESP2 server for the session ownership tests:
// GET, SET..EX, DEL, PUBLISH, SUBSCRIBE against one shared keyspace.
type fakeRedis struct {
	ln net.Listener

	mu   sync.Mutex
	data map[string]string
	subs map[string][]net.Conn
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeRedis{
		ln:   ln,
		data: make(map[string]string),
		subs: make(map[string][]net.Conn),
	}
	go f.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeRedis) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

func (f *fakeRedis) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer conn.Close()
	var par redis.Parser
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
			if v.Kind != redis.KindArray || len(v.Array) == 0 {
				continue
			}
			args := make([]string, len(v.Array))
			for i, a := range v.Array {
				args[i] = a.Str
			}
			f.dispatch(conn, args)
		}
	}
}

func (f *fakeRedis) dispatch(conn net.Conn, args []string) {
	switch strings.ToUpper(args[0]) {
	case "GET":
		f.mu.Lock()
		val, ok := f.data[args[1]]
		f.mu.Unlock()
		if !ok {
			conn.Write([]byte("$-1\r\n"))
			return
		}
		fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(val), val)
	case "SET":
		f.mu.Lock()
		f.data[args[1]] = args[2]
		f.mu.Unlock()
		conn.Write([]byte("+OK\r\n"))
	case "DEL":
		f.mu.Lock()
		_, had := f.data[args[1]]
		delete(f.data, args[1])
		f.mu.Unlock()
		n := 0
		if had {
			n = 1
		}
		fmt.Fprintf(conn, ":%d\r\n", n)
	case "PUBLISH":
		f.mu.Lock()
		targets := append([]net.Conn(nil), f.subs[args[1]]...)
		f.mu.Unlock()
		for _, sub := range targets {
			fmt.Fprintf(sub, "*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
				len(args[1]), args[1], len(args[2]), args[2])
		}
		fmt.Fprintf(conn, ":%d\r\n", len(targets))
	case "SUBSCRIBE":
		f.mu.Lock()
		f.subs[args[1]] = append(f.subs[args[1]], conn)
		f.mu.Unlock()
		fmt.Fprintf(conn, "*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:1\r\n", len(args[1]), args[1])
	default:
		conn.Write([]byte("-ERR unknown command\r\n"))
	}
}

// startAuthBackend runs a real auth service on a loopback listener and
// returns its host and port.
func startAuthBackend(t *testing.T, onFrame transport.FrameHandler, onClose transport.CloseHandler) (string, int) {
	t.Helper()
	srv := transport.NewServer("127.0.0.1:0", transport.ModeTCP, onFrame, onClose, testLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
