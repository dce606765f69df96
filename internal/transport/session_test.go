package transport

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func recvPayload(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

// readFrame pulls length-prefixed frames off a raw conn.
func readFrame(t *testing.T, conn net.Conn, f *Framer) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		if payload, ok := f.PopFrame(); ok {
			return payload
		}
		n, err := conn.Read(buf)
		require.NoError(t, err)
		f.Append(buf[:n])
	}
}

func startTCPSession(t *testing.T) (*TCPSession, net.Conn, chan []byte, chan struct{}) {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	frames := make(chan []byte, 16)
	closed := make(chan struct{}, 2)

	s := NewTCPSession(srvConn, func(_ Session, payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		frames <- cp
	}, func(Session) {
		closed <- struct{}{}
	})
	s.Start()
	t.Cleanup(func() { s.Close(); cliConn.Close() })
	return s, cliConn, frames, closed
}

func TestTCPSessionDeliversChunkedFrames(t *testing.T) {
	_, cli, frames, _ := startTCPSession(t)

	frame := EncodeFrame([]byte("split across writes"))
	_, err := cli.Write(frame[:5])
	require.NoError(t, err)
	_, err = cli.Write(frame[5:])
	require.NoError(t, err)

	assert.Equal(t, []byte("split across writes"), recvPayload(t, frames))
}

func TestTCPSessionSendOrdering(t *testing.T) {
	s, cli, _, _ := startTCPSession(t)

	s.Send(EncodeFrame([]byte("first")))
	s.Send(EncodeFrame([]byte("second")))

	var f Framer
	assert.Equal(t, []byte("first"), readFrame(t, cli, &f))
	assert.Equal(t, []byte("second"), readFrame(t, cli, &f))
}

func TestTCPSessionSendAndCloseFlushes(t *testing.T) {
	s, cli, _, closed := startTCPSession(t)

	s.SendAndClose(EncodeFrame([]byte("goodbye")))

	var f Framer
	assert.Equal(t, []byte("goodbye"), readFrame(t, cli, &f))
	waitClosed(t, closed)

	cli.SetReadDeadline(time.Now().Add(time.Second))
	_, err := cli.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestTCPSessionCloseCallbackOnce(t *testing.T) {
	s, _, _, closed := startTCPSession(t)

	s.Close()
	s.Close()
	waitClosed(t, closed)

	select {
	case <-closed:
		t.Fatal("close callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTCPSessionPeerDisconnectFiresClose(t *testing.T) {
	_, cli, _, closed := startTCPSession(t)
	cli.Close()
	waitClosed(t, closed)
}

func TestTCPSessionIDsUnique(t *testing.T) {
	a, _, _, _ := startTCPSession(t)
	b, _, _, _ := startTCPSession(t)
	assert.NotEqual(t, a.ID(), b.ID())
}

const sampleUpgrade = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

func startWSSession(t *testing.T) (*WSSession, net.Conn, chan []byte, chan struct{}) {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	frames := make(chan []byte, 16)
	closed := make(chan struct{}, 2)

	s := NewWSSession(srvConn, func(_ Session, payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		frames <- cp
	}, func(Session) {
		closed <- struct{}{}
	})
	s.Start()
	t.Cleanup(func() { s.Close(); cliConn.Close() })
	return s, cliConn, frames, closed
}

// handshake performs the client side of the upgrade and returns once the
// 101 response has been fully read.
func handshake(t *testing.T, cli net.Conn) {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		var resp []byte
		for !strings.Contains(string(resp), "\r\n\r\n") {
			n, err := cli.Read(buf)
			if err != nil {
				done <- ""
				return
			}
			resp = append(resp, buf[:n]...)
		}
		done <- string(resp)
	}()

	_, err := cli.Write([]byte(sampleUpgrade))
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.Contains(t, resp, "HTTP/1.1 101 Switching Protocols")
		require.Contains(t, resp, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timed out")
	}
}

// readWSFrame pulls WebSocket frames off the client side.
func readWSFrame(t *testing.T, cli net.Conn, p *wsFrameParser) *wsFrame {
	t.Helper()
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		if f, ok := p.PopFrame(); ok {
			return f
		}
		n, err := cli.Read(buf)
		require.NoError(t, err)
		p.Append(buf[:n])
	}
}

func TestWSSessionHandshakeAndBinaryFrame(t *testing.T) {
	_, cli, frames, _ := startWSSession(t)
	handshake(t, cli)

	envelope := EncodeFrame([]byte("over websocket"))
	_, err := cli.Write(buildWSFrame(opBinary, envelope, true))
	require.NoError(t, err)

	assert.Equal(t, []byte("over websocket"), recvPayload(t, frames))
}

func TestWSSessionEnvelopeSplitAcrossMessages(t *testing.T) {
	_, cli, frames, _ := startWSSession(t)
	handshake(t, cli)

	// One envelope delivered via two WebSocket messages.
	envelope := EncodeFrame([]byte("reassembled"))
	_, err := cli.Write(buildWSFrame(opBinary, envelope[:3], true))
	require.NoError(t, err)
	_, err = cli.Write(buildWSFrame(opBinary, envelope[3:], true))
	require.NoError(t, err)

	assert.Equal(t, []byte("reassembled"), recvPayload(t, frames))
}

func TestWSSessionPingPong(t *testing.T) {
	_, cli, _, _ := startWSSession(t)
	handshake(t, cli)

	_, err := cli.Write(buildWSFrame(opPing, []byte("hb"), true))
	require.NoError(t, err)

	var p wsFrameParser
	f := readWSFrame(t, cli, &p)
	assert.Equal(t, byte(opPong), f.opcode)
	assert.Equal(t, []byte("hb"), f.payload)
}

func TestWSSessionCloseHandshake(t *testing.T) {
	_, cli, _, closed := startWSSession(t)
	handshake(t, cli)

	_, err := cli.Write(buildWSFrame(opClose, nil, true))
	require.NoError(t, err)

	var p wsFrameParser
	f := readWSFrame(t, cli, &p)
	assert.Equal(t, byte(opClose), f.opcode)
	waitClosed(t, closed)
}

func TestWSSessionNonFinalFrameCloses(t *testing.T) {
	_, cli, _, closed := startWSSession(t)
	handshake(t, cli)

	frame := buildWSFrame(opBinary, []byte("fragment"), true)
	frame[0] &^= 0x80 // clear FIN
	_, err := cli.Write(frame)
	require.NoError(t, err)

	waitClosed(t, closed)
}

func TestWSSessionSendWrapsBinaryFrame(t *testing.T) {
	s, cli, _, _ := startWSSession(t)
	handshake(t, cli)

	s.Send(EncodeFrame([]byte("pushed")))

	var p wsFrameParser
	f := readWSFrame(t, cli, &p)
	require.Equal(t, byte(opBinary), f.opcode)

	var fr Framer
	fr.Append(f.payload)
	payload, ok := fr.PopFrame()
	require.True(t, ok)
	assert.Equal(t, []byte("pushed"), payload)
}

func TestServerAcceptsAndRoutes(t *testing.T) {
	frames := make(chan []byte, 1)
	srv := NewServer("127.0.0.1:0", ModeTCP, func(_ Session, payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		frames <- cp
	}, nil, testLogger())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(EncodeFrame([]byte("via listener")))
	require.NoError(t, err)
	assert.Equal(t, []byte("via listener"), recvPayload(t, frames))
}

func TestServerAcceptLimitClosesExcess(t *testing.T) {
	srv := NewServer("127.0.0.1:0", ModeTCP, nil, nil, testLogger(), WithAcceptLimit(0, 1))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	// The over-limit connection is closed by the acceptor.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServerStopUnblocksAccept(t *testing.T) {
	srv := NewServer("127.0.0.1:0", ModeTCP, nil, nil, testLogger())
	require.NoError(t, srv.Start())
	srv.Stop()

	_, err := net.Dial("tcp", srv.Addr().String())
	if err == nil {
		// The OS may still complete the dial; the listener is gone either way.
		return
	}
	assert.Error(t, err)
}
