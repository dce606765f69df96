package sdk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuihairu/chirp/internal/chat"
	"github.com/cuihairu/chirp/internal/gateway"
	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/transport"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func startServer(t *testing.T, mode transport.Mode, onFrame transport.FrameHandler, onClose transport.CloseHandler) string {
	t.Helper()
	srv := transport.NewServer("127.0.0.1:0", mode, onFrame, onClose, testLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv.Addr().String()
}

func startGateway(t *testing.T, mode transport.Mode) string {
	t.Helper()
	gw := gateway.New(testLogger(), nil, nil)
	return startServer(t, mode, gw.OnFrame, gw.OnClose)
}

func startChat(t *testing.T) string {
	t.Helper()
	svc := chat.NewService(testLogger())
	return startServer(t, transport.ModeTCP, svc.OnFrame, svc.OnClose)
}

func TestConnectAndLoginTCP(t *testing.T) {
	addr := startGateway(t, transport.ModeTCP)
	c := NewChatClient(Options{Heartbeat: -1})
	defer c.Close()

	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Connect(addr))
	assert.Equal(t, StateConnected, c.State())

	resp, err := c.Login("alice")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)
	assert.Equal(t, "alice", resp.UserID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, StateLoggedIn, c.State())
	assert.Equal(t, "alice", c.UserID())
}

func TestConnectAndLoginWebSocket(t *testing.T) {
	addr := startGateway(t, transport.ModeWebSocket)
	c := NewChatClient(Options{Heartbeat: -1})
	defer c.Close()

	require.NoError(t, c.ConnectWebSocket("ws://" + addr + "/"))

	resp, err := c.Login("bob")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)
	assert.Equal(t, StateLoggedIn, c.State())
}

func TestLoginRejectedStaysConnected(t *testing.T) {
	addr := startGateway(t, transport.ModeTCP)
	c := NewChatClient(Options{Heartbeat: -1})
	defer c.Close()

	require.NoError(t, c.Connect(addr))
	resp, err := c.Login("")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidParam, resp.Code)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectTwiceFails(t *testing.T) {
	addr := startGateway(t, transport.ModeTCP)
	c := NewChatClient(Options{Heartbeat: -1})
	defer c.Close()

	require.NoError(t, c.Connect(addr))
	assert.ErrorIs(t, c.Connect(addr), ErrAlreadyConnected)
}

func TestRequestWhileDisconnected(t *testing.T) {
	c := NewChatClient(Options{Heartbeat: -1})
	_, err := c.Login("alice")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendBeforeLogin(t *testing.T) {
	addr := startGateway(t, transport.ModeTCP)
	c := NewChatClient(Options{Heartbeat: -1})
	defer c.Close()

	require.NoError(t, c.Connect(addr))
	_, err := c.SendMessage("bob", "hi", protocol.MessageText)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func connectChat(t *testing.T, addr, user string, opts Options) *ChatClient {
	t.Helper()
	if opts.Heartbeat == 0 {
		opts.Heartbeat = -1
	}
	c := NewChatClient(opts)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(addr))
	resp, err := c.Login(user)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)
	return c
}

func TestChatMessageRoundTrip(t *testing.T) {
	addr := startChat(t)

	received := make(chan protocol.ChatMessage, 1)
	bob := connectChat(t, addr, "bob", Options{OnMessage: func(m protocol.ChatMessage) {
		received <- m
	}})
	_ = bob

	alice := connectChat(t, addr, "alice", Options{})
	resp, err := alice.SendMessage("bob", "hello bob", protocol.MessageText)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)
	assert.NotEmpty(t, resp.MessageID)

	select {
	case msg := <-received:
		assert.Equal(t, resp.MessageID, msg.MessageID)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "alice|bob", msg.ChannelID)
		assert.Equal(t, "hello bob", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestGetHistoryThroughClient(t *testing.T) {
	addr := startChat(t)
	alice := connectChat(t, addr, "alice", Options{})

	for i := 0; i < 3; i++ {
		_, err := alice.SendMessage("bob", "msg", protocol.MessageText)
		require.NoError(t, err)
	}

	resp, err := alice.GetHistory(protocol.ChannelPrivate, "alice|bob", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)
	assert.Len(t, resp.Messages, 2)
	assert.True(t, resp.HasMore)
}

func TestKickOnDuplicateLogin(t *testing.T) {
	addr := startChat(t)

	kicked := make(chan string, 1)
	disconnected := make(chan struct{}, 1)
	first := connectChat(t, addr, "alice", Options{
		OnKick:       func(reason string) { kicked <- reason },
		OnDisconnect: func() { disconnected <- struct{}{} },
	})

	connectChat(t, addr, "alice", Options{})

	select {
	case reason := <-kicked:
		assert.Equal(t, "login from another device", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("kick never delivered")
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	assert.Equal(t, StateDisconnected, first.State())
}

func TestLogoutDisconnects(t *testing.T) {
	addr := startChat(t)

	disconnected := make(chan struct{}, 1)
	c := connectChat(t, addr, "alice", Options{
		OnDisconnect: func() { disconnected <- struct{}{} },
	})

	require.NoError(t, c.Logout())
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("logout never closed the connection")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.UserID())
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	addr := startGateway(t, transport.ModeTCP)
	c := NewChatClient(Options{Heartbeat: 30 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Connect(addr))
	_, err := c.Login("alice")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateLoggedIn, c.State())
}

func TestCloseDrainsPending(t *testing.T) {
	addr := startGateway(t, transport.ModeTCP)
	c := NewChatClient(Options{Heartbeat: -1})

	require.NoError(t, c.Connect(addr))
	c.Close()

	assert.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.Login("alice")
	assert.ErrorIs(t, err, ErrNotConnected)
}
