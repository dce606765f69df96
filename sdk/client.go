// Package sdk is the client library for the chirp gateway and chat
// services: it dials over raw TCP or WebSocket, speaks the framed packet
// protocol, and exposes blocking login/send/history calls plus callbacks
// for server pushes.
package sdk

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/transport"
)

// State is the client lifecycle. Transitions only move forward through
// Connecting/Connected/LoggedIn and fall back to Disconnected on any close.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateLoggedIn:
		return "LOGGED_IN"
	}
	return "DISCONNECTED"
}

var (
	ErrNotConnected     = errors.New("sdk: not connected")
	ErrAlreadyConnected = errors.New("sdk: already connected")
	ErrNotLoggedIn      = errors.New("sdk: not logged in")
	ErrTimeout          = errors.New("sdk: request timed out")
)

const (
	defaultDeviceID  = "sdk_device"
	defaultPlatform  = "pc"
	defaultHeartbeat = 30 * time.Second
	defaultTimeout   = 5 * time.Second
)

// MessageFunc receives pushed chat messages.
type MessageFunc func(protocol.ChatMessage)

// KickFunc receives the reason when the server terminates the session.
type KickFunc func(reason string)

// DisconnectFunc fires once per connection when it closes, after pending
// requests have been failed.
type DisconnectFunc func()

// Options configures a ChatClient. The zero value works.
type Options struct {
	DeviceID  string
	Platform  string
	Heartbeat time.Duration // 0: default, <0: disabled
	Timeout   time.Duration
	Logger    zerolog.Logger

	OnMessage    MessageFunc
	OnKick       KickFunc
	OnDisconnect DisconnectFunc
}

// link abstracts the two wire transports. Writes take a complete
// length-prefixed frame; reads return raw stream bytes for the framer.
type link interface {
	write(frame []byte) error
	read() ([]byte, error)
	close() error
}

type tcpLink struct {
	conn net.Conn
	buf  [4096]byte
}

func (l *tcpLink) write(frame []byte) error {
	_, err := l.conn.Write(frame)
	return err
}

func (l *tcpLink) read() ([]byte, error) {
	n, err := l.conn.Read(l.buf[:])
	if err != nil {
		return nil, err
	}
	return l.buf[:n], nil
}

func (l *tcpLink) close() error { return l.conn.Close() }

type wsLink struct {
	conn net.Conn
}

func (l *wsLink) write(frame []byte) error {
	return wsutil.WriteClientBinary(l.conn, frame)
}

func (l *wsLink) read() ([]byte, error) {
	return wsutil.ReadServerBinary(l.conn)
}

func (l *wsLink) close() error { return l.conn.Close() }

// ChatClient is a single-connection client. All exported methods are safe
// for concurrent use; responses are matched to requests by sequence.
type ChatClient struct {
	opts   Options
	logger zerolog.Logger

	seq atomic.Int64

	mu        sync.Mutex
	state     State
	link      link
	pending   map[int64]chan protocol.Packet
	userID    string
	sessionID string
	hbStop    chan struct{}
}

// NewChatClient builds a disconnected client.
func NewChatClient(opts Options) *ChatClient {
	if opts.DeviceID == "" {
		opts.DeviceID = defaultDeviceID
	}
	if opts.Platform == "" {
		opts.Platform = defaultPlatform
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &ChatClient{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "sdk").Logger(),
		pending: make(map[int64]chan protocol.Packet),
	}
}

// State returns the current lifecycle state.
func (c *ChatClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the logged-in user id, empty before login.
func (c *ChatClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect dials the server over raw TCP.
func (c *ChatClient) Connect(addr string) error {
	return c.connect(func() (link, error) {
		conn, err := net.DialTimeout("tcp", addr, c.opts.Timeout)
		if err != nil {
			return nil, err
		}
		return &tcpLink{conn: conn}, nil
	})
}

// ConnectWebSocket dials the server over WebSocket, e.g. "ws://host:port/".
func (c *ChatClient) ConnectWebSocket(url string) error {
	return c.connect(func() (link, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		conn, _, _, err := ws.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return &wsLink{conn: conn}, nil
	})
}

func (c *ChatClient) connect(dial func() (link, error)) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	l, err := dial()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.link = l
	c.state = StateConnected
	c.hbStop = make(chan struct{})
	hbStop := c.hbStop
	c.mu.Unlock()

	go c.readLoop(l)
	if c.opts.Heartbeat > 0 {
		go c.heartbeatLoop(hbStop)
	}
	return nil
}

// Close tears the connection down. Safe to call in any state.
func (c *ChatClient) Close() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// Login authenticates and blocks for the response. On OK the client moves
// to LoggedIn and remembers the server-issued ids.
func (c *ChatClient) Login(token string) (protocol.LoginResponse, error) {
	req := protocol.LoginRequest{Token: token, DeviceID: c.opts.DeviceID, Platform: c.opts.Platform}
	pkt, err := c.request(protocol.MsgLoginReq, req, protocol.MsgLoginResp)
	if err != nil {
		return protocol.LoginResponse{}, err
	}

	var resp protocol.LoginResponse
	if err := protocol.UnmarshalBody(pkt.Body, &resp); err != nil {
		return protocol.LoginResponse{}, err
	}
	if resp.Code == protocol.CodeOK {
		c.mu.Lock()
		c.userID = resp.UserID
		c.sessionID = resp.SessionID
		if c.state == StateConnected {
			c.state = StateLoggedIn
		}
		c.mu.Unlock()
	}
	return resp, nil
}

// Logout sends LOGOUT_REQ without waiting: the server replies and closes,
// and the close path settles the client state.
func (c *ChatClient) Logout() error {
	c.mu.Lock()
	if c.state != StateLoggedIn {
		c.mu.Unlock()
		return ErrNotLoggedIn
	}
	req := protocol.LogoutRequest{UserID: c.userID, SessionID: c.sessionID}
	c.mu.Unlock()

	return c.send(protocol.MsgLogoutReq, c.seq.Add(1), req)
}

// SendMessage sends a private text-or-image message and blocks for the
// acknowledgement. The channel id is derived from the two user ids.
func (c *ChatClient) SendMessage(receiverID, content string, msgType protocol.MessageType) (protocol.SendMessageResponse, error) {
	c.mu.Lock()
	if c.state != StateLoggedIn {
		c.mu.Unlock()
		return protocol.SendMessageResponse{}, ErrNotLoggedIn
	}
	sender := c.userID
	c.mu.Unlock()

	req := protocol.SendMessageRequest{
		SenderID:        sender,
		ReceiverID:      receiverID,
		ChannelType:     protocol.ChannelPrivate,
		MsgType:         msgType,
		Content:         content,
		ClientTimestamp: time.Now().UnixMilli(),
	}
	pkt, err := c.request(protocol.MsgSendMessageReq, req, protocol.MsgSendMessageResp)
	if err != nil {
		return protocol.SendMessageResponse{}, err
	}
	var resp protocol.SendMessageResponse
	return resp, protocol.UnmarshalBody(pkt.Body, &resp)
}

// GetHistory pages a channel's history: the most recent messages up to
// limit, in ascending timestamp order.
func (c *ChatClient) GetHistory(ct protocol.ChannelType, channelID string, before int64, limit int32) (protocol.GetHistoryResponse, error) {
	req := protocol.GetHistoryRequest{ChannelType: ct, ChannelID: channelID, BeforeTimestamp: before, Limit: limit}
	pkt, err := c.request(protocol.MsgGetHistoryReq, req, protocol.MsgGetHistoryResp)
	if err != nil {
		return protocol.GetHistoryResponse{}, err
	}
	var resp protocol.GetHistoryResponse
	return resp, protocol.UnmarshalBody(pkt.Body, &resp)
}

// request sends one packet and blocks until the response with the same
// sequence arrives, the connection drops, or the timeout fires.
func (c *ChatClient) request(id protocol.MsgID, body any, want protocol.MsgID) (protocol.Packet, error) {
	seq := c.seq.Add(1)
	ch := make(chan protocol.Packet, 1)

	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateConnecting {
		c.mu.Unlock()
		return protocol.Packet{}, ErrNotConnected
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.send(id, seq, body); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return protocol.Packet{}, err
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case pkt, ok := <-ch:
		if !ok {
			return protocol.Packet{}, ErrNotConnected
		}
		if pkt.MsgID != want {
			return protocol.Packet{}, errors.New("sdk: unexpected response kind " + pkt.MsgID.String())
		}
		return pkt, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return protocol.Packet{}, ErrTimeout
	}
}

func (c *ChatClient) send(id protocol.MsgID, seq int64, body any) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	return l.write(transport.EncodeFrame(pkt.Encode()))
}

func (c *ChatClient) readLoop(l link) {
	var framer transport.Framer
	kickReason := ""
	for {
		chunk, err := l.read()
		if err != nil {
			c.teardown(l, kickReason)
			return
		}
		framer.Append(chunk)
		for {
			payload, ok := framer.PopFrame()
			if !ok {
				break
			}
			pkt, err := protocol.Decode(payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("undecodable packet")
				continue
			}
			if reason, kicked := c.dispatch(pkt); kicked {
				kickReason = reason
			}
		}
	}
}

// dispatch routes one inbound packet. Kicks are remembered so the teardown
// path can report them after the server closes the connection.
func (c *ChatClient) dispatch(pkt protocol.Packet) (string, bool) {
	switch pkt.MsgID {
	case protocol.MsgChatMessageNotify:
		var msg protocol.ChatMessage
		if err := protocol.UnmarshalBody(pkt.Body, &msg); err == nil && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
		return "", false
	case protocol.MsgKickNotify:
		var kick protocol.KickNotify
		if err := protocol.UnmarshalBody(pkt.Body, &kick); err != nil {
			kick.Reason = "kicked"
		}
		if c.opts.OnKick != nil {
			c.opts.OnKick(kick.Reason)
		}
		return kick.Reason, true
	case protocol.MsgHeartbeatPong:
		return "", false
	}

	c.mu.Lock()
	ch, ok := c.pending[pkt.Sequence]
	if ok {
		delete(c.pending, pkt.Sequence)
	}
	c.mu.Unlock()
	if ok {
		// Copy the body: it aliases the read buffer.
		body := make([]byte, len(pkt.Body))
		copy(body, pkt.Body)
		pkt.Body = body
		ch <- pkt
	}
	return "", false
}

// teardown runs once per connection from the read loop: it fails pending
// requests, resets state, and fires the disconnect callback.
func (c *ChatClient) teardown(l link, kickReason string) {
	l.close()

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.state = StateDisconnected
	c.userID = ""
	c.sessionID = ""
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	pending := c.pending
	c.pending = make(map[int64]chan protocol.Packet)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if kickReason != "" {
		c.logger.Info().Str("reason", kickReason).Msg("kicked")
	}
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect()
	}
}

func (c *ChatClient) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping := protocol.HeartbeatPing{Timestamp: time.Now().UnixMilli()}
			if err := c.send(protocol.MsgHeartbeatPing, c.seq.Add(1), ping); err != nil {
				return
			}
		}
	}
}
