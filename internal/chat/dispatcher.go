package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuihairu/chirp/internal/metrics"
	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/transport"
)

const kickReason = "login from another device"

// Service is the chat dispatcher. Login here is deliberately thin: the
// token is taken as the user id and the session id is derived from it; the
// gateway owns real authentication. What the service does own is the message
// store, history paging, and push delivery to online recipients.
type Service struct {
	logger zerolog.Logger
	store  *Store

	mu        sync.Mutex
	byUser    map[string]transport.Session
	bySession map[uint64]string
}

func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger:    logger.With().Str("component", "chat").Logger(),
		store:     NewStore(),
		byUser:    make(map[string]transport.Session),
		bySession: make(map[uint64]string),
	}
}

// Store exposes the message store, mainly for tests.
func (c *Service) Store() *Store { return c.store }

func nowMs() int64 { return time.Now().UnixMilli() }

func send(s transport.Session, id protocol.MsgID, seq int64, body any) {
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	s.Send(transport.EncodeFrame(pkt.Encode()))
	metrics.PacketsSent.Inc()
}

func sendAndClose(s transport.Session, id protocol.MsgID, seq int64, body any) {
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	s.SendAndClose(transport.EncodeFrame(pkt.Encode()))
	metrics.PacketsSent.Inc()
}

// OnFrame is the FrameHandler for the chat listener.
func (c *Service) OnFrame(s transport.Session, payload []byte) {
	pkt, err := protocol.Decode(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("undecodable packet")
		return
	}
	metrics.PacketsReceived.WithLabelValues(pkt.MsgID.String()).Inc()

	switch pkt.MsgID {
	case protocol.MsgLoginReq:
		c.handleLogin(s, pkt)
	case protocol.MsgLogoutReq:
		c.handleLogout(s, pkt)
	case protocol.MsgHeartbeatPing:
		c.handleHeartbeat(s, pkt)
	case protocol.MsgSendMessageReq:
		c.handleSend(s, pkt)
	case protocol.MsgGetHistoryReq:
		c.handleHistory(s, pkt)
	default:
	}
}

// OnClose drops the session from the online map.
func (c *Service) OnClose(s transport.Session) {
	c.mu.Lock()
	userID, ok := c.bySession[s.ID()]
	if ok {
		delete(c.bySession, s.ID())
		if cur, live := c.byUser[userID]; live && cur.ID() == s.ID() {
			delete(c.byUser, userID)
		}
	}
	c.mu.Unlock()
}

func (c *Service) handleLogin(s transport.Session, pkt protocol.Packet) {
	var req protocol.LoginRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil || req.Token == "" {
		send(s, protocol.MsgLoginResp, pkt.Sequence, protocol.LoginResponse{
			Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
		})
		return
	}

	userID := req.Token
	c.mu.Lock()
	old := c.byUser[userID]
	c.byUser[userID] = s
	c.bySession[s.ID()] = userID
	c.mu.Unlock()

	if old != nil && old.ID() != s.ID() {
		sendAndClose(old, protocol.MsgKickNotify, 0, protocol.KickNotify{Reason: kickReason})
	}

	send(s, protocol.MsgLoginResp, pkt.Sequence, protocol.LoginResponse{
		Code:       protocol.CodeOK,
		UserID:     userID,
		SessionID:  "chat_session_" + userID,
		ServerTime: nowMs(),
	})
}

func (c *Service) handleLogout(s transport.Session, pkt protocol.Packet) {
	var req protocol.LogoutRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil || req.UserID == "" {
		send(s, protocol.MsgLogoutResp, pkt.Sequence, protocol.LogoutResponse{
			Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
		})
		return
	}

	c.mu.Lock()
	bound := c.bySession[s.ID()]
	c.mu.Unlock()
	if bound == "" || bound != req.UserID {
		send(s, protocol.MsgLogoutResp, pkt.Sequence, protocol.LogoutResponse{
			Code: protocol.CodeAuthFailed, ServerTime: nowMs(),
		})
		return
	}

	c.OnClose(s)
	sendAndClose(s, protocol.MsgLogoutResp, pkt.Sequence, protocol.LogoutResponse{
		Code: protocol.CodeOK, ServerTime: nowMs(),
	})
}

func (c *Service) handleHeartbeat(s transport.Session, pkt protocol.Packet) {
	var ping protocol.HeartbeatPing
	if err := protocol.UnmarshalBody(pkt.Body, &ping); err != nil {
		c.logger.Warn().Err(err).Msg("bad heartbeat body")
		return
	}
	send(s, protocol.MsgHeartbeatPong, pkt.Sequence, protocol.HeartbeatPong{
		Timestamp:  ping.Timestamp,
		ServerTime: nowMs(),
	})
}

func (c *Service) handleSend(s transport.Session, pkt protocol.Packet) {
	var req protocol.SendMessageRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil {
		send(s, protocol.MsgSendMessageResp, pkt.Sequence, protocol.SendMessageResponse{
			Code: protocol.CodeInvalidParam, ServerTimestamp: nowMs(),
		})
		return
	}
	if req.SenderID == "" ||
		(req.ChannelType == protocol.ChannelPrivate && req.ReceiverID == "") ||
		(req.ChannelType != protocol.ChannelPrivate && req.ChannelID == "") {
		send(s, protocol.MsgSendMessageResp, pkt.Sequence, protocol.SendMessageResponse{
			Code: protocol.CodeInvalidParam, ServerTimestamp: nowMs(),
		})
		return
	}

	channelID := req.ChannelID
	if req.ChannelType == protocol.ChannelPrivate {
		channelID = PrivateChannelID(req.SenderID, req.ReceiverID)
	}

	now := nowMs()
	msg := protocol.ChatMessage{
		MessageID:       NewMessageID(),
		SenderID:        req.SenderID,
		ReceiverID:      req.ReceiverID,
		ChannelType:     req.ChannelType,
		ChannelID:       channelID,
		MsgType:         req.MsgType,
		Content:         req.Content,
		Timestamp:       now,
		ClientTimestamp: req.ClientTimestamp,
	}
	c.store.Append(ChannelKey(req.ChannelType, channelID), msg)
	metrics.ChatMessagesTotal.Inc()

	send(s, protocol.MsgSendMessageResp, pkt.Sequence, protocol.SendMessageResponse{
		Code:            protocol.CodeOK,
		MessageID:       msg.MessageID,
		ServerTimestamp: now,
	})

	if req.ChannelType == protocol.ChannelPrivate {
		c.mu.Lock()
		peer := c.byUser[req.ReceiverID]
		c.mu.Unlock()
		// Offline recipients keep only the stored copy; delivery is pull via
		// history on their next login.
		if peer != nil {
			send(peer, protocol.MsgChatMessageNotify, 0, msg)
			metrics.ChatNotifiesTotal.Inc()
		}
	}
}

func (c *Service) handleHistory(s transport.Session, pkt protocol.Packet) {
	var req protocol.GetHistoryRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil || req.ChannelID == "" {
		send(s, protocol.MsgGetHistoryResp, pkt.Sequence, protocol.GetHistoryResponse{
			Code: protocol.CodeInvalidParam,
		})
		return
	}

	msgs, hasMore := c.store.History(ChannelKey(req.ChannelType, req.ChannelID), req.BeforeTimestamp, req.Limit)
	send(s, protocol.MsgGetHistoryResp, pkt.Sequence, protocol.GetHistoryResponse{
		Code:     protocol.CodeOK,
		Messages: msgs,
		HasMore:  hasMore,
	})
}
