package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuihairu/chirp/internal/metrics"
	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/transport"
)

const (
	kickReasonLocal  = "login from another device"
	kickReasonRemote = "login from another gateway instance"
)

// Gateway routes client packets on both the TCP and WebSocket listeners:
// login (with optional auth RPC and Redis lease claim), logout, and
// heartbeat. Unknown message kinds are ignored.
type Gateway struct {
	logger   zerolog.Logger
	registry *Registry
	auth     *AuthClient     // nil: scaffolding mode, token is the user id
	sessions *SessionManager // nil: single-instance mode
}

// New wires the dispatcher. auth and sessions may be nil.
func New(logger zerolog.Logger, auth *AuthClient, sessions *SessionManager) *Gateway {
	return &Gateway{
		logger:   logger.With().Str("component", "gateway").Logger(),
		registry: NewRegistry(),
		auth:     auth,
		sessions: sessions,
	}
}

// Registry exposes the local ownership map, mainly for tests.
func (g *Gateway) Registry() *Registry { return g.registry }

// SetSessionManager attaches the Redis ownership manager. The manager needs
// the gateway's kick handler at construction, so wiring happens in two
// steps, before any listener starts.
func (g *Gateway) SetSessionManager(m *SessionManager) { g.sessions = m }

func nowMs() int64 { return time.Now().UnixMilli() }

func sendPacket(s transport.Session, id protocol.MsgID, seq int64, body any) {
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	s.Send(transport.EncodeFrame(pkt.Encode()))
	metrics.PacketsSent.Inc()
}

func sendPacketAndClose(s transport.Session, id protocol.MsgID, seq int64, body any) {
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	s.SendAndClose(transport.EncodeFrame(pkt.Encode()))
	metrics.PacketsSent.Inc()
}

// kickSession delivers KICK_NOTIFY and closes once it has flushed.
func kickSession(s transport.Session, reason string) {
	if reason == "" {
		reason = "kicked"
	}
	sendPacketAndClose(s, protocol.MsgKickNotify, 0, protocol.KickNotify{Reason: reason})
}

// OnFrame is the FrameHandler for both gateway listeners.
func (g *Gateway) OnFrame(s transport.Session, payload []byte) {
	pkt, err := protocol.Decode(payload)
	if err != nil {
		g.logger.Warn().Err(err).Msg("undecodable packet")
		return
	}
	metrics.PacketsReceived.WithLabelValues(pkt.MsgID.String()).Inc()

	switch pkt.MsgID {
	case protocol.MsgLoginReq:
		g.handleLogin(s, pkt)
	case protocol.MsgLogoutReq:
		g.handleLogout(s, pkt)
	case protocol.MsgHeartbeatPing:
		g.handleHeartbeat(s, pkt)
	default:
		// Forward-compatible: unknown kinds are dropped.
	}
}

// OnClose sweeps the registry and releases the global lease when this
// session was the user's current one.
func (g *Gateway) OnClose(s transport.Session) {
	userID, released := g.registry.Unbind(s)
	if released && g.sessions != nil {
		g.sessions.AsyncRelease(userID)
	}
	if userID != "" {
		g.logger.Debug().Str("user", userID).Uint64("session", s.ID()).Msg("session closed")
	}
}

// OnKick handles a cross-instance kick delivered by the Redis subscriber.
func (g *Gateway) OnKick(userID string) {
	s, ok := g.registry.Lookup(userID)
	if !ok {
		return
	}
	metrics.KicksTotal.WithLabelValues("redis").Inc()
	g.logger.Info().Str("user", userID).Msg("kicked by another instance")
	kickSession(s, kickReasonRemote)
}

func (g *Gateway) handleLogin(s transport.Session, pkt protocol.Packet) {
	var req protocol.LoginRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil {
		sendPacket(s, protocol.MsgLoginResp, pkt.Sequence, protocol.LoginResponse{
			Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
		})
		return
	}

	if g.auth == nil {
		g.scaffoldingLogin(s, pkt.Sequence, req)
		return
	}

	seq := pkt.Sequence
	g.auth.AsyncLogin(req, seq, func(resp protocol.LoginResponse) {
		metrics.LoginsTotal.WithLabelValues(resp.Code.String()).Inc()
		if resp.Code != protocol.CodeOK {
			sendPacket(s, protocol.MsgLoginResp, seq, resp)
			return
		}

		userID := resp.UserID
		if userID == "" {
			userID = req.Token
		}
		if userID == "" {
			sendPacket(s, protocol.MsgLoginResp, seq, protocol.LoginResponse{
				Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
			})
			return
		}

		old := g.registry.Bind(userID, resp.SessionID, s)
		if old != nil {
			reason := kickReasonLocal
			if resp.Kick != nil && resp.Kick.Reason != "" {
				reason = resp.Kick.Reason
			}
			metrics.KicksTotal.WithLabelValues("local").Inc()
			kickSession(old, reason)
		}

		if g.sessions == nil {
			sendPacket(s, protocol.MsgLoginResp, seq, resp)
			return
		}
		// The login response is held back until the claim completes, so the
		// previous owner has been published its kick before this client
		// believes it is logged in.
		g.sessions.AsyncClaim(userID, func(string, bool) {
			sendPacket(s, protocol.MsgLoginResp, seq, resp)
		})
	})
}

// scaffoldingLogin serves LOGIN_REQ with no auth backend: the token is the
// user id and the response is synthesized locally.
func (g *Gateway) scaffoldingLogin(s transport.Session, seq int64, req protocol.LoginRequest) {
	resp := protocol.LoginResponse{
		Code:       protocol.CodeOK,
		UserID:     req.Token,
		SessionID:  uuid.NewString(),
		ServerTime: nowMs(),
	}
	if req.Token == "" {
		resp = protocol.LoginResponse{Code: protocol.CodeInvalidParam, ServerTime: nowMs()}
	} else {
		resp.KickPrevious = true
		resp.Kick = &protocol.KickInfo{Reason: kickReasonLocal}
	}
	metrics.LoginsTotal.WithLabelValues(resp.Code.String()).Inc()
	sendPacket(s, protocol.MsgLoginResp, seq, resp)
}

func (g *Gateway) handleLogout(s transport.Session, pkt protocol.Packet) {
	seq := pkt.Sequence
	var req protocol.LogoutRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil || req.UserID == "" {
		sendPacket(s, protocol.MsgLogoutResp, seq, protocol.LogoutResponse{
			Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
		})
		return
	}

	curUser, curSessionID, _ := g.registry.BindingFor(s)
	if curUser == "" || curUser != req.UserID {
		sendPacket(s, protocol.MsgLogoutResp, seq, protocol.LogoutResponse{
			Code: protocol.CodeAuthFailed, ServerTime: nowMs(),
		})
		return
	}
	if req.SessionID != "" && curSessionID != "" && req.SessionID != curSessionID {
		sendPacket(s, protocol.MsgLogoutResp, seq, protocol.LogoutResponse{
			Code: protocol.CodeSessionExpired, ServerTime: nowMs(),
		})
		return
	}

	finalize := func(resp protocol.LogoutResponse) {
		if resp.Code != protocol.CodeOK {
			sendPacket(s, protocol.MsgLogoutResp, seq, resp)
			return
		}
		userID, released := g.registry.Unbind(s)
		if released && g.sessions != nil {
			g.sessions.AsyncRelease(userID)
		}
		sendPacketAndClose(s, protocol.MsgLogoutResp, seq, resp)
	}

	if g.auth != nil {
		g.auth.AsyncLogout(req, seq, finalize)
		return
	}
	finalize(protocol.LogoutResponse{Code: protocol.CodeOK, ServerTime: nowMs()})
}

func (g *Gateway) handleHeartbeat(s transport.Session, pkt protocol.Packet) {
	var ping protocol.HeartbeatPing
	if err := protocol.UnmarshalBody(pkt.Body, &ping); err != nil {
		g.logger.Warn().Err(err).Msg("bad heartbeat body")
		return
	}
	sendPacket(s, protocol.MsgHeartbeatPong, pkt.Sequence, protocol.HeartbeatPong{
		Timestamp:  ping.Timestamp,
		ServerTime: nowMs(),
	})
}
