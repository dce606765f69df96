// Package auth implements the token verification service the gateway calls
// over the framed packet protocol.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuihairu/chirp/internal/metrics"
	"github.com/cuihairu/chirp/internal/protocol"
	"github.com/cuihairu/chirp/internal/transport"
)

// Service verifies login tokens and issues session ids. With a JWT secret
// configured, tokens shaped like JWTs are verified as HS256 and the subject
// claim becomes the user id; any other token is accepted as a bare user id,
// which keeps development setups working without an issuer.
type Service struct {
	logger    zerolog.Logger
	jwtSecret []byte
}

func NewService(jwtSecret string, logger zerolog.Logger) *Service {
	return &Service{
		logger:    logger.With().Str("component", "auth").Logger(),
		jwtSecret: []byte(jwtSecret),
	}
}

// LooksLikeJWT reports whether token has the three-part dotted shape of a
// JWT compact serialization.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func nowMs() int64 { return time.Now().UnixMilli() }

// OnFrame is the FrameHandler for the auth listener. Each connection carries
// one request and one response; the gateway closes it after reading.
func (a *Service) OnFrame(s transport.Session, payload []byte) {
	pkt, err := protocol.Decode(payload)
	if err != nil {
		a.logger.Warn().Err(err).Msg("undecodable packet")
		return
	}
	metrics.PacketsReceived.WithLabelValues(pkt.MsgID.String()).Inc()

	switch pkt.MsgID {
	case protocol.MsgLoginReq:
		a.handleLogin(s, pkt)
	case protocol.MsgLogoutReq:
		a.handleLogout(s, pkt)
	default:
	}
}

// OnClose satisfies the transport contract; the auth service keeps no
// per-session state.
func (a *Service) OnClose(transport.Session) {}

func reply(s transport.Session, id protocol.MsgID, seq int64, body any) {
	pkt := protocol.Packet{MsgID: id, Sequence: seq, Body: protocol.MarshalBody(body)}
	s.Send(transport.EncodeFrame(pkt.Encode()))
	metrics.PacketsSent.Inc()
}

func (a *Service) handleLogin(s transport.Session, pkt protocol.Packet) {
	var req protocol.LoginRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil || req.Token == "" {
		reply(s, protocol.MsgLoginResp, pkt.Sequence, protocol.LoginResponse{
			Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
		})
		return
	}

	userID, code := a.Verify(req.Token)
	resp := protocol.LoginResponse{Code: code, ServerTime: nowMs()}
	if code == protocol.CodeOK {
		resp.UserID = userID
		resp.SessionID = uuid.NewString()
		resp.KickPrevious = true
		resp.Kick = &protocol.KickInfo{Reason: "login from another device"}
	}
	a.logger.Info().
		Str("user", userID).
		Str("device", req.DeviceID).
		Str("platform", req.Platform).
		Str("code", code.String()).
		Msg("login verified")
	reply(s, protocol.MsgLoginResp, pkt.Sequence, resp)
}

func (a *Service) handleLogout(s transport.Session, pkt protocol.Packet) {
	var req protocol.LogoutRequest
	if err := protocol.UnmarshalBody(pkt.Body, &req); err != nil || req.UserID == "" || req.SessionID == "" {
		reply(s, protocol.MsgLogoutResp, pkt.Sequence, protocol.LogoutResponse{
			Code: protocol.CodeInvalidParam, ServerTime: nowMs(),
		})
		return
	}
	reply(s, protocol.MsgLogoutResp, pkt.Sequence, protocol.LogoutResponse{
		Code: protocol.CodeOK, ServerTime: nowMs(),
	})
}

// Verify resolves a token to a user id. JWT-shaped tokens must verify as
// HS256 against the configured secret and carry a subject claim; everything
// else passes through as the user id.
func (a *Service) Verify(token string) (string, protocol.Code) {
	if !LooksLikeJWT(token) || len(a.jwtSecret) == 0 {
		return token, protocol.CodeOK
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", protocol.CodeAuthFailed
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", protocol.CodeAuthFailed
	}
	return sub, protocol.CodeOK
}
