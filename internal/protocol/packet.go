// Package protocol defines the wire envelope and message bodies shared by
// the gateway, chat, and auth services and by the client SDK.
//
// Every payload on the wire is a Packet: a fixed 10-byte header carrying the
// message id and the request sequence, followed by the body bytes. Bodies are
// JSON; their schema is selected by the message id. The packet itself is
// framed by the length-prefixed transport (see internal/transport).
package protocol

import (
	"encoding/binary"
	"errors"
)

// MsgID identifies the kind of a packet. The enumeration is closed: unknown
// ids received from a peer are ignored by every dispatcher.
type MsgID uint16

const (
	MsgInvalid MsgID = iota
	MsgLoginReq
	MsgLoginResp
	MsgLogoutReq
	MsgLogoutResp
	MsgHeartbeatPing
	MsgHeartbeatPong
	MsgSendMessageReq
	MsgSendMessageResp
	MsgGetHistoryReq
	MsgGetHistoryResp
	MsgChatMessageNotify
	MsgKickNotify
)

func (m MsgID) String() string {
	switch m {
	case MsgLoginReq:
		return "LOGIN_REQ"
	case MsgLoginResp:
		return "LOGIN_RESP"
	case MsgLogoutReq:
		return "LOGOUT_REQ"
	case MsgLogoutResp:
		return "LOGOUT_RESP"
	case MsgHeartbeatPing:
		return "HEARTBEAT_PING"
	case MsgHeartbeatPong:
		return "HEARTBEAT_PONG"
	case MsgSendMessageReq:
		return "SEND_MESSAGE_REQ"
	case MsgSendMessageResp:
		return "SEND_MESSAGE_RESP"
	case MsgGetHistoryReq:
		return "GET_HISTORY_REQ"
	case MsgGetHistoryResp:
		return "GET_HISTORY_RESP"
	case MsgChatMessageNotify:
		return "CHAT_MESSAGE_NOTIFY"
	case MsgKickNotify:
		return "KICK_NOTIFY"
	}
	return "UNKNOWN"
}

// headerSize is the fixed envelope header: u16 BE msg id + i64 BE sequence.
const headerSize = 10

// Packet is the envelope carried inside every transport frame. Sequence is
// chosen by the requester and echoed on the paired response; unsolicited
// server pushes carry sequence 0.
type Packet struct {
	MsgID    MsgID
	Sequence int64
	Body     []byte
}

// ErrShortPacket is returned by Decode when the payload is smaller than the
// envelope header.
var ErrShortPacket = errors.New("protocol: packet shorter than header")

// Encode serializes the packet into a fresh buffer.
func (p *Packet) Encode() []byte {
	out := make([]byte, headerSize+len(p.Body))
	binary.BigEndian.PutUint16(out[0:2], uint16(p.MsgID))
	binary.BigEndian.PutUint64(out[2:10], uint64(p.Sequence))
	copy(out[headerSize:], p.Body)
	return out
}

// Decode parses an envelope from payload. The body aliases payload; callers
// that retain it beyond the frame callback must copy.
func Decode(payload []byte) (Packet, error) {
	if len(payload) < headerSize {
		return Packet{}, ErrShortPacket
	}
	return Packet{
		MsgID:    MsgID(binary.BigEndian.Uint16(payload[0:2])),
		Sequence: int64(binary.BigEndian.Uint64(payload[2:10])),
		Body:     payload[headerSize:],
	}, nil
}
