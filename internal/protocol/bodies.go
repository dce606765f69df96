package protocol

import "encoding/json"

// Code is the application-level result carried in every response body.
// Transport errors never surface as codes; a body that fails to parse yields
// the paired response with CodeInvalidParam.
type Code int32

const (
	CodeOK Code = iota
	CodeInvalidParam
	CodeAuthFailed
	CodeSessionExpired
	CodeInternalError
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidParam:
		return "INVALID_PARAM"
	case CodeAuthFailed:
		return "AUTH_FAILED"
	case CodeSessionExpired:
		return "SESSION_EXPIRED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	}
	return "UNKNOWN"
}

// ChannelType distinguishes private 1:1 channels from group channels.
type ChannelType int32

const (
	ChannelPrivate ChannelType = iota
	ChannelGroup
)

// MessageType is the payload kind of a chat message.
type MessageType int32

const (
	MessageText MessageType = iota
	MessageImage
)

// KickInfo describes why a session is being terminated.
type KickInfo struct {
	Reason string `json:"reason"`
}

type LoginRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type LoginResponse struct {
	Code         Code      `json:"code"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	ServerTime   int64     `json:"server_time"`
	KickPrevious bool      `json:"kick_previous,omitempty"`
	Kick         *KickInfo `json:"kick,omitempty"`
}

type LogoutRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

type LogoutResponse struct {
	Code       Code  `json:"code"`
	ServerTime int64 `json:"server_time"`
}

type HeartbeatPing struct {
	Timestamp int64 `json:"timestamp"`
}

type HeartbeatPong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"server_time"`
}

type KickNotify struct {
	Reason string `json:"reason"`
}

// ChatMessage is a stored and delivered chat message. Timestamp is assigned
// by the chat service; ClientTimestamp is whatever the sender claimed.
type ChatMessage struct {
	MessageID       string      `json:"message_id"`
	SenderID        string      `json:"sender_id"`
	ReceiverID      string      `json:"receiver_id,omitempty"`
	ChannelType     ChannelType `json:"channel_type"`
	ChannelID       string      `json:"channel_id"`
	MsgType         MessageType `json:"msg_type"`
	Content         string      `json:"content"`
	Timestamp       int64       `json:"timestamp"`
	ClientTimestamp int64       `json:"client_timestamp,omitempty"`
}

type SendMessageRequest struct {
	SenderID        string      `json:"sender_id"`
	ReceiverID      string      `json:"receiver_id,omitempty"`
	ChannelType     ChannelType `json:"channel_type"`
	ChannelID       string      `json:"channel_id,omitempty"`
	MsgType         MessageType `json:"msg_type"`
	Content         string      `json:"content"`
	ClientTimestamp int64       `json:"client_timestamp,omitempty"`
}

type SendMessageResponse struct {
	Code            Code   `json:"code"`
	MessageID       string `json:"message_id,omitempty"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

type GetHistoryRequest struct {
	ChannelType     ChannelType `json:"channel_type"`
	ChannelID       string      `json:"channel_id"`
	BeforeTimestamp int64       `json:"before_timestamp,omitempty"`
	Limit           int32       `json:"limit,omitempty"`
}

type GetHistoryResponse struct {
	Code     Code          `json:"code"`
	Messages []ChatMessage `json:"messages,omitempty"`
	HasMore  bool          `json:"has_more"`
}

// MarshalBody encodes a message body, panicking on marshal failure: every
// body type above is JSON-encodable by construction.
func MarshalBody(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: marshal body: " + err.Error())
	}
	return b
}

// UnmarshalBody decodes a message body into v.
func UnmarshalBody(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
