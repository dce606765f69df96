// Package chat implements the chat service: an in-memory bounded message
// store plus the packet dispatcher that serves sends, history reads, and
// online delivery.
package chat

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuihairu/chirp/internal/protocol"
)

const (
	// historyCap bounds per-channel retention; the oldest entries fall off.
	historyCap = 100

	defaultHistoryLimit = 50
)

// PrivateChannelID derives the canonical channel id for a 1:1 conversation:
// the two user ids sorted and joined with '|', so both ends compute the same
// channel.
func PrivateChannelID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// ChannelKey namespaces channel ids by type, so a private and a group
// channel with the same id never collide.
func ChannelKey(ct protocol.ChannelType, channelID string) string {
	return fmt.Sprintf("%d:%s", ct, channelID)
}

var msgCounter atomic.Uint64

// NewMessageID mints a message id unique within this process.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%d", time.Now().UnixMilli(), msgCounter.Add(1))
}

// Store keeps the most recent messages per channel, oldest first. It is the
// in-memory stand-in for a real message database and is safe for concurrent
// use.
type Store struct {
	mu       sync.Mutex
	channels map[string][]protocol.ChatMessage
}

func NewStore() *Store {
	return &Store{channels: make(map[string][]protocol.ChatMessage)}
}

// Append stores msg in its channel, evicting the oldest entry once the
// channel is at capacity.
func (s *Store) Append(key string, msg protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.channels[key], msg)
	if len(list) > historyCap {
		list = list[len(list)-historyCap:]
	}
	s.channels[key] = list
}

// History returns the most recent messages from the channel, in ascending
// timestamp order, up to limit. When before is positive only messages
// strictly older than it are considered; zero or negative means no cutoff.
// hasMore reports whether older messages remain beyond the returned page.
func (s *Store) History(key string, before int64, limit int32) (msgs []protocol.ChatMessage, hasMore bool) {
	if before <= 0 {
		before = 0
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Walk backwards to find the page, then reverse into ascending order.
	list := s.channels[key]
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		if before != 0 && m.Timestamp >= before {
			continue
		}
		if int32(len(msgs)) == limit {
			hasMore = true
			break
		}
		msgs = append(msgs, m)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore
}

// Len reports how many messages a channel currently holds.
func (s *Store) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[key])
}
