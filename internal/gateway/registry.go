// Package gateway contains the session brokering core of the gateway
// service: the local user↔session registry, the auth RPC worker, the
// Redis-backed cross-instance ownership manager, and the packet dispatcher
// that ties them together.
package gateway

import (
	"sync"

	"github.com/cuihairu/chirp/internal/transport"
)

type binding struct {
	userID    string
	sessionID string
}

// Registry is the local half of session ownership: a bidirectional
// user↔session mapping under one mutex. At most one live session maps to a
// given user id on this instance. Session lifetime is owned by the
// transport; the registry only holds handles and is swept from the close
// callback.
type Registry struct {
	mu        sync.Mutex
	byUser    map[string]transport.Session
	bySession map[uint64]binding
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[string]transport.Session),
		bySession: make(map[uint64]binding),
	}
}

// Bind points userID at s, returning the previous session if one was bound
// and is not s itself. The caller kicks the returned session outside the
// lock.
func (r *Registry) Bind(userID, authSessionID string, s transport.Session) transport.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.byUser[userID]
	r.byUser[userID] = s
	r.bySession[s.ID()] = binding{userID: userID, sessionID: authSessionID}

	if old != nil && old.ID() != s.ID() {
		return old
	}
	return nil
}

// Lookup returns the live session for userID, if any.
func (r *Registry) Lookup(userID string) (transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// BindingFor returns the user and auth session id bound to s.
func (r *Registry) BindingFor(s transport.Session) (userID, sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bySession[s.ID()]
	return b.userID, b.sessionID, ok
}

// Unbind removes s from the reverse index and clears the forward entry only
// if it still points at s; a newer session that already took the user over
// must not be disturbed. released reports whether the forward entry was
// cleared, i.e. whether this instance no longer serves userID.
func (r *Registry) Unbind(s transport.Session) (userID string, released bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bySession[s.ID()]
	if !ok {
		return "", false
	}
	delete(r.bySession, s.ID())

	cur, ok := r.byUser[b.userID]
	if ok && cur.ID() == s.ID() {
		delete(r.byUser, b.userID)
		return b.userID, true
	}
	return b.userID, false
}
