package server

import (
	"errors"
	"sync"
)

var (
	// ErrRegistryFull is returned by Acquire when every slot is occupied.
	ErrRegistryFull = errors.New("session table full")
	// ErrUsernameTaken is returned by BindUsername when the name is already
	// bound to another live session.
	ErrUsernameTaken = errors.New("username already bound to a session")
)

// SessionState tracks where a connection is in its lifecycle.
type SessionState uint8

const (
	StateEmpty SessionState = iota
	StateAnonymous
	StateAuthenticated
	StateClosed
)

// Session is the server-side state bound to one live client connection. The
// connection is read exclusively by the session's handler goroutine; state
// and username are guarded by the registry lock. The relay state is only
// ever touched by the owning handler and needs no lock.
type Session struct {
	Slot int
	Conn *SafeConn

	state    SessionState
	username string

	relay relayState
}

// Registry is a fixed-size table of session slots sized to the server's
// connection capacity. One lock guards the whole table; every operation is a
// short scan, so contention stays negligible at these capacities.
type Registry struct {
	mu    sync.RWMutex
	slots []*Session
}

func NewRegistry(capacity int) *Registry {
	return &Registry{slots: make([]*Session, capacity)}
}

// Acquire binds a connection to the lowest free slot as an anonymous
// session.
func (r *Registry) Acquire(conn *SafeConn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s == nil || s.state == StateClosed {
			sess := &Session{Slot: i, Conn: conn, state: StateAnonymous}
			r.slots[i] = sess
			return sess, nil
		}
	}
	return nil, ErrRegistryFull
}

// BindUsername authenticates the session under username. The uniqueness
// check and the bind happen under one lock, so two sessions racing to log in
// as the same user cannot both win.
func (r *Registry) BindUsername(sess *Session, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.slots {
		if other != nil && other != sess &&
			other.state == StateAuthenticated && other.username == username {
			return ErrUsernameTaken
		}
	}
	sess.state = StateAuthenticated
	sess.username = username
	return nil
}

// UnbindUsername returns the session to the anonymous state, freeing its
// username for other sessions.
func (r *Registry) UnbindUsername(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess.username = ""
	sess.state = StateAnonymous
}

// Release marks the session closed and frees its slot and username.
func (r *Registry) Release(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess.username = ""
	sess.state = StateClosed
}

// Username returns the name bound to the session, if it is authenticated.
func (r *Registry) Username(sess *Session) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sess.state != StateAuthenticated {
		return "", false
	}
	return sess.username, true
}

// FindByUsername returns the live authenticated session bound to username.
func (r *Registry) FindByUsername(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s != nil && s.state == StateAuthenticated && s.username == username {
			return s, true
		}
	}
	return nil, false
}

// ListAuthenticated returns the usernames of all logged-in sessions in slot
// order.
func (r *Registry) ListAuthenticated() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var users []string
	for _, s := range r.slots {
		if s != nil && s.state == StateAuthenticated {
			users = append(users, s.username)
		}
	}
	return users
}

// Connections returns the connection of every live session except exclude.
// Used for broadcast fanout.
func (r *Registry) Connections(exclude *Session) []*SafeConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*SafeConn
	for _, s := range r.slots {
		if s != nil && s != exclude &&
			(s.state == StateAnonymous || s.state == StateAuthenticated) {
			conns = append(conns, s.Conn)
		}
	}
	return conns
}

// ActiveCount returns the number of live (non-closed) sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.slots {
		if s != nil && s.state != StateClosed {
			n++
		}
	}
	return n
}

// CloseAll closes every live connection, unblocking any reads in progress.
// The handler goroutines release their own sessions on the way out.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s != nil && s.state != StateClosed {
			s.Conn.Close()
		}
	}
}
