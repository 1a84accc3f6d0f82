// Package session owns the connection layer: session identity and
// lifecycle, per-session inbound ordering, and the bounded outbound
// queue that carries committed sends back to the transport.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/burrow/pkg/value"
)

// State is a session's position in its lifecycle. Transitions only move
// forward: Unauthenticated to Authenticated to Closed, or straight to
// Closed.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport is one bidirectional byte-message connection. Recv blocks
// until a message arrives or the peer goes away; both directions report
// a closed peer with an error wrapping value.ErrTransportClosed.
type Transport interface {
	Recv() ([]byte, error)
	Send(payload []byte) error
	Close() error
}

// Session is one live connection. Inbound messages are handled strictly
// in arrival order; outbound messages pass through a bounded queue
// drained by a dedicated writer goroutine.
type Session struct {
	// ID is the session's stable identity for the lifetime of the
	// connection. Verbs address sends to it.
	ID value.Oid

	transport Transport
	state     atomic.Int32
	player    atomic.Value // value.Oid once authenticated

	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	drops atomic.Uint64
}

func newSession(t Transport, queueDepth int) *Session {
	return &Session{
		ID:        value.NewOid(),
		transport: t,
		outbound:  make(chan []byte, queueDepth),
		closed:    make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Authenticate binds the session to a player object and moves it to
// the authenticated state. It is a no-op on a closed session and
// reports whether the transition happened.
func (s *Session) Authenticate(player value.Oid) bool {
	if !s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated)) {
		return false
	}
	s.player.Store(player)
	return true
}

// Player returns the bound player object, valid once authenticated.
func (s *Session) Player() (value.Oid, bool) {
	p, ok := s.player.Load().(value.Oid)
	return p, ok
}

// Drops returns and resets the count of outbound messages dropped since
// the last call. The engine folds a nonzero count into the next
// dispatch so the world layer learns the connection is lossy.
func (s *Session) Drops() uint64 {
	return s.drops.Swap(0)
}

// close transitions to Closed and tears the transport down. Safe to
// call from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		s.transport.Close()
	})
}
