// Package engine wires the layers together: inbound session messages
// become transactions that resolve and run verbs in the VM, with
// committed sends flowing back out through the dispatcher.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/session"
	"github.com/chazu/burrow/store"
	"github.com/chazu/burrow/txn"
	"github.com/chazu/burrow/vm"
)

// EntryPoint is the exported chunk name every verb module must provide.
const EntryPoint = "invoke"

// Verb slot names with engine-level meaning.
const (
	// DelegatesSlot holds the oid list searched when a verb is not
	// bound on the object itself.
	DelegatesSlot = "delegates"

	// ReceiveVerb handles inbound session messages.
	ReceiveVerb = "receive"

	// AcceptVerb runs on the system object when a session connects; a
	// returned oid reference authenticates the session as that player.
	AcceptVerb = "accept"

	// DisconnectVerb runs on the system object when a session goes
	// away, if bound.
	DisconnectVerb = "disconnect"
)

// Authenticator decides whether an accept verb's result authenticates
// the session, and as whom.
type Authenticator interface {
	Authenticate(result value.Value) (value.Oid, bool)
}

// refAuthenticator accepts any oid reference result as the player.
type refAuthenticator struct{}

func (refAuthenticator) Authenticate(result value.Value) (value.Oid, bool) {
	return result.AsRef()
}

// Options tune one engine instance.
type Options struct {
	// Fuel is the instruction budget per top-level dispatch.
	Fuel int64

	// WallClock bounds one dispatch in real time.
	WallClock time.Duration

	// MemoryLimit caps guest linear memory per VM instance.
	MemoryLimit int

	// Session sizes the dispatcher.
	Session session.Config

	// Txn configures the transaction coordinator.
	Txn []txn.Option

	// Auth overrides the default oid-reference authenticator.
	Auth Authenticator
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Fuel:        vm.DefaultFuel,
		WallClock:   vm.DefaultWallClock,
		MemoryLimit: vm.DefaultMemoryLimit,
		Session:     session.DefaultConfig(),
	}
}

// Engine hosts verbs over a store and a session dispatcher.
type Engine struct {
	coord *txn.Coordinator
	disp  *session.Dispatcher
	opts  Options
	auth  Authenticator

	mu    sync.Mutex
	conns map[value.Oid]value.Oid // session id -> connection object

	log  commonlog.Logger
	vlog commonlog.Logger
}

// New builds an engine over the store. The engine is the dispatcher's
// handler; attach transports via Dispatcher().
func New(st store.Store, opts Options) *Engine {
	e := &Engine{
		opts:  opts,
		auth:  opts.Auth,
		conns: make(map[value.Oid]value.Oid),
		log:   commonlog.GetLogger("engine"),
		vlog:  commonlog.GetLogger("verb"),
	}
	if e.auth == nil {
		e.auth = refAuthenticator{}
	}
	txnOpts := append([]txn.Option{txn.WithRelease(e.release)}, opts.Txn...)
	e.coord = txn.New(st, txnOpts...)
	e.disp = session.NewDispatcher(e, opts.Session)
	return e
}

// Dispatcher returns the session dispatcher backed by this engine.
func (e *Engine) Dispatcher() *session.Dispatcher {
	return e.disp
}

func (e *Engine) release(ef txn.Effect) error {
	return e.disp.Deliver(ef.Session, ef.Payload)
}

// Invoke runs one verb as a top-level dispatch: its own transaction,
// fresh budget, full grants. The result is the verb's decoded return
// value.
func (e *Engine) Invoke(ctx context.Context, obj value.Oid, verb string, args []value.Value) (value.Value, error) {
	var result value.Value
	err := e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		env := e.newEnv(ctx, tx)
		var err error
		result, err = env.run(obj, verb, args)
		return err
	})
	if err != nil {
		return value.Value{}, err
	}
	return result, nil
}

// Connected registers a fresh connection object for the session and
// runs the system accept verb. An oid result authenticates the session;
// a missing accept verb leaves it unauthenticated but connected.
func (e *Engine) Connected(ctx context.Context, s *session.Session) error {
	conn := value.NewOid()

	var result value.Value
	ran := false
	err := e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		result = value.Value{}
		ran = false
		if err := registerConnection(ctx, tx.Store(), conn, s.ID); err != nil {
			return err
		}
		env := e.newEnv(ctx, tx)
		env.sess = s
		r, err := env.run(value.SystemOid, AcceptVerb, []value.Value{value.Ref(conn), value.Ref(s.ID)})
		if err != nil {
			if isVerbMissing(err) {
				return nil
			}
			return err
		}
		result = r
		ran = true
		return nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[s.ID] = conn
	e.mu.Unlock()

	if ran {
		if player, ok := e.auth.Authenticate(result); ok {
			s.Authenticate(player)
			e.log.Infof("session %s authenticated as %s", s.ID, player)
		}
	}
	return nil
}

// Inbound dispatches one session message: the receive verb on the
// authenticated player, or on the system object before authentication.
// Failures abort the transaction and send an error notice back to the
// session, best effort.
func (e *Engine) Inbound(ctx context.Context, s *session.Session, payload []byte) error {
	target := value.SystemOid
	player, authed := s.Player()
	if authed {
		target = player
	}

	conn := e.connOf(s.ID)
	args := []value.Value{value.Ref(conn), value.Bytes(payload)}
	if dropped := s.Drops(); dropped > 0 {
		// The world layer learns the connection lost messages.
		args = append(args, value.Errv(value.CodeTransportClosed))
	}

	var result value.Value
	err := e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		env := e.newEnv(ctx, tx)
		env.sess = s
		r, err := env.run(target, ReceiveVerb, args)
		result = r
		return err
	})
	if err != nil {
		e.notifyFailure(s, err)
		return fmt.Errorf("engine: dispatch %s on %s: %w", ReceiveVerb, target, err)
	}

	// Before authentication the system receive verb doubles as the
	// login flow: an oid result binds the session to that identity.
	if !authed {
		if id, ok := e.auth.Authenticate(result); ok && s.Authenticate(id) {
			e.log.Infof("session %s authenticated as %s", s.ID, id)
		}
	}
	return nil
}

// Disconnected clears the session's connection object and runs the
// system disconnect verb if one is bound.
func (e *Engine) Disconnected(ctx context.Context, s *session.Session) {
	e.mu.Lock()
	conn, ok := e.conns[s.ID]
	delete(e.conns, s.ID)
	e.mu.Unlock()
	if !ok {
		return
	}

	err := e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		env := e.newEnv(ctx, tx)
		if _, err := env.run(value.SystemOid, DisconnectVerb, []value.Value{value.Ref(conn)}); err != nil && !isVerbMissing(err) {
			return err
		}
		return clearConnection(ctx, tx.Store(), conn)
	})
	if err != nil {
		e.log.Errorf("disconnect cleanup for %s: %s", s.ID, err.Error())
	}
}

func (e *Engine) connOf(sessID value.Oid) value.Oid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[sessID]
}

// notifyFailure pushes an encoded error value at the session so a
// failed dispatch is never silent. Outside any transaction.
func (e *Engine) notifyFailure(s *session.Session, err error) {
	notice := value.Encode(value.Errv(value.CodeOf(err)))
	if derr := e.disp.Deliver(s.ID, notice); derr != nil {
		e.log.Warningf("failure notice to %s lost: %s", s.ID, derr.Error())
	}
}
