// Package txn coordinates transactions: one per top-level verb
// invocation, retried on conflict with exponential backoff, with every
// externally observable side effect buffered until commit. Nested verb
// invocations share the enclosing transaction; there is no nested
// commit.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tliron/commonlog"

	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/store"
)

// Effect is one buffered outbound session send. Effects are released in
// buffer order after the transaction commits and are discarded wholesale
// when it aborts, so a body re-executed under retry can never
// double-send.
type Effect struct {
	Session value.Oid
	Payload []byte
}

// Tx is the transaction handle a verb invocation runs under: the store
// transaction plus the effect buffer. One Tx is owned by exactly one
// invocation chain and is not safe for concurrent use.
type Tx struct {
	store   store.Txn
	effects []Effect
}

// Store returns the underlying store transaction for slot access.
func (t *Tx) Store() store.Txn {
	return t.store
}

// BufferSend queues an outbound send for release at commit. The payload
// is copied; the guest memory it came from dies with the VM instance.
func (t *Tx) BufferSend(sess value.Oid, payload []byte) {
	p := make([]byte, len(payload))
	copy(p, payload)
	t.effects = append(t.effects, Effect{Session: sess, Payload: p})
}

// Effects returns the buffered sends. Test helper.
func (t *Tx) Effects() []Effect {
	return t.effects
}

// ReleaseFunc delivers one committed effect. A ReleaseFunc error means
// the effect could not be delivered (queue full, session gone); the
// commit itself stands.
type ReleaseFunc func(Effect) error

// Coordinator opens, retries, and commits transactions against the
// backing store.
type Coordinator struct {
	store       store.Store
	release     ReleaseFunc
	maxAttempts uint
	initialWait time.Duration
	maxWait     time.Duration
	log         commonlog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts bounds how many times a body is executed before the
// coordinator gives up and surfaces Aborted. Minimum 1.
func WithMaxAttempts(n uint) Option {
	return func(c *Coordinator) {
		if n < 1 {
			n = 1
		}
		c.maxAttempts = n
	}
}

// WithBackoffWindow sets the initial and maximum conflict-retry delays.
func WithBackoffWindow(initial, max time.Duration) Option {
	return func(c *Coordinator) {
		c.initialWait = initial
		c.maxWait = max
	}
}

// WithRelease sets the function that delivers committed effects.
// Without one, committed effects are dropped and logged.
func WithRelease(fn ReleaseFunc) Option {
	return func(c *Coordinator) { c.release = fn }
}

// New creates a Coordinator over the given store.
func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       s,
		maxAttempts: 8,
		initialWait: 2 * time.Millisecond,
		maxWait:     250 * time.Millisecond,
		log:         commonlog.GetLogger("txn"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTransaction runs body inside a fresh transaction and commits it.
// On commit conflict the whole body is re-executed against a new
// transaction, with exponential backoff, up to the attempt bound;
// exhausting the bound returns value.ErrAborted. Any other body or
// commit error cancels the transaction and is returned unwrapped.
//
// Effects buffered by the committing attempt are released after the
// commit succeeds, in order. Effects of failed attempts are discarded.
func (c *Coordinator) WithTransaction(ctx context.Context, body func(ctx context.Context, tx *Tx) error) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if err := c.runOnce(ctx, body); err != nil {
			if errors.Is(err, store.ErrConflict) {
				c.log.Debugf("commit conflict, attempt %d", attempt)
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialWait
	bo.MaxInterval = c.maxWait

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxAttempts))
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		c.log.Warningf("transaction aborted after %d attempts", attempt)
		return fmt.Errorf("txn: retries exhausted after %d attempts: %w", attempt, value.ErrAborted)
	}
	return err
}

func (c *Coordinator) runOnce(ctx context.Context, body func(ctx context.Context, tx *Tx) error) error {
	st, err := c.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("txn: begin: %w", err)
	}
	tx := &Tx{store: st}
	defer st.Cancel()

	if err := body(ctx, tx); err != nil {
		return err
	}
	if err := st.Commit(ctx); err != nil {
		return err
	}
	c.releaseEffects(tx.effects)
	return nil
}

func (c *Coordinator) releaseEffects(effects []Effect) {
	for _, e := range effects {
		if c.release == nil {
			c.log.Warningf("no release function, dropping send to %s", e.Session)
			continue
		}
		if err := c.release(e); err != nil {
			// Commit already happened; the dispatcher is responsible
			// for surfacing delivery failure to the world layer.
			c.log.Errorf("release send to %s: %s", e.Session, err.Error())
		}
	}
}
