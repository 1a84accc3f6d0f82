package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/burrow/pkg/value"
)

// BackpressurePolicy says what an outbound enqueue does when the
// session's queue is full.
type BackpressurePolicy int

const (
	// BackpressureBlock waits up to the block timeout for space, then
	// drops.
	BackpressureBlock BackpressurePolicy = iota

	// BackpressureDrop drops immediately.
	BackpressureDrop
)

// Handler is the engine-facing side of the dispatcher: what to do when
// a session appears, speaks, or goes away. Inbound is called in strict
// arrival order per session; calls for different sessions may overlap
// up to the worker limit.
type Handler interface {
	Connected(ctx context.Context, s *Session) error
	Inbound(ctx context.Context, s *Session, payload []byte) error
	Disconnected(ctx context.Context, s *Session)
}

// Config sizes the dispatcher.
type Config struct {
	// Workers bounds how many inbound messages are processed at once
	// across all sessions.
	Workers int

	// QueueDepth is the outbound queue capacity per session.
	QueueDepth int

	// Policy picks the full-queue behavior.
	Policy BackpressurePolicy

	// BlockTimeout is how long a blocked enqueue waits before dropping.
	BlockTimeout time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      16,
		QueueDepth:   64,
		Policy:       BackpressureBlock,
		BlockTimeout: time.Second,
	}
}

// Dispatcher tracks live sessions and pumps bytes between transports
// and the handler.
type Dispatcher struct {
	handler Handler
	cfg     Config
	sem     chan struct{}

	mu       sync.RWMutex
	sessions map[value.Oid]*Session

	wg  sync.WaitGroup
	log commonlog.Logger
}

// NewDispatcher creates a dispatcher delivering to the given handler.
func NewDispatcher(handler Handler, cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	return &Dispatcher{
		handler:  handler,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
		sessions: make(map[value.Oid]*Session),
		log:      commonlog.GetLogger("session"),
	}
}

// Attach registers a transport as a new unauthenticated session and
// starts its read and write pumps. The returned session is live until
// the transport closes or Detach is called.
func (d *Dispatcher) Attach(ctx context.Context, t Transport) (*Session, error) {
	s := newSession(t, d.cfg.QueueDepth)

	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()

	if err := d.handler.Connected(ctx, s); err != nil {
		d.remove(s)
		s.close()
		return nil, fmt.Errorf("session: connect %s: %w", s.ID, err)
	}

	d.wg.Add(2)
	go d.readLoop(ctx, s)
	go d.writeLoop(s)

	d.log.Infof("session %s attached", s.ID)
	return s, nil
}

// Get returns a live session by id.
func (d *Dispatcher) Get(id value.Oid) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Detach closes a session and forgets it.
func (d *Dispatcher) Detach(id value.Oid) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if ok {
		s.close()
	}
}

// Deliver enqueues a committed outbound payload for a session. A full
// queue is resolved by the configured policy; a dropped payload counts
// against the session and returns an error so the caller can record the
// loss. Delivery to an unknown or closed session fails with
// value.ErrTransportClosed.
func (d *Dispatcher) Deliver(id value.Oid, payload []byte) error {
	d.mu.RLock()
	s, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok || s.State() == StateClosed {
		return fmt.Errorf("session: deliver to %s: %w", id, value.ErrTransportClosed)
	}

	if d.cfg.Policy == BackpressureDrop {
		select {
		case s.outbound <- payload:
			return nil
		case <-s.closed:
			return fmt.Errorf("session: deliver to %s: %w", id, value.ErrTransportClosed)
		default:
			return d.drop(s)
		}
	}

	timer := time.NewTimer(d.cfg.BlockTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- payload:
		return nil
	case <-s.closed:
		return fmt.Errorf("session: deliver to %s: %w", id, value.ErrTransportClosed)
	case <-timer.C:
		return d.drop(s)
	}
}

func (d *Dispatcher) drop(s *Session) error {
	n := s.drops.Add(1)
	d.log.Warningf("session %s outbound queue full, dropped message (%d total)", s.ID, n)
	return fmt.Errorf("session: %s queue full: %w", s.ID, value.ErrResourceExhausted)
}

// Shutdown closes every session and waits for the pumps to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	all := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.sessions = make(map[value.Oid]*Session)
	d.mu.Unlock()

	for _, s := range all {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop pulls inbound messages and hands them to the handler one at
// a time, which gives each session FIFO semantics. The worker semaphore
// bounds how many sessions can be inside the handler at once.
func (d *Dispatcher) readLoop(ctx context.Context, s *Session) {
	defer d.wg.Done()
	defer func() {
		d.remove(s)
		s.close()
		d.handler.Disconnected(ctx, s)
		d.log.Infof("session %s detached", s.ID)
	}()

	for {
		payload, err := s.transport.Recv()
		if err != nil {
			return
		}
		select {
		case d.sem <- struct{}{}:
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
		err = d.handler.Inbound(ctx, s, payload)
		<-d.sem
		if err != nil {
			d.log.Errorf("session %s inbound: %s", s.ID, err.Error())
		}
		if s.State() == StateClosed {
			return
		}
	}
}

// writeLoop drains the outbound queue into the transport.
func (d *Dispatcher) writeLoop(s *Session) {
	defer d.wg.Done()
	for {
		select {
		case payload := <-s.outbound:
			if err := s.transport.Send(payload); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (d *Dispatcher) remove(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s.ID)
	d.mu.Unlock()
}
