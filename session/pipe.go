package session

import (
	"fmt"
	"sync"

	"github.com/chazu/burrow/pkg/value"
)

// pipeTransport is an in-process Transport half backed by channels.
// NewPipe wires two of them back to back; tests and embedded clients
// use it in place of a network connection.
type pipeTransport struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	closed chan struct{}
	peer   *pipeTransport
}

// NewPipe returns two connected transports. What one Sends the other
// Recvs. Closing either side closes both.
func NewPipe() (Transport, Transport) {
	a := &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	b := &pipeTransport{
		in:     a.out,
		out:    a.in,
		closed: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Recv() ([]byte, error) {
	select {
	case payload := <-p.in:
		return payload, nil
	case <-p.closed:
		return nil, fmt.Errorf("session: pipe: %w", value.ErrTransportClosed)
	}
}

func (p *pipeTransport) Send(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return fmt.Errorf("session: pipe: %w", value.ErrTransportClosed)
	}
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return nil
	default:
		close(p.closed)
	}
	p.mu.Unlock()
	return p.peer.Close()
}
