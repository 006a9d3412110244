// Package transport implements the duplex message ports that carry every
// control message between the two peers.
//
// A Pair of linked ports is the only primitive the rest of the system
// needs: Send is fire-and-forget, and delivery is only guaranteed once the
// receiving side has bound itself (installed a receiver). Messages sent to
// an unbound port are dropped; that is the window the ping handshake
// exists to cover, since a worker that has not finished loading has not
// bound its port yet.
//
// Ephemeral reply ports created per call double as transaction identifiers:
// a reply can only arrive on the one port that was attached to the request,
// so no seq-number bookkeeping is needed in-process. stream.go extends the
// same model across a byte stream by giving ports explicit ids.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrPortClosed is returned by Recv once the port has been closed.
var ErrPortClosed = errors.New("transport: port closed")

// queueDepth is the per-port buffer. Senders block (rather than drop) once
// a bound port's queue is full, so order is preserved under backpressure.
const queueDepth = 64

// Message is the unit of traffic on a port.
type Message struct {
	Type      string    // discriminator tag, see the message package
	Body      any       // typed payload in-process, decoded map across a stream
	Reply     *Port     // optional reply side attached by SendWithReply
	Transfers []*Buffer // buffers whose ownership moves with the message
}

// Port is one end of a linked duplex pair.
type Port struct {
	mu     sync.Mutex
	peer   *Port
	queue  chan Message
	bound  bool
	closed bool
	done   chan struct{}
}

// Pair creates two linked ports. Neither is bound: each owner must call
// Bind (or Recv, which binds implicitly) before messages sent to it are
// retained.
func Pair() (*Port, *Port) {
	a := &Port{queue: make(chan Message, queueDepth), done: make(chan struct{})}
	b := &Port{queue: make(chan Message, queueDepth), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// BoundPair creates a linked pair with both sides already bound. Used for
// ephemeral reply ports, where the caller starts receiving immediately and
// a dropped reply would strand the call forever.
func BoundPair() (*Port, *Port) {
	a, b := Pair()
	a.Bind()
	b.Bind()
	return a, b
}

// Bind marks the port ready to receive. Messages arriving before Bind are
// dropped, mirroring a worker whose message handler is not installed yet.
func (p *Port) Bind() {
	p.mu.Lock()
	p.bound = true
	p.mu.Unlock()
}

// Send delivers m to the linked peer. It never fails: if the peer is
// unbound or closed the message is silently dropped.
func (p *Port) Send(m Message) {
	peer := p.peer
	if peer == nil {
		return
	}
	peer.deliver(m)
}

func (p *Port) deliver(m Message) {
	p.mu.Lock()
	if p.closed || !p.bound {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.queue <- m:
	case <-p.done:
	}
}

// Recv binds the port and returns the next message. It fails with
// ErrPortClosed after Close, or with the context's error on cancellation.
func (p *Port) Recv(ctx context.Context) (Message, error) {
	p.Bind()
	select {
	case m := <-p.queue:
		return m, nil
	case <-p.done:
		// Drain anything that raced with Close before giving up.
		select {
		case m := <-p.queue:
			return m, nil
		default:
			return Message{}, ErrPortClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close shuts down both sides of the pair: a channel is a single entity,
// so closing either end closes the whole thing. Pending and future Recv
// calls on both ends fail with ErrPortClosed. Closing twice is a no-op.
func (p *Port) Close() error {
	p.closeOne()
	if p.peer != nil {
		p.peer.closeOne()
	}
	return nil
}

func (p *Port) closeOne() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Done is closed once the port is closed.
func (p *Port) Done() <-chan struct{} { return p.done }

// Closed reports whether Close has been called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
