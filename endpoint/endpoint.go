// Package endpoint wraps a raw port with the two behaviors every peer
// needs: routing incoming control messages to exactly one handler per type,
// and request/reply round trips over ephemeral reply ports.
//
// Listen runs a single receive loop (reads must be sequential) but hands
// each message to its handler on a fresh goroutine, so a slow handler never
// blocks unrelated traffic. It is the same split a one-reader,
// parallel-workers connection loop uses.
package endpoint

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"worker-rpc/transport"
)

// ErrClosed rejects sends and pending replies once the endpoint is shut
// down. In-flight calls at a forceful termination fail with this rather
// than hanging.
var ErrClosed = errors.New("endpoint: closed")

// Handler processes one incoming message of a registered type. Replies, if
// any, go back through m.Reply.
type Handler func(ctx context.Context, m transport.Message)

// Endpoint is one peer's view of the duplex channel.
type Endpoint struct {
	port *transport.Port
	pool *transport.ReplyPool
	log  *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[*transport.Port]struct{}
	closed   bool

	done chan struct{}
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger installs a structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Endpoint) { e.log = log }
}

// WithReplyPool sets the freelist size for ephemeral reply ports. 0 (the
// default) allocates a fresh pair per call.
func WithReplyPool(size int) Option {
	return func(e *Endpoint) { e.pool = transport.NewReplyPool(size) }
}

// New wraps a port. The endpoint does not receive anything until Listen.
func New(port *transport.Port, opts ...Option) *Endpoint {
	e := &Endpoint{
		port:     port,
		pool:     transport.NewReplyPool(0),
		log:      zap.NewNop(),
		handlers: make(map[string]Handler),
		pending:  make(map[*transport.Port]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle registers the handler for a message type. Exactly one handler
// fires per type; registering again replaces the previous one.
func (e *Endpoint) Handle(typ string, h Handler) {
	e.mu.Lock()
	e.handlers[typ] = h
	e.mu.Unlock()
}

// Listen binds the port and dispatches messages until the context is
// cancelled or the endpoint closes. Messages sent to this peer before
// Listen are dropped by the port; the ping handshake covers that window.
func (e *Endpoint) Listen(ctx context.Context) error {
	e.port.Bind()
	for {
		m, err := e.port.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrPortClosed) {
				return nil
			}
			return err
		}
		e.mu.Lock()
		h := e.handlers[m.Type]
		e.mu.Unlock()
		if h == nil {
			e.log.Warn("no handler for message", zap.String("type", m.Type))
			continue
		}
		go h(ctx, m)
	}
}

// Send fires a one-way message.
func (e *Endpoint) Send(m transport.Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.port.Send(m)
	return nil
}

// SendWithReply opens an ephemeral reply pair, attaches one side to the
// message, sends it, and waits for the single reply on the retained side.
// Correlation is structural: the reply can only arrive on this call's own
// port, so no transaction table exists.
//
// Only a pair whose reply actually arrived goes back to the pool. A call
// abandoned by timeout or cancellation may still have its reply in flight;
// recycling that pair would deliver the stale reply to whichever unrelated
// call draws it next, so the pair is closed instead.
func (e *Endpoint) SendWithReply(ctx context.Context, m transport.Message) (transport.Message, error) {
	local, remote := e.pool.Get()
	m.Reply = remote

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		local.Close()
		return transport.Message{}, ErrClosed
	}
	e.pending[local] = struct{}{}
	e.mu.Unlock()

	e.port.Send(m)

	reply, err := local.Recv(ctx)

	e.mu.Lock()
	delete(e.pending, local)
	closed := e.closed
	e.mu.Unlock()

	if err != nil {
		local.Close()
		if errors.Is(err, transport.ErrPortClosed) {
			return transport.Message{}, ErrClosed
		}
		return transport.Message{}, err
	}
	if !closed {
		e.pool.Put(local, remote)
	}
	return reply, nil
}

// Close shuts the endpoint down: the underlying port stops receiving and
// every pending reply port is closed so its caller fails with ErrClosed
// instead of waiting forever.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	waiting := make([]*transport.Port, 0, len(e.pending))
	for p := range e.pending {
		waiting = append(waiting, p)
	}
	e.mu.Unlock()

	close(e.done)
	for _, p := range waiting {
		p.Close()
	}
	return e.port.Close()
}

// Done is closed when the endpoint shuts down.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Reply sends body back on the message's reply port, echoing the request
// type. Messages without a reply side are ignored; at most one reply per
// request is delivered by construction.
func Reply(m transport.Message, body any, transfers ...*transport.Buffer) {
	if m.Reply == nil {
		return
	}
	m.Reply.Send(transport.Message{Type: m.Type, Body: body, Transfers: transfers})
}
