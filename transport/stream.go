// Bridge extends the port model across a byte stream, so a worker can run
// as a subprocess speaking the frame protocol over its stdio.
//
// In-process, a reply port's object identity is the transaction: the reply
// can only arrive on that port. Across a stream identity does not survive,
// so the bridge assigns each travelling port a random id and keeps a table
// of id → local port. The model is otherwise unchanged: each side calls
// Root() for its end of the shared root channel, reply ports ride along on
// data frames, and reply entries are single-use.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/protocol"
)

// wireBody is the codec-encoded frame body.
type wireBody struct {
	Type      string   `json:"type"`
	Body      any      `json:"body,omitempty"`
	Transfers [][]byte `json:"transfers,omitempty"`
}

// Bridge pumps messages between local ports and a framed byte stream.
type Bridge struct {
	rw  io.ReadWriteCloser
	c   codec.Codec
	log *zap.Logger

	writeMu sync.Mutex // one frame at a time, never interleaved

	mu      sync.Mutex
	inbound map[protocol.ID]*Port // delivery targets for incoming frames
	single  map[protocol.ID]bool  // reply entries are consumed by one frame
	root    *Port
	closed  bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger installs a structured logger.
func WithBridgeLogger(log *zap.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// NewBridge starts bridging the stream with the given codec. The read loop
// runs until the stream fails or the bridge is closed.
func NewBridge(rw io.ReadWriteCloser, c codec.Codec, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		rw:      rw,
		c:       c,
		log:     zap.NewNop(),
		inbound: make(map[protocol.ID]*Port),
		single:  make(map[protocol.ID]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.readLoop()
	return b
}

// Root returns this side's end of the shared root channel. Both peers call
// Root; frames addressed to the zero id deliver there. Idempotent.
func (b *Bridge) Root() *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root != nil {
		return b.root
	}
	ext, in := Pair()
	in.Bind()
	b.inbound[protocol.ID{}] = in
	b.root = ext
	go b.pump(in, protocol.ID{})
	return ext
}

// pump forwards every message received on p to the stream, addressed to
// dest on the remote side. Exits when p closes; a KindClose frame tells the
// remote its counterpart is gone.
func (b *Bridge) pump(p *Port, dest protocol.ID) {
	for {
		m, err := p.Recv(context.Background())
		if err != nil {
			b.sendClose(dest)
			return
		}
		if err := b.writeMessage(dest, m); err != nil {
			b.log.Warn("bridge write failed", zap.Error(err))
			return
		}
	}
}

// pumpOnce forwards the single reply from p, then closes the pair.
func (b *Bridge) pumpOnce(p *Port, dest protocol.ID) {
	defer p.Close()
	m, err := p.Recv(context.Background())
	if err != nil {
		return
	}
	if err := b.writeMessage(dest, m); err != nil {
		b.log.Warn("bridge reply write failed", zap.Error(err))
	}
}

func (b *Bridge) writeMessage(dest protocol.ID, m Message) error {
	var replyID protocol.ID
	if m.Reply != nil {
		replyID = protocol.ID(uuid.New())
		b.register(replyID, m.Reply, true)
	}

	wb := wireBody{Type: m.Type, Body: m.Body}
	for _, buf := range m.Transfers {
		data, err := buf.Detach()
		if err != nil {
			data = nil
		}
		wb.Transfers = append(wb.Transfers, data)
	}
	body, err := b.c.Encode(&wb)
	if err != nil {
		return fmt.Errorf("transport: encode frame body: %w", err)
	}

	h := &protocol.Header{
		CodecType: byte(b.c.Type()),
		Kind:      protocol.KindData,
		Dest:      dest,
		Reply:     replyID,
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return protocol.Encode(b.rw, h, body)
}

func (b *Bridge) sendClose(dest protocol.ID) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	h := &protocol.Header{CodecType: byte(b.c.Type()), Kind: protocol.KindClose, Dest: dest}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := protocol.Encode(b.rw, h, nil); err != nil {
		b.log.Debug("bridge close frame not delivered", zap.Error(err))
	}
}

func (b *Bridge) register(id protocol.ID, p *Port, single bool) {
	b.mu.Lock()
	b.inbound[id] = p
	if single {
		b.single[id] = true
	}
	b.mu.Unlock()
}

func (b *Bridge) take(id protocol.ID) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.inbound[id]
	if p != nil && b.single[id] {
		delete(b.inbound, id)
		delete(b.single, id)
	}
	return p
}

func (b *Bridge) readLoop() {
	for {
		h, body, err := protocol.Decode(b.rw)
		if err != nil {
			b.log.Debug("bridge stream ended", zap.Error(err))
			b.Close()
			return
		}
		if h.Kind == protocol.KindClose {
			if p := b.take(h.Dest); p != nil {
				p.Close()
			}
			continue
		}

		c := codec.GetCodec(codec.CodecType(h.CodecType))
		var wb wireBody
		if err := c.Decode(body, &wb); err != nil {
			b.log.Warn("bridge frame body undecodable", zap.Error(err))
			continue
		}

		target := b.take(h.Dest)
		if target == nil {
			b.log.Warn("frame for unknown port", zap.String("type", wb.Type))
			continue
		}

		m := Message{Type: wb.Type, Body: wb.Body}
		for _, raw := range wb.Transfers {
			m.Transfers = append(m.Transfers, NewBuffer(raw))
		}
		if !h.Reply.IsZero() {
			ra, rb := Pair()
			rb.Bind()
			go b.pumpOnce(rb, h.Reply)
			m.Reply = ra
		}
		target.Send(m)
	}
}

// Close tears the bridge down: the stream is closed and every registered
// local port is closed, which unblocks any caller still waiting on a reply
// that can no longer arrive.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ports := make([]*Port, 0, len(b.inbound))
	for _, p := range b.inbound {
		ports = append(ports, p)
	}
	b.inbound = make(map[protocol.ID]*Port)
	b.single = make(map[protocol.ID]bool)
	b.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	return b.rw.Close()
}
