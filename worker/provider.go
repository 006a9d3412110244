// Package worker is the provider side of the channel: it exposes an
// application surface to the initiator, dispatches incoming calls against
// it, and honors the termination handshake.
//
// A Provider is caller-owned configuration, not process state: create one,
// register the surface factory exactly once with Expose, then hand Serve
// the worker's end of the root channel. The factory runs when the init
// message arrives and its result becomes the exported surface.
package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/endpoint"
	"worker-rpc/trace"
	"worker-rpc/transport"
)

var (
	// ErrFactoryRegistered rejects a second Expose in the same worker
	// lifetime. Raised synchronously, before any channel traffic.
	ErrFactoryRegistered = errors.New("worker: surface factory already registered")

	// ErrNoFactory rejects Serve on a provider that never registered a
	// factory.
	ErrNoFactory = errors.New("worker: no surface factory registered")
)

// Factory builds the exported surface. It runs exactly once per worker
// lifetime, when the init handshake arrives, and receives the user options
// from the initiator plus the runtime handle.
type Factory func(options map[string]any, rt *Runtime) (any, error)

// Provider holds the worker-side configuration.
type Provider struct {
	mu      sync.Mutex
	factory Factory

	log    *zap.Logger
	bridge *trace.Bridge
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger installs a structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// WithErrorBridge sets the bridge used to envelope and reconstruct errors,
// including any registered typed-error constructors.
func WithErrorBridge(b *trace.Bridge) Option {
	return func(p *Provider) { p.bridge = b }
}

// New creates an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{log: zap.NewNop(), bridge: trace.NewBridge()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Expose registers the surface factory. A second registration is a fatal
// configuration error and fails before any channel traffic occurs.
func (p *Provider) Expose(f Factory) error {
	if f == nil {
		return errors.New("worker: nil surface factory")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.factory != nil {
		return ErrFactoryRegistered
	}
	p.factory = f
	return nil
}

// Serve handles traffic on the worker's end of the root channel until the
// context is cancelled or the initiator terminates the worker. Each Serve
// call gets a fresh runtime, so one Provider value can back several forked
// workers, each with its own single factory invocation.
func (p *Provider) Serve(ctx context.Context, port *transport.Port) error {
	p.mu.Lock()
	factory := p.factory
	p.mu.Unlock()
	if factory == nil {
		return ErrNoFactory
	}

	ep := endpoint.New(port, endpoint.WithLogger(p.log))
	rt := newRuntime(ep, factory, p.bridge, p.log)
	rt.install()

	err := ep.Listen(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ServeStdio runs the provider over the process's stdin/stdout using the
// frame protocol, for workers spawned as subprocesses. Blocks until the
// stream ends or the worker is terminated.
func ServeStdio(ctx context.Context, p *Provider, c codec.Codec) error {
	if c == nil {
		c = &codec.JSONCodec{}
	}
	bridge := transport.NewBridge(stdio{}, c, transport.WithBridgeLogger(p.log))
	defer bridge.Close()
	return p.Serve(ctx, bridge.Root())
}

// stdio is the process's own stdin/stdout as a stream. Close is a no-op:
// the process does not own its standard descriptors.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }

var _ io.ReadWriteCloser = stdio{}
