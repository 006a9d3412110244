// Package proxy turns property-access chains into RPC round trips.
//
// Go has no property-interception primitive, so the dynamic accessor is an
// explicit fluent builder: Get records names, Call snapshots the recorded
// chain, resets it, and hands chain+args to the invoker.
//
//	ret, err := p.Get("math", "add").Call(ctx, 2, 3)
//	ret, err := p.CallPath(ctx, "math.add", 2, 3)
//
// The chain buffer is shared mutable state on the proxy instance: building
// two chains on the same proxy from different goroutines without invoking
// in between interleaves them. Initiate each call before starting the next
// chain. The mutex only keeps the buffer internally consistent; it does
// not make interleaved chain construction meaningful.
package proxy

import (
	"context"
	"strings"
	"sync"

	"worker-rpc/trace"
)

// Invoker sends one captured invocation across the boundary and resolves
// with the remote return value.
type Invoker func(ctx context.Context, chain []string, args []any) (any, error)

// Proxy records a property chain and invokes it remotely.
type Proxy struct {
	mu    sync.Mutex
	chain []string
	send  Invoker
}

// New builds a proxy around the given invoker.
func New(send Invoker) *Proxy {
	return &Proxy{send: send}
}

// Get appends property names to the pending chain and returns the same
// proxy for further chaining.
func (p *Proxy) Get(names ...string) *Proxy {
	p.mu.Lock()
	p.chain = append(p.chain, names...)
	p.mu.Unlock()
	return p
}

// Call snapshots the pending chain, clears it, and sends the invocation.
// The call site is captured here, before the asynchronous gap, so the
// reconciled stack of a remote failure points at the real caller rather
// than at this trampoline.
func (p *Proxy) Call(ctx context.Context, args ...any) (any, error) {
	p.mu.Lock()
	chain := p.chain
	p.chain = nil
	p.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	ctx = trace.WithCallSite(ctx, trace.Capture(1))
	return p.send(ctx, chain, args)
}

// CallPath invokes a dot-separated chain in one step:
// CallPath(ctx, "math.add", 2, 3). Unlike Get/Call it never touches the
// shared chain buffer, so concurrent CallPath calls on one proxy are safe.
func (p *Proxy) CallPath(ctx context.Context, path string, args ...any) (any, error) {
	var chain []string
	if path != "" {
		chain = strings.Split(path, ".")
	}
	if args == nil {
		args = []any{}
	}
	ctx = trace.WithCallSite(ctx, trace.Capture(1))
	return p.send(ctx, chain, args)
}

// Noop returns a proxy whose calls resolve to nil without any channel
// traffic. Handed to provider factories when the initiator exposed no host
// surface.
func Noop() *Proxy {
	return New(func(context.Context, []string, []any) (any, error) {
		return nil, nil
	})
}
