package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"worker-rpc/dispatch"
	"worker-rpc/endpoint"
	"worker-rpc/message"
	"worker-rpc/proxy"
	"worker-rpc/trace"
	"worker-rpc/transfer"
	"worker-rpc/transport"
)

// TerminationListener runs when the initiator terminates the worker.
// lastWords is whatever payload the initiator attached to the kill.
type TerminationListener func(ctx context.Context, lastWords any) error

// Runtime is the handle the surface factory receives: access to the host
// surface proxy, the transfer registry, and the termination hook.
type Runtime struct {
	ep      *endpoint.Endpoint
	factory Factory
	bridge  *trace.Bridge
	log     *zap.Logger

	transfers *transfer.Registry

	mu           sync.Mutex
	surface      *dispatch.Surface
	host         *proxy.Proxy
	inited       bool
	listeners    map[int]TerminationListener
	nextListener int
}

func newRuntime(ep *endpoint.Endpoint, factory Factory, bridge *trace.Bridge, log *zap.Logger) *Runtime {
	return &Runtime{
		ep:        ep,
		factory:   factory,
		bridge:    bridge,
		log:       log,
		transfers: transfer.NewRegistry(),
		host:      proxy.Noop(),
		listeners: make(map[int]TerminationListener),
	}
}

// HostProxy returns a proxy to the initiator's host surface. When the
// initiator exposed none, calls on the returned proxy resolve to nil
// without any channel traffic.
func (rt *Runtime) HostProxy() *proxy.Proxy {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.host
}

// OnWillTerminate registers a termination listener. Multiple listeners are
// allowed; the returned function unregisters this one.
func (rt *Runtime) OnWillTerminate(fn TerminationListener) func() {
	rt.mu.Lock()
	id := rt.nextListener
	rt.nextListener++
	rt.listeners[id] = fn
	rt.mu.Unlock()
	return func() {
		rt.mu.Lock()
		delete(rt.listeners, id)
		rt.mu.Unlock()
	}
}

// Transfer marks value's next send to hand off the given buffers, or the
// value itself when it is a buffer and no list is given.
func (rt *Runtime) Transfer(value any, bufs ...*transport.Buffer) error {
	return rt.transfers.Mark(value, bufs...)
}

// install registers the control-message handlers. The ping handler
// answering is what moves the initiator from Loading to Listening: its
// existence proves this side is receiving.
func (rt *Runtime) install() {
	rt.ep.Handle(message.TypePing, rt.handlePing)
	rt.ep.Handle(message.TypeInit, rt.handleInit)
	rt.ep.Handle(message.TypeExecForward, rt.handleExec)
	rt.ep.Handle(message.TypeTerminate, rt.handleTerminate)
}

func (rt *Runtime) handlePing(_ context.Context, m transport.Message) {
	endpoint.Reply(m, &message.PingReply{Ready: true})
}

func (rt *Runtime) handleInit(ctx context.Context, m transport.Message) {
	var req message.InitRequest
	if err := message.Decode(m.Body, &req); err != nil {
		endpoint.Reply(m, &message.InitReply{Err: rt.envelope(err)})
		return
	}

	rt.mu.Lock()
	if rt.inited {
		rt.mu.Unlock()
		err := errors.New("worker: init received twice")
		endpoint.Reply(m, &message.InitReply{Err: rt.envelope(err)})
		return
	}
	rt.inited = true
	if req.HostSurface {
		rt.host = proxy.New(rt.callHost)
	}
	rt.mu.Unlock()

	surface, err := rt.runFactory(req.Options)
	if err != nil {
		endpoint.Reply(m, &message.InitReply{Err: rt.envelope(err)})
		return
	}
	rt.mu.Lock()
	rt.surface = dispatch.New(surface)
	rt.mu.Unlock()
	rt.log.Debug("worker surface initialized")
	endpoint.Reply(m, &message.InitReply{})
}

// runFactory invokes the user factory, turning a panic into an error so a
// broken factory fails the handshake instead of killing the worker.
func (rt *Runtime) runFactory(options map[string]any) (surface any, err error) {
	defer func() {
		if r := recover(); r != nil {
			surface = nil
			err = &dispatch.PanicError{Chain: []string{"factory"}, Value: r}
		}
	}()
	return rt.factory(options, rt)
}

func (rt *Runtime) handleExec(ctx context.Context, m transport.Message) {
	var req message.ExecRequest
	if err := message.Decode(m.Body, &req); err != nil {
		endpoint.Reply(m, &message.ExecReply{Err: rt.envelope(err)})
		return
	}
	rt.mu.Lock()
	surface := rt.surface
	rt.mu.Unlock()
	if surface == nil {
		err := errors.New("worker: call before init completed")
		endpoint.Reply(m, &message.ExecReply{Err: rt.envelope(err)})
		return
	}

	message.ResolveArgBuffers(req.Args, m.Transfers)
	ret, err := surface.Invoke(ctx, req.Chain, req.Args)
	if err != nil {
		endpoint.Reply(m, &message.ExecReply{Err: rt.envelope(err)})
		return
	}

	rets := []any{ret}
	bufs := message.ExtractTransfers(rt.transfers, rets)
	endpoint.Reply(m, &message.ExecReply{Ret: rets[0]}, bufs...)
}

// callHost is the invoker behind the host-surface proxy: the same exec
// round trip as forward calls, in the other direction.
func (rt *Runtime) callHost(ctx context.Context, chain []string, args []any) (any, error) {
	site := trace.CallSiteFrom(ctx)
	bufs := message.ExtractTransfers(rt.transfers, args)
	reply, err := rt.ep.SendWithReply(ctx, transport.Message{
		Type:      message.TypeExecBackward,
		Body:      &message.ExecRequest{Chain: chain, Args: args},
		Transfers: bufs,
	})
	if err != nil {
		return nil, err
	}
	var rep message.ExecReply
	if err := message.Decode(reply.Body, &rep); err != nil {
		return nil, err
	}
	if rep.Err != nil {
		return nil, rt.bridge.Reconcile(site, rep.Err)
	}
	return message.ResolveBuffers(rep.Ret, reply.Transfers), nil
}

func (rt *Runtime) handleTerminate(ctx context.Context, m transport.Message) {
	var req message.TerminateRequest
	if err := message.Decode(m.Body, &req); err != nil {
		endpoint.Reply(m, &message.TerminateReply{Err: rt.envelope(err)})
		return
	}

	rt.mu.Lock()
	listeners := make([]TerminationListener, 0, len(rt.listeners))
	for _, fn := range rt.listeners {
		listeners = append(listeners, fn)
	}
	rt.mu.Unlock()

	rt.log.Debug("terminating", zap.Bool("graceful", req.Graceful), zap.Int("listeners", len(listeners)))

	if req.Graceful {
		// All listeners run in parallel; termination proceeds even when
		// some fail, but their errors travel back to the initiator.
		errs := make([]error, len(listeners))
		var wg sync.WaitGroup
		for i, fn := range listeners {
			wg.Add(1)
			go func(i int, fn TerminationListener) {
				defer wg.Done()
				errs[i] = rt.runListener(ctx, fn, req.LastWords)
			}(i, fn)
		}
		wg.Wait()
		endpoint.Reply(m, &message.TerminateReply{Err: rt.envelope(multierr.Combine(errs...))})
	} else {
		for _, fn := range listeners {
			go rt.runListener(context.Background(), fn, req.LastWords)
		}
		endpoint.Reply(m, &message.TerminateReply{})
	}

	rt.ep.Close()
}

func (rt *Runtime) runListener(ctx context.Context, fn TerminationListener, lastWords any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &dispatch.PanicError{Chain: []string{"onWillTerminate"}, Value: r}
		}
	}()
	return fn(ctx, lastWords)
}

// envelope wraps a local failure for transport, capturing this context's
// frames unless the error brought its own.
func (rt *Runtime) envelope(err error) *trace.Envelope {
	if err == nil {
		return nil
	}
	type framed interface{ Frames() []trace.Frame }
	if f, ok := err.(framed); ok {
		return rt.bridge.Encode(err, f.Frames())
	}
	return rt.bridge.Encode(err, trace.Capture(1).Frames())
}
