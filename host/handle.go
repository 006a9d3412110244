package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"worker-rpc/dispatch"
	"worker-rpc/endpoint"
	"worker-rpc/lifecycle"
	"worker-rpc/message"
	"worker-rpc/middleware"
	"worker-rpc/proxy"
	"worker-rpc/spawn"
	"worker-rpc/trace"
	"worker-rpc/transfer"
	"worker-rpc/transport"
)

// Handle is one spawned worker: a proxy to its exported surface plus
// termination. The handle is the single writer of the worker's lifecycle
// state.
type Handle struct {
	runner *Runner
	log    *zap.Logger

	locator     string
	options     map[string]any
	hostSurface any

	unit      spawn.Unit
	ep        *endpoint.Endpoint
	machine   *lifecycle.Machine
	transfers *transfer.Registry
	wproxy    *proxy.Proxy
	stop      context.CancelFunc

	killMu  sync.Mutex
	killing bool
}

// Start spawns a worker for the locator and returns its handle. options
// travel to the provider's surface factory in the init message;
// hostSurface, when non-nil, becomes callable from the worker through its
// runtime's host proxy.
//
// The handshake itself is lazy: the first call (or kill) drives the ping
// and init sequence, and concurrent callers share the one in-flight
// connect.
func (r *Runner) Start(ctx context.Context, locator string, options map[string]any, hostSurface any) (*Handle, error) {
	if r.spawner == nil {
		return nil, ErrNoSpawner
	}
	unit, err := r.spawner(locator)
	if err != nil {
		return nil, fmt.Errorf("host: spawn %q: %w", locator, err)
	}
	if unit == nil || unit.Port() == nil {
		return nil, ErrBadUnit
	}

	h := &Handle{
		runner:      r,
		log:         r.log.With(zap.String("locator", locator)),
		locator:     locator,
		options:     options,
		hostSurface: hostSurface,
		unit:        unit,
		ep: endpoint.New(unit.Port(),
			endpoint.WithLogger(r.log),
			endpoint.WithReplyPool(r.replyPool)),
		transfers: transfer.NewRegistry(),
	}
	h.machine = lifecycle.New(h.connect)

	listenCtx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	if hostSurface != nil {
		h.serveHostSurface(dispatch.New(hostSurface))
	}
	go h.ep.Listen(listenCtx)

	call := middleware.Chain(r.mws...)(h.baseCall)
	h.wproxy = proxy.New(proxy.Invoker(call))
	return h, nil
}

// WorkerProxy returns the chain-building proxy to the worker's exported
// surface.
func (h *Handle) WorkerProxy() *proxy.Proxy { return h.wproxy }

// Transfer marks value's next send to hand off the given buffers, or the
// value itself when it is a buffer and no list is given.
func (h *Handle) Transfer(value any, bufs ...*transport.Buffer) error {
	return h.transfers.Mark(value, bufs...)
}

// State reports the worker's lifecycle state.
func (h *Handle) State() lifecycle.State { return h.machine.State() }

// Fork spawns an identical new worker: same locator, options, and host
// surface. The fork shares nothing with its origin, not even readiness.
func (h *Handle) Fork(ctx context.Context) (*Handle, error) {
	return h.runner.Start(ctx, h.locator, h.options, h.hostSurface)
}

// Kill terminates the worker. With graceful set, every registered
// termination listener completes before the unit is destroyed; otherwise
// listeners are started but not awaited and the unit dies right after the
// termination reply. In-flight calls are rejected with
// lifecycle.ErrKilled rather than left hanging. A second kill fails with
// ErrKilled.
func (h *Handle) Kill(ctx context.Context, lastWords any, graceful bool) error {
	h.killMu.Lock()
	if h.killing {
		h.killMu.Unlock()
		return lifecycle.ErrKilled
	}
	h.killing = true
	h.killMu.Unlock()

	// The terminate message needs a connected worker; a worker still
	// loading gets the full handshake first so its listeners can run.
	var listenerErr error
	if err := h.machine.EnsureReady(ctx); err == nil {
		site := trace.Capture(0)
		reply, err := h.ep.SendWithReply(ctx, transport.Message{
			Type: message.TypeTerminate,
			Body: &message.TerminateRequest{LastWords: lastWords, Graceful: graceful},
		})
		if err == nil {
			var rep message.TerminateReply
			if derr := message.Decode(reply.Body, &rep); derr == nil && rep.Err != nil {
				listenerErr = h.runner.bridge.Reconcile(site, rep.Err)
			}
		} else {
			h.log.Warn("terminate reply not received", zap.Error(err))
		}
	} else {
		h.log.Warn("killing worker that never became ready", zap.Error(err))
	}

	h.machine.Kill()
	h.stop()
	h.ep.Close()
	if err := h.unit.Destroy(); err != nil {
		h.log.Warn("worker unit destroy failed", zap.Error(err))
	}
	h.log.Debug("worker killed", zap.Bool("graceful", graceful))
	return listenerErr
}

// baseCall is the innermost CallFunc: it waits for readiness, ships the
// captured chain, and reconciles a failure reply against the call site
// captured back in proxy.Call.
func (h *Handle) baseCall(ctx context.Context, chain []string, args []any) (any, error) {
	site := trace.CallSiteFrom(ctx)
	if err := h.machine.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if h.machine.State() == lifecycle.Killed {
		return nil, lifecycle.ErrKilled
	}

	bufs := message.ExtractTransfers(h.transfers, args)
	reply, err := h.ep.SendWithReply(ctx, transport.Message{
		Type:      message.TypeExecForward,
		Body:      &message.ExecRequest{Chain: chain, Args: args},
		Transfers: bufs,
	})
	if err != nil {
		if errors.Is(err, endpoint.ErrClosed) {
			return nil, lifecycle.ErrKilled
		}
		return nil, err
	}
	var rep message.ExecReply
	if err := message.Decode(reply.Body, &rep); err != nil {
		return nil, err
	}
	if rep.Err != nil {
		return nil, h.runner.bridge.Reconcile(site, rep.Err)
	}
	return message.ResolveBuffers(rep.Ret, reply.Transfers), nil
}

// connect drives the handshake: ping until the worker listens, then init
// until the surface factory reports in. Runs at most once at a time; see
// lifecycle.Machine.
func (h *Handle) connect(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(h.runner.pingInterval), 1)
	for {
		if h.machine.State() == lifecycle.Killed {
			return lifecycle.ErrKilled
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, h.runner.pingInterval)
		reply, err := h.ep.SendWithReply(probeCtx, transport.Message{Type: message.TypePing})
		cancel()
		if err != nil {
			if errors.Is(err, endpoint.ErrClosed) {
				return lifecycle.ErrKilled
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Probe timed out: the worker has not bound its port yet and
			// the ping was dropped. Resend.
			continue
		}
		var pong message.PingReply
		if err := message.Decode(reply.Body, &pong); err == nil && pong.Ready {
			break
		}
	}
	// A retried connect after a failed init finds the machine already past
	// Loading; only the first attempt advances it.
	if h.machine.State() == lifecycle.Loading {
		if err := h.machine.Advance(lifecycle.Listening); err != nil {
			return err
		}
	}
	h.log.Debug("worker listening")

	site := trace.Capture(0)
	reply, err := h.ep.SendWithReply(ctx, transport.Message{
		Type: message.TypeInit,
		Body: &message.InitRequest{Options: h.options, HostSurface: h.hostSurface != nil},
	})
	if err != nil {
		if errors.Is(err, endpoint.ErrClosed) {
			return lifecycle.ErrKilled
		}
		return err
	}
	var rep message.InitReply
	if err := message.Decode(reply.Body, &rep); err != nil {
		return err
	}
	if rep.Err != nil {
		return h.runner.bridge.Reconcile(site, rep.Err)
	}
	h.log.Debug("worker ready")
	return nil
}

// serveHostSurface answers the worker's backward calls against the host
// surface, mirroring the provider's forward dispatch.
func (h *Handle) serveHostSurface(surface *dispatch.Surface) {
	h.ep.Handle(message.TypeExecBackward, func(ctx context.Context, m transport.Message) {
		var req message.ExecRequest
		if err := message.Decode(m.Body, &req); err != nil {
			endpoint.Reply(m, &message.ExecReply{Err: h.envelope(err)})
			return
		}
		message.ResolveArgBuffers(req.Args, m.Transfers)
		ret, err := surface.Invoke(ctx, req.Chain, req.Args)
		if err != nil {
			endpoint.Reply(m, &message.ExecReply{Err: h.envelope(err)})
			return
		}
		rets := []any{ret}
		bufs := message.ExtractTransfers(h.transfers, rets)
		endpoint.Reply(m, &message.ExecReply{Ret: rets[0]}, bufs...)
	})
}

func (h *Handle) envelope(err error) *trace.Envelope {
	if err == nil {
		return nil
	}
	type framed interface{ Frames() []trace.Frame }
	if f, ok := err.(framed); ok {
		return h.runner.bridge.Encode(err, f.Frames())
	}
	return h.runner.bridge.Encode(err, trace.Capture(1).Frames())
}
