// Package host is the initiator side of the channel: it spawns worker
// units, runs the readiness handshake, exposes a proxy to the worker's
// exported surface, and owns termination.
//
// Request processing pipeline for one call:
//
//	proxy.Call → middleware chain → ensure ready (shared connect)
//	  → consume transfer marks → SendWithReply over an ephemeral port
//	  → decode reply → reconcile enveloped error with the local call site
package host

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"worker-rpc/middleware"
	"worker-rpc/spawn"
	"worker-rpc/trace"
)

var (
	// ErrNoSpawner rejects a Runner built without a spawner. Configuration
	// errors like this stay local; they never cross the channel.
	ErrNoSpawner = errors.New("host: no spawner configured")

	// ErrBadUnit rejects a spawner that returned a nil unit or a unit
	// without a port.
	ErrBadUnit = errors.New("host: spawner returned an unusable worker unit")
)

// defaultPingInterval is how long one ping probe waits for a reply before
// resending. The worker may simply not have installed its handler yet;
// there is no delivery guarantee for messages sent before that.
const defaultPingInterval = 100 * time.Millisecond

// Runner spawns and supervises worker units. One Runner can start any
// number of workers; each Start returns an independent Handle.
type Runner struct {
	spawner      spawn.Spawner
	log          *zap.Logger
	bridge       *trace.Bridge
	mws          []middleware.Middleware
	pingInterval time.Duration
	replyPool    int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger installs a structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithErrorBridge sets the bridge used to reconstruct remote errors,
// including any registered typed-error constructors.
func WithErrorBridge(b *trace.Bridge) Option {
	return func(r *Runner) { r.bridge = b }
}

// WithMiddleware installs call interceptors, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Runner) { r.mws = append(r.mws, mws...) }
}

// WithPingInterval overrides the per-probe ping timeout.
func WithPingInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pingInterval = d
		}
	}
}

// WithReplyPool recycles up to size ephemeral reply ports per worker.
func WithReplyPool(size int) Option {
	return func(r *Runner) { r.replyPool = size }
}

// NewRunner creates a runner that spawns workers with the given spawner.
// The spawner is explicit, caller-owned configuration; there is no global
// registration and the last runner built does not affect earlier ones.
func NewRunner(spawner spawn.Spawner, opts ...Option) *Runner {
	r := &Runner{
		spawner:      spawner,
		log:          zap.NewNop(),
		bridge:       trace.NewBridge(),
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
