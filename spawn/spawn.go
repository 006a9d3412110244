// Package spawn creates worker units from opaque resource locators.
//
// A Spawner is the pluggable hook between "start a worker for this
// locator" and whatever actually runs the worker: a goroutine in the same
// process, a subprocess speaking the frame protocol over stdio, or anything
// else that can produce a connected port. Spawners are plain values passed
// to the initiator; there is no process-wide registration.
package spawn

import (
	"context"
	"errors"
	"fmt"

	"worker-rpc/transport"
)

// ErrUnknownLocator is returned when a spawner has no worker registered
// under the requested locator.
var ErrUnknownLocator = errors.New("spawn: unknown worker locator")

// Unit is one running worker. The initiator owns its lifecycle.
type Unit interface {
	// Port returns the initiator's end of the worker's root channel.
	Port() *transport.Port
	// Destroy tears the worker down. Safe to call more than once.
	Destroy() error
}

// Spawner turns a locator into a running worker unit. The locator string
// is passed through unmodified, so callers can intercept or transform it
// before their spawner ever sees it.
type Spawner func(locator string) (Unit, error)

// Main is an in-process worker entry point. It receives the worker's end
// of the root channel and should serve on it until the context is
// cancelled, typically via worker.Provider.Serve.
type Main func(ctx context.Context, port *transport.Port)

// Goroutine builds a spawner that runs registered entry points on
// goroutines in the current process. The registry maps locators to entry
// points; spawning an unregistered locator fails.
func Goroutine(registry map[string]Main) Spawner {
	return func(locator string) (Unit, error) {
		main, ok := registry[locator]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLocator, locator)
		}
		hostSide, workerSide := transport.Pair()
		ctx, cancel := context.WithCancel(context.Background())
		go main(ctx, workerSide)
		return &goroutineUnit{port: hostSide, cancel: cancel}, nil
	}
}

type goroutineUnit struct {
	port   *transport.Port
	cancel context.CancelFunc
}

func (u *goroutineUnit) Port() *transport.Port { return u.port }

func (u *goroutineUnit) Destroy() error {
	u.cancel()
	return u.port.Close()
}
